// Command tm is the taskmesh server and operations CLI.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/dispatch"
	"github.com/taskmesh/taskmesh/internal/embed"
	"github.com/taskmesh/taskmesh/internal/graph"
	"github.com/taskmesh/taskmesh/internal/markdown"
	"github.com/taskmesh/taskmesh/internal/mcp"
	"github.com/taskmesh/taskmesh/internal/memory"
	"github.com/taskmesh/taskmesh/internal/notify"
	"github.com/taskmesh/taskmesh/internal/session"
	"github.com/taskmesh/taskmesh/internal/vecstore"
)

// Version is stamped by the release build.
var Version = "0.1.0"

// CLI exit codes.
const (
	exitOK          = 0
	exitFailure     = 1
	exitConfig      = 2
	exitBindFailure = 3
)

// exitError carries a specific process exit code up to main.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		code := exitFailure
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(code)
	}
	os.Exit(exitOK)
}

func newRootCmd() *cobra.Command {
	var configFile string
	root := &cobra.Command{
		Use:           "tm",
		Short:         "Work-item graph and memory server for AI agents",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	root.AddCommand(newServerCmd(&configFile))
	root.AddCommand(newToolsCmd(&configFile))
	return root
}

// loadConfig wraps config errors with the config exit code.
func loadConfig(file string) (*config.Config, error) {
	cfg, err := config.Load(file)
	if err != nil {
		return nil, &exitError{code: exitConfig, err: err}
	}
	return cfg, nil
}

// newLogger builds a zap logger honoring LOG_LEVEL. Logs go to stderr
// so the stdio transport owns stdout.
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}

// app is the assembled service graph.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	catalog  *vecstore.Catalog
	embedder embed.Engine
	graph    *graph.Engine
	arch     *memory.ArchStore
	trouble  *memory.TroubleStore
	sync     *markdown.Service
	sessions *session.Manager
	notifier *notify.Notifier
	core     *mcp.Core
}

// buildApp wires every component once at startup; nothing is global.
func buildApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	catalog, err := vecstore.NewCatalog(cfg.DataDir, logger)
	if err != nil {
		return nil, err
	}
	embedder, err := embed.New(embed.Config{
		Provider:       cfg.EmbedProvider,
		Dimensions:     cfg.EmbeddingDim,
		OllamaEndpoint: cfg.OllamaEndpoint,
		OllamaModel:    cfg.OllamaModel,
	})
	if err != nil {
		catalog.Close()
		return nil, err
	}

	g := graph.NewEngine(catalog, embedder, logger)
	arch := memory.NewArchStore(catalog, embedder, logger)
	trouble := memory.NewTroubleStore(catalog, embedder, logger)
	syncSvc := markdown.NewService(catalog, g, arch, trouble, logger)
	sessions := session.NewManager(logger)
	notifier := notify.New(logger)

	registry := dispatch.BuildRegistry(g, arch, trouble, syncSvc, notifier, backupDir(cfg))
	dispatcher := dispatch.NewDispatcher(registry, sessions, logger)
	dispatcher.OnBindingViolation(notifier.Unsubscribe)

	core := mcp.NewCore(dispatcher, sessions, notifier, Version, cfg.RequestTimeout, cfg.MaxConcurrent, logger)

	return &app{
		cfg:      cfg,
		logger:   logger,
		catalog:  catalog,
		embedder: embedder,
		graph:    g,
		arch:     arch,
		trouble:  trouble,
		sync:     syncSvc,
		sessions: sessions,
		notifier: notifier,
		core:     core,
	}, nil
}

func (a *app) close() {
	if err := a.catalog.Close(); err != nil {
		a.logger.Warn("closing catalog", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func backupDir(cfg *config.Config) string {
	return cfg.DataDir + "/backups"
}
