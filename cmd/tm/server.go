package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/mcp"
)

func newServerCmd(configFile *string) *cobra.Command {
	server := &cobra.Command{
		Use:   "server",
		Short: "Run the server",
	}

	var mode, host, ns string
	var port int
	start := &cobra.Command{
		Use:   "start",
		Short: "Start the server in stdio, http, websocket, or combined mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			if mode != "" {
				cfg.Mode = config.Mode(mode)
			}
			if host != "" {
				cfg.Host = host
			}
			if port != 0 {
				cfg.Port = port
			}
			if ns != "" {
				cfg.NamespaceDefault = ns
			}
			if err := cfg.Validate(); err != nil {
				return &exitError{code: exitConfig, err: err}
			}
			return runServer(cfg)
		},
	}
	start.Flags().StringVar(&mode, "mode", "", "transport mode: stdio|http|websocket|combined")
	start.Flags().StringVar(&host, "host", "", "bind host")
	start.Flags().IntVar(&port, "port", 0, "bind port")
	start.Flags().StringVar(&ns, "namespace", "", "default namespace for stdio sessions")

	server.AddCommand(start)
	return server
}

func runServer(cfg *config.Config) error {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting server",
		zap.String("mode", string(cfg.Mode)),
		zap.String("version", Version),
		zap.String("data_dir", cfg.DataDir))

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Mode == config.ModeStdio || cfg.Mode == config.ModeCombined {
		stdio := mcp.NewStdioServer(a.core, cfg.NamespaceDefault, logger)
		g.Go(func() error {
			return stdio.Serve(ctx, os.Stdin, os.Stdout)
		})
	}

	if cfg.Mode != config.ModeStdio {
		srv := mcp.NewServer(a.core, string(cfg.Mode), logger)
		httpServer := &http.Server{
			Addr:              cfg.Addr(),
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		ln, err := net.Listen("tcp", cfg.Addr())
		if err != nil {
			return &exitError{code: exitBindFailure, err: err}
		}
		logger.Info("listening", zap.String("addr", cfg.Addr()))
		g.Go(func() error {
			if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("server stopped")
	return nil
}
