package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/embed"
	"github.com/taskmesh/taskmesh/internal/vecstore"
)

func newToolsCmd(configFile *string) *cobra.Command {
	tools := &cobra.Command{
		Use:   "tools",
		Short: "Operational utilities",
	}
	tools.AddCommand(newHealthCheckCmd(configFile))
	tools.AddCommand(newValidateConfigCmd(configFile))
	tools.AddCommand(newBackupCmd(configFile))
	return tools
}

func newHealthCheckCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "health-check",
		Short: "Verify the data directory and embedding provider are reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			a, err := buildApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			db, err := a.catalog.Namespace(cfg.NamespaceDefault)
			if err != nil {
				return fmt.Errorf("vector store: %w", err)
			}
			if _, err := db.Count(ctx, vecstore.TableWorkItems); err != nil {
				return fmt.Errorf("vector store: %w", err)
			}
			fmt.Printf("vector store: ok (%s)\n", a.catalog.Root())

			if hc, ok := a.embedder.(embed.HealthChecker); ok {
				if err := hc.HealthCheck(ctx); err != nil {
					return fmt.Errorf("embedding provider %s: %w", a.embedder.Name(), err)
				}
			}
			fmt.Printf("embedding provider: ok (%s, %d dims)\n", a.embedder.Name(), a.embedder.Dimensions())
			return nil
		},
	}
}

func newValidateConfigCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			fmt.Printf("config ok: mode=%s addr=%s data=%s dim=%d\n",
				cfg.Mode, cfg.Addr(), cfg.DataDir, cfg.EmbeddingDim)
			return nil
		},
	}
}

func newBackupCmd(configFile *string) *cobra.Command {
	backup := &cobra.Command{
		Use:   "backup",
		Short: "Create, restore, and list namespace backups",
	}

	var ns string
	create := &cobra.Command{
		Use:   "create",
		Short: "Export a namespace into a tarball",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			a, err := quietApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()
			target := ns
			if target == "" {
				target = cfg.NamespaceDefault
			}
			info, err := a.sync.BackupCreate(cmd.Context(), target, backupDir(cfg))
			if err != nil {
				return err
			}
			fmt.Printf("created %s (%d work items, %d architecture, %d troubleshoot)\n",
				info.Path,
				info.Manifest.Counts["work_item"],
				info.Manifest.Counts["architecture"],
				info.Manifest.Counts["troubleshoot"])
			return nil
		},
	}
	create.Flags().StringVar(&ns, "namespace", "", "namespace to back up")

	var restoreNS string
	restore := &cobra.Command{
		Use:   "restore <tarball>",
		Short: "Restore a backup tarball, replacing the namespace contents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			a, err := quietApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()
			res, err := a.sync.BackupRestore(cmd.Context(), args[0], restoreNS)
			if err != nil {
				return err
			}
			if res.WorkItems != nil {
				fmt.Printf("work items: %d created, %d updated, %d deleted, %d errors\n",
					res.WorkItems.Created, res.WorkItems.Updated, res.WorkItems.Deleted, len(res.WorkItems.Errors))
			}
			if res.Architecture != nil {
				fmt.Printf("architecture: %d created, %d updated, %d deleted, %d errors\n",
					res.Architecture.Created, res.Architecture.Updated, res.Architecture.Deleted, len(res.Architecture.Errors))
			}
			if res.Troubleshoot != nil {
				fmt.Printf("troubleshoot: %d created, %d updated, %d deleted, %d errors\n",
					res.Troubleshoot.Created, res.Troubleshoot.Updated, res.Troubleshoot.Deleted, len(res.Troubleshoot.Errors))
			}
			return nil
		},
	}
	restore.Flags().StringVar(&restoreNS, "namespace", "", "restore into this namespace instead of the manifest's")

	list := &cobra.Command{
		Use:   "list",
		Short: "List backup tarballs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			a, err := quietApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()
			backups, err := a.sync.BackupList(backupDir(cfg))
			if err != nil {
				return err
			}
			if len(backups) == 0 {
				fmt.Println("no backups")
				return nil
			}
			for _, b := range backups {
				fmt.Printf("%s  ns=%s  created=%s  items=%d\n",
					b.Path, b.Manifest.Namespace,
					b.Manifest.CreatedAt.Format(time.RFC3339),
					b.Manifest.Counts["work_item"])
			}
			return nil
		},
	}

	backup.AddCommand(create, restore, list)
	return backup
}

// quietApp builds the app with warn-level logging for one-shot
// commands.
func quietApp(cfg *config.Config) (*app, error) {
	logger, err := newLogger("warn")
	if err != nil {
		return nil, err
	}
	return buildApp(cfg, logger)
}
