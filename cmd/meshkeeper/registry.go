package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chirino/meshkeeper-sub000/internal/events"
	"github.com/chirino/meshkeeper-sub000/internal/log"
	"github.com/chirino/meshkeeper-sub000/internal/registry/service"
	"github.com/chirino/meshkeeper-sub000/internal/registry/sqltree"
	"github.com/chirino/meshkeeper-sub000/internal/storage"
)

func newRegistryCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Registry service commands",
	}

	var listen, dbPath string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the registry service",
		Long: `Run the registry service that agents and clients share.

Nodes live in SQLite. Data nodes belong to the session that created them and
disappear when that session closes or stops heartbeating.

Press Ctrl+C to shut down.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			sc := cfg.RegistryServer
			if listen != "" {
				sc.Listen = listen
			}
			if dbPath != "" {
				sc.DBPath = dbPath
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			db, err := storage.OpenSQLite(ctx, sc.DBPath)
			if err != nil {
				return fmt.Errorf("open registry database: %w", err)
			}
			defer db.Close()

			tree := sqltree.New(db, events.NewHub(sc.EventBuffer))
			srv := service.New(service.Config{
				Listen:       sc.Listen,
				APIKey:       sc.APIKey,
				Tokens:       sc.Tokens,
				ReapInterval: sc.ReapInterval,
				MaxWait:      sc.MaxWait,
			}, tree, log.WithComponent("registry"))

			log.Info("registry service starting", "listen", sc.Listen, "db", sc.DBPath)
			if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			log.Info("registry service stopped")
			return nil
		},
	}
	serve.Flags().StringVar(&listen, "listen", "", "Override registry_server.listen")
	serve.Flags().StringVar(&dbPath, "db", "", "Override registry_server.db_path")

	cmd.AddCommand(serve)
	return cmd
}
