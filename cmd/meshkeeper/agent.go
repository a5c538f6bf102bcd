package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/chirino/meshkeeper-sub000/internal/agent"
	"github.com/chirino/meshkeeper-sub000/internal/log"
)

const shutdownTimeout = 30 * time.Second

func newAgentCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Launch agent commands",
	}

	var id, dataDir string
	start := &cobra.Command{
		Use:   "start",
		Short: "Run a launch agent on this host",
		Long: `Run a launch agent. The agent registers under /launchers/<ID> and
launches processes for the client bound to it. Only one agent may use a data
directory at a time.

SIGINT or SIGTERM kills every launched process and unregisters the agent.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ac := cfg.Agent
			if id != "" {
				ac.ID = id
			}
			if dataDir != "" {
				ac.DataDir = dataDir
			}

			ctx := cmd.Context()
			owner := ac.ID
			if owner == "" {
				owner = "agent"
			}
			dist, err := openDistributor(ctx, cfg, owner, ac.Remoting)
			if err != nil {
				return err
			}
			defer func() {
				dctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := dist.Destroy(dctx); err != nil {
					log.Warn("distributor teardown failed", "error", err)
				}
			}()

			a, err := agent.New(agent.Config{
				ID:              ac.ID,
				DataDir:         ac.DataDir,
				MonitorInterval: ac.MonitorInterval,
				KillGrace:       ac.KillGrace,
				MaxProcessAge:   ac.MaxProcessAge,
				OrphanTempAge:   ac.OrphanTempAge,
				PortMin:         ac.PortMin,
				PortMax:         ac.PortMax,
				RepositoryDir:   ac.RepositoryDir,
				HandleSignals:   true,
			}, dist)
			if err != nil {
				return &syntaxError{err: err}
			}
			if err := a.Start(ctx); err != nil {
				return err
			}
			log.Info("agent started", "agent", a.ID(), "data_dir", ac.DataDir)

			select {
			case <-a.Done():
			case <-ctx.Done():
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := a.Stop(sctx); err != nil {
					return err
				}
			}
			log.Info("agent stopped", "agent", a.ID())
			return nil
		},
	}
	start.Flags().StringVar(&id, "id", "", "Override agent.id (defaults to the hostname)")
	start.Flags().StringVar(&dataDir, "data-dir", "", "Override agent.data_dir")

	cmd.AddCommand(start)
	return cmd
}
