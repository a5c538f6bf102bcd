package main

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/chirino/meshkeeper-sub000/internal/tui/watch"
)

func newWatchCommand(opts *rootOptions) *cobra.Command {
	var registryURL string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live view of agents, clients and sessions",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			uri := cfg.Registry.URI
			if registryURL != "" {
				uri = registryURL
			}
			if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
				return syntaxf("watch needs an http(s) registry, got %q", uri)
			}

			p := tea.NewProgram(watch.New(strings.TrimRight(uri, "/"), cfg.Registry.Token),
				tea.WithContext(cmd.Context()))
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("watch: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&registryURL, "registry", "", "Override registry.uri")
	return cmd
}
