package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/chirino/meshkeeper-sub000/internal/config"
)

func newConfigCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate, lock and show configuration",
	}
	cmd.AddCommand(newConfigCheckCommand(opts), newConfigLockCommand(opts), newConfigShowCommand(opts))
	return cmd
}

// resolveConfigPath returns --config or the discovered file.
func (o *rootOptions) resolveConfigPath() (string, error) {
	if o.configPath != "" {
		return o.configPath, nil
	}
	path, err := config.Discover()
	if err != nil {
		return "", &syntaxError{err: err}
	}
	return path, nil
}

func newConfigCheckCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config and verify its .checksums manifest",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := opts.resolveConfigPath()
			if err != nil {
				return err
			}
			cfg, err := config.Load(path)
			if err != nil {
				return &syntaxError{err: err}
			}

			out := cmd.OutOrStdout()
			result, err := config.VerifyIntegrity(filepath.Dir(cfg.SourceFiles[0]), cfg.SourceFiles)
			if err != nil {
				return err
			}
			for _, w := range result.Warnings {
				fmt.Fprintf(out, "warning: %s\n", w)
			}
			for _, f := range cfg.SourceFiles {
				fmt.Fprintf(out, "  %s\n", f)
			}
			fmt.Fprintf(out, "Configuration valid (%d files)\n", len(cfg.SourceFiles))
			return nil
		},
	}
}

func newConfigLockCommand(opts *rootOptions) *cobra.Command {
	var dryRun, verbose bool
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Write the BLAKE3 .checksums manifest for the config and its includes",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := opts.resolveConfigPath()
			if err != nil {
				return err
			}
			report, err := config.Lock(path, dryRun)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if verbose || dryRun {
				for _, f := range report.Files {
					fmt.Fprintf(out, "  %s  %s\n", f.Hash[:16], f.Name)
				}
			}
			if dryRun {
				fmt.Fprintf(out, "Dry run: would write %s (%d files)\n", report.ChecksumPath, len(report.Files))
				return nil
			}
			fmt.Fprintf(out, "Wrote %s (%d files)\n", report.ChecksumPath, len(report.Files))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Hash files without writing the manifest")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "List every hashed file")
	return cmd
}

func newConfigShowCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with defaults applied",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			redacted := *cfg
			redacted.Include = nil
			redact(&redacted.Registry.Token)
			redact(&redacted.RegistryServer.APIKey)
			redact(&redacted.Agent.Remoting.Token)
			redact(&redacted.Client.Remoting.Token)
			redacted.RegistryServer.Tokens = nil

			data, err := yaml.Marshal(&redacted)
			if err != nil {
				return fmt.Errorf("render config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func redact(s *string) {
	if *s != "" {
		*s = "********"
	}
}
