package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chirino/meshkeeper-sub000/internal/config"
	"github.com/chirino/meshkeeper-sub000/internal/log"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitSyntax  = 2
)

// syntaxError marks bad arguments or an unusable config file.
type syntaxError struct{ err error }

func (e *syntaxError) Error() string { return e.err.Error() }
func (e *syntaxError) Unwrap() error { return e.err }

func syntaxf(format string, args ...any) error {
	return &syntaxError{err: fmt.Errorf(format, args...)}
}

// exitCodeError carries the exit code of a remote process out of `run`.
type exitCodeError struct{ code int }

func (e *exitCodeError) Error() string { return fmt.Sprintf("process exited with code %d", e.code) }

func main() {
	os.Exit(runCLI(os.Args[1:], os.Stdout, os.Stderr))
}

func runCLI(args []string, stdout, stderr io.Writer) int {
	root := newRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err == nil {
		return exitOK
	}

	var exitErr *exitCodeError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)

	var synErr *syntaxError
	if errors.As(err, &synErr) || strings.HasPrefix(err.Error(), "unknown command") {
		return exitSyntax
	}
	return exitFailure
}

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "meshkeeper",
		Short: "Distributed process launching over a shared registry",
		Long: `meshkeeper runs launch agents that start processes on behalf of remote
clients. Agents and clients find each other through a registry service.

Usage:
  meshkeeper registry serve      Run the registry service
  meshkeeper agent start         Run a launch agent on this host
  meshkeeper agents              List available agents
  meshkeeper run -a AGENT -- CMD Launch a process on an agent
  meshkeeper watch               Live view of registry membership
  meshkeeper config check|lock   Validate or lock the config`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to meshkeeper.yaml or its directory (default: discovered)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override service.log_level")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "Override service.log_format")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &syntaxError{err: err}
	})

	root.AddCommand(
		newRegistryCommand(opts),
		newAgentCommand(opts),
		newAgentsCommand(opts),
		newRunCommand(opts),
		newWatchCommand(opts),
		newConfigCommand(opts),
		newVersionCommand(),
	)
	return root
}

// loadConfig resolves the config path, loads it and sets up logging. With
// no --config and nothing discovered, defaults are used.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	path := o.configPath
	if path == "" {
		if found, err := config.Discover(); err == nil {
			path = found
		}
	}

	var cfg *config.Config
	if path == "" {
		cfg = config.Defaults()
	} else {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, &syntaxError{err: fmt.Errorf("load config: %w", err)}
		}
		cfg = loaded
	}

	if o.logLevel != "" {
		cfg.Service.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Service.LogFormat = o.logFormat
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	return cfg, nil
}

// noArgs rejects positional arguments as a syntax error.
func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return syntaxf("%s takes no arguments (got %q)", cmd.CommandPath(), args)
	}
	return nil
}
