package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chirino/meshkeeper-sub000/internal/client"
	"github.com/chirino/meshkeeper-sub000/internal/config"
	"github.com/chirino/meshkeeper-sub000/internal/expr"
	"github.com/chirino/meshkeeper-sub000/internal/launch"
	"github.com/chirino/meshkeeper-sub000/internal/log"
)

// startClient opens a distributor for the configured client and starts a
// launch client on it. The returned func destroys both.
func startClient(ctx context.Context, cfg *config.Config) (*client.Client, func(), error) {
	cc := cfg.Client
	user := cc.User
	if user == "" {
		user = "cli"
	}
	dist, err := openDistributor(ctx, cfg, user, cc.Remoting)
	if err != nil {
		return nil, nil, err
	}
	c := client.New(client.Config{
		User:          cc.User,
		BindTimeout:   cc.BindTimeout,
		LaunchTimeout: cc.LaunchTimeout,
		KillTimeout:   cc.KillTimeout,
	}, dist)
	closeAll := func() {
		dctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := c.Destroy(dctx); err != nil {
			log.Warn("client teardown failed", "error", err)
		}
		if err := dist.Destroy(dctx); err != nil {
			log.Warn("distributor teardown failed", "error", err)
		}
	}
	if err := c.Start(ctx); err != nil {
		closeAll()
		return nil, nil, err
	}
	return c, closeAll, nil
}

func newAgentsCommand(opts *rootOptions) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List the agents registered with the registry",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			c, closeAll, err := startClient(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeAll()

			if wait > 0 {
				if err := c.WaitForAvailableAgents(ctx, wait); err != nil {
					return err
				}
			}

			names := c.Agents()
			sort.Strings(names)
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "AGENT\tHOST\tOS\tARCH\tCPUS")
			for _, name := range names {
				props, err := c.HostProperties(ctx, name)
				if err != nil {
					// It may have left since the listing.
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", name,
					props["hostname"], props["os.name"], props["os.arch"], props["num.cpus"])
			}
			return tw.Flush()
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "Wait up to this long for at least one agent")
	return cmd
}

// streamListener copies process output to the command's writers.
type streamListener struct {
	stdout, stderr io.Writer
	mu             sync.Mutex
	exit           chan int
}

func (l *streamListener) OnProcessOutput(fd int, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if fd == launch.Stderr {
		_, _ = l.stderr.Write(data)
		return
	}
	_, _ = l.stdout.Write(data)
}

func (l *streamListener) OnProcessExit(code int) { l.exit <- code }

func (l *streamListener) OnProcessError(message string) {
	log.Warn("process error", "message", message)
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	var (
		agentName   string
		workDir     string
		env         []string
		interactive bool
		bind        bool
		wait        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run -a AGENT [flags] -- COMMAND [ARGS...]",
		Short: "Launch a process on an agent and stream its output",
		Long: `Launch a process on an agent and stream its output. The command exits
with the remote process's exit code. SIGINT or SIGTERM kills the remote
process.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return syntaxf("run needs a command after --")
			}
			if agentName == "" {
				return syntaxf("run needs --agent")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			d := launch.NewDescription(expr.Lits(args...)...)
			for _, kv := range env {
				name, value, ok := strings.Cut(kv, "=")
				if !ok || name == "" {
					return syntaxf("--env %q is not NAME=VALUE", kv)
				}
				d.SetEnv(name, expr.Lit(value))
			}
			if workDir != "" {
				d.SetWorkDir(expr.Lit(workDir))
			}

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, closeAll, err := startClient(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeAll()

			if wait > 0 {
				if err := c.WaitForAvailableAgents(ctx, wait); err != nil {
					return err
				}
			}
			if bind {
				if err := c.BindAgent(ctx, agentName); err != nil {
					return err
				}
			}

			listener := &streamListener{stdout: cmd.OutOrStdout(), stderr: cmd.ErrOrStderr(), exit: make(chan int, 1)}
			proc, err := c.LaunchProcess(ctx, agentName, d, listener)
			if err != nil {
				return err
			}
			log.Debug("process launched", "agent", proc.Agent(), "pid", proc.Pid())

			if interactive {
				go forwardStdin(ctx, cmd.InOrStdin(), proc)
			} else if err := proc.CloseStdin(ctx); err != nil && !errors.Is(err, launch.ErrClosed) {
				log.Warn("close stdin failed", "error", err)
			}

			select {
			case code := <-listener.exit:
				if code != 0 {
					return &exitCodeError{code: code}
				}
				return nil
			case <-ctx.Done():
				kctx, cancel := context.WithTimeout(context.Background(), cfg.Client.KillTimeout)
				defer cancel()
				if err := proc.Kill(kctx); err != nil {
					return fmt.Errorf("kill %s/%d: %w", proc.Agent(), proc.Pid(), err)
				}
				return &exitCodeError{code: 130}
			}
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVarP(&agentName, "agent", "a", "", "Agent to launch on")
	cmd.Flags().StringVarP(&workDir, "workdir", "w", "", "Working directory on the agent (default: a per-launch temp dir)")
	cmd.Flags().StringArrayVarP(&env, "env", "e", nil, "Environment variable NAME=VALUE (repeatable)")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Forward local stdin to the process")
	cmd.Flags().BoolVar(&bind, "bind", false, "Bind the agent exclusively for the duration of the run")
	cmd.Flags().DurationVar(&wait, "wait", 0, "Wait up to this long for an agent to appear")
	return cmd
}

func forwardStdin(ctx context.Context, in io.Reader, proc *client.ProcessProxy) {
	buf := make([]byte, 8*1024)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			if werr := proc.WriteStdin(ctx, append([]byte(nil), buf[:n]...)); werr != nil {
				log.Debug("stdin forwarding stopped", "error", werr)
				return
			}
		}
		if err != nil {
			if cerr := proc.CloseStdin(ctx); cerr != nil && !errors.Is(cerr, launch.ErrClosed) {
				log.Debug("close stdin failed", "error", cerr)
			}
			return
		}
	}
}
