package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chirino/meshkeeper-sub000/internal/expr"
	"github.com/chirino/meshkeeper-sub000/internal/launch"
	"github.com/chirino/meshkeeper-sub000/internal/workspace"
)

func (a *Agent) runTask(ctx context.Context, task launch.Task, props expr.Properties, logger *slog.Logger) error {
	switch {
	case task.Install != nil:
		files, err := a.resolver.Resolve(ctx, task.Install.Artifact)
		if err != nil {
			return err
		}
		dest := task.Install.Dest.Evaluate(props)
		if dest == "" {
			return fmt.Errorf("install %s: destination evaluates to empty", task.Install.Artifact)
		}
		if err := workspace.InstallFiles(ctx, files, dest); err != nil {
			return err
		}
		logger.Debug("artifact installed", "artifact", task.Install.Artifact, "dest", dest, "files", len(files))
		return nil

	case task.SubLaunch != nil:
		return a.subLaunch(ctx, task.SubLaunch, logger)

	default:
		return fmt.Errorf("empty task")
	}
}

func (a *Agent) subLaunch(ctx context.Context, t *launch.SubLaunchTask, logger *slog.Logger) error {
	p, err := a.launch(ctx, &t.Description, &logListener{logger: logger})
	if err != nil {
		return fmt.Errorf("sub-launch: %w", err)
	}

	waitCtx := ctx
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}
	code, err := p.ExitCode(waitCtx)
	if err != nil {
		killCtx, cancel := context.WithTimeout(context.Background(), a.cfg.KillGrace+5*time.Second)
		defer cancel()
		_ = p.Kill(killCtx)
		return fmt.Errorf("sub-launch %d: %w", p.Pid(), err)
	}
	if code != 0 {
		return fmt.Errorf("sub-launch %d exited with %d", p.Pid(), code)
	}
	return nil
}

// logListener sends sub-launch output to the agent log.
type logListener struct {
	logger *slog.Logger
}

func (l *logListener) OnProcessOutput(fd int, data []byte) {
	l.logger.Debug("sub-launch output", "fd", fd, "data", string(data))
}

func (l *logListener) OnProcessExit(code int) {
	l.logger.Debug("sub-launch exited", "exit_code", code)
}

func (l *logListener) OnProcessError(message string) {
	l.logger.Warn("sub-launch error", "message", message)
}
