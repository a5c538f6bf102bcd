package agent

import (
	"context"
	"strconv"
	"time"

	"github.com/chirino/meshkeeper-sub000/internal/workspace"
)

// runMonitor wakes every MonitorInterval, or early on RequestCleanup, to flag
// rogue processes and sweep orphaned temp directories.
func (a *Agent) runMonitor(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(a.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-a.wake:
		}
		a.checkRogues()
		a.cleanup(ctx)
	}
}

func (a *Agent) checkRogues() {
	if a.cfg.MaxProcessAge <= 0 {
		return
	}
	for _, p := range a.Processes() {
		age := time.Since(p.started)
		if age > a.cfg.MaxProcessAge && p.flagged.CompareAndSwap(false, true) {
			a.logger.Warn("process exceeded max age", "pid", p.pid, "age", age.Round(time.Second))
		}
	}
}

// cleanup removes every per-launch temp directory while nothing is running
// or being launched. A busy agent only removes directories of finished
// launches older than OrphanTempAge.
func (a *Agent) cleanup(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var report workspace.CleanupReport
	var err error
	if len(a.procs) == 0 && len(a.launching) == 0 {
		report, err = a.tmp.Sweep(ctx, nil)
	} else {
		report, err = a.tmp.Cleanup(ctx, a.cfg.OrphanTempAge, a.liveLocked)
	}
	if err != nil {
		a.logger.Warn("temp sweep failed", "error", err)
		return
	}
	if report.DeletedDirs > 0 {
		a.logger.Debug("temp directories swept", "deleted", report.DeletedDirs)
	}
}

// liveLocked reports whether the temp directory id belongs to a running or
// launching process.
func (a *Agent) liveLocked(id string) bool {
	pid, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return false
	}
	if _, ok := a.procs[pid]; ok {
		return true
	}
	_, ok := a.launching[pid]
	return ok
}
