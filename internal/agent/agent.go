// Package agent implements the launch agent: a per-host service that
// registers itself in the registry, accepts one exclusive owner, reserves
// ports and spawns and supervises OS processes on behalf of remote callers.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/chirino/meshkeeper-sub000/internal/expr"
	"github.com/chirino/meshkeeper-sub000/internal/launch"
	"github.com/chirino/meshkeeper-sub000/internal/lock"
	"github.com/chirino/meshkeeper-sub000/internal/log"
	"github.com/chirino/meshkeeper-sub000/internal/ports"
	"github.com/chirino/meshkeeper-sub000/internal/registry"
	"github.com/chirino/meshkeeper-sub000/internal/remoting"
	"github.com/chirino/meshkeeper-sub000/internal/storage"
	"github.com/chirino/meshkeeper-sub000/internal/workspace"
)

const (
	DefaultMonitorInterval = 60 * time.Second
	DefaultKillGrace       = 5 * time.Second
	DefaultOrphanTempAge   = 10 * time.Minute
)

// Config configures an Agent.
type Config struct {
	// ID names the agent. It is uppercased and defaults to the hostname.
	ID      string
	DataDir string

	MonitorInterval time.Duration
	KillGrace       time.Duration
	// MaxProcessAge flags processes running longer than this as rogue. Zero
	// disables the check.
	MaxProcessAge time.Duration
	// OrphanTempAge is how old a temp directory of a finished launch must be
	// before a busy agent removes it. An idle agent removes them all.
	OrphanTempAge time.Duration

	PortMin int
	PortMax int

	// Resolver resolves install task artifacts. Defaults to a LocalResolver
	// over RepositoryDir.
	Resolver      launch.Resolver
	RepositoryDir string

	// HandleSignals stops the agent on SIGINT or SIGTERM.
	HandleSignals bool
}

type state int32

const (
	stateNew state = iota
	stateStarted
	stateStopped
)

// Agent spawns and supervises processes. Its lifecycle is single shot:
// New -> Start -> Stop.
type Agent struct {
	cfg      Config
	dist     *remoting.Distributor
	logger   *slog.Logger
	ports    *ports.Allocator
	tmp      workspace.Manager
	resolver launch.Resolver

	state   atomic.Int32
	nextPid atomic.Int64

	mu        sync.Mutex
	owner     string
	props     expr.Properties
	procs     map[int64]*Process
	launching map[int64]struct{}

	pidLock *lock.PIDLock
	sigCh   chan os.Signal
	wake    chan struct{}
	runCtx  context.Context
	cancel  context.CancelFunc
	monitor chan struct{}
	done    chan struct{}
}

var _ remoting.Service = (*Agent)(nil)

// New builds a stopped agent that registers through dist.
func New(cfg Config, dist *remoting.Distributor) (*Agent, error) {
	if dist == nil {
		return nil, fmt.Errorf("agent requires a distributor")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return nil, fmt.Errorf("agent data directory is empty")
	}
	if cfg.ID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("default agent id: %w", err)
		}
		cfg.ID = host
	}
	cfg.ID = strings.ToUpper(cfg.ID)
	if strings.Contains(cfg.ID, "/") {
		return nil, fmt.Errorf("agent id %q must not contain '/'", cfg.ID)
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = DefaultMonitorInterval
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	if cfg.OrphanTempAge <= 0 {
		cfg.OrphanTempAge = DefaultOrphanTempAge
	}
	if cfg.PortMin == 0 && cfg.PortMax == 0 {
		cfg.PortMin, cfg.PortMax = ports.DefaultMin, ports.DefaultMax
	}

	dataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data directory: %w", err)
	}
	cfg.DataDir = dataDir

	alloc, err := ports.New(cfg.PortMin, cfg.PortMax)
	if err != nil {
		return nil, err
	}
	tmp, err := workspace.NewFSManager(filepath.Join(dataDir, "tmp"))
	if err != nil {
		return nil, err
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = launch.LocalResolver{Dir: cfg.RepositoryDir}
	}

	return &Agent{
		cfg:       cfg,
		dist:      dist,
		logger:    log.WithAgent(cfg.ID),
		ports:     alloc,
		tmp:       tmp,
		resolver:  resolver,
		procs:     make(map[int64]*Process),
		launching: make(map[int64]struct{}),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}, nil
}

func (a *Agent) ID() string { return a.cfg.ID }

// Ports is the agent's port allocator.
func (a *Agent) Ports() *ports.Allocator { return a.ports }

// Done is closed once the agent has stopped.
func (a *Agent) Done() <-chan struct{} { return a.done }

// HostProperties returns a copy of the properties captured at Start.
func (a *Agent) HostProperties() expr.Properties {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.props.Clone()
}

// Start captures host properties, locks the data directory, starts the
// monitor and registers the agent. A registration failure undoes the rest.
func (a *Agent) Start(ctx context.Context) error {
	if !a.state.CompareAndSwap(int32(stateNew), int32(stateStarted)) {
		if state(a.state.Load()) == stateStopped {
			return fmt.Errorf("%w: agent %s cannot restart", launch.ErrClosed, a.cfg.ID)
		}
		return nil
	}

	if err := storage.RequireLocalFilesystem(a.cfg.DataDir, "agent data directory", "agent.data_dir"); err != nil {
		a.state.Store(int32(stateNew))
		return err
	}
	pidLock, err := lock.AcquireDataDir(a.cfg.DataDir)
	if err != nil {
		a.state.Store(int32(stateNew))
		return fmt.Errorf("lock data directory: %w", err)
	}

	props := hostProperties(a.cfg.ID, a.cfg.DataDir)
	runCtx, cancel := context.WithCancel(context.Background())

	a.mu.Lock()
	a.pidLock = pidLock
	a.props = props
	a.runCtx = runCtx
	a.cancel = cancel
	a.monitor = make(chan struct{})
	a.mu.Unlock()

	go a.runMonitor(runCtx, a.monitor)

	if _, err := a.dist.Distribute(ctx, launch.AgentPath(a.cfg.ID), false, a); err != nil {
		cancel()
		<-a.monitor
		_ = pidLock.Release()
		a.state.Store(int32(stateStopped))
		close(a.done)
		return fmt.Errorf("register agent %s: %w", a.cfg.ID, err)
	}

	if a.cfg.HandleSignals {
		a.sigCh = make(chan os.Signal, 1)
		signal.Notify(a.sigCh, syscall.SIGINT, syscall.SIGTERM)
		go a.awaitSignal(a.sigCh)
	}

	a.logger.Info("agent started", "data_dir", a.cfg.DataDir, "properties", len(props))
	return nil
}

func (a *Agent) awaitSignal(ch <-chan os.Signal) {
	select {
	case sig := <-ch:
		a.logger.Info("shutdown signal received", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 2*a.cfg.KillGrace+10*time.Second)
		defer cancel()
		if err := a.stop(ctx, true); err != nil {
			a.logger.Error("agent stop failed", "error", err)
		}
	case <-a.done:
	}
}

// Stop kills every process, runs a final cleanup pass and unregisters the
// agent. Stopping a stopped agent is a no-op.
func (a *Agent) Stop(ctx context.Context) error {
	return a.stop(ctx, false)
}

func (a *Agent) stop(ctx context.Context, fromSignal bool) error {
	if !a.state.CompareAndSwap(int32(stateStarted), int32(stateStopped)) {
		if a.state.CompareAndSwap(int32(stateNew), int32(stateStopped)) {
			close(a.done)
		}
		return nil
	}

	if a.sigCh != nil && !fromSignal {
		signal.Stop(a.sigCh)
	}

	for _, p := range a.Processes() {
		if err := p.Kill(ctx); err != nil {
			a.logger.Warn("kill on stop failed", "pid", p.Pid(), "error", err)
		}
	}

	a.cancel()
	<-a.monitor
	a.cleanup(ctx)

	var errs []error
	if err := a.dist.Undistribute(ctx, a); err != nil {
		errs = append(errs, fmt.Errorf("unregister agent: %w", err))
	}
	if err := a.pidLock.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release data directory lock: %w", err))
	}
	close(a.done)
	a.logger.Info("agent stopped")
	return errors.Join(errs...)
}

// Bind makes owner the exclusive owner. Binding the current owner again
// succeeds.
func (a *Agent) Bind(owner string) error {
	if owner == "" {
		return fmt.Errorf("bind: empty owner")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.owner != "" && a.owner != owner {
		return fmt.Errorf("%w: %s is bound to %s", launch.ErrAlreadyBound, a.cfg.ID, a.owner)
	}
	if a.owner == "" {
		a.logger.Info("agent bound", "owner", owner)
	}
	a.owner = owner
	return nil
}

// Unbind releases owner. Unbinding an unbound agent is a no-op.
func (a *Agent) Unbind(owner string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.owner == "" {
		return nil
	}
	if a.owner != owner {
		return fmt.Errorf("%w: %s is bound to %s", launch.ErrNotOwner, a.cfg.ID, a.owner)
	}
	a.owner = ""
	a.logger.Info("agent unbound", "owner", owner)
	return nil
}

// Owner returns the current owner, or "".
func (a *Agent) Owner() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owner
}

// Processes returns the live processes ordered by nothing in particular.
func (a *Agent) Processes() []*Process {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Process, 0, len(a.procs))
	for _, p := range a.procs {
		out = append(out, p)
	}
	return out
}

func (a *Agent) checkRunning() error {
	switch state(a.state.Load()) {
	case stateStarted:
		return nil
	case stateStopped:
		return fmt.Errorf("%w: agent %s", launch.ErrClosed, a.cfg.ID)
	default:
		return fmt.Errorf("%w: agent %s not started", registry.ErrNotConnected, a.cfg.ID)
	}
}

func (a *Agent) ReservePorts(proto ports.Protocol, count int) ([]int, error) {
	if err := a.checkRunning(); err != nil {
		return nil, err
	}
	return a.ports.Reserve(proto, count)
}

func (a *Agent) ReleasePorts(proto ports.Protocol, reserved []int) {
	a.ports.Release(proto, reserved)
}

// runContext ends when the agent stops. Remote launches run under it, so a
// caller that stops waiting leaves its launch running.
func (a *Agent) runContext() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runCtx == nil {
		return context.Background()
	}
	return a.runCtx
}

// RequestCleanup wakes the monitor immediately.
func (a *Agent) RequestCleanup() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}
