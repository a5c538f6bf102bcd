package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/chirino/meshkeeper-sub000/internal/expr"
	"github.com/chirino/meshkeeper-sub000/internal/launch"
	"github.com/chirino/meshkeeper-sub000/internal/log"
	"github.com/chirino/meshkeeper-sub000/internal/remoting"
)

// Process is one supervised OS process.
type Process struct {
	pid      int64
	agent    *Agent
	cmd      *exec.Cmd
	listener launch.Listener
	logger   *slog.Logger
	started  time.Time
	stub     remoting.Stub

	stdinMu     sync.Mutex
	stdinCh     chan []byte
	stdinClosed bool

	killed  atomic.Bool
	flagged atomic.Bool
	done    chan struct{}
	code    int
}

var (
	_ launch.Process   = (*Process)(nil)
	_ remoting.Service = (*Process)(nil)
)

func (p *Process) Pid() int64 { return p.pid }

// Stub is the exported handle of the process, zero for internal launches.
func (p *Process) Stub() remoting.Stub { return p.stub }

// Done is closed after the exit has been delivered.
func (p *Process) Done() <-chan struct{} { return p.done }

// Launch runs the pre-launch tasks of d, spawns its command and exports the
// resulting process. Output and exit are reported to l.
func (a *Agent) Launch(ctx context.Context, d *launch.Description, l launch.Listener) (*Process, error) {
	p, err := a.launch(ctx, d, l)
	if err != nil {
		return nil, err
	}
	stub, err := a.dist.Export(p)
	if err != nil {
		p.logger.Error("export process failed", "error", err)
		_ = p.Kill(context.Background())
		return nil, fmt.Errorf("%w: export process: %v", launch.ErrLaunchFailure, err)
	}
	p.stub = stub
	p.watch()
	return p, nil
}

// launch spawns without exporting; sub-launch tasks use it directly.
func (a *Agent) launch(ctx context.Context, d *launch.Description, l launch.Listener) (*Process, error) {
	if err := a.checkRunning(); err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("%w: nil description", launch.ErrLaunchFailure)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}

	pid := a.nextPid.Add(1)
	logger := log.WithProcess(a.cfg.ID, pid)

	a.mu.Lock()
	ws, err := a.tmp.Create(ctx, strconv.FormatInt(pid, 10))
	if err == nil {
		a.launching[pid] = struct{}{}
	}
	props := a.props.Clone()
	a.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: create temp directory: %v", launch.ErrLaunchFailure, err)
	}
	defer func() {
		a.mu.Lock()
		delete(a.launching, pid)
		a.mu.Unlock()
	}()

	props[PropLaunchPid] = strconv.FormatInt(pid, 10)
	props[PropTmpDir] = ws.Dir

	for i, task := range d.Tasks {
		if err := a.runTask(ctx, task, props, logger); err != nil {
			return nil, fmt.Errorf("%w: task %d: %v", launch.ErrLaunchFailure, i, err)
		}
	}

	args := expr.EvaluateAll(expr.Unwrap(d.Command), props)
	if args[0] == "" {
		return nil, fmt.Errorf("%w: command evaluates to an empty program", launch.ErrLaunchFailure)
	}
	dir := ws.Dir
	if d.WorkDir != nil && d.WorkDir.Expression != nil {
		dir = d.WorkDir.Evaluate(props)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create working directory %s: %v", launch.ErrLaunchFailure, dir, err)
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Env = environ(d.Env, props, dir)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", launch.ErrLaunchFailure, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", launch.ErrLaunchFailure, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", launch.ErrLaunchFailure, err)
	}

	logger.Debug("spawning process", "command", args, "dir", dir)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", launch.ErrLaunchFailure, args[0], err)
	}

	p := &Process{
		pid:      pid,
		agent:    a,
		cmd:      cmd,
		listener: l,
		logger:   logger,
		started:  time.Now(),
		stdinCh:  make(chan []byte, 16),
		done:     make(chan struct{}),
	}

	a.mu.Lock()
	a.procs[pid] = p
	a.mu.Unlock()

	go p.pumpStdin(stdin)
	var pumps sync.WaitGroup
	pumps.Add(2)
	go p.pumpOutput(&pumps, launch.Stdout, stdout)
	go p.pumpOutput(&pumps, launch.Stderr, stderr)
	go p.wait(&pumps)

	logger.Info("process launched", "command", args[0], "os_pid", cmd.Process.Pid)
	return p, nil
}

// environ is the agent's environment with PWD set to dir and the
// description's variables applied on top.
func environ(overrides map[string]expr.Expr, props expr.Properties, dir string) []string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if name, value, ok := strings.Cut(kv, "="); ok {
			env[name] = value
		}
	}
	env["PWD"] = dir
	for name, value := range overrides {
		env[name] = value.Evaluate(props)
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func (p *Process) pumpStdin(w io.WriteCloser) {
	var err error
	for data := range p.stdinCh {
		if err != nil {
			continue
		}
		if _, err = w.Write(data); err != nil {
			p.logger.Debug("stdin write failed", "error", err)
		}
	}
	_ = w.Close()
}

func (p *Process) pumpOutput(wg *sync.WaitGroup, fd int, r io.Reader) {
	defer wg.Done()
	buf := make([]byte, launch.MaxChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.deliver(func() { p.listener.OnProcessOutput(fd, chunk) })
		}
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
			msg := fmt.Sprintf("read fd %d: %v", fd, err)
			p.deliver(func() { p.listener.OnProcessError(msg) })
		}
		return
	}
}

// wait reaps the process once both output pumps have drained, then reports
// the exit. It runs once per process, so the exit is delivered exactly once.
func (p *Process) wait(pumps *sync.WaitGroup) {
	pumps.Wait()
	err := p.cmd.Wait()

	code := p.cmd.ProcessState.ExitCode()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		msg := fmt.Sprintf("wait: %v", err)
		p.deliver(func() { p.listener.OnProcessError(msg) })
	}

	p.code = code
	p.deliver(func() { p.listener.OnProcessExit(code) })
	p.agent.exited(p)
	close(p.done)
	p.closeStdin()
	p.logger.Info("process exited", "exit_code", code)
}

func (p *Process) deliver(fn func()) {
	if p.listener == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("listener panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

// watch unexports the process after its exit.
func (p *Process) watch() {
	go func() {
		<-p.done
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.agent.dist.Unexport(ctx, p); err != nil {
			p.logger.Warn("unexport process failed", "error", err)
		}
	}()
}

func (a *Agent) exited(p *Process) {
	a.mu.Lock()
	delete(a.procs, p.pid)
	a.mu.Unlock()
	a.RequestCleanup()
}

// Kill terminates the process group: SIGTERM, then SIGKILL after the
// agent's grace period. It blocks until the exit has been delivered. Only
// the first call acts; later calls and calls after a natural exit return nil.
func (p *Process) Kill(ctx context.Context) error {
	if !p.killed.CompareAndSwap(false, true) {
		return nil
	}
	select {
	case <-p.done:
		return nil
	default:
	}

	p.logger.Info("killing process")
	if err := p.signal(syscall.SIGTERM); err != nil {
		p.logger.Warn("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(p.agent.cfg.KillGrace)
	defer grace.Stop()
	select {
	case <-p.done:
		return nil
	case <-grace.C:
		p.logger.Warn("process did not exit after SIGTERM, sending SIGKILL")
		if err := p.signal(syscall.SIGKILL); err != nil {
			p.logger.Error("failed to send SIGKILL", "error", err)
		}
	case <-ctx.Done():
		return launch.Timeout("kill", ctx.Err())
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return launch.Timeout("kill", ctx.Err())
	}
}

func (p *Process) signal(sig syscall.Signal) error {
	pgid := p.cmd.Process.Pid
	err := syscall.Kill(-pgid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func (p *Process) IsRunning(context.Context) (bool, error) {
	select {
	case <-p.done:
		return false, nil
	default:
		return true, nil
	}
}

// ExitCode waits for the process to exit and returns its code. A process
// ended by a signal reports -1.
func (p *Process) ExitCode(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.code, nil
	case <-ctx.Done():
		return 0, launch.Timeout("exit code", ctx.Err())
	}
}

func (p *Process) Write(ctx context.Context, fd int, data []byte) error {
	if fd != launch.Stdin {
		return fmt.Errorf("%w: write to %d", launch.ErrBadFd, fd)
	}
	buf := make([]byte, len(data))
	copy(buf, data)

	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if p.stdinClosed {
		return fmt.Errorf("%w: stdin", launch.ErrClosed)
	}
	select {
	case p.stdinCh <- buf:
		return nil
	case <-p.done:
		return fmt.Errorf("%w: process exited", launch.ErrClosed)
	case <-ctx.Done():
		return launch.Timeout("write", ctx.Err())
	}
}

// Open accepts only stdin, which is opened at spawn.
func (p *Process) Open(_ context.Context, fd int) error {
	if fd != launch.Stdin {
		return fmt.Errorf("%w: open %d", launch.ErrBadFd, fd)
	}
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if p.stdinClosed {
		return fmt.Errorf("%w: stdin cannot be reopened", launch.ErrClosed)
	}
	return nil
}

// Close closes stdin. Closing it twice is a no-op.
func (p *Process) Close(_ context.Context, fd int) error {
	if fd != launch.Stdin {
		return fmt.Errorf("%w: close %d", launch.ErrBadFd, fd)
	}
	p.closeStdin()
	return nil
}

func (p *Process) closeStdin() {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if !p.stdinClosed {
		p.stdinClosed = true
		close(p.stdinCh)
	}
}
