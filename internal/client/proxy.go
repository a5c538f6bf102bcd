package client

import (
	"context"
	"errors"
	"time"

	"github.com/chirino/meshkeeper-sub000/internal/expr"
	"github.com/chirino/meshkeeper-sub000/internal/launch"
	"github.com/chirino/meshkeeper-sub000/internal/ports"
	"github.com/chirino/meshkeeper-sub000/internal/remoting"
)

// AgentProxy is the client-side handle of a remote agent.
type AgentProxy struct {
	id     string
	stub   remoting.Stub
	props  expr.Properties
	caller *remoting.Caller
}

func (a *AgentProxy) ID() string          { return a.id }
func (a *AgentProxy) Stub() remoting.Stub { return a.stub }

// HostProperties returns the properties fetched when the agent was discovered.
func (a *AgentProxy) HostProperties() expr.Properties { return a.props.Clone() }

func (a *AgentProxy) Bind(ctx context.Context, owner string) error {
	return a.caller.Call(ctx, a.stub, launch.MethodBind, launch.BindArgs{Owner: owner}, nil)
}

func (a *AgentProxy) Unbind(ctx context.Context, owner string) error {
	return a.caller.Call(ctx, a.stub, launch.MethodUnbind, launch.BindArgs{Owner: owner}, nil)
}

func (a *AgentProxy) Launch(ctx context.Context, d *launch.Description, listener remoting.Stub) (launch.LaunchReply, error) {
	var reply launch.LaunchReply
	err := a.caller.Call(ctx, a.stub, launch.MethodLaunch, launch.LaunchArgs{Description: *d, Listener: listener}, &reply)
	return reply, err
}

func (a *AgentProxy) ReservePorts(ctx context.Context, proto ports.Protocol, count int) ([]int, error) {
	var reserved []int
	err := a.caller.Call(ctx, a.stub, launch.MethodReservePorts, launch.PortArgs{Protocol: proto, Count: count}, &reserved)
	return reserved, err
}

func (a *AgentProxy) ReleasePorts(ctx context.Context, proto ports.Protocol, released []int) error {
	return a.caller.Call(ctx, a.stub, launch.MethodReleasePorts, launch.PortArgs{Protocol: proto, Ports: released}, nil)
}

func fetchHostProperties(ctx context.Context, caller *remoting.Caller, stub remoting.Stub) (expr.Properties, error) {
	props := expr.Properties{}
	if err := caller.Call(ctx, stub, launch.MethodHostProperties, nil, &props); err != nil {
		return nil, err
	}
	return props, nil
}

// ProcessProxy is the client-side handle of a process launched on an agent.
// The agent drops the remote handle once the process has exited, so a
// missing handle reads as an exited process.
type ProcessProxy struct {
	agent       string
	pid         int64
	stub        remoting.Stub
	caller      *remoting.Caller
	exit        *exitRecord
	killTimeout time.Duration
}

var _ launch.Process = (*ProcessProxy)(nil)

func (p *ProcessProxy) Agent() string { return p.agent }
func (p *ProcessProxy) Pid() int64    { return p.pid }

// Kill asks the agent to terminate the process and waits for it, bounded by
// the client's kill timeout.
func (p *ProcessProxy) Kill(ctx context.Context) error {
	if _, exited := p.exit.get(); exited {
		return nil
	}
	if p.killTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.killTimeout)
		defer cancel()
	}
	err := p.caller.Call(ctx, p.stub, launch.MethodKill, nil, nil)
	if errors.Is(err, remoting.ErrNoSuchObject) {
		return nil
	}
	return launch.Timeout("kill", err)
}

func (p *ProcessProxy) IsRunning(ctx context.Context) (bool, error) {
	if _, exited := p.exit.get(); exited {
		return false, nil
	}
	var running bool
	err := p.caller.Call(ctx, p.stub, launch.MethodIsRunning, nil, &running)
	if errors.Is(err, remoting.ErrNoSuchObject) {
		return false, nil
	}
	return running, launch.Timeout("is running", err)
}

// ExitCode waits for the process to exit.
func (p *ProcessProxy) ExitCode(ctx context.Context) (int, error) {
	if code, exited := p.exit.get(); exited {
		return code, nil
	}
	var code int
	err := p.caller.Call(ctx, p.stub, launch.MethodExitCode, nil, &code)
	if errors.Is(err, remoting.ErrNoSuchObject) {
		// The agent reports the exit before it drops the handle.
		select {
		case <-p.exit.done:
			return p.exit.code, nil
		case <-ctx.Done():
			return 0, launch.Timeout("exit code", ctx.Err())
		}
	}
	return code, launch.Timeout("exit code", err)
}

func (p *ProcessProxy) Write(ctx context.Context, fd int, data []byte) error {
	return launch.Timeout("write", p.caller.Call(ctx, p.stub, launch.MethodWrite, launch.FdArgs{Fd: fd, Data: data}, nil))
}

func (p *ProcessProxy) Open(ctx context.Context, fd int) error {
	return launch.Timeout("open", p.caller.Call(ctx, p.stub, launch.MethodOpen, launch.FdArgs{Fd: fd}, nil))
}

func (p *ProcessProxy) Close(ctx context.Context, fd int) error {
	return launch.Timeout("close", p.caller.Call(ctx, p.stub, launch.MethodClose, launch.FdArgs{Fd: fd}, nil))
}

// WriteStdin writes data to the process's stdin.
func (p *ProcessProxy) WriteStdin(ctx context.Context, data []byte) error {
	return p.Write(ctx, launch.Stdin, data)
}

func (p *ProcessProxy) CloseStdin(ctx context.Context) error {
	return p.Close(ctx, launch.Stdin)
}
