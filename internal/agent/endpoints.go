package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/chirino/meshkeeper-sub000/internal/launch"
	"github.com/chirino/meshkeeper-sub000/internal/remoting"
)

// listenerCallTimeout bounds one delivery to a remote listener.
const listenerCallTimeout = 30 * time.Second

// Invoke serves the agent's remote methods.
func (a *Agent) Invoke(ctx context.Context, method string, args json.RawMessage) (any, error) {
	switch method {
	case launch.MethodAgentID:
		return a.ID(), nil

	case launch.MethodHostProperties:
		return a.HostProperties(), nil

	case launch.MethodBind, launch.MethodUnbind:
		var req launch.BindArgs
		if err := remoting.DecodeArgs(args, &req); err != nil {
			return nil, err
		}
		if method == launch.MethodBind {
			return nil, a.Bind(req.Owner)
		}
		return nil, a.Unbind(req.Owner)

	case launch.MethodLaunch:
		var req launch.LaunchArgs
		if err := remoting.DecodeArgs(args, &req); err != nil {
			return nil, err
		}
		var l launch.Listener
		if !req.Listener.IsZero() {
			l = &remoteListener{
				caller: a.dist.Caller(),
				stub:   req.Listener,
				logger: a.logger,
			}
		}
		p, err := a.Launch(a.runContext(), &req.Description, l)
		if err != nil {
			return nil, err
		}
		return launch.LaunchReply{Pid: p.Pid(), Process: p.Stub()}, nil

	case launch.MethodReservePorts:
		var req launch.PortArgs
		if err := remoting.DecodeArgs(args, &req); err != nil {
			return nil, err
		}
		return a.ReservePorts(req.Protocol, req.Count)

	case launch.MethodReleasePorts:
		var req launch.PortArgs
		if err := remoting.DecodeArgs(args, &req); err != nil {
			return nil, err
		}
		a.ReleasePorts(req.Protocol, req.Ports)
		return nil, nil

	default:
		return nil, remoting.NoSuchMethod(method)
	}
}

// Invoke serves the process handle's remote methods.
func (p *Process) Invoke(ctx context.Context, method string, args json.RawMessage) (any, error) {
	switch method {
	case launch.MethodKill:
		return nil, p.Kill(ctx)

	case launch.MethodIsRunning:
		return p.IsRunning(ctx)

	case launch.MethodExitCode:
		return p.ExitCode(ctx)

	case launch.MethodWrite, launch.MethodOpen, launch.MethodClose:
		var req launch.FdArgs
		if err := remoting.DecodeArgs(args, &req); err != nil {
			return nil, err
		}
		switch method {
		case launch.MethodWrite:
			return nil, p.Write(ctx, req.Fd, req.Data)
		case launch.MethodOpen:
			return nil, p.Open(ctx, req.Fd)
		default:
			return nil, p.Close(ctx, req.Fd)
		}

	default:
		return nil, remoting.NoSuchMethod(method)
	}
}

// remoteListener forwards process events to a listener exported by a client.
// Delivery failures are logged; the process keeps running.
type remoteListener struct {
	caller *remoting.Caller
	stub   remoting.Stub
	logger *slog.Logger
}

func (l *remoteListener) call(method string, args any) {
	ctx, cancel := context.WithTimeout(context.Background(), listenerCallTimeout)
	defer cancel()
	if err := l.caller.Call(ctx, l.stub, method, args, nil); err != nil {
		l.logger.Error("listener delivery failed", "method", method, "error", err)
	}
}

func (l *remoteListener) OnProcessOutput(fd int, data []byte) {
	l.call(launch.MethodOutput, launch.FdArgs{Fd: fd, Data: data})
}

func (l *remoteListener) OnProcessExit(code int) {
	l.call(launch.MethodExit, launch.ExitArgs{Code: code})
}

func (l *remoteListener) OnProcessError(message string) {
	l.call(launch.MethodError, launch.ErrorArgs{Message: message})
}
