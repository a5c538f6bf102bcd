package launch

import (
	"context"
	"errors"
	"fmt"

	"github.com/chirino/meshkeeper-sub000/internal/ports"
	"github.com/chirino/meshkeeper-sub000/internal/registry"
	"github.com/chirino/meshkeeper-sub000/internal/remoting"
)

var (
	ErrAgentNotFound = errors.New("launch: agent not found")
	ErrAlreadyBound  = errors.New("launch: agent already bound")
	ErrNotOwner      = errors.New("launch: not the agent owner")
	ErrTimeout       = errors.New("launch: timeout")
	ErrLaunchFailure = errors.New("launch: launch failure")
	ErrClosed        = errors.New("launch: closed")
	ErrBadFd         = errors.New("launch: unsupported file descriptor")
)

func init() {
	remoting.RegisterError("agent_not_found", ErrAgentNotFound)
	remoting.RegisterError("already_bound", ErrAlreadyBound)
	remoting.RegisterError("not_owner", ErrNotOwner)
	remoting.RegisterError("timeout", ErrTimeout)
	remoting.RegisterError("launch_failure", ErrLaunchFailure)
	remoting.RegisterError("closed", ErrClosed)
	remoting.RegisterError("bad_fd", ErrBadFd)
	remoting.RegisterError("no_ports_available", ports.ErrNoPortsAvailable)
	remoting.RegisterError("not_connected", registry.ErrNotConnected)
}

// Timeout maps an exceeded context deadline to ErrTimeout and leaves other
// errors untouched.
func Timeout(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, op)
	}
	return err
}
