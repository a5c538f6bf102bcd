package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chirino/meshkeeper-sub000/internal/launch"
	"github.com/chirino/meshkeeper-sub000/internal/remoting"
)

// exitRecord holds the exit code an agent reported for one process.
type exitRecord struct {
	once sync.Once
	done chan struct{}
	code int
}

func newExitRecord() *exitRecord { return &exitRecord{done: make(chan struct{})} }

// set records code and reports whether this was the first exit.
func (r *exitRecord) set(code int) bool {
	first := false
	r.once.Do(func() {
		first = true
		r.code = code
		close(r.done)
	})
	return first
}

func (r *exitRecord) get() (int, bool) {
	select {
	case <-r.done:
		return r.code, true
	default:
		return 0, false
	}
}

// listenerEndpoint exports a caller's Listener so an agent can report to it.
// It unexports itself once the exit has been delivered. A nil target only
// records the exit.
type listenerEndpoint struct {
	target launch.Listener
	exit   *exitRecord
	dist   *remoting.Distributor
	logger *slog.Logger
}

var _ remoting.Service = (*listenerEndpoint)(nil)

func (e *listenerEndpoint) Invoke(ctx context.Context, method string, args json.RawMessage) (any, error) {
	switch method {
	case launch.MethodOutput:
		var req launch.FdArgs
		if err := remoting.DecodeArgs(args, &req); err != nil {
			return nil, err
		}
		e.safe(func() { e.target.OnProcessOutput(req.Fd, req.Data) })
		return nil, nil

	case launch.MethodExit:
		var req launch.ExitArgs
		if err := remoting.DecodeArgs(args, &req); err != nil {
			return nil, err
		}
		if e.exit.set(req.Code) {
			e.safe(func() { e.target.OnProcessExit(req.Code) })
			if err := e.dist.Unexport(ctx, e); err != nil {
				e.logger.Warn("unexport listener failed", "error", err)
			}
		}
		return nil, nil

	case launch.MethodError:
		var req launch.ErrorArgs
		if err := remoting.DecodeArgs(args, &req); err != nil {
			return nil, err
		}
		e.safe(func() { e.target.OnProcessError(req.Message) })
		return nil, nil

	default:
		return nil, remoting.NoSuchMethod(method)
	}
}

func (e *listenerEndpoint) safe(fn func()) {
	if e.target == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("listener panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}
