package launch

import "context"

// File descriptor tags of the process I/O protocol.
const (
	Stdin  = 0
	Stdout = 1
	Stderr = 2
)

// MaxChunk bounds one output delivery.
const MaxChunk = 8 * 1024

// Listener receives the output and fate of one process. OnProcessExit is
// called exactly once, after every output chunk.
type Listener interface {
	OnProcessOutput(fd int, data []byte)
	OnProcessExit(code int)
	OnProcessError(message string)
}

// Process is a handle on a launched process. Write, Open and Close accept
// only Stdin.
type Process interface {
	Kill(ctx context.Context) error
	IsRunning(ctx context.Context) (bool, error)
	ExitCode(ctx context.Context) (int, error)
	Write(ctx context.Context, fd int, data []byte) error
	Open(ctx context.Context, fd int) error
	Close(ctx context.Context, fd int) error
}
