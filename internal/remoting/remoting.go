// Package remoting exports local objects as network-invocable stubs and
// invokes stubs exported elsewhere.
//
// An exported object implements Service: it receives a method name and JSON
// arguments and returns a JSON-encodable result. Objects are keyed by
// identity, so Service implementations must be pointer types.
package remoting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNoSuchObject = errors.New("remoting: no such object")
	ErrNoSuchMethod = errors.New("remoting: no such method")
	ErrBadArguments = errors.New("remoting: bad arguments")
	ErrNotStarted   = errors.New("remoting: exporter not started")
)

// Service is an object that can be invoked remotely.
type Service interface {
	Invoke(ctx context.Context, method string, args json.RawMessage) (any, error)
}

// Stub is the serialized, network-invocable form of an exported Service.
type Stub struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// IsZero reports whether s refers to nothing.
func (s Stub) IsZero() bool { return s.ID == "" }

// DecodeArgs unmarshals method arguments, mapping failures to ErrBadArguments.
func DecodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadArguments, err)
	}
	return nil
}

// NoSuchMethod builds the error a Service returns for an unknown method.
func NoSuchMethod(method string) error {
	return fmt.Errorf("%w: %s", ErrNoSuchMethod, method)
}

var (
	codesMu sync.RWMutex
	codes   = map[string]error{}
)

func init() {
	RegisterError("no_such_object", ErrNoSuchObject)
	RegisterError("no_such_method", ErrNoSuchMethod)
	RegisterError("bad_arguments", ErrBadArguments)
}

// RegisterError associates a stable wire code with a sentinel. An error
// matching the sentinel crosses the wire as its code and comes back as a
// *RemoteError that satisfies errors.Is(err, sentinel).
func RegisterError(code string, sentinel error) {
	codesMu.Lock()
	defer codesMu.Unlock()
	codes[code] = sentinel
}

func codeFor(err error) string {
	codesMu.RLock()
	defer codesMu.RUnlock()
	for code, sentinel := range codes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return ""
}

func sentinelFor(code string) error {
	codesMu.RLock()
	defer codesMu.RUnlock()
	return codes[code]
}

// RemoteError is an error returned by a remote Service.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Unwrap() error {
	if e.Code == "" {
		return nil
	}
	return sentinelFor(e.Code)
}
