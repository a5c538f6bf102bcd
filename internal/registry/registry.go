// Package registry defines the hierarchical, watched namespace that agents and
// clients use for discovery and data exchange.
//
// Two implementations satisfy Store with identical external semantics:
//   - memory: a single-process tree, no network
//   - remote: an HTTP client of the registry service, whose tree lives in
//     SQLite and whose data nodes are ephemeral to the creating session
//
// Paths are slash separated and case sensitive. They must start with "/" and
// only the root may end with "/". Intermediate segments are created on demand
// as data-less scaffolding and pruned again once nothing holds them: no data,
// no children, no watchers.
//
// Watches are level triggered. A Watcher receives the full, sorted child list
// of its path once when it is added and again after every change. Delivery for
// a given path is serialized; no ordering is promised across different paths.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNotConnected  = errors.New("registry: not connected")
	ErrAlreadyExists = errors.New("registry: node already exists")
	ErrNotEmpty      = errors.New("registry: node has children")
	ErrInvalidPath   = errors.New("registry: invalid path")
)

// Watcher is notified with the current child names of a watched path.
//
// Implementations must be comparable (typically a pointer) because the store
// keys its watcher sets on watcher identity.
type Watcher interface {
	ChildrenChanged(path string, children []string)
}

// Store is the registry contract shared by every backend.
type Store interface {
	// Start connects the store. Every other operation fails with
	// ErrNotConnected before Start and after Destroy.
	Start(ctx context.Context) error

	// Destroy drops all state owned by the store.
	Destroy(ctx context.Context) error

	// AddData creates a node at path and returns its actual path, which
	// differs from path when sequential is true.
	AddData(ctx context.Context, path string, sequential bool, data []byte) (string, error)

	// GetData returns the node data, or nil when the node or its data is absent.
	GetData(ctx context.Context, path string) ([]byte, error)

	// GetChildren returns the sorted child names of path. A missing node has no children.
	GetChildren(ctx context.Context, path string) ([]string, error)

	// Remove deletes the node at path. It fails with ErrNotEmpty when the node
	// has children and recursive is false. Removing a missing node is a no-op.
	Remove(ctx context.Context, path string, recursive bool) error

	AddWatcher(ctx context.Context, path string, w Watcher) error
	RemoveWatcher(ctx context.Context, path string, w Watcher) error
}

// SessionNotifier is implemented by stores whose ephemeral nodes can vanish
// with a lost session. Hooks run once a replacement session is open, so
// owners can re-create what they registered.
type SessionNotifier interface {
	OnSessionRenewed(hook func(ctx context.Context))
}

// AddObject JSON-encodes v and stores it at path.
func AddObject(ctx context.Context, s Store, path string, sequential bool, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode registry object at %s: %w", path, err)
	}
	return s.AddData(ctx, path, sequential, data)
}

// GetObject decodes the JSON data stored at path into v. It reports false
// when the node or its data is absent.
func GetObject(ctx context.Context, s Store, path string, v any) (bool, error) {
	data, err := s.GetData(ctx, path)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode registry object at %s: %w", path, err)
	}
	return true, nil
}
