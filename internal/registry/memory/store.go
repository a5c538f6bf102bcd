// Package memory provides a single-process implementation of registry.Store.
//
// The tree lives behind one mutex. Watch delivery runs on a goroutine per
// watched path driven by the registry.WatchState machine, so watcher
// callbacks never run while the tree lock is held and may call back into the
// store.
//
// Every node belongs to the store's single session; Destroy drops the whole
// tree, which is the in-process equivalent of a session ending.
package memory

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/chirino/meshkeeper-sub000/internal/log"
	"github.com/chirino/meshkeeper-sub000/internal/registry"
)

type node struct {
	path     string
	data     []byte
	hasData  bool
	children map[string]*node
}

func newNode(path string) *node {
	return &node{path: path, children: make(map[string]*node)}
}

func (n *node) childNames() []string {
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type pathWatch struct {
	watchers registry.WatcherSet
	state    registry.WatchState
	dirty    bool
}

// Store is an in-memory registry tree.
type Store struct {
	logger *slog.Logger

	mu      sync.Mutex
	started bool
	root    *node
	seq     int64
	watches map[string]*pathWatch
}

var _ registry.Store = (*Store)(nil)

// New creates a stopped in-memory store.
func New() *Store {
	return &Store{logger: log.WithComponent("registry.memory")}
}

func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.root = newNode(registry.Root)
	s.watches = make(map[string]*pathWatch)
	s.started = true
	return nil
}

func (s *Store) Destroy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	s.root = nil
	s.watches = nil
	return nil
}

func (s *Store) AddData(ctx context.Context, path string, sequential bool, data []byte) (string, error) {
	if err := registry.ValidatePath(path); err != nil {
		return "", err
	}
	if path == registry.Root {
		return "", registry.ErrAlreadyExists
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return "", registry.ErrNotConnected
	}

	parentPath, name := registry.Split(path)
	parent := s.ensureLocked(parentPath)
	if sequential {
		s.seq++
		name = registry.SequentialName(name, s.seq)
	}

	if existing, ok := parent.children[name]; ok {
		if existing.hasData {
			return "", registry.ErrAlreadyExists
		}
		// Scaffolding picks up the data in place.
		existing.data = cloneBytes(data)
		existing.hasData = true
		return existing.path, nil
	}

	child := newNode(registry.Join(parentPath, name))
	child.data = cloneBytes(data)
	child.hasData = true
	parent.children[name] = child
	s.notifyLocked(parentPath)
	return child.path, nil
}

func (s *Store) GetData(ctx context.Context, path string) ([]byte, error) {
	if err := registry.ValidatePath(path); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil, registry.ErrNotConnected
	}

	n := s.findLocked(path)
	if n == nil || !n.hasData {
		return nil, nil
	}
	return cloneBytes(n.data), nil
}

func (s *Store) GetChildren(ctx context.Context, path string) ([]string, error) {
	if err := registry.ValidatePath(path); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil, registry.ErrNotConnected
	}

	n := s.findLocked(path)
	if n == nil {
		return []string{}, nil
	}
	return n.childNames(), nil
}

func (s *Store) Remove(ctx context.Context, path string, recursive bool) error {
	if err := registry.ValidatePath(path); err != nil {
		return err
	}
	if path == registry.Root {
		return registry.ErrInvalidPath
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return registry.ErrNotConnected
	}

	n := s.findLocked(path)
	if n == nil {
		return nil
	}
	if len(n.children) > 0 && !recursive {
		return registry.ErrNotEmpty
	}

	parentPath, name := registry.Split(path)
	parent := s.findLocked(parentPath)
	delete(parent.children, name)
	s.notifyLocked(parentPath)

	// Watched descendants now have no children.
	s.walkLocked(n, func(removed *node) {
		s.notifyLocked(removed.path)
	})

	s.pruneLocked(parentPath)
	return nil
}

func (s *Store) AddWatcher(ctx context.Context, path string, w registry.Watcher) error {
	if err := registry.ValidatePath(path); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return registry.ErrNotConnected
	}

	s.ensureLocked(path)
	pw, ok := s.watches[path]
	if !ok {
		pw = &pathWatch{}
		s.watches[path] = pw
	}
	if pw.watchers.Add(w) {
		s.notifyLocked(path)
	}
	return nil
}

func (s *Store) RemoveWatcher(ctx context.Context, path string, w registry.Watcher) error {
	if err := registry.ValidatePath(path); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return registry.ErrNotConnected
	}

	pw, ok := s.watches[path]
	if !ok || !pw.watchers.Remove(w) {
		return nil
	}
	if pw.watchers.Len() == 0 {
		delete(s.watches, path)
		s.pruneLocked(path)
	}
	return nil
}

// findLocked walks the tree and returns nil on a miss.
func (s *Store) findLocked(path string) *node {
	n := s.root
	for _, seg := range registry.Segments(path) {
		next, ok := n.children[seg]
		if !ok {
			return nil
		}
		n = next
	}
	return n
}

// ensureLocked creates data-less scaffolding down to path and returns its node.
func (s *Store) ensureLocked(path string) *node {
	n := s.root
	cur := registry.Root
	for _, seg := range registry.Segments(path) {
		parentPath := cur
		cur = registry.Join(cur, seg)
		next, ok := n.children[seg]
		if !ok {
			next = newNode(cur)
			n.children[seg] = next
			s.notifyLocked(parentPath)
		}
		n = next
	}
	return n
}

// pruneLocked removes empty scaffolding from path upward, stopping at the
// first node that has data, children or watchers.
func (s *Store) pruneLocked(path string) {
	for p := path; p != registry.Root; {
		n := s.findLocked(p)
		if n == nil {
			return
		}
		if n.hasData || len(n.children) > 0 || s.watchedLocked(p) {
			return
		}
		parentPath, name := registry.Split(p)
		parent := s.findLocked(parentPath)
		delete(parent.children, name)
		s.notifyLocked(parentPath)
		p = parentPath
	}
}

func (s *Store) watchedLocked(path string) bool {
	pw, ok := s.watches[path]
	return ok && pw.watchers.Len() > 0
}

func (s *Store) walkLocked(n *node, fn func(*node)) {
	for _, c := range n.children {
		s.walkLocked(c, fn)
	}
	fn(n)
}

// notifyLocked marks path dirty and starts a delivery goroutine if the path is idle.
func (s *Store) notifyLocked(path string) {
	pw, ok := s.watches[path]
	if !ok {
		return
	}
	pw.dirty = true
	if pw.state == registry.WatchIdle {
		pw.state = registry.WatchAwaiting
		go s.deliverLoop(path, pw)
	}
}

func (s *Store) deliverLoop(path string, pw *pathWatch) {
	for {
		s.mu.Lock()
		if !s.started || !pw.dirty || s.watches[path] != pw {
			pw.state = registry.WatchIdle
			s.mu.Unlock()
			return
		}
		pw.dirty = false
		pw.state = registry.WatchDelivering
		var children []string
		if n := s.findLocked(path); n != nil {
			children = n.childNames()
		} else {
			children = []string{}
		}
		watchers := pw.watchers.Snapshot()
		s.mu.Unlock()

		registry.Deliver(s.logger, path, children, watchers)

		s.mu.Lock()
		pw.state = registry.WatchAwaiting
		s.mu.Unlock()
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
