package registry

import (
	"fmt"
	"log/slog"
)

// WatchState is the delivery state of one watched path.
//
//	Idle -> Awaiting -> Delivering -> Idle
//
// Awaiting means a change is pending (memory store) or a long-poll is in
// flight (remote store). A change that lands while Delivering sends the path
// back to Awaiting rather than Idle, so no update is lost between a read and
// the next arm.
type WatchState int

const (
	WatchIdle WatchState = iota
	WatchAwaiting
	WatchDelivering
)

func (s WatchState) String() string {
	switch s {
	case WatchIdle:
		return "idle"
	case WatchAwaiting:
		return "awaiting"
	case WatchDelivering:
		return "delivering"
	default:
		return fmt.Sprintf("WatchState(%d)", int(s))
	}
}

// Deliver hands children to every watcher. A panicking watcher is logged and
// skipped; it does not stop delivery to the rest or kill the caller.
func Deliver(logger *slog.Logger, path string, children []string, watchers []Watcher) {
	for _, w := range watchers {
		deliverOne(logger, path, children, w)
	}
}

func deliverOne(logger *slog.Logger, path string, children []string, w Watcher) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("watcher panicked", "path", path, "panic", fmt.Sprint(r))
		}
	}()
	out := make([]string, len(children))
	copy(out, children)
	w.ChildrenChanged(path, out)
}

// WatcherSet is an identity-keyed, insertion-ordered set of watchers.
type WatcherSet struct {
	items []Watcher
}

// Add inserts w and reports whether it was new.
func (ws *WatcherSet) Add(w Watcher) bool {
	for _, existing := range ws.items {
		if existing == w {
			return false
		}
	}
	ws.items = append(ws.items, w)
	return true
}

// Remove deletes w and reports whether it was present.
func (ws *WatcherSet) Remove(w Watcher) bool {
	for i, existing := range ws.items {
		if existing == w {
			ws.items = append(ws.items[:i], ws.items[i+1:]...)
			return true
		}
	}
	return false
}

func (ws *WatcherSet) Len() int { return len(ws.items) }

// Snapshot returns a copy safe to iterate without holding the owner's lock.
func (ws *WatcherSet) Snapshot() []Watcher {
	out := make([]Watcher, len(ws.items))
	copy(out, ws.items)
	return out
}
