// Package ports hands out local TCP and UDP ports to launched processes.
//
// Each protocol keeps a cycling "next candidate" pointer over a fixed range.
// A reservation scans forward from the pointer, skipping ports already
// reserved and ports that fail a live bind probe, and wraps around the range
// at most once.
package ports

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
)

var ErrNoPortsAvailable = errors.New("ports: no ports available")

// Default range sits below the usual OS ephemeral range.
const (
	DefaultMin = 10000
	DefaultMax = 32000
)

type Protocol string

const (
	TCP Protocol = "tcp"
	UDP Protocol = "udp"
)

// Probe reports whether port can be bound right now.
type Probe func(proto Protocol, port int) bool

// Allocator reserves ports within [min, max].
type Allocator struct {
	mu       sync.Mutex
	min, max int
	next     map[Protocol]int
	reserved map[Protocol]map[int]struct{}
	probe    Probe
}

// New creates an allocator over [min, max] that probes with a live bind.
func New(min, max int) (*Allocator, error) {
	if min <= 0 || max > 65535 || min > max {
		return nil, fmt.Errorf("invalid port range %d-%d", min, max)
	}
	return &Allocator{
		min:  min,
		max:  max,
		next: map[Protocol]int{TCP: min, UDP: min},
		reserved: map[Protocol]map[int]struct{}{
			TCP: {},
			UDP: {},
		},
		probe: BindProbe,
	}, nil
}

// SetProbe replaces the availability probe.
func (a *Allocator) SetProbe(p Probe) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.probe = p
}

// Reserve returns count free ports, or ErrNoPortsAvailable without
// reserving anything.
func (a *Allocator) Reserve(proto Protocol, count int) ([]int, error) {
	if count <= 0 {
		return []int{}, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	reserved, ok := a.reserved[proto]
	if !ok {
		return nil, fmt.Errorf("unknown protocol %q", proto)
	}

	size := a.max - a.min + 1
	cur := a.next[proto]
	out := make([]int, 0, count)
	for scanned := 0; scanned < size && len(out) < count; scanned++ {
		port := cur
		cur++
		if cur > a.max {
			cur = a.min
		}
		if _, taken := reserved[port]; taken {
			continue
		}
		if !a.probe(proto, port) {
			continue
		}
		out = append(out, port)
	}
	if len(out) < count {
		return nil, fmt.Errorf("%w: wanted %d %s ports, found %d", ErrNoPortsAvailable, count, proto, len(out))
	}

	for _, p := range out {
		reserved[p] = struct{}{}
	}
	a.next[proto] = cur
	return out, nil
}

// Release returns ports to the pool. Unknown ports are ignored.
func (a *Allocator) Release(proto Protocol, ports []int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	reserved := a.reserved[proto]
	for _, p := range ports {
		delete(reserved, p)
	}
}

// Reserved lists the currently reserved ports of proto, sorted.
func (a *Allocator) Reserved(proto Protocol) []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]int, 0, len(a.reserved[proto]))
	for p := range a.reserved[proto] {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// BindProbe binds port on all interfaces and closes it immediately.
func BindProbe(proto Protocol, port int) bool {
	addr := ":" + strconv.Itoa(port)
	switch proto {
	case TCP:
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return false
		}
		_ = ln.Close()
		return true
	case UDP:
		pc, err := net.ListenPacket("udp", addr)
		if err != nil {
			return false
		}
		_ = pc.Close()
		return true
	default:
		return false
	}
}
