package ports

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alwaysFree(Protocol, int) bool { return true }

func newAllocator(t *testing.T, min, max int) *Allocator {
	t.Helper()
	a, err := New(min, max)
	require.NoError(t, err)
	a.SetProbe(alwaysFree)
	return a
}

func TestReserveReleaseReuse(t *testing.T) {
	a := newAllocator(t, 20000, 20004)

	first, err := a.Reserve(TCP, 5)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{20000, 20001, 20002, 20003, 20004}, first)

	_, err = a.Reserve(TCP, 1)
	assert.ErrorIs(t, err, ErrNoPortsAvailable)

	a.Release(TCP, first)
	again, err := a.Reserve(TCP, 5)
	require.NoError(t, err)
	assert.ElementsMatch(t, first, again)
}

func TestNoPartialReservation(t *testing.T) {
	a := newAllocator(t, 20000, 20009)

	_, err := a.Reserve(TCP, 3)
	require.NoError(t, err)
	_, err = a.Reserve(TCP, 8)
	assert.ErrorIs(t, err, ErrNoPortsAvailable)
	assert.Len(t, a.Reserved(TCP), 3, "failed reservation must not hold ports")

	// UDP is tracked independently.
	udp, err := a.Reserve(UDP, 10)
	require.NoError(t, err)
	assert.Len(t, udp, 10)
}

func TestProbeSkipsBusyPorts(t *testing.T) {
	a := newAllocator(t, 20000, 20009)
	a.SetProbe(func(_ Protocol, port int) bool { return port%2 == 0 })

	got, err := a.Reserve(TCP, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{20000, 20002, 20004}, got)

	// The pointer cycles forward past the last scanned port.
	got, err = a.Reserve(TCP, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{20006, 20008}, got)
}

func TestConcurrentReservationsAreDisjoint(t *testing.T) {
	a := newAllocator(t, 20000, 20199)

	var (
		mu   sync.Mutex
		seen = map[int]bool{}
		wg   sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := a.Reserve(TCP, 10)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, p := range got {
				assert.False(t, seen[p], "port %d handed out twice", p)
				seen[p] = true
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 200)
}

func TestBindProbeDetectsListener(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	assert.False(t, BindProbe(TCP, port))
}

func TestInvalidRange(t *testing.T) {
	_, err := New(30000, 20000)
	assert.Error(t, err)
	_, err = New(0, 10)
	assert.Error(t, err)
}
