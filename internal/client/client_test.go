package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chirino/meshkeeper-sub000/internal/agent"
	"github.com/chirino/meshkeeper-sub000/internal/events"
	"github.com/chirino/meshkeeper-sub000/internal/expr"
	"github.com/chirino/meshkeeper-sub000/internal/launch"
	"github.com/chirino/meshkeeper-sub000/internal/log"
	"github.com/chirino/meshkeeper-sub000/internal/ports"
	"github.com/chirino/meshkeeper-sub000/internal/registry/remote"
	"github.com/chirino/meshkeeper-sub000/internal/registry/service"
	"github.com/chirino/meshkeeper-sub000/internal/registry/sqltree"
	"github.com/chirino/meshkeeper-sub000/internal/remoting"
	"github.com/chirino/meshkeeper-sub000/internal/storage"
)

type recorder struct {
	mu     sync.Mutex
	kinds  []string
	stdout strings.Builder
	exits  int
	code   int
	exited chan struct{}
}

func newRecorder() *recorder { return &recorder{exited: make(chan struct{})} }

func (r *recorder) OnProcessOutput(fd int, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, "output")
	if fd == launch.Stdout {
		r.stdout.Write(data)
	}
}

func (r *recorder) OnProcessExit(code int) {
	r.mu.Lock()
	r.kinds = append(r.kinds, "exit")
	r.exits++
	r.code = code
	r.mu.Unlock()
	close(r.exited)
}

func (r *recorder) OnProcessError(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, "error")
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.exited:
	case <-time.After(10 * time.Second):
		t.Fatal("exit was not delivered")
	}
}

func newRegistry(t *testing.T) string {
	_, url := newRegistryTree(t)
	return url
}

func newRegistryTree(t *testing.T) (*sqltree.Tree, string) {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), storage.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	tree := sqltree.New(db, events.NewHub(256))
	srv := httptest.NewServer(service.New(service.Config{}, tree, log.Discard()).Handler())
	t.Cleanup(srv.Close)
	return tree, srv.URL
}

func newDistributor(t *testing.T, url, owner string) *remoting.Distributor {
	t.Helper()
	return newDistributorOn(t, remote.New(remote.Config{BaseURL: url, Owner: owner, SessionTTL: 3 * time.Second, PollWait: 2 * time.Second}))
}

func newDistributorOn(t *testing.T, store *remote.Store) *remoting.Distributor {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Start(ctx))
	exporter := remoting.NewHTTPExporter(remoting.ExporterConfig{})
	require.NoError(t, exporter.Start(ctx))
	dist := remoting.NewDistributor(exporter, store, nil)
	t.Cleanup(func() { _ = dist.Destroy(context.Background()) })
	return dist
}

func startAgent(t *testing.T, url, id string) *agent.Agent {
	t.Helper()
	return startAgentOn(t, newDistributor(t, url, id), id)
}

func startAgentOn(t *testing.T, dist *remoting.Distributor, id string) *agent.Agent {
	t.Helper()
	a, err := agent.New(agent.Config{
		ID:              id,
		DataDir:         t.TempDir(),
		KillGrace:       2 * time.Second,
		MonitorInterval: time.Hour,
	}, dist)
	require.NoError(t, err)
	a.Ports().SetProbe(func(ports.Protocol, int) bool { return true })
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Stop(context.Background()) })
	return a
}

func startClient(t *testing.T, url, user string) *Client {
	t.Helper()
	c := New(Config{User: user, BindTimeout: 5 * time.Second}, newDistributor(t, url, user))
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Destroy(context.Background()) })
	return c
}

func TestLaunchEchoThroughAgent(t *testing.T) {
	ctx := context.Background()
	url := newRegistry(t)
	startAgent(t, url, "agent1")
	c := startClient(t, url, "alice")

	require.NoError(t, c.WaitForAvailableAgents(ctx, 5*time.Second))
	assert.Equal(t, []string{"AGENT1"}, c.Agents())

	props, err := c.HostProperties(ctx, "agent1")
	require.NoError(t, err)
	assert.Equal(t, "AGENT1", props[agent.PropAgentID])

	rec := newRecorder()
	d := launch.NewDescription(expr.Lits("sh", "-c", `read line; echo "${line#echo:}"`)...)
	proc, err := c.LaunchProcess(ctx, "agent1", d, rec)
	require.NoError(t, err)
	assert.Equal(t, "AGENT1", proc.Agent())

	require.NoError(t, proc.WriteStdin(ctx, []byte("echo:hello\n")))
	rec.wait(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, "hello\n", rec.stdout.String())
	assert.Equal(t, "exit", rec.kinds[len(rec.kinds)-1])
	assert.Equal(t, 0, rec.code)
}

func TestKillThroughProxyDeliversExitOnce(t *testing.T) {
	ctx := context.Background()
	url := newRegistry(t)
	startAgent(t, url, "agent1")
	c := startClient(t, url, "alice")

	rec := newRecorder()
	proc, err := c.LaunchProcess(ctx, "AGENT1", launch.NewDescription(expr.Lits("sleep", "30")...), rec)
	require.NoError(t, err)

	running, err := proc.IsRunning(ctx)
	require.NoError(t, err)
	assert.True(t, running)

	require.NoError(t, proc.Kill(ctx))
	rec.wait(t)
	require.NoError(t, proc.Kill(ctx))

	time.Sleep(100 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.exits)
}

func TestExclusiveBinding(t *testing.T) {
	ctx := context.Background()
	url := newRegistry(t)
	a := startAgent(t, url, "agent1")
	alice := startClient(t, url, "alice")
	bob := startClient(t, url, "bob")

	require.NoError(t, alice.BindAgent(ctx, "agent1"))
	assert.Equal(t, alice.ID(), a.Owner())
	assert.ErrorIs(t, bob.BindAgent(ctx, "agent1"), launch.ErrAlreadyBound)
	assert.ErrorIs(t, bob.ReleaseAgent(ctx, "agent1"), launch.ErrNotOwner)
	require.NoError(t, alice.ReleaseAgent(ctx, "agent1"))
	require.NoError(t, bob.BindAgent(ctx, "agent1"))

	require.NoError(t, bob.Destroy(ctx))
	assert.Equal(t, "", a.Owner())
}

func TestGetAgentMissing(t *testing.T) {
	url := newRegistry(t)
	c := startClient(t, url, "alice")

	_, err := c.GetAgent(context.Background(), "nope")
	assert.ErrorIs(t, err, launch.ErrAgentNotFound)
}

func TestWaitForAvailableAgentsTimesOut(t *testing.T) {
	url := newRegistry(t)
	c := startClient(t, url, "alice")

	err := c.WaitForAvailableAgents(context.Background(), 200*time.Millisecond)
	assert.ErrorIs(t, err, launch.ErrTimeout)
}

func TestWaitWakesWhenAgentArrives(t *testing.T) {
	url := newRegistry(t)
	c := startClient(t, url, "alice")

	errCh := make(chan error, 1)
	go func() { errCh <- c.WaitForAvailableAgents(context.Background(), 10*time.Second) }()

	time.Sleep(100 * time.Millisecond)
	startAgent(t, url, "late")

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("wait did not wake")
	}
	assert.Equal(t, []string{"LATE"}, c.Agents())
}

func TestStoppedAgentIsEvicted(t *testing.T) {
	ctx := context.Background()
	url := newRegistry(t)
	a := startAgent(t, url, "agent1")
	c := startClient(t, url, "alice")
	require.NoError(t, c.WaitForAvailableAgents(ctx, 5*time.Second))

	require.NoError(t, a.Stop(ctx))
	require.Eventually(t, func() bool { return len(c.Agents()) == 0 }, 5*time.Second, 20*time.Millisecond)
}

func TestPortsReleasedOnDestroy(t *testing.T) {
	ctx := context.Background()
	url := newRegistry(t)
	a := startAgent(t, url, "agent1")
	c := startClient(t, url, "alice")

	reserved, err := c.ReserveTCPPorts(ctx, "agent1", 3)
	require.NoError(t, err)
	assert.Len(t, reserved, 3)
	assert.Equal(t, reserved, a.Ports().Reserved(ports.TCP))

	require.NoError(t, c.ReleasePorts(ctx, "agent1", ports.TCP, reserved[:1]))
	assert.Len(t, a.Ports().Reserved(ports.TCP), 2)

	require.NoError(t, c.Destroy(ctx))
	assert.Empty(t, a.Ports().Reserved(ports.TCP))

	_, err = c.ReserveTCPPorts(ctx, "agent1", 1)
	assert.ErrorIs(t, err, launch.ErrClosed)
	_, err = c.GetAgent(ctx, "agent1")
	assert.ErrorIs(t, err, launch.ErrClosed)
	assert.ErrorIs(t, c.BindAgent(ctx, "agent1"), launch.ErrClosed)
	assert.ErrorIs(t, c.WaitForAvailableAgents(ctx, time.Second), launch.ErrClosed)
	require.NoError(t, c.Destroy(ctx))
}

func TestReleaseAllAgentsContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	url := newRegistry(t)
	gone := startAgent(t, url, "gone")
	kept := startAgent(t, url, "kept")
	c := startClient(t, url, "alice")

	require.NoError(t, c.BindAgent(ctx, "gone"))
	require.NoError(t, c.BindAgent(ctx, "kept"))
	require.NoError(t, gone.Stop(ctx))

	err := c.ReleaseAllAgents(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GONE")
	assert.Equal(t, "", kept.Owner())
}

func TestAgentReturnsAfterSessionLoss(t *testing.T) {
	ctx := context.Background()
	tree, url := newRegistryTree(t)
	store := remote.New(remote.Config{BaseURL: url, Owner: "agent1", SessionTTL: 900 * time.Millisecond, PollWait: time.Second})
	startAgentOn(t, newDistributorOn(t, store), "agent1")
	c := startClient(t, url, "alice")
	require.NoError(t, c.WaitForAvailableAgents(ctx, 5*time.Second))

	lost := store.Session()
	require.NoError(t, tree.CloseSession(ctx, lost))

	require.Eventually(t, func() bool { return store.Session() != lost }, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		children, err := c.store.GetChildren(ctx, launch.LaunchersPath)
		return err == nil && len(children) == 1 && children[0] == "AGENT1"
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		agents := c.Agents()
		return len(agents) == 1 && agents[0] == "AGENT1"
	}, 5*time.Second, 20*time.Millisecond)

	rec := newRecorder()
	_, err := c.LaunchProcess(ctx, "agent1", launch.NewDescription(expr.Lit("true")), rec)
	require.NoError(t, err)
	rec.wait(t)
}

func TestHandleAfterExit(t *testing.T) {
	ctx := context.Background()
	url := newRegistry(t)
	startAgent(t, url, "agent1")
	c := startClient(t, url, "alice")

	rec := newRecorder()
	proc, err := c.LaunchProcess(ctx, "agent1", launch.NewDescription(expr.Lits("sh", "-c", "exit 3")...), rec)
	require.NoError(t, err)
	rec.wait(t)

	running, err := proc.IsRunning(ctx)
	require.NoError(t, err)
	assert.False(t, running)
	code, err := proc.ExitCode(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	require.NoError(t, proc.Kill(ctx))

	// A handle that missed the exit report still reads the dropped remote
	// handle as an exited process.
	blind := &ProcessProxy{agent: proc.agent, pid: proc.pid, stub: proc.stub, caller: proc.caller, exit: newExitRecord()}
	require.Eventually(t, func() bool {
		running, err := blind.IsRunning(ctx)
		return err == nil && !running
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, blind.Kill(ctx))

	waitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err = blind.ExitCode(waitCtx)
	assert.ErrorIs(t, err, launch.ErrTimeout)
}

func TestLaunchWithoutListenerRecordsExit(t *testing.T) {
	ctx := context.Background()
	url := newRegistry(t)
	startAgent(t, url, "agent1")
	c := startClient(t, url, "alice")

	proc, err := c.LaunchProcess(ctx, "agent1", launch.NewDescription(expr.Lits("sh", "-c", "exit 4")...), nil)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	code, err := proc.ExitCode(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, 4, code)
}

func TestStaleLookupDoesNotResurrectEvictedAgent(t *testing.T) {
	ctx := context.Background()
	url := newRegistry(t)
	startAgent(t, url, "agent1")
	c := startClient(t, url, "alice")
	require.NoError(t, c.WaitForAvailableAgents(ctx, 5*time.Second))

	// A lookup finishes after a newer listing dropped the agent.
	proxy, err := c.lookup(ctx, "AGENT1")
	require.NoError(t, err)
	c.syncAgents([]string{})
	assert.Empty(t, c.Agents())

	c.cacheListed(proxy)
	assert.Empty(t, c.Agents())

	c.syncAgents([]string{"AGENT1"})
	assert.Equal(t, []string{"AGENT1"}, c.Agents())
}
