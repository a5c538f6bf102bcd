// Package client implements the launch client: it discovers agents through
// the registry, binds them, reserves their ports and launches processes on
// them.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chirino/meshkeeper-sub000/internal/expr"
	"github.com/chirino/meshkeeper-sub000/internal/launch"
	"github.com/chirino/meshkeeper-sub000/internal/log"
	"github.com/chirino/meshkeeper-sub000/internal/ports"
	"github.com/chirino/meshkeeper-sub000/internal/registry"
	"github.com/chirino/meshkeeper-sub000/internal/remoting"
)

const (
	DefaultBindTimeout   = 10 * time.Second
	DefaultLaunchTimeout = 60 * time.Second
	DefaultKillTimeout   = 30 * time.Second
)

// Config configures a Client.
type Config struct {
	// User names the client's presence node. Defaults to $USER.
	User          string
	BindTimeout   time.Duration
	LaunchTimeout time.Duration
	KillTimeout   time.Duration
}

// Client is a launch client. All methods are safe for concurrent use; after
// Destroy every method fails with launch.ErrClosed.
type Client struct {
	cfg     Config
	id      string
	dist    *remoting.Distributor
	store   registry.Store
	caller  *remoting.Caller
	logger  *slog.Logger
	watcher *agentWatcher

	mu       sync.Mutex
	started  bool
	closed   bool
	agents   map[string]*AgentProxy
	listed   map[string]struct{}
	changed  chan struct{}
	bound    map[string]struct{}
	reserved map[string]map[ports.Protocol]map[int]struct{}
}

var _ remoting.Service = (*Client)(nil)

// New builds a client on dist, whose registry store must be started.
func New(cfg Config, dist *remoting.Distributor) *Client {
	if cfg.User == "" {
		cfg.User = os.Getenv("USER")
	}
	if cfg.User == "" {
		cfg.User = "anonymous"
	}
	if cfg.BindTimeout <= 0 {
		cfg.BindTimeout = DefaultBindTimeout
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = DefaultLaunchTimeout
	}
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = DefaultKillTimeout
	}
	id := cfg.User + "-" + uuid.NewString()
	c := &Client{
		cfg:      cfg,
		id:       id,
		dist:     dist,
		store:    dist.Registry(),
		caller:   dist.Caller(),
		logger:   log.WithComponent("client").With("client_id", id),
		agents:   make(map[string]*AgentProxy),
		changed:  make(chan struct{}),
		bound:    make(map[string]struct{}),
		reserved: make(map[string]map[ports.Protocol]map[int]struct{}),
	}
	c.watcher = &agentWatcher{client: c}
	return c
}

// ID is the owner identity the client binds agents with.
func (c *Client) ID() string { return c.id }

// Invoke answers identity queries against the client's presence stub.
func (c *Client) Invoke(_ context.Context, method string, _ json.RawMessage) (any, error) {
	if method == launch.MethodAgentID {
		return c.id, nil
	}
	return nil, remoting.NoSuchMethod(method)
}

// Start registers the client's presence and watches the agents path.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return launch.ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	if _, err := c.dist.Distribute(ctx, launch.ClientsPath+"/"+c.cfg.User, true, c); err != nil {
		return fmt.Errorf("register client presence: %w", err)
	}
	if err := c.store.AddWatcher(ctx, launch.LaunchersPath, c.watcher); err != nil {
		_ = c.dist.Undistribute(ctx, c)
		return fmt.Errorf("watch agents: %w", err)
	}
	c.logger.Info("launch client started")
	return nil
}

func (c *Client) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return launch.ErrClosed
	}
	return nil
}

// agentWatcher applies the watched agent list to the client's cache.
type agentWatcher struct {
	client *Client
}

func (w *agentWatcher) ChildrenChanged(_ string, children []string) {
	w.client.syncAgents(children)
}

func (c *Client) syncAgents(children []string) {
	present := make(map[string]struct{}, len(children))
	for _, name := range children {
		present[name] = struct{}{}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.listed = present
	var fresh []string
	for name := range present {
		if _, ok := c.agents[name]; !ok {
			fresh = append(fresh, name)
		}
	}
	evicted := 0
	for name := range c.agents {
		if _, ok := present[name]; !ok {
			delete(c.agents, name)
			evicted++
		}
	}
	if evicted > 0 {
		c.broadcastLocked()
	}
	c.mu.Unlock()

	sort.Strings(fresh)
	for _, name := range fresh {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.BindTimeout)
		proxy, err := c.lookup(ctx, name)
		cancel()
		if err != nil {
			c.logger.Warn("agent discovery failed", "agent", name, "error", err)
			continue
		}
		c.cacheListed(proxy)
	}
}

// cacheListed caches proxy only if the latest agent listing still has it; a
// later delivery may have evicted it while it was being looked up.
func (c *Client) cacheListed(proxy *AgentProxy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.listed[proxy.id]; !ok {
		return
	}
	c.cacheLocked(proxy)
}

func (c *Client) cache(proxy *AgentProxy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheLocked(proxy)
}

func (c *Client) cacheLocked(proxy *AgentProxy) {
	if c.closed {
		return
	}
	if _, ok := c.agents[proxy.id]; !ok {
		c.agents[proxy.id] = proxy
		c.broadcastLocked()
		c.logger.Info("agent discovered", "agent", proxy.id)
	}
}

func (c *Client) broadcastLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// lookup reads an agent's stub from the registry and fetches its properties.
func (c *Client) lookup(ctx context.Context, name string) (*AgentProxy, error) {
	var stub remoting.Stub
	ok, err := registry.GetObject(ctx, c.store, launch.AgentPath(name), &stub)
	if err != nil {
		return nil, err
	}
	if !ok || stub.IsZero() {
		return nil, fmt.Errorf("%w: %s", launch.ErrAgentNotFound, name)
	}
	props, err := fetchHostProperties(ctx, c.caller, stub)
	if err != nil {
		return nil, fmt.Errorf("host properties of %s: %w", name, launch.Timeout("host properties", err))
	}
	return &AgentProxy{id: name, stub: stub, props: props, caller: c.caller}, nil
}

// GetAgent returns the named agent. Names are matched uppercased.
func (c *Client) GetAgent(ctx context.Context, name string) (*AgentProxy, error) {
	name = strings.ToUpper(name)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, launch.ErrClosed
	}
	proxy, ok := c.agents[name]
	c.mu.Unlock()
	if ok {
		return proxy, nil
	}

	proxy, err := c.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	c.cache(proxy)
	return proxy, nil
}

// Agents lists the known agent ids.
func (c *Client) Agents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.agents))
	for name := range c.agents {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// HostProperties returns the properties of the named agent.
func (c *Client) HostProperties(ctx context.Context, name string) (expr.Properties, error) {
	proxy, err := c.GetAgent(ctx, name)
	if err != nil {
		return nil, err
	}
	return proxy.HostProperties(), nil
}

// WaitForAvailableAgents blocks until at least one agent is known.
func (c *Client) WaitForAvailableAgents(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return launch.ErrClosed
		}
		if len(c.agents) > 0 {
			c.mu.Unlock()
			return nil
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return fmt.Errorf("%w: no agents available after %s", launch.ErrTimeout, timeout)
		case <-ctx.Done():
			return launch.Timeout("wait for agents", ctx.Err())
		}
	}
}

// BindAgent makes the client the exclusive owner of the named agent.
func (c *Client) BindAgent(ctx context.Context, name string) error {
	proxy, err := c.GetAgent(ctx, name)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.BindTimeout)
	defer cancel()
	if err := proxy.Bind(ctx, c.id); err != nil {
		return launch.Timeout("bind "+proxy.id, err)
	}
	c.mu.Lock()
	c.bound[proxy.id] = struct{}{}
	c.mu.Unlock()
	return nil
}

// ReleaseAgent gives up ownership of the named agent.
func (c *Client) ReleaseAgent(ctx context.Context, name string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.releaseAgent(ctx, strings.ToUpper(name))
}

func (c *Client) releaseAgent(ctx context.Context, name string) error {
	proxy, err := c.GetAgent(ctx, name)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.BindTimeout)
	defer cancel()
	if err := proxy.Unbind(ctx, c.id); err != nil {
		return launch.Timeout("unbind "+name, err)
	}
	c.mu.Lock()
	delete(c.bound, name)
	c.mu.Unlock()
	return nil
}

// ReleaseAllAgents releases every bound agent, continuing past failures,
// and reports them together.
func (c *Client) ReleaseAllAgents(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.releaseAllAgents(ctx)
}

func (c *Client) releaseAllAgents(ctx context.Context) error {
	c.mu.Lock()
	names := make([]string, 0, len(c.bound))
	for name := range c.bound {
		names = append(names, name)
	}
	c.mu.Unlock()
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := c.releaseAgent(ctx, name); err != nil {
			c.logger.Warn("release agent failed", "agent", name, "error", err)
			errs = append(errs, fmt.Errorf("release %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// ReserveTCPPorts reserves count TCP ports on the named agent.
func (c *Client) ReserveTCPPorts(ctx context.Context, name string, count int) ([]int, error) {
	return c.ReservePorts(ctx, name, ports.TCP, count)
}

func (c *Client) ReservePorts(ctx context.Context, name string, proto ports.Protocol, count int) ([]int, error) {
	proxy, err := c.GetAgent(ctx, name)
	if err != nil {
		return nil, err
	}
	reserved, err := proxy.ReservePorts(ctx, proto, count)
	if err != nil {
		return nil, launch.Timeout("reserve ports", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	byProto, ok := c.reserved[proxy.id]
	if !ok {
		byProto = make(map[ports.Protocol]map[int]struct{})
		c.reserved[proxy.id] = byProto
	}
	set, ok := byProto[proto]
	if !ok {
		set = make(map[int]struct{})
		byProto[proto] = set
	}
	for _, p := range reserved {
		set[p] = struct{}{}
	}
	return reserved, nil
}

// ReleasePorts returns ports to the named agent.
func (c *Client) ReleasePorts(ctx context.Context, name string, proto ports.Protocol, released []int) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.releasePorts(ctx, strings.ToUpper(name), proto, released)
}

func (c *Client) releasePorts(ctx context.Context, name string, proto ports.Protocol, released []int) error {
	proxy, err := c.GetAgent(ctx, name)
	if err != nil {
		return err
	}
	if err := proxy.ReleasePorts(ctx, proto, released); err != nil {
		return launch.Timeout("release ports", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if set := c.reserved[name][proto]; set != nil {
		for _, p := range released {
			delete(set, p)
		}
		if len(set) == 0 {
			delete(c.reserved[name], proto)
		}
	}
	if len(c.reserved[name]) == 0 {
		delete(c.reserved, name)
	}
	return nil
}

// ReleaseAllPorts returns every port this client reserved.
func (c *Client) ReleaseAllPorts(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.releaseAllPorts(ctx)
}

func (c *Client) releaseAllPorts(ctx context.Context) error {
	type batch struct {
		agent string
		proto ports.Protocol
		ports []int
	}
	c.mu.Lock()
	var batches []batch
	for agent, byProto := range c.reserved {
		for proto, set := range byProto {
			b := batch{agent: agent, proto: proto}
			for p := range set {
				b.ports = append(b.ports, p)
			}
			sort.Ints(b.ports)
			batches = append(batches, b)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, b := range batches {
		if err := c.releasePorts(ctx, b.agent, b.proto, b.ports); err != nil {
			c.logger.Warn("release ports failed", "agent", b.agent, "protocol", b.proto, "error", err)
			errs = append(errs, fmt.Errorf("release %s ports on %s: %w", b.proto, b.agent, err))
		}
	}
	return errors.Join(errs...)
}

// LaunchProcess exports listener and launches d on the named agent.
func (c *Client) LaunchProcess(ctx context.Context, name string, d *launch.Description, listener launch.Listener) (*ProcessProxy, error) {
	proxy, err := c.GetAgent(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}

	endpoint := &listenerEndpoint{target: listener, exit: newExitRecord(), dist: c.dist, logger: c.logger}
	listenerStub, err := c.dist.Export(endpoint)
	if err != nil {
		return nil, fmt.Errorf("export listener: %w", err)
	}

	launchCtx, cancel := context.WithTimeout(ctx, c.cfg.LaunchTimeout)
	defer cancel()
	reply, err := proxy.Launch(launchCtx, d, listenerStub)
	if err != nil {
		if uerr := c.dist.Unexport(ctx, endpoint); uerr != nil {
			c.logger.Warn("unexport listener failed", "error", uerr)
		}
		return nil, launch.Timeout("launch on "+proxy.id, err)
	}
	return &ProcessProxy{
		agent:       proxy.id,
		pid:         reply.Pid,
		stub:        reply.Process,
		caller:      c.caller,
		exit:        endpoint.exit,
		killTimeout: c.cfg.KillTimeout,
	}, nil
}

// Destroy releases reserved ports and bound agents, removes the client's
// presence and watch and closes the client. Failures are logged; teardown
// continues.
func (c *Client) Destroy(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	var errs []error
	if err := c.releaseAllPorts(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.releaseAllAgents(ctx); err != nil {
		errs = append(errs, err)
	}

	c.mu.Lock()
	c.closed = true
	started := c.started
	c.agents = make(map[string]*AgentProxy)
	c.bound = make(map[string]struct{})
	c.reserved = make(map[string]map[ports.Protocol]map[int]struct{})
	c.broadcastLocked()
	c.mu.Unlock()

	if started {
		if err := c.store.RemoveWatcher(ctx, launch.LaunchersPath, c.watcher); err != nil && !errors.Is(err, registry.ErrNotConnected) {
			errs = append(errs, fmt.Errorf("remove agent watch: %w", err))
		}
		if err := c.dist.Undistribute(ctx, c); err != nil {
			errs = append(errs, fmt.Errorf("remove client presence: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		c.logger.Warn("launch client destroyed with errors", "error", err)
		return err
	}
	c.logger.Info("launch client destroyed")
	return nil
}
