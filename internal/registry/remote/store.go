// Package remote implements registry.Store as a client of the registry
// service.
//
// A Store owns one service session, kept alive by a heartbeat at a third of
// its TTL. Every data node it creates is ephemeral to that session, so a
// crashed process disappears from the registry once the session expires.
//
// Each watched path runs one loop that long-polls the children endpoint with
// the last seen child version, delivers the fresh listing, and re-arms. This
// is the registry.WatchState machine: Idle, Awaiting (poll in flight),
// Delivering, then Awaiting again.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chirino/meshkeeper-sub000/internal/auth"
	"github.com/chirino/meshkeeper-sub000/internal/log"
	"github.com/chirino/meshkeeper-sub000/internal/registry"
	"github.com/chirino/meshkeeper-sub000/internal/registry/service"
)

var errSessionLost = errors.New("registry: session lost")

// Config configures a remote store.
type Config struct {
	// BaseURL is the registry service root, e.g. http://host:7070.
	BaseURL string
	Token   string
	// Owner labels the session on the service side.
	Owner      string
	SessionTTL time.Duration
	// PollWait is the long-poll wait requested per watch round trip.
	PollWait   time.Duration
	HTTPClient *http.Client
}

type pathWatch struct {
	watchers   registry.WatcherSet
	state      registry.WatchState
	rearm      bool
	cancel     context.CancelFunc
	pollCancel context.CancelFunc
}

// Store is a registry.Store backed by the registry service.
type Store struct {
	cfg    Config
	base   string
	client *http.Client
	logger *slog.Logger

	mu      sync.Mutex
	started bool
	session string
	watches map[string]*pathWatch
	renewed []func(ctx context.Context)
	loopCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

var (
	_ registry.Store           = (*Store)(nil)
	_ registry.SessionNotifier = (*Store)(nil)
)

// New creates a stopped remote store.
func New(cfg Config) *Store {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 15 * time.Second
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = 25 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Store{
		cfg:    cfg,
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		client: client,
		logger: log.WithComponent("registry.remote"),
	}
}

// Session returns the current service session id.
func (s *Store) Session() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	id, err := s.openSession(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", registry.ErrNotConnected, err)
	}

	loopCtx, stop := context.WithCancel(context.Background())
	s.mu.Lock()
	s.session = id
	s.watches = make(map[string]*pathWatch)
	s.loopCtx = loopCtx
	s.stop = stop
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.heartbeatLoop(loopCtx)
	s.logger.Info("registry session opened", "url", s.base, "session", id)
	return nil
}

func (s *Store) Destroy(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	session := s.session
	s.session = ""
	for _, pw := range s.watches {
		pw.cancel()
	}
	s.watches = nil
	stop := s.stop
	s.mu.Unlock()

	stop()
	s.wg.Wait()

	err := s.do(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(session), nil, nil, nil)
	if err != nil && !errors.Is(err, errSessionLost) {
		return fmt.Errorf("close registry session: %w", err)
	}
	return nil
}

func (s *Store) AddData(ctx context.Context, path string, sequential bool, data []byte) (string, error) {
	if err := registry.ValidatePath(path); err != nil {
		return "", err
	}
	session, err := s.currentSession()
	if err != nil {
		return "", err
	}

	req := service.AddNodeRequest{Path: path, Sequential: sequential, Data: data, Session: session}
	var resp service.NodeResponse
	err = s.do(ctx, http.MethodPost, "/v1/nodes", nil, req, &resp)
	if errors.Is(err, errSessionLost) {
		if req.Session, err = s.renewSession(ctx, session); err != nil {
			return "", err
		}
		err = s.do(ctx, http.MethodPost, "/v1/nodes", nil, req, &resp)
	}
	if err != nil {
		return "", err
	}
	return resp.Path, nil
}

func (s *Store) GetData(ctx context.Context, path string) ([]byte, error) {
	if err := registry.ValidatePath(path); err != nil {
		return nil, err
	}
	if _, err := s.currentSession(); err != nil {
		return nil, err
	}
	var resp service.NodeResponse
	if err := s.do(ctx, http.MethodGet, "/v1/nodes", url.Values{"path": {path}}, nil, &resp); err != nil {
		return nil, err
	}
	if !resp.HasData {
		return nil, nil
	}
	if resp.Data == nil {
		return []byte{}, nil
	}
	return resp.Data, nil
}

func (s *Store) GetChildren(ctx context.Context, path string) ([]string, error) {
	if err := registry.ValidatePath(path); err != nil {
		return nil, err
	}
	if _, err := s.currentSession(); err != nil {
		return nil, err
	}
	resp, err := s.children(ctx, path, -1, 0)
	if err != nil {
		return nil, err
	}
	return resp.Children, nil
}

func (s *Store) Remove(ctx context.Context, path string, recursive bool) error {
	if err := registry.ValidatePath(path); err != nil {
		return err
	}
	if _, err := s.currentSession(); err != nil {
		return err
	}
	q := url.Values{"path": {path}, "recursive": {strconv.FormatBool(recursive)}}
	return s.do(ctx, http.MethodDelete, "/v1/nodes", q, nil, nil)
}

func (s *Store) AddWatcher(ctx context.Context, path string, w registry.Watcher) error {
	if err := registry.ValidatePath(path); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return registry.ErrNotConnected
	}
	session := s.session
	if pw, ok := s.watches[path]; ok {
		if pw.watchers.Add(w) {
			// Abort the parked poll so the new watcher gets an initial listing.
			pw.rearm = true
			if pw.pollCancel != nil {
				pw.pollCancel()
			}
		}
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	// Pin the path server-side before the loop reads it.
	if err := s.do(ctx, http.MethodPost, "/v1/watches", nil, service.WatchRequest{Session: session, Path: path}, nil); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return registry.ErrNotConnected
	}
	if pw, ok := s.watches[path]; ok {
		// Lost a race with another AddWatcher for the same path.
		if pw.watchers.Add(w) {
			pw.rearm = true
			if pw.pollCancel != nil {
				pw.pollCancel()
			}
		}
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	pw := &pathWatch{cancel: cancel, state: registry.WatchAwaiting}
	pw.watchers.Add(w)
	s.watches[path] = pw
	s.wg.Add(1)
	go s.watchLoop(loopCtx, path, pw)
	return nil
}

func (s *Store) RemoveWatcher(ctx context.Context, path string, w registry.Watcher) error {
	if err := registry.ValidatePath(path); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return registry.ErrNotConnected
	}
	pw, ok := s.watches[path]
	if !ok || !pw.watchers.Remove(w) {
		s.mu.Unlock()
		return nil
	}
	if pw.watchers.Len() > 0 {
		s.mu.Unlock()
		return nil
	}
	delete(s.watches, path)
	pw.cancel()
	session := s.session
	s.mu.Unlock()

	q := url.Values{"session": {session}, "path": {path}}
	return s.do(ctx, http.MethodDelete, "/v1/watches", q, nil, nil)
}

// OnSessionRenewed registers hook to run after a lost session is replaced.
// Hooks run on their own goroutine and end with the store.
func (s *Store) OnSessionRenewed(hook func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renewed = append(s.renewed, hook)
}

func (s *Store) currentSession() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return "", registry.ErrNotConnected
	}
	return s.session, nil
}

func (s *Store) openSession(ctx context.Context) (string, error) {
	var resp service.SessionResponse
	req := service.CreateSessionRequest{Owner: s.cfg.Owner, TTLMS: s.cfg.SessionTTL.Milliseconds()}
	if err := s.do(ctx, http.MethodPost, "/v1/sessions", nil, req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// renewSession replaces a lost session and re-pins every watched path.
// Ephemeral nodes of the lost session are gone; the renewal hooks let their
// owners re-create them.
func (s *Store) renewSession(ctx context.Context, lost string) (string, error) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return "", registry.ErrNotConnected
	}
	if s.session != lost {
		current := s.session
		s.mu.Unlock()
		return current, nil
	}
	s.mu.Unlock()

	id, err := s.openSession(ctx)
	if err != nil {
		return "", fmt.Errorf("renew registry session: %w", err)
	}

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return "", registry.ErrNotConnected
	}
	s.session = id
	paths := make([]string, 0, len(s.watches))
	for p, pw := range s.watches {
		paths = append(paths, p)
		pw.rearm = true
	}
	s.mu.Unlock()

	s.logger.Warn("registry session renewed", "lost", lost, "session", id)
	var errs []error
	for _, p := range paths {
		if err := s.do(ctx, http.MethodPost, "/v1/watches", nil, service.WatchRequest{Session: id, Path: p}, nil); err != nil {
			errs = append(errs, err)
		}
	}
	s.runRenewalHooks()
	return id, errors.Join(errs...)
}

// runRenewalHooks runs the hooks off the caller's goroutine: a hook usually
// writes through this store, and the caller may be a write that is itself
// recovering from the lost session.
func (s *Store) runRenewalHooks() {
	s.mu.Lock()
	if !s.started || len(s.renewed) == 0 {
		s.mu.Unlock()
		return
	}
	hooks := append(([]func(context.Context))(nil), s.renewed...)
	ctx := s.loopCtx
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		for _, hook := range hooks {
			if ctx.Err() != nil {
				return
			}
			hook(ctx)
		}
	}()
}

func (s *Store) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SessionTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			session, err := s.currentSession()
			if err != nil {
				return
			}
			err = s.do(ctx, http.MethodPut, "/v1/sessions/"+url.PathEscape(session), nil, nil, nil)
			if errors.Is(err, errSessionLost) {
				if _, err := s.renewSession(ctx, session); err != nil && ctx.Err() == nil {
					s.logger.Error("session renewal failed", "error", err)
				}
				continue
			}
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("heartbeat failed", "session", session, "error", err)
			}
		}
	}
}

func (s *Store) watchLoop(ctx context.Context, path string, pw *pathWatch) {
	defer s.wg.Done()
	since := int64(-1)
	for {
		s.mu.Lock()
		if ctx.Err() != nil {
			pw.state = registry.WatchIdle
			s.mu.Unlock()
			return
		}
		if pw.rearm {
			pw.rearm = false
			since = -1
		}
		pollCtx, pollCancel := context.WithCancel(ctx)
		pw.pollCancel = pollCancel
		pw.state = registry.WatchAwaiting
		s.mu.Unlock()

		resp, err := s.children(pollCtx, path, since, s.cfg.PollWait)
		pollCancel()
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			if pollCtx.Err() != nil {
				// Cancelled by AddWatcher; loop around with rearm set.
				continue
			}
			s.logger.Warn("watch poll failed", "path", path, "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		if resp.Version == since {
			continue
		}
		since = resp.Version

		s.mu.Lock()
		if ctx.Err() != nil {
			s.mu.Unlock()
			continue
		}
		pw.state = registry.WatchDelivering
		watchers := pw.watchers.Snapshot()
		s.mu.Unlock()

		registry.Deliver(s.logger, path, resp.Children, watchers)
	}
}

func (s *Store) children(ctx context.Context, path string, since int64, wait time.Duration) (service.ChildrenResponse, error) {
	q := url.Values{"path": {path}, "since": {strconv.FormatInt(since, 10)}}
	if wait > 0 {
		q.Set("wait", wait.String())
	}
	var resp service.ChildrenResponse
	if err := s.do(ctx, http.MethodGet, "/v1/children", q, nil, &resp); err != nil {
		return service.ChildrenResponse{}, err
	}
	if resp.Children == nil {
		resp.Children = []string{}
	}
	return resp, nil
}

// do performs one JSON round trip and maps service error codes to registry
// sentinels.
func (s *Store) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	target := s.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	auth.SetBearer(req, s.cfg.Token)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e service.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		switch e.Code {
		case service.CodeAlreadyExists:
			return registry.ErrAlreadyExists
		case service.CodeNotEmpty:
			return registry.ErrNotEmpty
		case service.CodeInvalidPath:
			return fmt.Errorf("%w: %s", registry.ErrInvalidPath, e.Error)
		case service.CodeSessionNotFound:
			return errSessionLost
		}
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, e.Error)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
