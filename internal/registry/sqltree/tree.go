// Package sqltree is the consistency core of the registry service: a
// hierarchical tree persisted in SQLite, with sessions that own ephemeral
// data nodes, a global monotonic sequence for sequential names, and a global
// child-version counter that long-poll watches compare against.
//
// Every mutation runs in one transaction. Change notifications are published
// to the events hub only after commit, so a subscriber that re-reads on
// notification always sees the committed state.
package sqltree

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chirino/meshkeeper-sub000/internal/events"
	"github.com/chirino/meshkeeper-sub000/internal/log"
	"github.com/chirino/meshkeeper-sub000/internal/registry"
)

var ErrSessionNotFound = errors.New("registry: session not found")

// Session is a client lease. Data nodes created under a session vanish when
// it is closed or expires.
type Session struct {
	ID       string
	Owner    string
	TTL      time.Duration
	LastSeen time.Time
}

// Tree implements the registry operations on top of a bootstrapped database.
type Tree struct {
	db     *sql.DB
	hub    *events.Hub
	logger *slog.Logger
	now    func() time.Time
}

// New wraps a database opened with storage.OpenSQLite.
func New(db *sql.DB, hub *events.Hub) *Tree {
	if hub == nil {
		hub = events.NewHub(256)
	}
	return &Tree{
		db:     db,
		hub:    hub,
		logger: log.WithComponent("registry.sqltree"),
		now:    time.Now,
	}
}

// Hub returns the hub change notifications are published on.
func (t *Tree) Hub() *events.Hub { return t.hub }

// CreateSession opens a new session with the given TTL.
func (t *Tree) CreateSession(ctx context.Context, owner string, ttl time.Duration) (Session, error) {
	if ttl <= 0 {
		return Session{}, fmt.Errorf("session ttl must be positive")
	}
	now := t.now().UTC()
	s := Session{ID: uuid.NewString(), Owner: owner, TTL: ttl, LastSeen: now}
	_, err := t.db.ExecContext(ctx, `
INSERT INTO registry_session(id, owner, ttl_ms, last_seen, created_at)
VALUES(?, ?, ?, ?, ?);
`, s.ID, owner, ttl.Milliseconds(), formatTime(now), formatTime(now))
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	t.hub.Publish(events.SessionOpened, events.SessionPayload{Session: s.ID, Owner: owner})
	return s, nil
}

// TouchSession records a heartbeat.
func (t *Tree) TouchSession(ctx context.Context, id string) error {
	res, err := t.db.ExecContext(ctx, `UPDATE registry_session SET last_seen = ? WHERE id = ?;`, formatTime(t.now().UTC()), id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// CloseSession ends a session and releases its ephemeral nodes and watches.
func (t *Tree) CloseSession(ctx context.Context, id string) error {
	if err := t.endSession(ctx, id); err != nil {
		return err
	}
	t.hub.Publish(events.SessionClosed, events.SessionPayload{Session: id})
	return nil
}

// ExpireSessions ends every session whose last heartbeat is older than its TTL.
func (t *Tree) ExpireSessions(ctx context.Context) ([]string, error) {
	rows, err := t.db.QueryContext(ctx, `SELECT id, ttl_ms, last_seen FROM registry_session;`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	now := t.now().UTC()
	var expired []string
	for rows.Next() {
		var (
			id       string
			ttlMS    int64
			lastSeen string
		)
		if err := rows.Scan(&id, &ttlMS, &lastSeen); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan session: %w", err)
		}
		seen, err := time.Parse(time.RFC3339Nano, lastSeen)
		if err != nil {
			continue
		}
		if now.Sub(seen) > time.Duration(ttlMS)*time.Millisecond {
			expired = append(expired, id)
		}
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var errs []error
	for _, id := range expired {
		if err := t.endSession(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			errs = append(errs, err)
			continue
		}
		t.logger.Info("session expired", "session", id)
		t.hub.Publish(events.SessionExpired, events.SessionPayload{Session: id})
	}
	return expired, errors.Join(errs...)
}

func (t *Tree) endSession(ctx context.Context, id string) error {
	return t.update(ctx, func(x *txn) error {
		var exists int
		if err := x.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM registry_session WHERE id = ?;`, id).Scan(&exists); err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		if exists == 0 {
			return ErrSessionNotFound
		}

		owned, err := x.queryPaths(ctx, `SELECT path FROM registry_node WHERE session_id = ?;`, id)
		if err != nil {
			return err
		}
		if _, err := x.tx.ExecContext(ctx, `
UPDATE registry_node SET data = NULL, has_data = 0, session_id = NULL WHERE session_id = ?;
`, id); err != nil {
			return fmt.Errorf("release ephemeral nodes: %w", err)
		}
		watched, err := x.queryPaths(ctx, `SELECT path FROM registry_watch WHERE session_id = ?;`, id)
		if err != nil {
			return err
		}
		if _, err := x.tx.ExecContext(ctx, `DELETE FROM registry_watch WHERE session_id = ?;`, id); err != nil {
			return fmt.Errorf("release watches: %w", err)
		}
		if _, err := x.tx.ExecContext(ctx, `DELETE FROM registry_session WHERE id = ?;`, id); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}

		x.removed = append(x.removed, owned...)
		paths := append(owned, watched...)
		// Deepest first so a parent is examined after its children.
		sort.Slice(paths, func(i, j int) bool {
			return strings.Count(paths[i], "/") > strings.Count(paths[j], "/")
		})
		for _, p := range paths {
			if err := x.prune(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})
}

// AddData creates a node. A non-empty session makes the node ephemeral.
func (t *Tree) AddData(ctx context.Context, session, path string, sequential bool, data []byte) (string, error) {
	if err := registry.ValidatePath(path); err != nil {
		return "", err
	}
	if path == registry.Root {
		return "", registry.ErrAlreadyExists
	}

	var actual string
	err := t.update(ctx, func(x *txn) error {
		if err := x.requireSession(ctx, session); err != nil {
			return err
		}

		parent, name := registry.Split(path)
		if err := x.ensure(ctx, parent); err != nil {
			return err
		}
		if sequential {
			seq, err := x.next(ctx, "node")
			if err != nil {
				return err
			}
			name = registry.SequentialName(name, seq)
		}
		actual = registry.Join(parent, name)

		row, found, err := x.load(ctx, actual)
		if err != nil {
			return err
		}
		if found {
			if row.hasData {
				return registry.ErrAlreadyExists
			}
			if _, err := x.tx.ExecContext(ctx, `
UPDATE registry_node SET data = ?, has_data = 1, session_id = ? WHERE path = ?;
`, data, nullable(session), actual); err != nil {
				return fmt.Errorf("attach data: %w", err)
			}
			x.created = append(x.created, actual)
			return nil
		}

		if _, err := x.tx.ExecContext(ctx, `
INSERT INTO registry_node(path, parent, name, data, has_data, session_id, cversion, created_at)
VALUES(?, ?, ?, ?, 1, ?, 0, ?);
`, actual, parent, name, data, nullable(session), formatTime(t.now().UTC())); err != nil {
			return fmt.Errorf("insert node: %w", err)
		}
		x.created = append(x.created, actual)
		return x.bump(ctx, parent)
	})
	if err != nil {
		return "", err
	}
	return actual, nil
}

// GetData returns the data at path, or nil when the node or its data is absent.
func (t *Tree) GetData(ctx context.Context, path string) ([]byte, error) {
	if err := registry.ValidatePath(path); err != nil {
		return nil, err
	}
	var (
		data    []byte
		hasData bool
	)
	err := t.db.QueryRowContext(ctx, `SELECT data, has_data FROM registry_node WHERE path = ?;`, path).Scan(&data, &hasData)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read node: %w", err)
	}
	if !hasData {
		return nil, nil
	}
	return data, nil
}

// Children returns the sorted child names of path and its child version.
// A missing node has no children and version 0.
func (t *Tree) Children(ctx context.Context, path string) ([]string, int64, error) {
	if err := registry.ValidatePath(path); err != nil {
		return nil, 0, err
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var version int64
	err = tx.QueryRowContext(ctx, `SELECT cversion FROM registry_node WHERE path = ?;`, path).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return []string{}, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read child version: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT name FROM registry_node WHERE parent = ? ORDER BY name;`, path)
	if err != nil {
		return nil, 0, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()
	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, 0, fmt.Errorf("scan child: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return names, version, nil
}

// Remove deletes path, and its subtree when recursive is set.
func (t *Tree) Remove(ctx context.Context, path string, recursive bool) error {
	if err := registry.ValidatePath(path); err != nil {
		return err
	}
	if path == registry.Root {
		return registry.ErrInvalidPath
	}

	return t.update(ctx, func(x *txn) error {
		_, found, err := x.load(ctx, path)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		n, err := x.count(ctx, `SELECT COUNT(*) FROM registry_node WHERE parent = ?;`, path)
		if err != nil {
			return err
		}
		if n > 0 && !recursive {
			return registry.ErrNotEmpty
		}

		prefix := path + "/"
		removed, err := x.queryPaths(ctx, `
SELECT path FROM registry_node WHERE path = ? OR substr(path, 1, ?) = ?;
`, path, len(prefix), prefix)
		if err != nil {
			return err
		}
		if _, err := x.tx.ExecContext(ctx, `
DELETE FROM registry_node WHERE path = ? OR substr(path, 1, ?) = ?;
`, path, len(prefix), prefix); err != nil {
			return fmt.Errorf("delete subtree: %w", err)
		}
		x.removed = append(x.removed, removed...)
		// Watchers below the removed node now see an empty child list.
		for _, p := range removed {
			x.changed[p] = struct{}{}
		}

		parent, _ := registry.Split(path)
		if err := x.bump(ctx, parent); err != nil {
			return err
		}
		return x.prune(ctx, parent)
	})
}

// AddWatch pins path (and its scaffolding) for session.
func (t *Tree) AddWatch(ctx context.Context, session, path string) error {
	if err := registry.ValidatePath(path); err != nil {
		return err
	}
	return t.update(ctx, func(x *txn) error {
		if err := x.requireSession(ctx, session); err != nil {
			return err
		}
		if session == "" {
			return ErrSessionNotFound
		}
		if err := x.ensure(ctx, path); err != nil {
			return err
		}
		if _, err := x.tx.ExecContext(ctx, `
INSERT OR IGNORE INTO registry_watch(session_id, path, created_at) VALUES(?, ?, ?);
`, session, path, formatTime(t.now().UTC())); err != nil {
			return fmt.Errorf("insert watch: %w", err)
		}
		return nil
	})
}

// RemoveWatch unpins path for session and prunes it if nothing else holds it.
func (t *Tree) RemoveWatch(ctx context.Context, session, path string) error {
	if err := registry.ValidatePath(path); err != nil {
		return err
	}
	return t.update(ctx, func(x *txn) error {
		if _, err := x.tx.ExecContext(ctx, `DELETE FROM registry_watch WHERE session_id = ? AND path = ?;`, session, path); err != nil {
			return fmt.Errorf("delete watch: %w", err)
		}
		return x.prune(ctx, path)
	})
}

// update runs fn in a transaction and publishes its changes after commit.
func (t *Tree) update(ctx context.Context, fn func(*txn) error) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	x := &txn{tx: tx, changed: make(map[string]struct{})}
	if err := fn(x); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	for _, p := range x.created {
		t.hub.Publish(events.NodeCreated, events.PathPayload{Path: p})
	}
	for _, p := range x.removed {
		t.hub.Publish(events.NodeRemoved, events.PathPayload{Path: p})
	}
	changed := make([]string, 0, len(x.changed))
	for p := range x.changed {
		changed = append(changed, p)
	}
	sort.Strings(changed)
	for _, p := range changed {
		t.hub.Publish(events.ChildrenChanged, events.PathPayload{Path: p})
	}
	return nil
}

type nodeRow struct {
	hasData bool
}

type txn struct {
	tx      *sql.Tx
	changed map[string]struct{}
	created []string
	removed []string
}

func (x *txn) requireSession(ctx context.Context, session string) error {
	if session == "" {
		return nil
	}
	n, err := x.count(ctx, `SELECT COUNT(*) FROM registry_session WHERE id = ?;`, session)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (x *txn) load(ctx context.Context, path string) (nodeRow, bool, error) {
	var row nodeRow
	err := x.tx.QueryRowContext(ctx, `SELECT has_data FROM registry_node WHERE path = ?;`, path).Scan(&row.hasData)
	if errors.Is(err, sql.ErrNoRows) {
		return nodeRow{}, false, nil
	}
	if err != nil {
		return nodeRow{}, false, fmt.Errorf("load node %s: %w", path, err)
	}
	return row, true, nil
}

func (x *txn) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := x.tx.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func (x *txn) queryPaths(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := x.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query paths: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan path: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (x *txn) next(ctx context.Context, name string) (int64, error) {
	var v int64
	err := x.tx.QueryRowContext(ctx, `
UPDATE registry_sequence SET value = value + 1 WHERE name = ? RETURNING value;
`, name).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("advance sequence %s: %w", name, err)
	}
	return v, nil
}

// bump stamps path with a fresh global child version.
func (x *txn) bump(ctx context.Context, path string) error {
	v, err := x.next(ctx, "cversion")
	if err != nil {
		return err
	}
	if _, err := x.tx.ExecContext(ctx, `UPDATE registry_node SET cversion = ? WHERE path = ?;`, v, path); err != nil {
		return fmt.Errorf("bump child version: %w", err)
	}
	x.changed[path] = struct{}{}
	return nil
}

// ensure creates data-less scaffolding down to path.
func (x *txn) ensure(ctx context.Context, path string) error {
	cur := registry.Root
	for _, seg := range registry.Segments(path) {
		parent := cur
		cur = registry.Join(cur, seg)
		_, found, err := x.load(ctx, cur)
		if err != nil {
			return err
		}
		if found {
			continue
		}
		if _, err := x.tx.ExecContext(ctx, `
INSERT INTO registry_node(path, parent, name, has_data, cversion, created_at)
VALUES(?, ?, ?, 0, 0, ?);
`, cur, parent, seg, formatTime(time.Now().UTC())); err != nil {
			return fmt.Errorf("create scaffolding %s: %w", cur, err)
		}
		if err := x.bump(ctx, parent); err != nil {
			return err
		}
	}
	return nil
}

// prune deletes empty scaffolding from path upward, stopping at the first
// node that has data, children or watchers.
func (x *txn) prune(ctx context.Context, path string) error {
	for p := path; p != registry.Root; {
		row, found, err := x.load(ctx, p)
		if err != nil {
			return err
		}
		if !found || row.hasData {
			return nil
		}
		children, err := x.count(ctx, `SELECT COUNT(*) FROM registry_node WHERE parent = ?;`, p)
		if err != nil {
			return err
		}
		watches, err := x.count(ctx, `SELECT COUNT(*) FROM registry_watch WHERE path = ?;`, p)
		if err != nil {
			return err
		}
		if children > 0 || watches > 0 {
			return nil
		}
		if _, err := x.tx.ExecContext(ctx, `DELETE FROM registry_node WHERE path = ?;`, p); err != nil {
			return fmt.Errorf("prune %s: %w", p, err)
		}
		parent, _ := registry.Split(p)
		if err := x.bump(ctx, parent); err != nil {
			return err
		}
		p = parent
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}
