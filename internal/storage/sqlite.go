package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// OpenSQLite opens (and creates if needed) the registry database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
		if err := RequireLocalFilesystem(path, "registry database", "registry_server.db_path (or --db)"); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes every tree transaction and keeps a
	// :memory: database from splitting across connections.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates the registry tables and seeds the root node and
// the global counters.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS registry_node (
  path        TEXT PRIMARY KEY,
  parent      TEXT NOT NULL,
  name        TEXT NOT NULL,
  data        BLOB,
  has_data    INTEGER NOT NULL DEFAULT 0,
  session_id  TEXT,
  cversion    INTEGER NOT NULL DEFAULT 0,
  created_at  TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS registry_session (
  id          TEXT PRIMARY KEY,
  owner       TEXT NOT NULL,
  ttl_ms      INTEGER NOT NULL,
  last_seen   TEXT NOT NULL,
  created_at  TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS registry_watch (
  session_id  TEXT NOT NULL,
  path        TEXT NOT NULL,
  created_at  TEXT NOT NULL,
  PRIMARY KEY (session_id, path)
);`,
		`CREATE TABLE IF NOT EXISTS registry_sequence (
  name   TEXT PRIMARY KEY,
  value  INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS registry_node_parent_idx ON registry_node(parent);`,
		`CREATE INDEX IF NOT EXISTS registry_node_session_idx ON registry_node(session_id);`,
		`CREATE INDEX IF NOT EXISTS registry_watch_path_idx ON registry_watch(path);`,
		`INSERT OR IGNORE INTO registry_sequence(name, value) VALUES ('node', 0), ('cversion', 0);`,
		`INSERT OR IGNORE INTO registry_node(path, parent, name, has_data, cversion, created_at)
VALUES ('/', '', '', 0, 0, '` + now + `');`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
