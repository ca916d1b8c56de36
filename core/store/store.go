// Package store is the gateway's embedded metadata store: migrations and
// their advisory lock, backup records and backup schedules. It is a
// single-file SQLite database, deliberately independent of any target
// backend so locking works even for engines without unique constraints.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/dbridge-io/dbridge/core/logger"
)

// Store wraps the metadata database.
type Store struct {
	db  *sql.DB
	log *logger.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS migrations (
	id            TEXT PRIMARY KEY,
	connection_id TEXT NOT NULL,
	name          TEXT NOT NULL,
	version       INTEGER NOT NULL,
	up_script     TEXT NOT NULL,
	down_script   TEXT NOT NULL,
	depends_on    TEXT NOT NULL DEFAULT '[]',
	status        TEXT NOT NULL DEFAULT 'pending',
	last_error    TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMP NOT NULL,
	applied_at    TIMESTAMP,
	UNIQUE (connection_id, version)
);

CREATE TABLE IF NOT EXISTS migration_lock (
	connection_id TEXT PRIMARY KEY,
	holder        TEXT NOT NULL,
	acquired_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS migration_history (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	connection_id TEXT NOT NULL,
	migration_id  TEXT NOT NULL,
	action        TEXT NOT NULL,
	detail        TEXT NOT NULL DEFAULT '',
	occurred_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS backups (
	id            TEXT PRIMARY KEY,
	connection_id TEXT NOT NULL,
	format        TEXT NOT NULL,
	compressed    INTEGER NOT NULL DEFAULT 0,
	encrypted     INTEGER NOT NULL DEFAULT 0,
	path          TEXT NOT NULL,
	size_bytes    INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_backups_connection ON backups (connection_id, created_at);

CREATE TABLE IF NOT EXISTS backup_schedules (
	id            TEXT PRIMARY KEY,
	connection_id TEXT NOT NULL,
	cron_expr     TEXT NOT NULL,
	retention     INTEGER NOT NULL,
	options       TEXT NOT NULL DEFAULT '{}',
	enabled       INTEGER NOT NULL DEFAULT 1,
	last_run      TIMESTAMP,
	next_run      TIMESTAMP,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);
`

// Open opens (or creates) the metadata database at the given path and
// bootstraps the schema. It enables WAL mode and foreign keys.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	ctx := context.Background()

	// WAL for concurrent reads; a single writer connection keeps the
	// driver free of SQLITE_BUSY churn.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping metadata store: %w", err)
	}

	s := &Store{db: db, log: logger.New("store")}
	if err := s.bootstrap(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// bootstrap creates the control tables. Idempotent, safe to call on every
// open; the migration engine's Init reuses it.
func (s *Store) bootstrap(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("bootstrap metadata schema: %w", err)
	}
	return nil
}

// EnsureSchema re-runs the control table bootstrap.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.bootstrap(ctx)
}

// Close closes the metadata database.
func (s *Store) Close() error {
	return s.db.Close()
}
