// Package store implements the durable state store: pane read-offsets,
// stage states, approval tokens, agent-session records, and bus-read
// offsets, all backed by a single embedded SQLite database.
//
// The state store is the only shared mutable resource between the
// supervisor loop and the advisor orchestrator; both reach it only
// through the Store handle below, never through each other.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite" // register the sqlite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS pane_offsets (
	host    TEXT NOT NULL,
	pane_id TEXT NOT NULL,
	offset  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (host, pane_id)
);

CREATE TABLE IF NOT EXISTS stage_states (
	host         TEXT NOT NULL,
	pane_id      TEXT NOT NULL,
	pipeline     TEXT NOT NULL,
	stage        TEXT NOT NULL,
	status       TEXT NOT NULL,
	retries      INTEGER NOT NULL DEFAULT 0,
	data         TEXT NOT NULL DEFAULT '{}',
	updated_at   TEXT NOT NULL,
	PRIMARY KEY (host, pane_id, pipeline, stage)
);

CREATE TABLE IF NOT EXISTS approval_tokens (
	host       TEXT NOT NULL,
	pane_id    TEXT NOT NULL,
	stage      TEXT NOT NULL,
	token      TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	PRIMARY KEY (host, pane_id, stage)
);

CREATE TABLE IF NOT EXISTS agent_sessions (
	branch     TEXT PRIMARY KEY,
	data       TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS bus_offsets (
	reader  TEXT PRIMARY KEY,
	offset  INTEGER NOT NULL DEFAULT 0
);
`

// Store is the embedded, WAL-mode backed State Store.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

// Open opens (or creates) a SQLite database at path and runs schema
// migrations. Use ":memory:" for an in-memory database in tests. A
// non-memory path is guarded by a cross-process exclusive lock so two
// supervisor processes never open the same state directory at once.
func Open(path string) (*Store, error) {
	var lock *flock.Flock
	if path != ":memory:" {
		lock = flock.New(path + ".lock")
		locked, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("lock state store %s: %w", path, err)
		}
		if !locked {
			return nil, fmt.Errorf("lock state store %s: already held by another process", path)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		if lock != nil {
			lock.Unlock()
		}
		return nil, fmt.Errorf("open state store: %w", err)
	}

	fail := func(err error) (*Store, error) {
		db.Close()
		if lock != nil {
			lock.Unlock()
		}
		return nil, err
	}

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return fail(fmt.Errorf("enable WAL mode: %w", err))
		}
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return fail(fmt.Errorf("enable foreign keys: %w", err))
	}
	if _, err := db.Exec(schema); err != nil {
		return fail(fmt.Errorf("run schema migrations: %w", err))
	}

	return &Store{db: db, lock: lock}, nil
}

// OpenInMemory opens an in-memory store, for tests.
func OpenInMemory() (*Store, error) {
	return Open(":memory:")
}

// Close releases the database connection and the state directory lock.
func (s *Store) Close() error {
	err := s.db.Close()
	if s.lock != nil {
		if unlockErr := s.lock.Unlock(); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}
	return err
}

// Ping verifies the database connection is alive.
func (s *Store) Ping() error {
	return s.db.Ping()
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
