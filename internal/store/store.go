// Package store implements the runtime host's embedded state store: a
// single-writer SQLite database holding two tables (persisted
// key/value state and a deterministic room-to-thread routing table)
// with begin-immediate/commit/rollback transactional discipline.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("store: not found")

// UnsetState is the literal value returned by LoadState when no state
// row has been saved.
const UnsetState = "unset"

const schema = `
CREATE TABLE IF NOT EXISTS runtime_state (
	state_key TEXT PRIMARY KEY,
	state_value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS thread_routes (
	room_key TEXT PRIMARY KEY,
	thread_id INTEGER NOT NULL
);
`

// defaultStateKey is the single row key runtime_state ever uses; the
// table holds at most one row.
const defaultStateKey = "default"

// Store wraps the single sql.DB connection backing the runtime host's
// durable state. It does not synchronize its own writes: callers
// (runtimehost.Host) are expected to serialize access under their own
// lock, the same lock that guards the metrics table so snapshots stay
// consistent with store-derived counts.
type Store struct {
	db *sql.DB
}

// Open creates the database file's parent directory if needed, opens a
// single-connection SQLite handle in WAL mode, and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("store: create db dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close commits any pending work implicitly (SQLite auto-commits
// outside explicit transactions) and closes the underlying handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// TxHooks lets a caller observe the begin/commit/rollback lifecycle of
// a write transaction so it can update its own counters (the metrics
// registry) under its own lock rather than the store's.
type TxHooks struct {
	OnBegin    func()
	OnCommit   func()
	OnRollback func()
}

// withWriteTx runs action inside a transaction opened with the
// driver's default BeginTx, committing on success and rolling back on
// any error. That BEGIN is deferred, not IMMEDIATE: SQLite takes the
// write lock at the action's first write statement, not at BEGIN;
// writers are serialized by the caller's lock. hooks, if
// non-nil, are invoked at the corresponding lifecycle point before the
// result is known to the caller: OnBegin before the statement runs,
// OnCommit/OnRollback immediately after the outcome is decided.
func (s *Store) withWriteTx(ctx context.Context, hooks *TxHooks, action func(tx *sql.Tx) error) error {
	if hooks != nil && hooks.OnBegin != nil {
		hooks.OnBegin()
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		if hooks != nil && hooks.OnRollback != nil {
			hooks.OnRollback()
		}
		return fmt.Errorf("store: begin immediate: %w", err)
	}
	// modernc.org/sqlite's default BeginTx acquires the write lock at
	// the first write statement; with SetMaxOpenConns(1) no other
	// connection of this process competes for it.
	if err := action(tx); err != nil {
		_ = tx.Rollback()
		if hooks != nil && hooks.OnRollback != nil {
			hooks.OnRollback()
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		if hooks != nil && hooks.OnRollback != nil {
			hooks.OnRollback()
		}
		return fmt.Errorf("store: commit: %w", err)
	}
	if hooks != nil && hooks.OnCommit != nil {
		hooks.OnCommit()
	}
	return nil
}

// SaveState upserts the single runtime_state row.
func (s *Store) SaveState(ctx context.Context, hooks *TxHooks, value string) error {
	return s.withWriteTx(ctx, hooks, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO runtime_state(state_key, state_value) VALUES(?, ?)
ON CONFLICT(state_key) DO UPDATE SET state_value = excluded.state_value
`, defaultStateKey, value)
		return err
	})
}

// LoadState returns the persisted value, or UnsetState if absent.
// Reads do not go through a write transaction and may run concurrently
// with other readers, but callers still serialize them against writers
// via the shared host lock so snapshots never tear.
func (s *Store) LoadState(ctx context.Context) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT state_value FROM runtime_state WHERE state_key = ?`, defaultStateKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return UnsetState, nil
	}
	if err != nil {
		return "", fmt.Errorf("store: load state: %w", err)
	}
	return value, nil
}

// DeleteState removes the runtime_state row, if any.
func (s *Store) DeleteState(ctx context.Context, hooks *TxHooks) error {
	return s.withWriteTx(ctx, hooks, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM runtime_state WHERE state_key = ?`, defaultStateKey)
		return err
	})
}

// RouteThreadID computes the deterministic thread id for a room key:
// (crc32(utf8(room_key)) mod thread_count) + 1.
func RouteThreadID(roomKey string, threadCount int) int {
	if threadCount < 1 {
		threadCount = 1
	}
	sum := crc32.ChecksumIEEE([]byte(roomKey))
	return int(sum%uint32(threadCount)) + 1
}

// LookupRoute returns the persisted thread id for roomKey, or
// ErrNotFound if no row exists yet. Call this before the write path so
// the existence check and the insert compose inside one caller-held
// critical section; a concurrent resolver must never overwrite an
// already-persisted route.
func (s *Store) LookupRoute(ctx context.Context, roomKey string) (int, error) {
	var threadID int
	err := s.db.QueryRowContext(ctx, `SELECT thread_id FROM thread_routes WHERE room_key = ?`, roomKey).Scan(&threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("store: lookup route: %w", err)
	}
	return threadID, nil
}

// InsertRouteIfAbsent writes (roomKey, threadID) using insert-or-ignore
// semantics: a concurrent writer that already persisted a value for
// roomKey is never overwritten. The caller must already hold whatever
// lock serializes concurrent route resolutions (runtimehost.Host's
// mutex); this method only protects the SQL statement shape, not
// concurrent Go callers.
func (s *Store) InsertRouteIfAbsent(ctx context.Context, hooks *TxHooks, roomKey string, threadID int) error {
	return s.withWriteTx(ctx, hooks, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO thread_routes(room_key, thread_id) VALUES(?, ?)
ON CONFLICT(room_key) DO NOTHING
`, roomKey, threadID)
		return err
	})
}

// Counts returns (thread_route_count, persisted_state_count) for the
// metrics snapshot's derived fields.
func (s *Store) Counts(ctx context.Context) (routeCount, stateCount int64, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM thread_routes`).Scan(&routeCount); err != nil {
		return 0, 0, fmt.Errorf("store: count routes: %w", err)
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runtime_state`).Scan(&stateCount); err != nil {
		return 0, 0, fmt.Errorf("store: count state: %w", err)
	}
	return routeCount, stateCount, nil
}
