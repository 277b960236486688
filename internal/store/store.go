// Package store provides the durable local database for the sync agent.
//
// Everything that must survive a process restart lives here: the device's
// trust edges, pairing invitations it issued, the offline mutation queue,
// locally-applied configuration objects, the cached subscription state,
// and per-task sync marks.
//
// The database is embedded SQLite (ncruces/go-sqlite3, wasm build) opened
// in WAL mode. Every write is a single-statement upsert or a transaction,
// so each record is atomic on disk and a crash mid-write never leaves a
// half-updated row.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"
)

func init() {
	// Cap the wasm runtime at 64 MiB so the agent stays inside the
	// memory envelope mobile-adjacent hosts give background processes.
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithMemoryLimitPages(1024)
}

// Store wraps the local SQLite database.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates or opens the agent database at path.
//
// The database is opened in WAL mode with a 5 second busy timeout and
// foreign keys enabled. The caller MUST call Close() when done.
//
// Example:
//
//	st, err := store.Open(filepath.Join(dataDir, "kinship.db"))
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := st.conn.Exec(pragma); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return st, nil
}

// OpenMemory opens a fresh in-memory database, used by tests.
func OpenMemory() (*Store, error) {
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	// In-memory databases vanish if the pool closes the only connection.
	conn.SetMaxOpenConns(1)
	return &Store{conn: conn, path: ":memory:"}, nil
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if s.path != ":memory:" {
		if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// schemaVersion is bumped whenever InitSchema's DDL changes shape.
const schemaVersion = 1

// InitSchema creates all tables and indexes. Idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		role TEXT NOT NULL,
		account_id TEXT NOT NULL,
		supervisor_device_id TEXT,
		registered_at TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS trust_edges (
		id TEXT PRIMARY KEY,
		supervisor_device_id TEXT NOT NULL,
		supervised_device_id TEXT NOT NULL,
		share_scope_id TEXT NOT NULL,
		established_at TEXT NOT NULL,
		revoked_at TEXT
	);

	CREATE TABLE IF NOT EXISTS invitations (
		session_id TEXT PRIMARY KEY,
		verification_token TEXT NOT NULL,
		supervisor_device_id TEXT NOT NULL,
		supervisor_account TEXT NOT NULL,
		share_reference TEXT NOT NULL,
		family_id TEXT,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS queue_items (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		record_key TEXT NOT NULL,
		payload TEXT NOT NULL,
		scope_id TEXT NOT NULL,
		enqueued_at TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	);

	-- Grant tokens for shared scopes this device may touch.
	CREATE TABLE IF NOT EXISTS scope_handles (
		scope_id TEXT PRIMARY KEY,
		grant_token TEXT NOT NULL,
		added_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS config_objects (
		key TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		value TEXT NOT NULL,
		authority TEXT NOT NULL,
		last_modified TEXT NOT NULL,
		device_id TEXT NOT NULL
	);

	-- Single-row cache of the last verified entitlement.
	CREATE TABLE IF NOT EXISTS subscription_state (
		rowid_guard INTEGER PRIMARY KEY CHECK (rowid_guard = 1),
		tier TEXT NOT NULL,
		status TEXT NOT NULL,
		device_limit INTEGER NOT NULL,
		expires_at TEXT NOT NULL,
		last_verified_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_marks (
		task_id TEXT PRIMARY KEY,
		last_run_at TEXT NOT NULL,
		last_success_at TEXT,
		last_error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_edges_supervisor ON trust_edges(supervisor_device_id);
	CREATE INDEX IF NOT EXISTS idx_edges_supervised ON trust_edges(supervised_device_id);
	CREATE INDEX IF NOT EXISTS idx_edges_active ON trust_edges(revoked_at) WHERE revoked_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_invitations_status ON invitations(status);
	CREATE INDEX IF NOT EXISTS idx_invitations_expires ON invitations(expires_at);
	CREATE INDEX IF NOT EXISTS idx_queue_kind_enqueued ON queue_items(kind, enqueued_at);
	CREATE INDEX IF NOT EXISTS idx_config_kind ON config_objects(kind);
	`

	if _, err := s.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	if _, err := s.conn.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version=%d", schemaVersion)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}

	return nil
}

// SchemaVersion reads the on-disk schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: t.Format(time.RFC3339Nano), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
