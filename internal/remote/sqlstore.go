package remote

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLStore implements Store over any database/sql connection.
//
// In production the connection points at the hosted libSQL database every
// family device shares (see OpenLibSQL); tests point it at an embedded
// in-memory SQLite. Eventual consistency comes from the deployment, not
// this code: replicas serve stale reads, and this implementation never
// papers over that.
type SQLStore struct {
	conn *sql.DB
}

// NewSQLStore wraps an open connection. The caller owns the connection's
// lifecycle; call InitSchema once before first use.
func NewSQLStore(conn *sql.DB) *SQLStore {
	return &SQLStore{conn: conn}
}

// InitSchema creates the scope, share, and record tables. Idempotent.
func (s *SQLStore) InitSchema(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS scopes (
		id TEXT PRIMARY KEY,
		grant_token TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS shares (
		ref TEXT PRIMARY KEY,
		scope_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		FOREIGN KEY (scope_id) REFERENCES scopes(id)
	);

	CREATE TABLE IF NOT EXISTS records (
		scope_id TEXT NOT NULL,
		collection TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		modified_at TEXT NOT NULL,
		written_by TEXT NOT NULL,
		PRIMARY KEY (scope_id, collection, key),
		FOREIGN KEY (scope_id) REFERENCES scopes(id)
	);

	CREATE INDEX IF NOT EXISTS idx_records_modified ON records(scope_id, collection, modified_at);
	`

	if _, err := s.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize remote schema: %w", err)
	}
	return nil
}

// CreateSharedScope implements Store.CreateSharedScope.
func (s *SQLStore) CreateSharedScope(ctx context.Context) (ScopeHandle, error) {
	scopeID, err := randomToken(16)
	if err != nil {
		return ScopeHandle{}, fmt.Errorf("failed to generate scope id: %w", err)
	}
	grant, err := randomToken(32)
	if err != nil {
		return ScopeHandle{}, fmt.Errorf("failed to generate grant token: %w", err)
	}
	shareRef, err := randomToken(24)
	if err != nil {
		return ScopeHandle{}, fmt.Errorf("failed to generate share ref: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return ScopeHandle{}, Transient("create scope", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO scopes (id, grant_token, created_at) VALUES (?, ?, ?)`,
		scopeID, grant, now); err != nil {
		return ScopeHandle{}, Transient("create scope", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO shares (ref, scope_id, created_at) VALUES (?, ?, ?)`,
		shareRef, scopeID, now); err != nil {
		return ScopeHandle{}, Transient("create scope", err)
	}
	if err := tx.Commit(); err != nil {
		return ScopeHandle{}, Transient("create scope", err)
	}

	return ScopeHandle{ID: scopeID, ShareRef: shareRef, GrantToken: grant}, nil
}

// Write implements Store.Write. The upsert keeps the per-key latest
// ModifiedAt, so an out-of-order retry cannot roll a record backwards.
func (s *SQLStore) Write(ctx context.Context, scope ScopeHandle, rec Record) error {
	if err := s.authorize(ctx, scope); err != nil {
		return err
	}
	if rec.Collection == "" || rec.Key == "" {
		return fmt.Errorf("record collection and key are required")
	}

	query := `
	INSERT INTO records (scope_id, collection, key, value, modified_at, written_by)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(scope_id, collection, key) DO UPDATE SET
		value = excluded.value,
		modified_at = excluded.modified_at,
		written_by = excluded.written_by
	WHERE excluded.modified_at >= records.modified_at
	`

	_, err := s.conn.ExecContext(ctx, query,
		scope.ID,
		rec.Collection,
		rec.Key,
		string(rec.Value),
		rec.ModifiedAt.UTC().Format(time.RFC3339Nano),
		rec.WrittenBy,
	)
	if err != nil {
		return Transient("write", err)
	}
	return nil
}

// Query implements Store.Query.
func (s *SQLStore) Query(ctx context.Context, scope ScopeHandle, pred Predicate) ([]Record, error) {
	if err := s.authorize(ctx, scope); err != nil {
		return nil, err
	}

	conditions := []string{"scope_id = ?"}
	args := []any{scope.ID}

	if pred.Collection != "" {
		conditions = append(conditions, "collection = ?")
		args = append(args, pred.Collection)
	}
	if pred.Key != "" {
		conditions = append(conditions, "key = ?")
		args = append(args, pred.Key)
	}
	if !pred.ModifiedSince.IsZero() {
		conditions = append(conditions, "modified_at > ?")
		args = append(args, pred.ModifiedSince.UTC().Format(time.RFC3339Nano))
	}

	query := `
	SELECT collection, key, value, modified_at, written_by
	FROM records
	WHERE ` + strings.Join(conditions, " AND ") + `
	ORDER BY modified_at ASC, key ASC`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Transient("query", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec        Record
			value      string
			modifiedAt string
		)
		if err := rows.Scan(&rec.Collection, &rec.Key, &value, &modifiedAt, &rec.WrittenBy); err != nil {
			return nil, Transient("query", err)
		}
		rec.Value = []byte(value)
		if t, err := time.Parse(time.RFC3339Nano, modifiedAt); err == nil {
			rec.ModifiedAt = t
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, Transient("query", err)
	}
	return records, nil
}

// AcceptShare implements Store.AcceptShare.
func (s *SQLStore) AcceptShare(ctx context.Context, shareRef string) (ScopeHandle, error) {
	var scopeID, grant string
	err := s.conn.QueryRowContext(ctx, `
	SELECT sc.id, sc.grant_token
	FROM shares sh JOIN scopes sc ON sc.id = sh.scope_id
	WHERE sh.ref = ?`, shareRef).Scan(&scopeID, &grant)
	if errors.Is(err, sql.ErrNoRows) {
		return ScopeHandle{}, ErrScopeNotFound
	}
	if err != nil {
		return ScopeHandle{}, Transient("accept share", err)
	}
	return ScopeHandle{ID: scopeID, GrantToken: grant}, nil
}

// authorize checks the handle's grant token against the scope row.
func (s *SQLStore) authorize(ctx context.Context, scope ScopeHandle) error {
	var grant string
	err := s.conn.QueryRowContext(ctx,
		`SELECT grant_token FROM scopes WHERE id = ?`, scope.ID).Scan(&grant)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrScopeNotFound
	}
	if err != nil {
		return Transient("authorize", err)
	}
	if grant != scope.GrantToken {
		return ErrBadGrant
	}
	return nil
}

// randomToken returns n bytes of crypto/rand entropy, base64url-encoded.
func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
