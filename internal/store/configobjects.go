package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kinshipd/kinship/internal/schema"
)

// UpsertConfigObject writes one configuration object. Callers run the
// conflict resolver first; the store never second-guesses the winner.
func (s *Store) UpsertConfigObject(ctx context.Context, obj *schema.ConfigObject) error {
	if err := obj.Validate(); err != nil {
		return fmt.Errorf("invalid config object: %w", err)
	}

	query := `
	INSERT INTO config_objects (key, kind, value, authority, last_modified, device_id)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		kind = excluded.kind,
		value = excluded.value,
		authority = excluded.authority,
		last_modified = excluded.last_modified,
		device_id = excluded.device_id
	`

	_, err := s.conn.ExecContext(ctx, query,
		obj.Key,
		string(obj.Kind),
		string(obj.Value),
		string(obj.Authority),
		obj.LastModified.Format(time.RFC3339Nano),
		obj.DeviceID,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert config object %s: %w", obj.Key, err)
	}
	return nil
}

// GetConfigObject fetches one object by key.
// Returns sql.ErrNoRows if absent.
func (s *Store) GetConfigObject(ctx context.Context, key string) (*schema.ConfigObject, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT key, kind, value, authority, last_modified, device_id
	FROM config_objects WHERE key = ?`, key)
	return scanConfigObject(row)
}

// ListConfigObjects returns all locally-held configuration objects.
func (s *Store) ListConfigObjects(ctx context.Context) ([]*schema.ConfigObject, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT key, kind, value, authority, last_modified, device_id
	FROM config_objects ORDER BY key ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list config objects: %w", err)
	}
	defer rows.Close()

	var objs []*schema.ConfigObject
	for rows.Next() {
		obj, err := scanConfigObject(rows)
		if err != nil {
			return nil, err
		}
		objs = append(objs, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating config objects: %w", err)
	}
	return objs, nil
}

func scanConfigObject(row rowScanner) (*schema.ConfigObject, error) {
	var (
		obj          schema.ConfigObject
		kind         string
		value        string
		authority    string
		lastModified string
	)
	err := row.Scan(&obj.Key, &kind, &value, &authority, &lastModified, &obj.DeviceID)
	if err != nil {
		return nil, err
	}
	obj.Kind = schema.ConfigKind(kind)
	obj.Value = []byte(value)
	obj.Authority = schema.Authority(authority)
	if t, err := time.Parse(time.RFC3339Nano, lastModified); err == nil {
		obj.LastModified = t
	}
	return &obj, nil
}

// --- Subscription state cache ---

// PutSubscriptionState replaces the single cached entitlement row.
func (s *Store) PutSubscriptionState(ctx context.Context, state *schema.SubscriptionState) error {
	if err := state.Validate(); err != nil {
		return fmt.Errorf("invalid subscription state: %w", err)
	}

	query := `
	INSERT INTO subscription_state (rowid_guard, tier, status, device_limit, expires_at, last_verified_at)
	VALUES (1, ?, ?, ?, ?, ?)
	ON CONFLICT(rowid_guard) DO UPDATE SET
		tier = excluded.tier,
		status = excluded.status,
		device_limit = excluded.device_limit,
		expires_at = excluded.expires_at,
		last_verified_at = excluded.last_verified_at
	`

	_, err := s.conn.ExecContext(ctx, query,
		state.Tier,
		string(state.Status),
		state.DeviceLimit,
		state.ExpiresAt.Format(time.RFC3339Nano),
		state.LastVerifiedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to put subscription state: %w", err)
	}
	return nil
}

// GetSubscriptionState reads the cached entitlement.
// Returns sql.ErrNoRows if nothing has been cached yet.
func (s *Store) GetSubscriptionState(ctx context.Context) (*schema.SubscriptionState, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT tier, status, device_limit, expires_at, last_verified_at
	FROM subscription_state WHERE rowid_guard = 1`)

	var (
		state                      schema.SubscriptionState
		status                     string
		expiresAt, lastVerifiedAt string
	)
	err := row.Scan(&state.Tier, &status, &state.DeviceLimit, &expiresAt, &lastVerifiedAt)
	if err != nil {
		return nil, err
	}
	state.Status = schema.SubscriptionStatus(status)
	if t, err := time.Parse(time.RFC3339Nano, expiresAt); err == nil {
		state.ExpiresAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, lastVerifiedAt); err == nil {
		state.LastVerifiedAt = t
	}
	return &state, nil
}

// --- Sync marks ---

// PutSyncMark upserts the high-water mark for one scheduler task.
func (s *Store) PutSyncMark(ctx context.Context, mark *schema.SyncMark) error {
	query := `
	INSERT INTO sync_marks (task_id, last_run_at, last_success_at, last_error)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(task_id) DO UPDATE SET
		last_run_at = excluded.last_run_at,
		last_success_at = COALESCE(excluded.last_success_at, sync_marks.last_success_at),
		last_error = excluded.last_error
	`

	_, err := s.conn.ExecContext(ctx, query,
		mark.TaskID,
		mark.LastRunAt.Format(time.RFC3339Nano),
		timeToNullString(mark.LastSuccessAt),
		nullIfEmpty(mark.LastError),
	)
	if err != nil {
		return fmt.Errorf("failed to put sync mark %s: %w", mark.TaskID, err)
	}
	return nil
}

// ListSyncMarks returns all per-task marks, for the staleness view.
func (s *Store) ListSyncMarks(ctx context.Context) ([]*schema.SyncMark, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT task_id, last_run_at, last_success_at, last_error
	FROM sync_marks ORDER BY task_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync marks: %w", err)
	}
	defer rows.Close()

	var marks []*schema.SyncMark
	for rows.Next() {
		var (
			mark          schema.SyncMark
			lastRunAt     string
			lastSuccessAt sql.NullString
			lastError     sql.NullString
		)
		if err := rows.Scan(&mark.TaskID, &lastRunAt, &lastSuccessAt, &lastError); err != nil {
			return nil, fmt.Errorf("failed to scan sync mark: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, lastRunAt); err == nil {
			mark.LastRunAt = t
		}
		mark.LastSuccessAt = nullStringToTime(lastSuccessAt)
		if lastError.Valid {
			mark.LastError = lastError.String
		}
		marks = append(marks, &mark)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync marks: %w", err)
	}
	return marks, nil
}
