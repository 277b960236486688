package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kinshipd/kinship/internal/schema"
)

// InsertQueueItem durably appends an item. The INSERT commits before
// Enqueue returns to its caller, which is the queue's loss guarantee.
func (s *Store) InsertQueueItem(ctx context.Context, item *schema.QueueItem) error {
	if err := item.Validate(); err != nil {
		return fmt.Errorf("invalid queue item: %w", err)
	}

	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO queue_items (id, kind, record_key, payload, scope_id, enqueued_at, attempt_count, last_error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID,
		string(item.Kind),
		item.RecordKey,
		string(item.Payload),
		item.ScopeID,
		item.EnqueuedAt.Format(time.RFC3339Nano),
		item.AttemptCount,
		nullIfEmpty(item.LastError),
	)
	if err != nil {
		return fmt.Errorf("failed to insert queue item %s: %w", item.ID, err)
	}
	return nil
}

// ListQueueItemsByKind returns items of one kind, oldest first.
func (s *Store) ListQueueItemsByKind(ctx context.Context, kind schema.PayloadKind) ([]*schema.QueueItem, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT id, kind, record_key, payload, scope_id, enqueued_at, attempt_count, last_error
	FROM queue_items WHERE kind = ? ORDER BY enqueued_at ASC, id ASC`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to list queue items: %w", err)
	}
	defer rows.Close()
	return scanQueueItems(rows)
}

// DeleteQueueItem removes an item after its remote write was confirmed.
// The only other way an item leaves the table is operator intervention.
func (s *Store) DeleteQueueItem(ctx context.Context, id string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete queue item %s: %w", id, err)
	}
	return nil
}

// RecordQueueAttempt increments the attempt counter and stores the error
// from a failed remote write, leaving the item in place.
func (s *Store) RecordQueueAttempt(ctx context.Context, id string, attemptErr error) error {
	msg := ""
	if attemptErr != nil {
		msg = attemptErr.Error()
	}
	_, err := s.conn.ExecContext(ctx,
		`UPDATE queue_items SET attempt_count = attempt_count + 1, last_error = ? WHERE id = ?`,
		nullIfEmpty(msg), id)
	if err != nil {
		return fmt.Errorf("failed to record attempt for %s: %w", id, err)
	}
	return nil
}

// QueueDepth returns the total number of pending items.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var n int
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_items`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queue items: %w", err)
	}
	return n, nil
}

// StuckQueueItems returns items that have failed at least minAttempts
// times, for operator inspection. There is no retry cap that deletes
// data; this is the visibility half of that contract.
func (s *Store) StuckQueueItems(ctx context.Context, minAttempts int) ([]*schema.QueueItem, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT id, kind, record_key, payload, scope_id, enqueued_at, attempt_count, last_error
	FROM queue_items WHERE attempt_count >= ? ORDER BY enqueued_at ASC`, minAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck items: %w", err)
	}
	defer rows.Close()
	return scanQueueItems(rows)
}

func scanQueueItems(rows *sql.Rows) ([]*schema.QueueItem, error) {
	var items []*schema.QueueItem
	for rows.Next() {
		var (
			item       schema.QueueItem
			kind       string
			payload    string
			enqueuedAt string
			lastError  sql.NullString
		)
		err := rows.Scan(&item.ID, &kind, &item.RecordKey, &payload, &item.ScopeID, &enqueuedAt, &item.AttemptCount, &lastError)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		item.Kind = schema.PayloadKind(kind)
		item.Payload = []byte(payload)
		if t, err := time.Parse(time.RFC3339Nano, enqueuedAt); err == nil {
			item.EnqueuedAt = t
		}
		if lastError.Valid {
			item.LastError = lastError.String
		}
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue items: %w", err)
	}
	return items, nil
}
