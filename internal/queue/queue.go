// Package queue implements the durable offline mutation queue.
//
// Every outbound mutation that cannot be confirmed as durably written
// remotely is persisted here first and replayed until a confirmed remote
// acknowledgment. The guarantees:
//
//   - Enqueue commits to the local database before returning.
//   - An item is deleted only after the remote write is acknowledged.
//   - A failed attempt increments a counter and records the error; it
//     never drops the item. There is no retry cap that deletes data.
//   - Kinds drain in schema.FlushOrder: usage records before command
//     acks, so a supervisor never sees a command "executed" before the
//     usage data that motivated it.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/atomic"

	"github.com/kinshipd/kinship/internal/metrics"
	"github.com/kinshipd/kinship/internal/remote"
	"github.com/kinshipd/kinship/internal/schema"
	"github.com/kinshipd/kinship/internal/store"
)

// ErrAlreadyRunning is returned by Process when a run is in progress.
// Callers treat it as success: the overlapping run will carry the items.
var ErrAlreadyRunning = errors.New("queue: process already running")

// collectionForKind maps a payload kind to the remote collection it
// upserts into.
func collectionForKind(kind schema.PayloadKind) string {
	switch kind {
	case schema.KindUsageRecord:
		return remote.CollectionUsageRecords
	case schema.KindCommandAck:
		return remote.CollectionCommandAcks
	case schema.KindConfigObject:
		return remote.CollectionConfigObjects
	case schema.KindDevicePresence:
		return remote.CollectionDevices
	}
	return ""
}

// Manager owns the offline queue.
type Manager struct {
	store    *store.Store
	remote   remote.Store
	deviceID string
	logger   *log.Logger

	// running short-circuits overlapping Process invocations.
	running atomic.Bool

	now func() time.Time
}

// New creates a queue manager. If logger is nil a default logger writing
// to stderr is used.
func New(st *store.Store, rs remote.Store, deviceID string, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &Manager{
		store:    st,
		remote:   rs,
		deviceID: deviceID,
		logger:   logger,
		now:      time.Now,
	}
}

// Enqueue durably appends a mutation. The payload is marshaled to JSON
// and the INSERT commits before Enqueue returns; from that point the
// mutation cannot be silently lost.
func (m *Manager) Enqueue(ctx context.Context, kind schema.PayloadKind, recordKey string, payload any, scopeID string) (*schema.QueueItem, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	item := &schema.QueueItem{
		ID:         uuid.NewString(),
		Kind:       kind,
		RecordKey:  recordKey,
		Payload:    raw,
		ScopeID:    scopeID,
		EnqueuedAt: m.now().UTC(),
	}

	if err := m.store.InsertQueueItem(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to enqueue %s: %w", kind, err)
	}

	m.logger.Printf("Enqueued %s item %s (key %s)", kind, item.ID, recordKey)
	return item, nil
}

// Process flushes the queue: kinds in flush order, items oldest-first
// within each kind. Idempotent and safe to invoke concurrently with
// itself; an overlapping call returns ErrAlreadyRunning immediately.
//
// Per-item failures are aggregated into the returned error for logging.
// A failure on one kind stops that kind for this run (preserving
// in-order application) but later kinds still get their turn.
func (m *Manager) Process(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer m.running.Store(false)

	var result *multierror.Error

	defer func() {
		if depth, err := m.store.QueueDepth(context.Background()); err == nil {
			metrics.QueueDepth.Set(float64(depth))
		}
	}()

	for _, kind := range schema.FlushOrder() {
		items, err := m.store.ListQueueItemsByKind(ctx, kind)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to list %s items: %w", kind, err))
			continue
		}

		for _, item := range items {
			if err := ctx.Err(); err != nil {
				result = multierror.Append(result, err)
				return result.ErrorOrNil()
			}

			if err := m.flushItem(ctx, item); err != nil {
				result = multierror.Append(result, fmt.Errorf("item %s (%s): %w", item.ID, item.Kind, err))
				// Stop this kind so items apply in enqueue order; the
				// next Process run retries from here.
				break
			}
		}
	}

	return result.ErrorOrNil()
}

// flushItem attempts one remote write. On acknowledgment the item is
// deleted; on failure the attempt is recorded and the item stays.
func (m *Manager) flushItem(ctx context.Context, item *schema.QueueItem) error {
	scope, err := m.store.GetScopeHandle(ctx, item.ScopeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// The edge was revoked under us. The item stays for the
			// operator; writing without a grant cannot succeed.
			err = fmt.Errorf("no grant for scope %s", item.ScopeID)
		}
		if recErr := m.store.RecordQueueAttempt(ctx, item.ID, err); recErr != nil {
			m.logger.Printf("Warning: failed to record attempt for %s: %v", item.ID, recErr)
		}
		return err
	}

	rec := remote.Record{
		Collection: collectionForKind(item.Kind),
		Key:        item.RecordKey,
		Value:      item.Payload,
		ModifiedAt: item.EnqueuedAt,
		WrittenBy:  m.deviceID,
	}

	if err := m.remote.Write(ctx, scope, rec); err != nil {
		metrics.QueueFlushes.WithLabelValues("failure").Inc()
		if recErr := m.store.RecordQueueAttempt(ctx, item.ID, err); recErr != nil {
			m.logger.Printf("Warning: failed to record attempt for %s: %v", item.ID, recErr)
		}
		if remote.IsTransient(err) {
			m.logger.Printf("Transient failure flushing %s, will retry: %v", item.ID, err)
		} else {
			m.logger.Printf("Failure flushing %s: %v", item.ID, err)
		}
		return err
	}

	// Confirmed remote acknowledgment is the only path to deletion.
	if err := m.store.DeleteQueueItem(ctx, item.ID); err != nil {
		// The write landed; a replay is idempotent thanks to the stable
		// record key. Keep the item and surface the local error.
		return fmt.Errorf("remote write confirmed but local delete failed: %w", err)
	}

	metrics.QueueFlushes.WithLabelValues("success").Inc()
	m.logger.Printf("Flushed %s item %s", item.Kind, item.ID)
	return nil
}

// Depth returns the number of pending items.
func (m *Manager) Depth(ctx context.Context) (int, error) {
	return m.store.QueueDepth(ctx)
}

// Stuck returns items that have failed at least minAttempts times, for
// operator inspection.
func (m *Manager) Stuck(ctx context.Context, minAttempts int) ([]*schema.QueueItem, error) {
	return m.store.StuckQueueItems(ctx, minAttempts)
}
