package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// PayloadKind classifies offline queue items. Kinds flush in the order
// listed by FlushOrder: usage records must land before command acks so a
// supervisor never sees a command "executed" before the usage data that
// motivated it.
type PayloadKind string

const (
	// KindUsageRecord carries a daily usage measurement upload.
	KindUsageRecord PayloadKind = "usage_record"
	// KindCommandAck acknowledges a supervisor command as executed.
	KindCommandAck PayloadKind = "command_ack"
	// KindConfigObject carries a configuration object write.
	KindConfigObject PayloadKind = "config_object"
	// KindDevicePresence refreshes this device's presence record.
	KindDevicePresence PayloadKind = "device_presence"
)

// FlushOrder returns the payload kinds in the order the queue drains them.
func FlushOrder() []PayloadKind {
	return []PayloadKind{KindUsageRecord, KindCommandAck, KindConfigObject, KindDevicePresence}
}

// Valid reports whether the kind is known.
func (k PayloadKind) Valid() bool {
	switch k {
	case KindUsageRecord, KindCommandAck, KindConfigObject, KindDevicePresence:
		return true
	}
	return false
}

// QueueItem is one durably-persisted outbound mutation.
//
// An item is created whenever a mutation cannot be confirmed as durably
// written remotely, and removed only after a confirmed remote
// acknowledgment. Transient failures increment AttemptCount and record
// LastError; they never delete the item.
type QueueItem struct {
	ID   string      `json:"id"`
	Kind PayloadKind `json:"kind"`

	// RecordKey is the remote record key the payload upserts into. Using
	// a stable key (not the item ID) makes replays idempotent: a retry
	// after an unacknowledged-but-landed write overwrites itself.
	RecordKey string `json:"record_key"`

	Payload      json.RawMessage `json:"payload"`
	ScopeID      string          `json:"scope_id"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	AttemptCount int             `json:"attempt_count"`
	LastError    string          `json:"last_error,omitempty"`
}

// Validate checks required fields.
func (q *QueueItem) Validate() error {
	if q.ID == "" {
		return fmt.Errorf("item id is required")
	}
	if !q.Kind.Valid() {
		return fmt.Errorf("unknown payload kind %q", q.Kind)
	}
	if q.RecordKey == "" {
		return fmt.Errorf("record_key is required")
	}
	if len(q.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	if q.ScopeID == "" {
		return fmt.Errorf("scope_id is required")
	}
	if q.EnqueuedAt.IsZero() {
		return fmt.Errorf("enqueued_at is required")
	}
	return nil
}

// SyncMark is the per-task high-water mark behind the "last sync"
// staleness indicator. One row per scheduler task ID.
type SyncMark struct {
	TaskID        string     `json:"task_id"`
	LastRunAt     time.Time  `json:"last_run_at"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}
