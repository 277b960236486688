// Package remote defines the adapter for the eventually-consistent
// object store that is the only transport between paired devices.
//
// The core never assumes strong consistency from this interface: every
// Query result may be stale, and a Write that errors may or may not have
// landed. Callers cope by making writes idempotent (keyed upserts) and
// by retrying through the offline queue.
package remote

import (
	"context"
	"encoding/json"
	"time"
)

// ScopeHandle identifies a shared storage partition plus the credential
// needed to touch it. Handles are persisted locally (the scope ID rides
// on each trust edge) and reconstructed via AcceptShare on the other side.
type ScopeHandle struct {
	// ID is the scope's stable identifier.
	ID string `json:"id"`

	// ShareRef is the opaque reference handed to a counterpart so it can
	// call AcceptShare. Only populated by CreateSharedScope.
	ShareRef string `json:"share_ref,omitempty"`

	// GrantToken authorizes reads and writes within the scope.
	GrantToken string `json:"grant_token"`
}

// Record is one keyed object within a scope. Writes are whole-record
// replacements; the per-key latest ModifiedAt wins on the server.
type Record struct {
	// Collection groups records of one kind ("usage_records",
	// "config_objects", "commands", "command_acks", "devices",
	// "entitlements").
	Collection string `json:"collection"`

	// Key is unique within the collection.
	Key string `json:"key"`

	Value      json.RawMessage `json:"value"`
	ModifiedAt time.Time       `json:"modified_at"`

	// WrittenBy is the device that produced this version.
	WrittenBy string `json:"written_by"`
}

// Predicate narrows a Query. Zero-valued fields match everything.
type Predicate struct {
	// Collection restricts results to one collection.
	Collection string

	// Key restricts results to one record.
	Key string

	// ModifiedSince returns only records modified strictly after the
	// given instant. Useful for incremental pulls; remember results may
	// still be stale.
	ModifiedSince time.Time
}

// Store is the remote object store adapter.
//
// Implementations must tag retryable failures with TransientError so the
// offline queue and scheduler can distinguish "try again later" from
// "this will never work".
type Store interface {
	// CreateSharedScope allocates a new scope owned by the caller and
	// returns a handle whose ShareRef can be handed to a counterpart.
	CreateSharedScope(ctx context.Context) (ScopeHandle, error)

	// Write upserts one record into the scope. A nil return means the
	// write is durably acknowledged.
	Write(ctx context.Context, scope ScopeHandle, rec Record) error

	// Query returns records matching the predicate. Results may be stale.
	Query(ctx context.Context, scope ScopeHandle, pred Predicate) ([]Record, error)

	// AcceptShare redeems a share reference, granting this identity
	// access to the scope it names.
	AcceptShare(ctx context.Context, shareRef string) (ScopeHandle, error)
}

// Collection names used by the sync core. Kept here so both sides of a
// pairing agree on the spelling.
const (
	CollectionUsageRecords  = "usage_records"
	CollectionConfigObjects = "config_objects"
	CollectionCommands      = "commands"
	CollectionCommandAcks   = "command_acks"
	CollectionDevices       = "devices"
	CollectionEntitlements  = "entitlements"
	CollectionInvitations   = "invitations"
)
