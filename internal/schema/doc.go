// Package schema defines the data model shared by the pairing, queue,
// scheduler, and entitlement components.
//
// Every persisted record has a flat structure with last-write-wins
// friendly fields: timestamps are explicit, enums are string-typed, and
// optional fields are pointers so absence survives a JSON round trip.
//
// Records fall into three groups:
//
//   - Local-only: Device identity, OfflineQueueItem, SyncMark. These never
//     leave the device except as mirrored presence records.
//   - Shared: ConfigObject, UsageRecord, Command/CommandAck. These are
//     written into a shared remote scope and may be observed stale.
//   - Pairing: Invitation and TrustEdge, which bound who may share what.
package schema
