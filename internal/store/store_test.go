package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/kinshipd/kinship/internal/schema"
)

// setupStore creates an in-memory store with the schema applied.
func setupStore(t *testing.T) *Store {
	t.Helper()

	st, err := OpenMemory()
	if err != nil {
		t.Fatalf("Failed to open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if err := st.InitSchema(context.Background()); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}
	return st
}

func TestInitSchema_Idempotent(t *testing.T) {
	st := setupStore(t)
	if err := st.InitSchema(context.Background()); err != nil {
		t.Fatalf("Second InitSchema failed: %v", err)
	}

	v, err := st.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("SchemaVersion failed: %v", err)
	}
	if v != schemaVersion {
		t.Errorf("schema version = %d, want %d", v, schemaVersion)
	}
}

func TestDeviceRoundTrip(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	dev := &schema.Device{
		ID:           "dev-1",
		DisplayName:  "Dana's phone",
		Role:         schema.RoleSupervisor,
		AccountID:    "acct-1",
		RegisteredAt: now,
		IsActive:     true,
	}
	if err := st.UpsertDevice(ctx, dev); err != nil {
		t.Fatalf("UpsertDevice failed: %v", err)
	}

	got, err := st.GetDevice(ctx, "dev-1")
	if err != nil {
		t.Fatalf("GetDevice failed: %v", err)
	}
	if got.DisplayName != dev.DisplayName || got.Role != dev.Role || got.AccountID != dev.AccountID {
		t.Errorf("GetDevice = %+v, want %+v", got, dev)
	}
	if !got.RegisteredAt.Equal(now) {
		t.Errorf("RegisteredAt = %v, want %v", got.RegisteredAt, now)
	}

	// Upsert updates in place.
	dev.DisplayName = "Dana's new phone"
	if err := st.UpsertDevice(ctx, dev); err != nil {
		t.Fatalf("second UpsertDevice failed: %v", err)
	}
	got, err = st.GetDevice(ctx, "dev-1")
	if err != nil {
		t.Fatalf("GetDevice failed: %v", err)
	}
	if got.DisplayName != "Dana's new phone" {
		t.Errorf("DisplayName after upsert = %q", got.DisplayName)
	}
}

func TestInvitationStatusGuard(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	inv := &schema.Invitation{
		SessionID:          "sess-1",
		VerificationToken:  "tok-1",
		SupervisorDeviceID: "dev-1",
		SupervisorAccount:  "acct-1",
		ShareReference:     "share://a",
		Status:             schema.InvitationAwaiting,
		CreatedAt:          now,
		ExpiresAt:          now.Add(schema.InvitationTTL),
	}
	if err := st.PutInvitation(ctx, inv); err != nil {
		t.Fatalf("PutInvitation failed: %v", err)
	}

	ok, err := st.UpdateInvitationStatus(ctx, "sess-1", schema.InvitationAwaiting, schema.InvitationAccepted)
	if err != nil {
		t.Fatalf("UpdateInvitationStatus failed: %v", err)
	}
	if !ok {
		t.Fatal("first consumption should succeed")
	}

	// Second consumption must miss the guard.
	ok, err = st.UpdateInvitationStatus(ctx, "sess-1", schema.InvitationAwaiting, schema.InvitationAccepted)
	if err != nil {
		t.Fatalf("UpdateInvitationStatus failed: %v", err)
	}
	if ok {
		t.Error("second consumption should not match the status guard")
	}
}

func TestSweepExpiredInvitations(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	stale := &schema.Invitation{
		SessionID:          "sess-old",
		VerificationToken:  "tok",
		SupervisorDeviceID: "dev-1",
		SupervisorAccount:  "acct-1",
		ShareReference:     "share://a",
		Status:             schema.InvitationAwaiting,
		CreatedAt:          now.Add(-20 * time.Minute),
		ExpiresAt:          now.Add(-10 * time.Minute),
	}
	fresh := &schema.Invitation{
		SessionID:          "sess-new",
		VerificationToken:  "tok",
		SupervisorDeviceID: "dev-1",
		SupervisorAccount:  "acct-1",
		ShareReference:     "share://b",
		Status:             schema.InvitationAwaiting,
		CreatedAt:          now,
		ExpiresAt:          now.Add(schema.InvitationTTL),
	}
	for _, inv := range []*schema.Invitation{stale, fresh} {
		if err := st.PutInvitation(ctx, inv); err != nil {
			t.Fatalf("PutInvitation failed: %v", err)
		}
	}

	swept, err := st.SweepExpiredInvitations(ctx, now)
	if err != nil {
		t.Fatalf("SweepExpiredInvitations failed: %v", err)
	}
	if swept != 1 {
		t.Errorf("swept = %d, want 1", swept)
	}

	got, err := st.GetInvitation(ctx, "sess-old")
	if err != nil {
		t.Fatalf("GetInvitation failed: %v", err)
	}
	if got.Status != schema.InvitationExpired {
		t.Errorf("stale invitation status = %q, want expired", got.Status)
	}
	got, err = st.GetInvitation(ctx, "sess-new")
	if err != nil {
		t.Fatalf("GetInvitation failed: %v", err)
	}
	if got.Status != schema.InvitationAwaiting {
		t.Errorf("fresh invitation status = %q, want awaiting_acceptance", got.Status)
	}
}

func TestTrustEdgeCounts(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, sup := range []string{"parent-a", "parent-b"} {
		edge := &schema.TrustEdge{
			ID:                 "edge-" + sup,
			SupervisorDeviceID: sup,
			SupervisedDeviceID: "child-1",
			ShareScopeID:       "scope-" + sup,
			EstablishedAt:      now.Add(time.Duration(i) * time.Second),
		}
		if err := st.InsertTrustEdge(ctx, edge); err != nil {
			t.Fatalf("InsertTrustEdge failed: %v", err)
		}
	}

	n, err := st.CountActiveEdgesForSupervised(ctx, "child-1")
	if err != nil {
		t.Fatalf("CountActiveEdgesForSupervised failed: %v", err)
	}
	if n != 2 {
		t.Errorf("active supervised edges = %d, want 2", n)
	}

	if err := st.RevokeTrustEdge(ctx, "edge-parent-b", now); err != nil {
		t.Fatalf("RevokeTrustEdge failed: %v", err)
	}
	n, err = st.CountActiveEdgesForSupervised(ctx, "child-1")
	if err != nil {
		t.Fatalf("CountActiveEdgesForSupervised failed: %v", err)
	}
	if n != 1 {
		t.Errorf("active supervised edges after revoke = %d, want 1", n)
	}

	n, err = st.CountActiveEdgesForSupervisor(ctx, "parent-a")
	if err != nil {
		t.Fatalf("CountActiveEdgesForSupervisor failed: %v", err)
	}
	if n != 1 {
		t.Errorf("active supervisor edges = %d, want 1", n)
	}
}

func TestQueueItemLifecycle(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	item := &schema.QueueItem{
		ID:         "item-1",
		Kind:       schema.KindUsageRecord,
		RecordKey:  "usage/dev-2/2026-08-29/games",
		Payload:    json.RawMessage(`{"used_minutes":30}`),
		ScopeID:    "scope-1",
		EnqueuedAt: now,
	}
	if err := st.InsertQueueItem(ctx, item); err != nil {
		t.Fatalf("InsertQueueItem failed: %v", err)
	}

	if err := st.RecordQueueAttempt(ctx, "item-1", errors.New("connection reset")); err != nil {
		t.Fatalf("RecordQueueAttempt failed: %v", err)
	}

	items, err := st.ListQueueItemsByKind(ctx, schema.KindUsageRecord)
	if err != nil {
		t.Fatalf("ListQueueItemsByKind failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	if items[0].AttemptCount != 1 || items[0].LastError != "connection reset" {
		t.Errorf("attempt bookkeeping = (%d, %q), want (1, connection reset)",
			items[0].AttemptCount, items[0].LastError)
	}

	stuck, err := st.StuckQueueItems(ctx, 1)
	if err != nil {
		t.Fatalf("StuckQueueItems failed: %v", err)
	}
	if len(stuck) != 1 {
		t.Errorf("got %d stuck items, want 1", len(stuck))
	}

	if err := st.DeleteQueueItem(ctx, "item-1"); err != nil {
		t.Fatalf("DeleteQueueItem failed: %v", err)
	}
	depth, err := st.QueueDepth(ctx)
	if err != nil {
		t.Fatalf("QueueDepth failed: %v", err)
	}
	if depth != 0 {
		t.Errorf("queue depth after delete = %d, want 0", depth)
	}
}

func TestQueueItemsOrderedOldestFirst(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	// Insert newest first to prove ordering comes from enqueued_at.
	for i := 2; i >= 0; i-- {
		item := &schema.QueueItem{
			ID:         []string{"a", "b", "c"}[i],
			Kind:       schema.KindConfigObject,
			RecordKey:  "cfg/" + []string{"a", "b", "c"}[i],
			Payload:    json.RawMessage(`{}`),
			ScopeID:    "scope-1",
			EnqueuedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := st.InsertQueueItem(ctx, item); err != nil {
			t.Fatalf("InsertQueueItem failed: %v", err)
		}
	}

	items, err := st.ListQueueItemsByKind(ctx, schema.KindConfigObject)
	if err != nil {
		t.Fatalf("ListQueueItemsByKind failed: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	for i, want := range []string{"a", "b", "c"} {
		if items[i].ID != want {
			t.Errorf("items[%d].ID = %q, want %q", i, items[i].ID, want)
		}
	}
}

func TestSubscriptionStateCache(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	if _, err := st.GetSubscriptionState(ctx); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("empty cache: err = %v, want sql.ErrNoRows", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	state := &schema.SubscriptionState{
		Tier:           "family",
		Status:         schema.StatusActive,
		DeviceLimit:    5,
		ExpiresAt:      now.AddDate(1, 0, 0),
		LastVerifiedAt: now,
	}
	if err := st.PutSubscriptionState(ctx, state); err != nil {
		t.Fatalf("PutSubscriptionState failed: %v", err)
	}

	got, err := st.GetSubscriptionState(ctx)
	if err != nil {
		t.Fatalf("GetSubscriptionState failed: %v", err)
	}
	if got.Tier != "family" || got.Status != schema.StatusActive || got.DeviceLimit != 5 {
		t.Errorf("cached state = %+v", got)
	}
	if !got.LastVerifiedAt.Equal(now) {
		t.Errorf("LastVerifiedAt = %v, want %v", got.LastVerifiedAt, now)
	}

	// Single-row contract: a second put replaces, never appends.
	state.Status = schema.StatusGrace
	if err := st.PutSubscriptionState(ctx, state); err != nil {
		t.Fatalf("second PutSubscriptionState failed: %v", err)
	}
	got, err = st.GetSubscriptionState(ctx)
	if err != nil {
		t.Fatalf("GetSubscriptionState failed: %v", err)
	}
	if got.Status != schema.StatusGrace {
		t.Errorf("status after replace = %q, want grace", got.Status)
	}
}

func TestSyncMarkKeepsLastSuccess(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	success := now.Add(-time.Hour)
	if err := st.PutSyncMark(ctx, &schema.SyncMark{
		TaskID:        "usage_upload",
		LastRunAt:     success,
		LastSuccessAt: &success,
	}); err != nil {
		t.Fatalf("PutSyncMark failed: %v", err)
	}

	// A later failed run must not clobber the success high-water mark.
	if err := st.PutSyncMark(ctx, &schema.SyncMark{
		TaskID:    "usage_upload",
		LastRunAt: now,
		LastError: "remote unavailable",
	}); err != nil {
		t.Fatalf("PutSyncMark failed: %v", err)
	}

	marks, err := st.ListSyncMarks(ctx)
	if err != nil {
		t.Fatalf("ListSyncMarks failed: %v", err)
	}
	if len(marks) != 1 {
		t.Fatalf("got %d marks, want 1", len(marks))
	}
	m := marks[0]
	if m.LastSuccessAt == nil || !m.LastSuccessAt.Equal(success) {
		t.Errorf("LastSuccessAt = %v, want %v", m.LastSuccessAt, success)
	}
	if m.LastError != "remote unavailable" {
		t.Errorf("LastError = %q", m.LastError)
	}
}

func TestConfigObjectRoundTrip(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	obj := &schema.ConfigObject{
		Key:          "screen_time_rule/games",
		Kind:         schema.KindScreenTimeRule,
		Value:        json.RawMessage(`{"category_id":"games","daily_limit_min":60}`),
		Authority:    schema.AuthoritySupervisor,
		LastModified: now,
		DeviceID:     "dev-1",
	}
	if err := st.UpsertConfigObject(ctx, obj); err != nil {
		t.Fatalf("UpsertConfigObject failed: %v", err)
	}

	got, err := st.GetConfigObject(ctx, "screen_time_rule/games")
	if err != nil {
		t.Fatalf("GetConfigObject failed: %v", err)
	}
	if got.Kind != obj.Kind || got.Authority != obj.Authority || got.DeviceID != obj.DeviceID {
		t.Errorf("GetConfigObject = %+v, want %+v", got, obj)
	}
	if !got.LastModified.Equal(now) {
		t.Errorf("LastModified = %v, want %v", got.LastModified, now)
	}

	var rule schema.ScreenTimeRule
	if err := json.Unmarshal(got.Value, &rule); err != nil {
		t.Fatalf("value did not survive round trip: %v", err)
	}
	if rule.DailyLimitMin != 60 {
		t.Errorf("DailyLimitMin = %d, want 60", rule.DailyLimitMin)
	}
}
