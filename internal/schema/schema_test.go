package schema

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestDevice_Validate(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		device  Device
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid supervisor",
			device: Device{
				ID:           "dev-1",
				DisplayName:  "Dana's phone",
				Role:         RoleSupervisor,
				AccountID:    "acct-1",
				RegisteredAt: now,
				IsActive:     true,
			},
			wantErr: false,
		},
		{
			name: "missing id",
			device: Device{
				DisplayName:  "Dana's phone",
				Role:         RoleSupervisor,
				AccountID:    "acct-1",
				RegisteredAt: now,
			},
			wantErr: true,
			errMsg:  "id is required",
		},
		{
			name: "bad role",
			device: Device{
				ID:           "dev-1",
				DisplayName:  "Dana's phone",
				Role:         Role("admin"),
				AccountID:    "acct-1",
				RegisteredAt: now,
			},
			wantErr: true,
			errMsg:  "role must be",
		},
		{
			name: "missing account",
			device: Device{
				ID:           "dev-1",
				DisplayName:  "Dana's phone",
				Role:         RoleSupervised,
				RegisteredAt: now,
			},
			wantErr: true,
			errMsg:  "account_id is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.device.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Validate() = nil, want error containing %q", tt.errMsg)
				}
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("Validate() = %q, want it to contain %q", err, tt.errMsg)
				}
				return
			}
			if err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestInvitation_Expired(t *testing.T) {
	created := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	inv := Invitation{
		SessionID:          "sess-1",
		VerificationToken:  "tok",
		SupervisorDeviceID: "dev-1",
		SupervisorAccount:  "acct-1",
		ShareReference:     "share://x",
		Status:             InvitationAwaiting,
		CreatedAt:          created,
		ExpiresAt:          created.Add(InvitationTTL),
	}

	if inv.Expired(created.Add(5 * time.Minute)) {
		t.Error("invitation should not be expired at T0+5m")
	}
	if !inv.Expired(created.Add(11 * time.Minute)) {
		t.Error("invitation should be expired at T0+11m")
	}
	// Boundary: exactly at expiry counts as expired.
	if !inv.Expired(created.Add(InvitationTTL)) {
		t.Error("invitation should be expired exactly at expires_at")
	}
}

func TestInvitation_Consumable(t *testing.T) {
	for status, want := range map[InvitationStatus]bool{
		InvitationCreated:  true,
		InvitationAwaiting: true,
		InvitationAccepted: false,
		InvitationExpired:  false,
		InvitationRevoked:  false,
	} {
		inv := Invitation{Status: status}
		if got := inv.Consumable(); got != want {
			t.Errorf("Consumable() with status %q = %v, want %v", status, got, want)
		}
	}
}

func TestFlushOrder(t *testing.T) {
	order := FlushOrder()
	if len(order) != 4 {
		t.Fatalf("FlushOrder() returned %d kinds, want 4", len(order))
	}
	if order[0] != KindUsageRecord {
		t.Errorf("first flushed kind = %q, want %q", order[0], KindUsageRecord)
	}
	if order[1] != KindCommandAck {
		t.Errorf("second flushed kind = %q, want %q", order[1], KindCommandAck)
	}
}

func TestQueueItem_Validate(t *testing.T) {
	item := QueueItem{
		ID:         "item-1",
		Kind:       KindUsageRecord,
		RecordKey:  "usage/dev-1/2026-08-29/games",
		Payload:    json.RawMessage(`{"used_minutes":42}`),
		ScopeID:    "scope-1",
		EnqueuedAt: time.Now(),
	}
	if err := item.Validate(); err != nil {
		t.Errorf("valid item rejected: %v", err)
	}

	bad := item
	bad.Kind = PayloadKind("mystery")
	if err := bad.Validate(); err == nil {
		t.Error("unknown payload kind accepted")
	}
}

func TestSubscriptionState_Grace(t *testing.T) {
	now := time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC)

	state := SubscriptionState{
		Tier:           "family",
		Status:         StatusActive,
		DeviceLimit:    5,
		ExpiresAt:      now.AddDate(1, 0, 0),
		LastVerifiedAt: now.Add(-3 * 24 * time.Hour),
	}
	if !state.WithinGrace(now) {
		t.Error("3-day-old verification should be within the 7-day grace window")
	}

	state.LastVerifiedAt = now.Add(-8 * 24 * time.Hour)
	if state.WithinGrace(now) {
		t.Error("8-day-old verification should be outside the grace window")
	}
}

func TestSubscriptionState_FullAccess(t *testing.T) {
	for status, want := range map[SubscriptionStatus]bool{
		StatusTrial:   true,
		StatusActive:  true,
		StatusGrace:   true,
		StatusExpired: false,
	} {
		s := SubscriptionState{Status: status}
		if got := s.FullAccess(); got != want {
			t.Errorf("FullAccess() with status %q = %v, want %v", status, got, want)
		}
	}
}

func TestUsageRecord_Validate(t *testing.T) {
	rec := UsageRecord{
		ID:          "rec-1",
		DeviceID:    "dev-2",
		Day:         "2026-08-29",
		CategoryID:  "games",
		UsedMinutes: 95,
		CapturedAt:  time.Now(),
	}
	if err := rec.Validate(); err != nil {
		t.Errorf("valid record rejected: %v", err)
	}

	rec.Day = "29/08/2026"
	if err := rec.Validate(); err == nil {
		t.Error("malformed day accepted")
	}
}
