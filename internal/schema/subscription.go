package schema

import (
	"fmt"
	"time"
)

// SubscriptionStatus is the entitlement lifecycle state.
type SubscriptionStatus string

const (
	// StatusTrial is the pre-purchase evaluation period.
	StatusTrial SubscriptionStatus = "trial"
	// StatusActive is a verified, paid entitlement.
	StatusActive SubscriptionStatus = "active"
	// StatusGrace means the last verification is stale but still within
	// the offline grace window.
	StatusGrace SubscriptionStatus = "grace"
	// StatusExpired means the entitlement lapsed or the grace window
	// closed; full access is denied.
	StatusExpired SubscriptionStatus = "expired"
)

// EntitlementGraceWindow bounds how long a cached verification result is
// honored while offline. Beyond it the verifier fails closed.
const EntitlementGraceWindow = 7 * 24 * time.Hour

// SubscriptionState is the locally-cached entitlement snapshot.
type SubscriptionState struct {
	Tier           string             `json:"tier"`
	Status         SubscriptionStatus `json:"status"`
	DeviceLimit    int                `json:"device_limit"`
	ExpiresAt      time.Time          `json:"expires_at"`
	LastVerifiedAt time.Time          `json:"last_verified_at"`
}

// Unrestricted is the state served before any pairing exists: full
// access, trial tier. The device limit still applies once a trust edge
// is created.
func Unrestricted(now time.Time) SubscriptionState {
	return SubscriptionState{
		Tier:           "trial",
		Status:         StatusTrial,
		DeviceLimit:    1,
		ExpiresAt:      now.Add(14 * 24 * time.Hour),
		LastVerifiedAt: now,
	}
}

// WithinGrace reports whether the cached state may still be honored at now.
func (s *SubscriptionState) WithinGrace(now time.Time) bool {
	return now.Sub(s.LastVerifiedAt) <= EntitlementGraceWindow
}

// FullAccess reports whether the state grants the full feature set.
func (s *SubscriptionState) FullAccess() bool {
	switch s.Status {
	case StatusTrial, StatusActive, StatusGrace:
		return true
	}
	return false
}

// Validate checks required fields.
func (s *SubscriptionState) Validate() error {
	switch s.Status {
	case StatusTrial, StatusActive, StatusGrace, StatusExpired:
	default:
		return fmt.Errorf("unknown subscription status %q", s.Status)
	}
	if s.DeviceLimit < 0 {
		return fmt.Errorf("device_limit must be non-negative (got %d)", s.DeviceLimit)
	}
	if s.LastVerifiedAt.IsZero() {
		return fmt.Errorf("last_verified_at is required")
	}
	return nil
}
