package schema

import (
	"fmt"
	"time"
)

// InvitationStatus tracks an invitation through its lifecycle.
type InvitationStatus string

const (
	// InvitationCreated is the initial state, before a counterpart has
	// seen the invitation.
	InvitationCreated InvitationStatus = "created"
	// InvitationAwaiting means the share reference has been handed out
	// and the supervisor is waiting for acceptance.
	InvitationAwaiting InvitationStatus = "awaiting_acceptance"
	// InvitationAccepted is the terminal success state. Single-use:
	// an accepted invitation can never be accepted again.
	InvitationAccepted InvitationStatus = "accepted"
	// InvitationExpired is set by the expiry sweep.
	InvitationExpired InvitationStatus = "expired"
	// InvitationRevoked is set when the supervisor cancels the invite.
	InvitationRevoked InvitationStatus = "revoked"
)

// InvitationTTL bounds how long an invitation may be accepted.
const InvitationTTL = 10 * time.Minute

// Invitation is a single-use offer from a supervisor device to pair.
//
// The verification token is generated from crypto/rand and compared on
// acceptance; the share reference points at the remote scope the
// accepting device will be granted access to.
type Invitation struct {
	SessionID          string           `json:"session_id"`
	VerificationToken  string           `json:"verification_token"`
	SupervisorDeviceID string           `json:"supervisor_device_id"`
	SupervisorAccount  string           `json:"supervisor_account"`
	ShareReference     string           `json:"share_reference"`
	FamilyID           string           `json:"family_id,omitempty"`
	Status             InvitationStatus `json:"status"`
	CreatedAt          time.Time        `json:"created_at"`
	ExpiresAt          time.Time        `json:"expires_at"`
}

// Expired reports whether the invitation's TTL has elapsed at now.
func (inv *Invitation) Expired(now time.Time) bool {
	return !now.Before(inv.ExpiresAt)
}

// Consumable reports whether the invitation is still in a state that
// allows acceptance (ignoring expiry, which is checked separately so the
// caller can distinguish the two rejections).
func (inv *Invitation) Consumable() bool {
	return inv.Status == InvitationCreated || inv.Status == InvitationAwaiting
}

// Validate checks required fields.
func (inv *Invitation) Validate() error {
	if inv.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if inv.VerificationToken == "" {
		return fmt.Errorf("verification_token is required")
	}
	if inv.SupervisorDeviceID == "" {
		return fmt.Errorf("supervisor_device_id is required")
	}
	if inv.SupervisorAccount == "" {
		return fmt.Errorf("supervisor_account is required")
	}
	if inv.ShareReference == "" {
		return fmt.Errorf("share_reference is required")
	}
	if inv.Status == "" {
		return fmt.Errorf("status is required")
	}
	if inv.CreatedAt.IsZero() || inv.ExpiresAt.IsZero() {
		return fmt.Errorf("created_at and expires_at are required")
	}
	if !inv.ExpiresAt.After(inv.CreatedAt) {
		return fmt.Errorf("expires_at must be after created_at")
	}
	return nil
}
