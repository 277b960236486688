package schema

import (
	"fmt"
	"time"
)

// Role describes which side of the supervision relationship a device is on.
type Role string

const (
	// RoleSupervisor is the policy-setting (parent) side.
	RoleSupervisor Role = "supervisor"
	// RoleSupervised is the governed (child) side.
	RoleSupervised Role = "supervised"
)

// Valid reports whether the role is one of the two known values.
func (r Role) Valid() bool {
	return r == RoleSupervisor || r == RoleSupervised
}

// Device is the identity record created on first launch.
//
// Exactly one Device exists per physical device. It is owned by that
// device and mirrored read-only into each shared scope as a presence
// record so paired counterparts can discover it.
type Device struct {
	// ID uniquely identifies the physical device.
	ID string `json:"id"`

	// DisplayName is the human-chosen name ("Emma's iPad").
	DisplayName string `json:"display_name"`

	// Role is supervisor or supervised.
	Role Role `json:"role"`

	// AccountID is the backend account/tenant the device belongs to.
	// Pairing rejects invitations whose inviting account matches the
	// accepting device's AccountID.
	AccountID string `json:"account_id"`

	// SupervisorDeviceID is set on supervised devices once paired.
	// Empty until the first trust edge is established.
	SupervisorDeviceID string `json:"supervisor_device_id,omitempty"`

	// RegisteredAt is when the identity was first created.
	RegisteredAt time.Time `json:"registered_at"`

	// IsActive is cleared when the device is retired.
	IsActive bool `json:"is_active"`
}

// Validate checks required fields.
func (d *Device) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("device id is required")
	}
	if d.DisplayName == "" {
		return fmt.Errorf("display_name is required")
	}
	if !d.Role.Valid() {
		return fmt.Errorf("role must be %q or %q (got %q)", RoleSupervisor, RoleSupervised, d.Role)
	}
	if d.AccountID == "" {
		return fmt.Errorf("account_id is required")
	}
	if d.RegisteredAt.IsZero() {
		return fmt.Errorf("registered_at is required")
	}
	return nil
}

// TrustEdge is an accepted pairing relationship between a supervisor and a
// supervised device.
//
// Edges are immutable once created except for the terminal revocation
// transition. A supervised device holds at most two concurrently-active
// edges; a supervisor's edge count is bounded by the subscription's
// device limit.
type TrustEdge struct {
	ID                 string     `json:"id"`
	SupervisorDeviceID string     `json:"supervisor_device_id"`
	SupervisedDeviceID string     `json:"supervised_device_id"`
	ShareScopeID       string     `json:"share_scope_id"`
	EstablishedAt      time.Time  `json:"established_at"`
	RevokedAt          *time.Time `json:"revoked_at,omitempty"`
}

// Active reports whether the edge has not been revoked.
func (e *TrustEdge) Active() bool {
	return e.RevokedAt == nil
}

// Validate checks required fields.
func (e *TrustEdge) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("edge id is required")
	}
	if e.SupervisorDeviceID == "" {
		return fmt.Errorf("supervisor_device_id is required")
	}
	if e.SupervisedDeviceID == "" {
		return fmt.Errorf("supervised_device_id is required")
	}
	if e.ShareScopeID == "" {
		return fmt.Errorf("share_scope_id is required")
	}
	if e.EstablishedAt.IsZero() {
		return fmt.Errorf("established_at is required")
	}
	return nil
}

// MaxSupervisorsPerDevice caps how many active trust edges a supervised
// device may hold (two parents / guardians).
const MaxSupervisorsPerDevice = 2
