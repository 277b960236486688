package schema

import (
	"fmt"
	"time"
)

// UsageRecord is one day-bucketed usage measurement produced by the
// enforcement subsystem and uploaded via the offline queue.
type UsageRecord struct {
	ID          string    `json:"id"`
	DeviceID    string    `json:"device_id"`
	Day         string    `json:"day"` // "2026-08-29"
	CategoryID  string    `json:"category_id"`
	UsedMinutes int       `json:"used_minutes"`
	CapturedAt  time.Time `json:"captured_at"`
}

// Validate checks required fields.
func (u *UsageRecord) Validate() error {
	if u.ID == "" {
		return fmt.Errorf("record id is required")
	}
	if u.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if u.Day == "" {
		return fmt.Errorf("day is required")
	}
	if _, err := time.Parse("2006-01-02", u.Day); err != nil {
		return fmt.Errorf("day must be YYYY-MM-DD (got %q)", u.Day)
	}
	if u.UsedMinutes < 0 {
		return fmt.Errorf("used_minutes must be non-negative (got %d)", u.UsedMinutes)
	}
	return nil
}

// CommandKind identifies a supervisor-issued command.
type CommandKind string

const (
	// CommandPause blocks governed apps until further notice.
	CommandPause CommandKind = "pause"
	// CommandResume lifts a pause.
	CommandResume CommandKind = "resume"
	// CommandGrantBonus adds bonus minutes for today.
	CommandGrantBonus CommandKind = "grant_bonus"
	// CommandRefresh asks the supervised device to sync immediately.
	CommandRefresh CommandKind = "refresh"
)

// Command is written by a supervisor into the shared scope; supervised
// devices apply it and acknowledge through the queue.
type Command struct {
	ID       string      `json:"id"`
	Kind     CommandKind `json:"kind"`
	IssuedBy string      `json:"issued_by"`
	Payload  string      `json:"payload,omitempty"`
	IssuedAt time.Time   `json:"issued_at"`
}

// CommandAck records execution of a command on a supervised device.
// Acks flush after usage records (see FlushOrder) so the supervisor
// never observes an executed command before the usage that motivated it.
type CommandAck struct {
	CommandID  string    `json:"command_id"`
	ExecutedBy string    `json:"executed_by"`
	ExecutedAt time.Time `json:"executed_at"`
	Result     string    `json:"result"`
}
