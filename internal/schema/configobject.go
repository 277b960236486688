package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Authority records which side of the relationship authored a
// configuration object. Supervisor-authored objects win conflicts
// unconditionally when resolved on the supervisor device.
type Authority string

const (
	// AuthoritySupervisor marks supervisor-authored objects.
	AuthoritySupervisor Authority = "supervisor"
	// AuthoritySupervised marks supervised-authored objects.
	AuthoritySupervised Authority = "supervised"
)

// ConfigKind identifies what a configuration object controls.
type ConfigKind string

const (
	// KindScreenTimeRule sets a daily limit and downtime window for an
	// app category.
	KindScreenTimeRule ConfigKind = "screen_time_rule"
	// KindDowntimeOverride suspends or extends downtime until a
	// timestamp.
	KindDowntimeOverride ConfigKind = "downtime_override"
	// KindAppException allows a named app outside the category rules.
	KindAppException ConfigKind = "app_exception"
	// KindRewardGrant carries bonus minutes granted by the reward
	// subsystem; opaque to this core.
	KindRewardGrant ConfigKind = "reward_grant"
)

// ConfigObject is any device-editable record subject to conflict
// resolution. Objects are small whole-object replacements: the resolver
// picks one side, it never merges sub-fields.
type ConfigObject struct {
	// Key uniquely identifies the object within its kind
	// (e.g. "screen_time_rule/games").
	Key string `json:"key"`

	Kind      ConfigKind      `json:"kind"`
	Value     json.RawMessage `json:"value"`
	Authority Authority       `json:"authority"`

	// LastModified orders concurrent edits; strictly-greater wins when
	// neither side has supervisor priority.
	LastModified time.Time `json:"last_modified"`

	// DeviceID is the device that produced this version.
	DeviceID string `json:"device_id"`
}

// Validate checks required fields.
func (c *ConfigObject) Validate() error {
	if c.Key == "" {
		return fmt.Errorf("key is required")
	}
	if c.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	if len(c.Value) == 0 {
		return fmt.Errorf("value is required")
	}
	if c.Authority != AuthoritySupervisor && c.Authority != AuthoritySupervised {
		return fmt.Errorf("authority must be %q or %q (got %q)", AuthoritySupervisor, AuthoritySupervised, c.Authority)
	}
	if c.LastModified.IsZero() {
		return fmt.Errorf("last_modified is required")
	}
	return nil
}

// ScreenTimeRule is the decoded Value of a KindScreenTimeRule object.
type ScreenTimeRule struct {
	CategoryID    string `json:"category_id"`
	DailyLimitMin int    `json:"daily_limit_min"`
	DowntimeStart string `json:"downtime_start,omitempty"` // "21:00"
	DowntimeEnd   string `json:"downtime_end,omitempty"`   // "07:00"
}

// DowntimeOverride is the decoded Value of a KindDowntimeOverride object.
type DowntimeOverride struct {
	Until  time.Time `json:"until"`
	Paused bool      `json:"paused"`
	Reason string    `json:"reason,omitempty"`
}
