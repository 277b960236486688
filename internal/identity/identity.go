// Package identity manages the device's durable identity file.
//
// The file is TOML, created on first run, and holds the IDs everything
// else keys on: the device ID and the owning account ID. Losing it is
// equivalent to factory-resetting the device's pairing state, so it is
// written atomically and with restrictive permissions.
package identity

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/kinshipd/kinship/internal/schema"
)

// Identity is the persisted device identity.
type Identity struct {
	DeviceID    string    `toml:"device_id"`
	AccountID   string    `toml:"account_id"`
	DisplayName string    `toml:"display_name"`
	Role        string    `toml:"role"`
	FamilyID    string    `toml:"family_id,omitempty"`
	CreatedAt   time.Time `toml:"created_at"`
}

// Load reads an identity file.
func Load(path string) (*Identity, error) {
	var id Identity
	if _, err := toml.DecodeFile(path, &id); err != nil {
		return nil, fmt.Errorf("failed to load identity file: %w", err)
	}
	if err := id.Validate(); err != nil {
		return nil, fmt.Errorf("invalid identity file %s: %w", path, err)
	}
	return &id, nil
}

// LoadOrCreate loads the identity at path, creating a fresh one (new
// device and account IDs) if none exists yet.
func LoadOrCreate(path, displayName, role string) (*Identity, error) {
	id, err := Load(path)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	id = &Identity{
		DeviceID:    uuid.NewString(),
		AccountID:   uuid.NewString(),
		DisplayName: displayName,
		Role:        role,
		CreatedAt:   time.Now().UTC(),
	}
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if err := id.Save(path); err != nil {
		return nil, err
	}
	return id, nil
}

// Validate checks required fields.
func (i *Identity) Validate() error {
	if i.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if i.AccountID == "" {
		return fmt.Errorf("account_id is required")
	}
	switch schema.Role(i.Role) {
	case schema.RoleSupervisor, schema.RoleSupervised:
	default:
		return fmt.Errorf("role must be %q or %q (got %q)", schema.RoleSupervisor, schema.RoleSupervised, i.Role)
	}
	return nil
}

// Save writes the identity atomically with 0600 permissions.
func (i *Identity) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create identity dir: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(i); err != nil {
		return fmt.Errorf("failed to encode identity: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace identity file: %w", err)
	}
	return nil
}

// Device converts the identity into the local device record.
func (i *Identity) Device() *schema.Device {
	return &schema.Device{
		ID:           i.DeviceID,
		DisplayName:  i.DisplayName,
		Role:         schema.Role(i.Role),
		AccountID:    i.AccountID,
		RegisteredAt: i.CreatedAt,
		IsActive:     true,
	}
}
