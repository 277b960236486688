package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kinshipd/kinship/internal/schema"
)

// UpsertDevice inserts or updates a device record.
func (s *Store) UpsertDevice(ctx context.Context, d *schema.Device) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid device: %w", err)
	}

	query := `
	INSERT INTO devices (id, display_name, role, account_id, supervisor_device_id, registered_at, is_active)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		display_name = excluded.display_name,
		role = excluded.role,
		account_id = excluded.account_id,
		supervisor_device_id = excluded.supervisor_device_id,
		is_active = excluded.is_active
	`

	_, err := s.conn.ExecContext(ctx, query,
		d.ID,
		d.DisplayName,
		string(d.Role),
		d.AccountID,
		nullIfEmpty(d.SupervisorDeviceID),
		d.RegisteredAt.Format(time.RFC3339Nano),
		boolToInt(d.IsActive),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert device %s: %w", d.ID, err)
	}
	return nil
}

// GetDevice fetches a device by ID. Returns sql.ErrNoRows if absent.
func (s *Store) GetDevice(ctx context.Context, id string) (*schema.Device, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT id, display_name, role, account_id, supervisor_device_id, registered_at, is_active
	FROM devices WHERE id = ?`, id)
	return scanDevice(row)
}

// ListDevices returns all known devices.
func (s *Store) ListDevices(ctx context.Context) ([]*schema.Device, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT id, display_name, role, account_id, supervisor_device_id, registered_at, is_active
	FROM devices ORDER BY registered_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []*schema.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}
	return devices, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*schema.Device, error) {
	var (
		d            schema.Device
		role         string
		supervisorID sql.NullString
		registeredAt string
		isActive     int
	)
	err := row.Scan(&d.ID, &d.DisplayName, &role, &d.AccountID, &supervisorID, &registeredAt, &isActive)
	if err != nil {
		return nil, err
	}
	d.Role = schema.Role(role)
	if supervisorID.Valid {
		d.SupervisorDeviceID = supervisorID.String
	}
	if t, err := time.Parse(time.RFC3339Nano, registeredAt); err == nil {
		d.RegisteredAt = t
	}
	d.IsActive = isActive != 0
	return &d, nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
