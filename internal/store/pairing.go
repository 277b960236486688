package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kinshipd/kinship/internal/schema"
)

// --- Invitations ---

// PutInvitation inserts or replaces an invitation by session ID.
func (s *Store) PutInvitation(ctx context.Context, inv *schema.Invitation) error {
	if err := inv.Validate(); err != nil {
		return fmt.Errorf("invalid invitation: %w", err)
	}

	query := `
	INSERT INTO invitations
		(session_id, verification_token, supervisor_device_id, supervisor_account,
		 share_reference, family_id, status, created_at, expires_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		status = excluded.status
	`

	_, err := s.conn.ExecContext(ctx, query,
		inv.SessionID,
		inv.VerificationToken,
		inv.SupervisorDeviceID,
		inv.SupervisorAccount,
		inv.ShareReference,
		nullIfEmpty(inv.FamilyID),
		string(inv.Status),
		inv.CreatedAt.Format(time.RFC3339Nano),
		inv.ExpiresAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to put invitation %s: %w", inv.SessionID, err)
	}
	return nil
}

// GetInvitation fetches an invitation by session ID.
// Returns sql.ErrNoRows if absent.
func (s *Store) GetInvitation(ctx context.Context, sessionID string) (*schema.Invitation, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT session_id, verification_token, supervisor_device_id, supervisor_account,
	       share_reference, family_id, status, created_at, expires_at
	FROM invitations WHERE session_id = ?`, sessionID)
	return scanInvitation(row)
}

// UpdateInvitationStatus moves an invitation to a new lifecycle state.
// The expected status guards single-use consumption: the update applies
// only if the row is still in expected, and the returned bool reports
// whether it did.
func (s *Store) UpdateInvitationStatus(ctx context.Context, sessionID string, expected, next schema.InvitationStatus) (bool, error) {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE invitations SET status = ? WHERE session_id = ? AND status = ?`,
		string(next), sessionID, string(expected))
	if err != nil {
		return false, fmt.Errorf("failed to update invitation %s: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// SweepExpiredInvitations marks all consumable invitations whose TTL has
// elapsed as expired. Returns how many were swept.
func (s *Store) SweepExpiredInvitations(ctx context.Context, now time.Time) (int, error) {
	res, err := s.conn.ExecContext(ctx, `
	UPDATE invitations SET status = ?
	WHERE status IN (?, ?) AND expires_at <= ?`,
		string(schema.InvitationExpired),
		string(schema.InvitationCreated),
		string(schema.InvitationAwaiting),
		now.Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep invitations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}

// ListConsumableInvitations returns invitations still awaiting
// acceptance, oldest first.
func (s *Store) ListConsumableInvitations(ctx context.Context) ([]*schema.Invitation, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT session_id, verification_token, supervisor_device_id, supervisor_account,
	       share_reference, family_id, status, created_at, expires_at
	FROM invitations WHERE status IN (?, ?) ORDER BY created_at ASC`,
		string(schema.InvitationCreated), string(schema.InvitationAwaiting))
	if err != nil {
		return nil, fmt.Errorf("failed to list invitations: %w", err)
	}
	defer rows.Close()

	var pending []*schema.Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, err
		}
		pending = append(pending, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating invitations: %w", err)
	}
	return pending, nil
}

func scanInvitation(row rowScanner) (*schema.Invitation, error) {
	var (
		inv                  schema.Invitation
		familyID             sql.NullString
		status               string
		createdAt, expiresAt string
	)
	err := row.Scan(&inv.SessionID, &inv.VerificationToken, &inv.SupervisorDeviceID,
		&inv.SupervisorAccount, &inv.ShareReference, &familyID, &status, &createdAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	if familyID.Valid {
		inv.FamilyID = familyID.String
	}
	inv.Status = schema.InvitationStatus(status)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		inv.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, expiresAt); err == nil {
		inv.ExpiresAt = t
	}
	return &inv, nil
}

// --- Trust edges ---

// InsertTrustEdge persists a newly-established edge.
func (s *Store) InsertTrustEdge(ctx context.Context, e *schema.TrustEdge) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid trust edge: %w", err)
	}

	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO trust_edges (id, supervisor_device_id, supervised_device_id, share_scope_id, established_at, revoked_at)
	VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.SupervisorDeviceID,
		e.SupervisedDeviceID,
		e.ShareScopeID,
		e.EstablishedAt.Format(time.RFC3339Nano),
		timeToNullString(e.RevokedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert trust edge %s: %w", e.ID, err)
	}
	return nil
}

// GetTrustEdge fetches an edge by ID. Returns sql.ErrNoRows if absent.
func (s *Store) GetTrustEdge(ctx context.Context, id string) (*schema.TrustEdge, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT id, supervisor_device_id, supervised_device_id, share_scope_id, established_at, revoked_at
	FROM trust_edges WHERE id = ?`, id)
	return scanEdge(row)
}

// RevokeTrustEdge applies the terminal revocation transition. Idempotent:
// revoking an already-revoked edge leaves the original timestamp.
func (s *Store) RevokeTrustEdge(ctx context.Context, id string, at time.Time) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE trust_edges SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		at.Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to revoke trust edge %s: %w", id, err)
	}
	return nil
}

// CountActiveEdgesForSupervisor counts non-revoked edges held by a
// supervisor device. Pairing checks this against the subscription device
// limit before allocating a share scope.
func (s *Store) CountActiveEdgesForSupervisor(ctx context.Context, supervisorID string) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trust_edges WHERE supervisor_device_id = ? AND revoked_at IS NULL`,
		supervisorID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count supervisor edges: %w", err)
	}
	return n, nil
}

// CountActiveEdgesForSupervised counts non-revoked edges held by a
// supervised device (capped at schema.MaxSupervisorsPerDevice).
func (s *Store) CountActiveEdgesForSupervised(ctx context.Context, supervisedID string) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trust_edges WHERE supervised_device_id = ? AND revoked_at IS NULL`,
		supervisedID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count supervised edges: %w", err)
	}
	return n, nil
}

// ListActiveEdges returns all non-revoked edges, oldest first.
func (s *Store) ListActiveEdges(ctx context.Context) ([]*schema.TrustEdge, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT id, supervisor_device_id, supervised_device_id, share_scope_id, established_at, revoked_at
	FROM trust_edges WHERE revoked_at IS NULL ORDER BY established_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list trust edges: %w", err)
	}
	defer rows.Close()

	var edges []*schema.TrustEdge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trust edges: %w", err)
	}
	return edges, nil
}

func scanEdge(row rowScanner) (*schema.TrustEdge, error) {
	var (
		e             schema.TrustEdge
		establishedAt string
		revokedAt     sql.NullString
	)
	err := row.Scan(&e.ID, &e.SupervisorDeviceID, &e.SupervisedDeviceID, &e.ShareScopeID, &establishedAt, &revokedAt)
	if err != nil {
		return nil, err
	}
	if t, err := time.Parse(time.RFC3339Nano, establishedAt); err == nil {
		e.EstablishedAt = t
	}
	e.RevokedAt = nullStringToTime(revokedAt)
	return &e, nil
}
