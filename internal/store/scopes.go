package store

import (
	"context"
	"fmt"
	"time"

	"github.com/kinshipd/kinship/internal/remote"
)

// PutScopeHandle persists the grant token for a shared scope so the
// queue and scheduler can write into it after a restart.
func (s *Store) PutScopeHandle(ctx context.Context, h remote.ScopeHandle) error {
	if h.ID == "" || h.GrantToken == "" {
		return fmt.Errorf("scope handle requires id and grant token")
	}

	query := `
	INSERT INTO scope_handles (scope_id, grant_token, added_at)
	VALUES (?, ?, ?)
	ON CONFLICT(scope_id) DO UPDATE SET
		grant_token = excluded.grant_token
	`

	_, err := s.conn.ExecContext(ctx, query, h.ID, h.GrantToken, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to put scope handle %s: %w", h.ID, err)
	}
	return nil
}

// GetScopeHandle reconstructs the handle for a scope ID.
// Returns sql.ErrNoRows if this device holds no grant for the scope.
func (s *Store) GetScopeHandle(ctx context.Context, scopeID string) (remote.ScopeHandle, error) {
	var h remote.ScopeHandle
	h.ID = scopeID
	err := s.conn.QueryRowContext(ctx,
		`SELECT grant_token FROM scope_handles WHERE scope_id = ?`, scopeID).Scan(&h.GrantToken)
	if err != nil {
		return remote.ScopeHandle{}, err
	}
	return h, nil
}

// DeleteScopeHandle drops the local grant for a scope. Called on
// revocation; the remote data itself is retained.
func (s *Store) DeleteScopeHandle(ctx context.Context, scopeID string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM scope_handles WHERE scope_id = ?`, scopeID)
	if err != nil {
		return fmt.Errorf("failed to delete scope handle %s: %w", scopeID, err)
	}
	return nil
}
