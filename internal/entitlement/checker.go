package entitlement

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kinshipd/kinship/internal/remote"
	"github.com/kinshipd/kinship/internal/schema"
)

// RemoteChecker reads the account's entitlement record from the shared
// scope. The record is published by the supervisor's billing flow and
// mirrored like any other scope record, so supervised devices can verify
// without their own billing credentials.
type RemoteChecker struct {
	remote remote.Store
	scope  func(ctx context.Context) (remote.ScopeHandle, error)
}

// NewRemoteChecker builds a checker. scope resolves the handle of the
// shared scope to read from; it is a function so the checker keeps
// working when pairing replaces the active scope.
func NewRemoteChecker(rs remote.Store, scope func(ctx context.Context) (remote.ScopeHandle, error)) *RemoteChecker {
	return &RemoteChecker{remote: rs, scope: scope}
}

// Check fetches the entitlement record keyed by accountID.
func (c *RemoteChecker) Check(ctx context.Context, accountID string) (*schema.SubscriptionState, error) {
	handle, err := c.scope(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve entitlement scope: %w", err)
	}

	records, err := c.remote.Query(ctx, handle, remote.Predicate{
		Collection: remote.CollectionEntitlements,
		Key:        accountID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query entitlement record: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no entitlement record for account %s", accountID)
	}

	var state schema.SubscriptionState
	if err := json.Unmarshal(records[0].Value, &state); err != nil {
		return nil, fmt.Errorf("failed to decode entitlement record: %w", err)
	}
	if err := state.Validate(); err != nil {
		return nil, fmt.Errorf("invalid entitlement record: %w", err)
	}
	return &state, nil
}
