package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/kinshipd/kinship/internal/queue"
	"github.com/kinshipd/kinship/internal/remote"
	"github.com/kinshipd/kinship/internal/resolve"
	"github.com/kinshipd/kinship/internal/schema"
	"github.com/kinshipd/kinship/internal/scheduler"
)

// runUsageUpload drains the offline queue. An overlapping run already
// carrying the items counts as success.
func (a *Agent) runUsageUpload(ctx context.Context) error {
	if err := a.queue.Process(ctx); err != nil && !errors.Is(err, queue.ErrAlreadyRunning) {
		return err
	}
	return nil
}

// runConfigPull is the inbound half of a sync: confirm pending
// acceptances, honor revocations from the other side, merge remote
// config objects, and apply outstanding commands.
func (a *Agent) runConfigPull(ctx context.Context) error {
	var result *multierror.Error

	if a.identity.Role == string(schema.RoleSupervisor) {
		if _, err := a.pairing.ConfirmAcceptances(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("confirm acceptances: %w", err))
		}
	}

	if _, err := a.pairing.HonorRemoteRevocations(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("honor revocations: %w", err))
	}

	if err := a.mergeConfigObjects(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("merge config: %w", err))
	}

	if a.identity.Role == string(schema.RoleSupervised) {
		if err := a.applyCommands(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("apply commands: %w", err))
		}
	}

	return result.ErrorOrNil()
}

// mergeConfigObjects pulls the config collection from every shared
// scope and reconciles it with the local copy.
func (a *Agent) mergeConfigObjects(ctx context.Context) error {
	localObjs, err := a.store.ListConfigObjects(ctx)
	if err != nil {
		return fmt.Errorf("failed to list local config: %w", err)
	}
	local := make(map[string]*schema.ConfigObject, len(localObjs))
	for _, obj := range localObjs {
		local[obj.Key] = obj
	}

	remoteObjs := make(map[string]*schema.ConfigObject)
	err = a.forEachScope(ctx, func(scope remote.ScopeHandle) error {
		records, err := a.remote.Query(ctx, scope, remote.Predicate{
			Collection: remote.CollectionConfigObjects,
		})
		if err != nil {
			return err
		}
		for _, rec := range records {
			var obj schema.ConfigObject
			if err := json.Unmarshal(rec.Value, &obj); err != nil {
				a.logger.Printf("Warning: skipping malformed config object %s: %v", rec.Key, err)
				continue
			}
			if prev, ok := remoteObjs[obj.Key]; !ok || obj.LastModified.After(prev.LastModified) {
				remoteObjs[obj.Key] = &obj
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	merged := resolve.MergeCollections(local, remoteObjs, schema.Role(a.identity.Role))
	for key, obj := range merged {
		prev, existed := local[key]
		if existed && prev.LastModified.Equal(obj.LastModified) && prev.DeviceID == obj.DeviceID {
			continue
		}
		if err := a.store.UpsertConfigObject(ctx, obj); err != nil {
			return fmt.Errorf("failed to store config object %s: %w", key, err)
		}
	}
	return nil
}

// applyCommands executes supervisor commands this device has not yet
// acknowledged. Execution and acknowledgment are decoupled: the ack
// rides the offline queue so it lands ordered after usage data.
func (a *Agent) applyCommands(ctx context.Context) error {
	edges, err := a.store.ListActiveEdges(ctx)
	if err != nil {
		return fmt.Errorf("failed to list edges: %w", err)
	}

	for _, edge := range edges {
		scope, err := a.store.GetScopeHandle(ctx, edge.ShareScopeID)
		if err != nil {
			continue
		}

		cmds, err := a.remote.Query(ctx, scope, remote.Predicate{
			Collection: remote.CollectionCommands,
		})
		if err != nil {
			return fmt.Errorf("failed to query commands: %w", err)
		}
		acks, err := a.remote.Query(ctx, scope, remote.Predicate{
			Collection: remote.CollectionCommandAcks,
		})
		if err != nil {
			return fmt.Errorf("failed to query command acks: %w", err)
		}

		acked := make(map[string]bool, len(acks))
		for _, rec := range acks {
			acked[rec.Key] = true
		}

		for _, rec := range cmds {
			if acked[rec.Key] {
				continue
			}
			var cmd schema.Command
			if err := json.Unmarshal(rec.Value, &cmd); err != nil {
				a.logger.Printf("Warning: skipping malformed command %s: %v", rec.Key, err)
				continue
			}
			if err := a.executeCommand(ctx, edge, &cmd); err != nil {
				return fmt.Errorf("failed to execute command %s: %w", cmd.ID, err)
			}
		}
	}
	return nil
}

// executeCommand applies one command and enqueues its acknowledgment.
func (a *Agent) executeCommand(ctx context.Context, edge *schema.TrustEdge, cmd *schema.Command) error {
	a.logger.Printf("Executing command %s (%s) from %s", cmd.ID, cmd.Kind, cmd.IssuedBy)

	result := "applied"
	switch cmd.Kind {
	case schema.CommandRefresh:
		// A refresh just pulls the next sync forward; nothing to persist.
		defer a.sched.Trigger(scheduler.TriggerRemoteWake)
	case schema.CommandPause, schema.CommandResume, schema.CommandGrantBonus:
		// Recorded as a config object so the enforcement subsystem sees
		// it on its next read of local state.
		value, err := json.Marshal(cmd)
		if err != nil {
			return fmt.Errorf("failed to marshal command: %w", err)
		}
		obj := &schema.ConfigObject{
			Key:          fmt.Sprintf("command/%s", cmd.ID),
			Kind:         schema.KindDowntimeOverride,
			Value:        value,
			Authority:    schema.AuthoritySupervisor,
			LastModified: cmd.IssuedAt,
			DeviceID:     cmd.IssuedBy,
		}
		if err := a.store.UpsertConfigObject(ctx, obj); err != nil {
			return fmt.Errorf("failed to record command effect: %w", err)
		}
	default:
		result = fmt.Sprintf("unknown command kind %q", cmd.Kind)
		a.logger.Printf("Warning: %s", result)
	}

	ack := &schema.CommandAck{
		CommandID:  cmd.ID,
		ExecutedBy: a.identity.DeviceID,
		ExecutedAt: time.Now().UTC(),
		Result:     result,
	}
	if _, err := a.queue.Enqueue(ctx, schema.KindCommandAck, cmd.ID, ack, edge.ShareScopeID); err != nil {
		return fmt.Errorf("failed to enqueue ack: %w", err)
	}
	return nil
}

// runPresenceRefresh re-publishes the local device record into every
// shared scope so the counterpart sees the device as alive.
func (a *Agent) runPresenceRefresh(ctx context.Context) error {
	dev := a.identity.Device()

	edges, err := a.store.ListActiveEdges(ctx)
	if err != nil {
		return fmt.Errorf("failed to list edges: %w", err)
	}

	for _, edge := range edges {
		if _, err := a.queue.Enqueue(ctx, schema.KindDevicePresence, dev.ID, dev, edge.ShareScopeID); err != nil {
			return fmt.Errorf("failed to enqueue presence: %w", err)
		}
	}

	if err := a.queue.Process(ctx); err != nil && !errors.Is(err, queue.ErrAlreadyRunning) {
		return err
	}
	return nil
}

// runEntitlementCheck refreshes the subscription state. A stale-cache
// result inside the grace window is soft and does not fail the task.
func (a *Agent) runEntitlementCheck(ctx context.Context) error {
	_, err := a.verifier.Verify(ctx)
	return err
}

// runInvitationSweep expires stale invitations; purely local.
func (a *Agent) runInvitationSweep(ctx context.Context) error {
	_, err := a.pairing.SweepExpired(ctx)
	return err
}

// IngestUsage enqueues a usage record for upload into every shared
// scope. Called by the spool watcher for threshold events.
func (a *Agent) IngestUsage(ctx context.Context, rec *schema.UsageRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid usage record: %w", err)
	}

	edges, err := a.store.ListActiveEdges(ctx)
	if err != nil {
		return fmt.Errorf("failed to list edges: %w", err)
	}
	if len(edges) == 0 {
		a.logger.Printf("Dropping usage record %s: not paired", rec.ID)
		return nil
	}

	for _, edge := range edges {
		if _, err := a.queue.Enqueue(ctx, schema.KindUsageRecord, rec.ID, rec, edge.ShareScopeID); err != nil {
			return fmt.Errorf("failed to enqueue usage record: %w", err)
		}
	}
	return nil
}

// IssueCommand writes a supervisor command into every shared scope.
// Commands are not queued: a supervisor issuing "pause now" wants to
// know immediately whether it reached the shared store.
func (a *Agent) IssueCommand(ctx context.Context, cmd *schema.Command) error {
	if a.identity.Role != string(schema.RoleSupervisor) {
		return fmt.Errorf("only supervisor devices issue commands")
	}

	value, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	wrote := false
	err = a.forEachScope(ctx, func(scope remote.ScopeHandle) error {
		wrote = true
		return a.remote.Write(ctx, scope, remote.Record{
			Collection: remote.CollectionCommands,
			Key:        cmd.ID,
			Value:      value,
			ModifiedAt: cmd.IssuedAt,
			WrittenBy:  cmd.IssuedBy,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to publish command: %w", err)
	}
	if !wrote {
		return fmt.Errorf("no paired devices to command")
	}
	return nil
}

// PublishConfigObject stores a config object locally and enqueues it
// toward every shared scope.
func (a *Agent) PublishConfigObject(ctx context.Context, obj *schema.ConfigObject) error {
	if err := obj.Validate(); err != nil {
		return fmt.Errorf("invalid config object: %w", err)
	}
	if err := a.store.UpsertConfigObject(ctx, obj); err != nil {
		return fmt.Errorf("failed to store config object: %w", err)
	}

	edges, err := a.store.ListActiveEdges(ctx)
	if err != nil {
		return fmt.Errorf("failed to list edges: %w", err)
	}
	for _, edge := range edges {
		if _, err := a.queue.Enqueue(ctx, schema.KindConfigObject, obj.Key, obj, edge.ShareScopeID); err != nil {
			return fmt.Errorf("failed to enqueue config object: %w", err)
		}
	}
	return nil
}

// KnownDevices merges the local device table with the presence records
// visible in the shared scopes.
func (a *Agent) KnownDevices(ctx context.Context) ([]*schema.Device, error) {
	devices, err := a.store.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list local devices: %w", err)
	}
	seen := make(map[string]bool, len(devices))
	for _, d := range devices {
		seen[d.ID] = true
	}

	err = a.forEachScope(ctx, func(scope remote.ScopeHandle) error {
		records, err := a.remote.Query(ctx, scope, remote.Predicate{
			Collection: remote.CollectionDevices,
		})
		if err != nil {
			return err
		}
		for _, rec := range records {
			var dev schema.Device
			if err := json.Unmarshal(rec.Value, &dev); err != nil {
				continue
			}
			if !seen[dev.ID] {
				seen[dev.ID] = true
				devices = append(devices, &dev)
			}
		}
		return nil
	})
	if err != nil {
		a.logger.Printf("Warning: device presence query: %v", err)
	}
	return devices, nil
}

// forEachScope invokes fn for every active edge's scope handle,
// skipping edges whose grant is gone.
func (a *Agent) forEachScope(ctx context.Context, fn func(remote.ScopeHandle) error) error {
	edges, err := a.store.ListActiveEdges(ctx)
	if err != nil {
		return fmt.Errorf("failed to list edges: %w", err)
	}
	for _, edge := range edges {
		scope, err := a.store.GetScopeHandle(ctx, edge.ShareScopeID)
		if err != nil {
			continue
		}
		if err := fn(scope); err != nil {
			return err
		}
	}
	return nil
}
