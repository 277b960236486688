package daemon

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/kinshipd/kinship/internal/config"
	"github.com/kinshipd/kinship/internal/identity"
	"github.com/kinshipd/kinship/internal/pairing"
	"github.com/kinshipd/kinship/internal/remote"
	"github.com/kinshipd/kinship/internal/schema"
	"github.com/kinshipd/kinship/internal/scheduler"
	"github.com/kinshipd/kinship/internal/store"
)

// fixture wires a supervised agent and a supervisor-side pairing
// manager to one shared remote store.
type fixture struct {
	agent    *Agent
	remote   *remote.SQLStore
	supStore *store.Store
	supMgr   *pairing.Manager
	sup      *schema.Device
}

type openGate struct{}

func (openGate) HasFullAccess() bool { return true }
func (openGate) DeviceLimit() int    { return 5 }

func newFixture(t *testing.T) *fixture {
	t.Helper()

	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open remote db: %v", err)
	}
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = conn.Close() })

	rs := remote.NewSQLStore(conn)
	if err := rs.InitSchema(context.Background()); err != nil {
		t.Fatalf("failed to init remote schema: %v", err)
	}

	openLocal := func() *store.Store {
		st, err := store.OpenMemory()
		if err != nil {
			t.Fatalf("failed to open store: %v", err)
		}
		t.Cleanup(func() { _ = st.Close() })
		if err := st.InitSchema(context.Background()); err != nil {
			t.Fatalf("failed to init schema: %v", err)
		}
		return st
	}

	childStore := openLocal()
	supStore := openLocal()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Spool.Dir = t.TempDir()
	cfg.Status.Addr = "127.0.0.1:0"

	id := &identity.Identity{
		DeviceID:    "dev-child",
		AccountID:   "acct-child",
		DisplayName: "Kid tablet",
		Role:        "supervised",
		CreatedAt:   time.Now().UTC(),
	}

	agent, err := New(cfg, id, childStore, rs, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}

	sup := &schema.Device{
		ID:           "dev-parent",
		DisplayName:  "Dana's phone",
		Role:         schema.RoleSupervisor,
		AccountID:    "acct-parent",
		RegisteredAt: time.Now().UTC(),
		IsActive:     true,
	}
	supMgr := pairing.New(supStore, rs, openGate{}, log.New(io.Discard, "", 0))

	return &fixture{agent: agent, remote: rs, supStore: supStore, supMgr: supMgr, sup: sup}
}

// pair establishes a trust edge between the fixture's supervisor and
// the agent, returning the shared scope ID.
func (f *fixture) pair(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	payload, err := f.supMgr.CreateInvitation(ctx, f.sup, "")
	if err != nil {
		t.Fatalf("failed to create invitation: %v", err)
	}
	edge, err := f.agent.Pairing().AcceptInvitation(ctx, payload, f.agent.identity.Device())
	if err != nil {
		t.Fatalf("failed to accept invitation: %v", err)
	}
	if _, err := f.supMgr.ConfirmAcceptances(ctx); err != nil {
		t.Fatalf("failed to confirm acceptance: %v", err)
	}
	return edge.ShareScopeID
}

func TestSnapshotUnpaired(t *testing.T) {
	f := newFixture(t)

	snap, err := f.agent.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if snap.Paired || snap.ActiveEdges != 0 {
		t.Errorf("expected unpaired snapshot, got %+v", snap)
	}
	if snap.DeviceID != "dev-child" {
		t.Errorf("wrong device ID: %s", snap.DeviceID)
	}
}

func TestIngestUsageUnpairedDrops(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := &schema.UsageRecord{
		ID: "u1", DeviceID: "dev-child", Day: "2026-08-29",
		CategoryID: "games", UsedMinutes: 30, CapturedAt: time.Now().UTC(),
	}
	if err := f.agent.IngestUsage(ctx, rec); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	depth, err := f.agent.Queue().Depth(ctx)
	if err != nil {
		t.Fatalf("depth failed: %v", err)
	}
	if depth != 0 {
		t.Errorf("unpaired ingest should drop, depth %d", depth)
	}
}

func TestUsageFlowsToSharedScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scopeID := f.pair(t)

	rec := &schema.UsageRecord{
		ID: "u1", DeviceID: "dev-child", Day: "2026-08-29",
		CategoryID: "games", UsedMinutes: 30, CapturedAt: time.Now().UTC(),
	}
	if err := f.agent.IngestUsage(ctx, rec); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	if err := f.agent.Scheduler().RunTask(scheduler.TaskUsageUpload); err != nil {
		t.Fatalf("usage upload failed: %v", err)
	}

	// The supervisor reads the record from the shared scope.
	scope, err := f.supStore.GetScopeHandle(ctx, scopeID)
	if err != nil {
		t.Fatalf("supervisor lost its scope handle: %v", err)
	}
	records, err := f.remote.Query(ctx, scope, remote.Predicate{
		Collection: remote.CollectionUsageRecords,
	})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(records) != 1 || records[0].Key != "u1" {
		t.Fatalf("expected usage record u1 in shared scope, got %v", records)
	}

	depth, _ := f.agent.Queue().Depth(ctx)
	if depth != 0 {
		t.Errorf("queue should be drained, depth %d", depth)
	}
}

func TestRemoteWakeFlushesQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pair(t)

	rec := &schema.UsageRecord{
		ID: "u1", DeviceID: "dev-child", Day: "2026-08-29",
		CategoryID: "games", UsedMinutes: 30, CapturedAt: time.Now().UTC(),
	}
	if err := f.agent.IngestUsage(ctx, rec); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	depth, err := f.agent.Queue().Depth(ctx)
	if err != nil {
		t.Fatalf("depth failed: %v", err)
	}
	if depth != 1 {
		t.Fatalf("expected 1 queued item before the wake, depth %d", depth)
	}

	// A wake signal stands in for the periodic tick: pending mutations
	// ship immediately, not on the next upload interval.
	if !f.agent.Scheduler().Trigger(scheduler.TriggerRemoteWake) {
		t.Fatal("remote wake trigger ran no tasks")
	}

	depth, err = f.agent.Queue().Depth(ctx)
	if err != nil {
		t.Fatalf("depth failed: %v", err)
	}
	if depth != 0 {
		t.Errorf("remote wake must flush the queue, depth %d", depth)
	}
}

func TestCommandApplyAndAck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scopeID := f.pair(t)

	// Supervisor issues a pause command into the shared scope.
	scope, err := f.supStore.GetScopeHandle(ctx, scopeID)
	if err != nil {
		t.Fatalf("failed to get scope handle: %v", err)
	}
	cmd := &schema.Command{
		ID: "cmd-1", Kind: schema.CommandPause,
		IssuedBy: "dev-parent", IssuedAt: time.Now().UTC(),
	}
	value, _ := json.Marshal(cmd)
	err = f.remote.Write(ctx, scope, remote.Record{
		Collection: remote.CollectionCommands,
		Key:        cmd.ID,
		Value:      value,
		ModifiedAt: cmd.IssuedAt,
		WrittenBy:  "dev-parent",
	})
	if err != nil {
		t.Fatalf("failed to write command: %v", err)
	}

	// The supervised agent pulls, applies, and queues the ack.
	if err := f.agent.Scheduler().RunTask(scheduler.TaskConfigPull); err != nil {
		t.Fatalf("config pull failed: %v", err)
	}

	obj, err := f.agent.store.GetConfigObject(ctx, "command/cmd-1")
	if err != nil {
		t.Fatalf("command effect not recorded locally: %v", err)
	}
	if obj.Authority != schema.AuthoritySupervisor {
		t.Errorf("wrong authority: %s", obj.Authority)
	}

	if err := f.agent.Scheduler().RunTask(scheduler.TaskUsageUpload); err != nil {
		t.Fatalf("queue flush failed: %v", err)
	}

	acks, err := f.remote.Query(ctx, scope, remote.Predicate{
		Collection: remote.CollectionCommandAcks,
	})
	if err != nil {
		t.Fatalf("ack query failed: %v", err)
	}
	if len(acks) != 1 || acks[0].Key != "cmd-1" {
		t.Fatalf("expected one ack for cmd-1, got %v", acks)
	}

	// A second pull must not re-execute an acknowledged command.
	if err := f.agent.Scheduler().RunTask(scheduler.TaskConfigPull); err != nil {
		t.Fatalf("second pull failed: %v", err)
	}
	depth, _ := f.agent.Queue().Depth(ctx)
	if depth != 0 {
		t.Errorf("acked command re-queued, depth %d", depth)
	}
}

func TestPresenceRefreshPublishesDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scopeID := f.pair(t)

	if err := f.agent.Scheduler().RunTask(scheduler.TaskPresenceRefresh); err != nil {
		t.Fatalf("presence refresh failed: %v", err)
	}

	scope, err := f.supStore.GetScopeHandle(ctx, scopeID)
	if err != nil {
		t.Fatalf("failed to get scope handle: %v", err)
	}
	records, err := f.remote.Query(ctx, scope, remote.Predicate{
		Collection: remote.CollectionDevices,
		Key:        "dev-child",
	})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected presence record, got %v", records)
	}
}

func TestConfigObjectsMergeFromScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scopeID := f.pair(t)

	scope, err := f.supStore.GetScopeHandle(ctx, scopeID)
	if err != nil {
		t.Fatalf("failed to get scope handle: %v", err)
	}

	rule := &schema.ConfigObject{
		Key:          "screen_time_rule/games",
		Kind:         schema.KindScreenTimeRule,
		Value:        json.RawMessage(`{"dailyLimitMinutes":60}`),
		Authority:    schema.AuthoritySupervisor,
		LastModified: time.Now().UTC(),
		DeviceID:     "dev-parent",
	}
	value, _ := json.Marshal(rule)
	err = f.remote.Write(ctx, scope, remote.Record{
		Collection: remote.CollectionConfigObjects,
		Key:        rule.Key,
		Value:      value,
		ModifiedAt: rule.LastModified,
		WrittenBy:  "dev-parent",
	})
	if err != nil {
		t.Fatalf("failed to write config object: %v", err)
	}

	if err := f.agent.Scheduler().RunTask(scheduler.TaskConfigPull); err != nil {
		t.Fatalf("config pull failed: %v", err)
	}

	obj, err := f.agent.store.GetConfigObject(ctx, "screen_time_rule/games")
	if err != nil {
		t.Fatalf("rule not merged locally: %v", err)
	}
	if obj.Authority != schema.AuthoritySupervisor {
		t.Errorf("wrong authority: %s", obj.Authority)
	}
}

func TestStatusServerEndpoints(t *testing.T) {
	f := newFixture(t)

	if err := f.agent.status.Start(); err != nil {
		t.Fatalf("failed to start status server: %v", err)
	}
	defer f.agent.status.Stop()

	base := "http://" + f.agent.status.Addr()

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("healthz failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status %d", resp.StatusCode)
	}

	resp, err = http.Get(base + "/api/status")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	defer resp.Body.Close()

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	if snap.DeviceID != "dev-child" {
		t.Errorf("wrong device in snapshot: %s", snap.DeviceID)
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("metrics failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status %d", resp.StatusCode)
	}
}
