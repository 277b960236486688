package pairing

import (
	"context"
	"database/sql"
	"io"
	"log"
	"testing"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinshipd/kinship/internal/remote"
	"github.com/kinshipd/kinship/internal/schema"
	"github.com/kinshipd/kinship/internal/store"
)

// stubGate is a fixed entitlement gate.
type stubGate struct {
	full  bool
	limit int
}

func (g stubGate) HasFullAccess() bool { return g.full }
func (g stubGate) DeviceLimit() int    { return g.limit }

// harness wires a supervisor and a supervised device to one shared
// remote store, each with its own local store, the way two real devices
// would be.
type harness struct {
	remote     *remote.SQLStore
	supStore   *store.Store
	supMgr     *Manager
	childStore *store.Store
	childMgr   *Manager
	supervisor *schema.Device
	child      *schema.Device
	clock      time.Time
}

func newHarness(t *testing.T, gate EntitlementGate) *harness {
	t.Helper()

	conn, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = conn.Close() })

	rs := remote.NewSQLStore(conn)
	require.NoError(t, rs.InitSchema(context.Background()))

	h := &harness{
		remote: rs,
		clock:  time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC),
	}

	openLocal := func() *store.Store {
		st, err := store.OpenMemory()
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
		require.NoError(t, st.InitSchema(context.Background()))
		return st
	}

	h.supStore = openLocal()
	h.childStore = openLocal()

	quiet := log.New(io.Discard, "", 0)
	h.supMgr = New(h.supStore, rs, gate, quiet)
	h.childMgr = New(h.childStore, rs, gate, quiet)
	h.supMgr.SetClock(h.now)
	h.childMgr.SetClock(h.now)

	h.supervisor = &schema.Device{
		ID:           "dev-parent",
		DisplayName:  "Dana's phone",
		Role:         schema.RoleSupervisor,
		AccountID:    "acct-parent",
		RegisteredAt: h.clock,
		IsActive:     true,
	}
	h.child = &schema.Device{
		ID:           "dev-child",
		DisplayName:  "Emma's tablet",
		Role:         schema.RoleSupervised,
		AccountID:    "acct-child",
		RegisteredAt: h.clock,
		IsActive:     true,
	}
	require.NoError(t, h.supStore.UpsertDevice(context.Background(), h.supervisor))
	require.NoError(t, h.childStore.UpsertDevice(context.Background(), h.child))

	return h
}

func (h *harness) now() time.Time { return h.clock }

func (h *harness) advance(d time.Duration) { h.clock = h.clock.Add(d) }

func TestCreateAndAcceptInvitation(t *testing.T) {
	h := newHarness(t, stubGate{full: true, limit: 5})
	ctx := context.Background()

	payload, err := h.supMgr.CreateInvitation(ctx, h.supervisor, "fam-1")
	require.NoError(t, err)
	assert.Equal(t, PayloadVersion, payload.Version)
	assert.Equal(t, "acct-parent", payload.AccountID)

	// Acceptance at T0+5m succeeds.
	h.advance(5 * time.Minute)
	edge, err := h.childMgr.AcceptInvitation(ctx, payload, h.child)
	require.NoError(t, err)
	assert.Equal(t, "dev-parent", edge.SupervisorDeviceID)
	assert.Equal(t, "dev-child", edge.SupervisedDeviceID)
	assert.True(t, edge.Active())

	// The child's presence record landed in the shared scope.
	scope, err := h.remote.AcceptShare(ctx, payload.ShareURL)
	require.NoError(t, err)
	records, err := h.remote.Query(ctx, scope, remote.Predicate{Collection: remote.CollectionDevices})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "dev-child", records[0].Key)

	// A second acceptance with the same token at T0+6m is single-use
	// rejected, even from a different device.
	h.advance(time.Minute)
	other := &schema.Device{
		ID:           "dev-other",
		DisplayName:  "Spare tablet",
		Role:         schema.RoleSupervised,
		AccountID:    "acct-other",
		RegisteredAt: h.clock,
		IsActive:     true,
	}
	_, err = h.childMgr.AcceptInvitation(ctx, payload, other)
	assert.ErrorIs(t, err, ErrInvitationAlreadyUsed)
}

func TestAcceptInvitation_Expired(t *testing.T) {
	h := newHarness(t, stubGate{full: true, limit: 5})
	ctx := context.Background()

	payload, err := h.supMgr.CreateInvitation(ctx, h.supervisor, "")
	require.NoError(t, err)

	// T0+11m is past the 10 minute TTL; token validity is irrelevant.
	h.advance(11 * time.Minute)
	_, err = h.childMgr.AcceptInvitation(ctx, payload, h.child)
	assert.ErrorIs(t, err, ErrInvitationExpired)

	// No trust edge, no presence record.
	edges, err := h.childStore.ListActiveEdges(ctx)
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestAcceptInvitation_TamperedExpiryStillExpired(t *testing.T) {
	h := newHarness(t, stubGate{full: true, limit: 5})
	ctx := context.Background()

	payload, err := h.supMgr.CreateInvitation(ctx, h.supervisor, "")
	require.NoError(t, err)

	// The holder rewrites the payload's expiry to an hour from now. The
	// record in the shared scope still says T0+10m, and that is what
	// counts.
	h.advance(11 * time.Minute)
	payload.ExpiresAt = h.clock.Add(time.Hour).Format(time.RFC3339)
	_, err = h.childMgr.AcceptInvitation(ctx, payload, h.child)
	assert.ErrorIs(t, err, ErrInvitationExpired)

	edges, err := h.childStore.ListActiveEdges(ctx)
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestAcceptInvitation_SameAccountRejected(t *testing.T) {
	h := newHarness(t, stubGate{full: true, limit: 5})
	ctx := context.Background()

	payload, err := h.supMgr.CreateInvitation(ctx, h.supervisor, "")
	require.NoError(t, err)

	sameAccount := &schema.Device{
		ID:           "dev-second",
		DisplayName:  "Dana's tablet",
		Role:         schema.RoleSupervised,
		AccountID:    "acct-parent", // same as inviter
		RegisteredAt: h.clock,
		IsActive:     true,
	}
	_, err = h.childMgr.AcceptInvitation(ctx, payload, sameAccount)
	assert.ErrorIs(t, err, ErrSameAccountPairing)
}

func TestAcceptInvitation_MaxSupervisorsReached(t *testing.T) {
	h := newHarness(t, stubGate{full: true, limit: 5})
	ctx := context.Background()

	// The child already answers to two supervisors.
	for _, sup := range []string{"parent-a", "parent-b"} {
		require.NoError(t, h.childStore.InsertTrustEdge(ctx, &schema.TrustEdge{
			ID:                 "edge-" + sup,
			SupervisorDeviceID: sup,
			SupervisedDeviceID: h.child.ID,
			ShareScopeID:       "scope-" + sup,
			EstablishedAt:      h.clock,
		}))
	}

	payload, err := h.supMgr.CreateInvitation(ctx, h.supervisor, "")
	require.NoError(t, err)

	_, err = h.childMgr.AcceptInvitation(ctx, payload, h.child)
	assert.ErrorIs(t, err, ErrMaxSupervisorsReached)

	// No third edge, and no partial remote writes: the cap is checked
	// before any remote mutation.
	n, err := h.childStore.CountActiveEdgesForSupervised(ctx, h.child.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	scope, err := h.remote.AcceptShare(ctx, payload.ShareURL)
	require.NoError(t, err)
	records, err := h.remote.Query(ctx, scope, remote.Predicate{Collection: remote.CollectionDevices})
	require.NoError(t, err)
	assert.Empty(t, records, "rejected acceptance must leave no presence record")
}

func TestAcceptInvitation_BadToken(t *testing.T) {
	h := newHarness(t, stubGate{full: true, limit: 5})
	ctx := context.Background()

	payload, err := h.supMgr.CreateInvitation(ctx, h.supervisor, "")
	require.NoError(t, err)

	forged := *payload
	forged.ValidationToken = "forged-token"
	_, err = h.childMgr.AcceptInvitation(ctx, &forged, h.child)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAcceptInvitation_UnknownVersion(t *testing.T) {
	h := newHarness(t, stubGate{full: true, limit: 5})
	ctx := context.Background()

	payload, err := h.supMgr.CreateInvitation(ctx, h.supervisor, "")
	require.NoError(t, err)

	future := *payload
	future.Version = 7
	_, err = h.childMgr.AcceptInvitation(ctx, &future, h.child)
	assert.ErrorIs(t, err, ErrUnknownPayloadVersion)
}

func TestCreateInvitation_QuotaExceeded(t *testing.T) {
	h := newHarness(t, stubGate{full: true, limit: 1})
	ctx := context.Background()

	// One slot, already taken.
	require.NoError(t, h.supStore.InsertTrustEdge(ctx, &schema.TrustEdge{
		ID:                 "edge-1",
		SupervisorDeviceID: h.supervisor.ID,
		SupervisedDeviceID: "dev-existing",
		ShareScopeID:       "scope-existing",
		EstablishedAt:      h.clock,
	}))

	_, err := h.supMgr.CreateInvitation(ctx, h.supervisor, "")
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestConfirmAcceptances(t *testing.T) {
	h := newHarness(t, stubGate{full: true, limit: 5})
	ctx := context.Background()

	payload, err := h.supMgr.CreateInvitation(ctx, h.supervisor, "")
	require.NoError(t, err)

	// Nothing to confirm yet.
	created, err := h.supMgr.ConfirmAcceptances(ctx)
	require.NoError(t, err)
	assert.Empty(t, created)

	h.advance(2 * time.Minute)
	_, err = h.childMgr.AcceptInvitation(ctx, payload, h.child)
	require.NoError(t, err)

	// The supervisor's next pull records its side of the edge and
	// consumes the local invitation.
	created, err = h.supMgr.ConfirmAcceptances(ctx)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "dev-child", created[0].SupervisedDeviceID)

	inv, err := h.supStore.GetInvitation(ctx, payload.TokenID)
	require.NoError(t, err)
	assert.Equal(t, schema.InvitationAccepted, inv.Status)

	// Idempotent: a second pull creates nothing new.
	created, err = h.supMgr.ConfirmAcceptances(ctx)
	require.NoError(t, err)
	assert.Empty(t, created)

	paired, err := h.supMgr.Paired(ctx)
	require.NoError(t, err)
	assert.True(t, paired)
}

func TestRevoke(t *testing.T) {
	h := newHarness(t, stubGate{full: true, limit: 5})
	ctx := context.Background()

	payload, err := h.supMgr.CreateInvitation(ctx, h.supervisor, "")
	require.NoError(t, err)
	edge, err := h.childMgr.AcceptInvitation(ctx, payload, h.child)
	require.NoError(t, err)

	require.NoError(t, h.childMgr.Revoke(ctx, edge.ID))

	n, err := h.childStore.CountActiveEdgesForSupervised(ctx, h.child.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	// The local grant is gone...
	_, err = h.childStore.GetScopeHandle(ctx, edge.ShareScopeID)
	assert.ErrorIs(t, err, sql.ErrNoRows)

	// ...but the remote shared data is retained for the supervisor.
	scope, err := h.remote.AcceptShare(ctx, payload.ShareURL)
	require.NoError(t, err)
	records, err := h.remote.Query(ctx, scope, remote.Predicate{Collection: remote.CollectionDevices})
	require.NoError(t, err)
	assert.NotEmpty(t, records)

	// Revoking again is a no-op.
	require.NoError(t, h.childMgr.Revoke(ctx, edge.ID))
}

func TestRevocationPropagatesToCounterpart(t *testing.T) {
	h := newHarness(t, stubGate{full: true, limit: 5})
	ctx := context.Background()

	payload, err := h.supMgr.CreateInvitation(ctx, h.supervisor, "")
	require.NoError(t, err)
	_, err = h.childMgr.AcceptInvitation(ctx, payload, h.child)
	require.NoError(t, err)

	confirmed, err := h.supMgr.ConfirmAcceptances(ctx)
	require.NoError(t, err)
	require.Len(t, confirmed, 1)
	supEdge := confirmed[0]

	// The supervisor revokes; the supervised side picks the notice up on
	// its next pull.
	require.NoError(t, h.supMgr.Revoke(ctx, supEdge.ID))

	revoked, err := h.childMgr.HonorRemoteRevocations(ctx)
	require.NoError(t, err)
	require.Len(t, revoked, 1)

	n, err := h.childStore.CountActiveEdgesForSupervised(ctx, h.child.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Idempotent: a second pull finds no active edges to revoke.
	revoked, err = h.childMgr.HonorRemoteRevocations(ctx)
	require.NoError(t, err)
	assert.Empty(t, revoked)
}

func TestSweepExpired(t *testing.T) {
	h := newHarness(t, stubGate{full: true, limit: 5})
	ctx := context.Background()

	_, err := h.supMgr.CreateInvitation(ctx, h.supervisor, "")
	require.NoError(t, err)

	h.advance(11 * time.Minute)
	swept, err := h.supMgr.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	// Sweeping twice is harmless.
	swept, err = h.supMgr.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)
}
