// Package pairing implements the trust-establishment state machine
// between a supervising and a supervised device.
//
// An invitation moves through
//
//	created → awaiting_acceptance → accepted | expired | revoked
//
// and is strictly single-use. Acceptance enforces, in order: payload
// version, TTL, single-use, distinct accounts, the two-supervisor cap on
// the accepting device, and the verification token. Remote writes happen
// before local consumption, so a remote failure never leaves partial
// local state behind.
//
// Each side of a pairing keeps its own view: the supervisor creates the
// invitation and later confirms acceptance from the shared scope; the
// supervised device accepts and records its own trust edge immediately.
package pairing

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kinshipd/kinship/internal/metrics"
	"github.com/kinshipd/kinship/internal/remote"
	"github.com/kinshipd/kinship/internal/schema"
	"github.com/kinshipd/kinship/internal/store"
)

// EntitlementGate is the slice of the subscription verifier pairing
// consults before allocating device slots. Implementations answer from
// cache; the gate never blocks on the network.
type EntitlementGate interface {
	HasFullAccess() bool
	DeviceLimit() int
}

// Manager is the pairing state machine. All state mutation is serialized
// behind one mutex; callers queue rather than race. Throughput is not a
// concern at pairing frequency.
type Manager struct {
	mu     sync.Mutex
	store  *store.Store
	remote remote.Store
	gate   EntitlementGate
	logger *log.Logger

	now func() time.Time
}

// New creates a pairing manager. If logger is nil a default logger
// writing to stderr is used.
func New(st *store.Store, rs remote.Store, gate EntitlementGate, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stderr, "[pairing] ", log.LstdFlags)
	}
	return &Manager{
		store:  st,
		remote: rs,
		gate:   gate,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// scopeInvitation is the invitation's mirror inside the shared scope.
// The accepting device validates against this record and flips its
// status, which is how single-use survives two independent local stores.
type scopeInvitation struct {
	SessionID          string     `json:"session_id"`
	Token              string     `json:"token"`
	SupervisorDeviceID string     `json:"supervisor_device_id"`
	SupervisorAccount  string     `json:"supervisor_account"`
	FamilyID           string     `json:"family_id,omitempty"`
	Status             string     `json:"status"`
	ExpiresAt          time.Time  `json:"expires_at"`
	AcceptedBy         string     `json:"accepted_by,omitempty"`
	AcceptedName       string     `json:"accepted_name,omitempty"`
	AcceptedAccount    string     `json:"accepted_account,omitempty"`
	AcceptedAt         *time.Time `json:"accepted_at,omitempty"`
}

// CreateInvitation allocates a shared scope and returns the wire payload
// to hand to the device being paired.
//
// The supervisor's active trust edges are counted BEFORE the scope is
// allocated: checking after would let two concurrent creations race past
// the subscription device limit.
func (m *Manager) CreateInvitation(ctx context.Context, supervisor *schema.Device, familyID string) (*Payload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if supervisor.Role != schema.RoleSupervisor {
		return nil, fmt.Errorf("only a supervisor device can create invitations (role %q)", supervisor.Role)
	}

	// Opportunistic sweep; a stale invitation lingering briefly is
	// harmless, so no dedicated timer exists for this.
	if swept, err := m.store.SweepExpiredInvitations(ctx, m.now()); err != nil {
		m.logger.Printf("Warning: invitation sweep failed: %v", err)
	} else if swept > 0 {
		m.logger.Printf("Swept %d expired invitation(s)", swept)
	}

	edges, err := m.store.CountActiveEdgesForSupervisor(ctx, supervisor.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count trust edges: %w", err)
	}
	if limit := m.gate.DeviceLimit(); edges >= limit {
		return nil, fmt.Errorf("%w: %d of %d device slots in use", ErrQuotaExceeded, edges, limit)
	}

	sessionID := uuid.NewString()
	token, err := randomToken(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate verification token: %w", err)
	}

	scope, err := m.remote.CreateSharedScope(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate shared scope: %w", err)
	}
	if err := m.store.PutScopeHandle(ctx, scope); err != nil {
		return nil, fmt.Errorf("failed to persist scope handle: %w", err)
	}

	now := m.now().UTC()
	inv := &schema.Invitation{
		SessionID:          sessionID,
		VerificationToken:  token,
		SupervisorDeviceID: supervisor.ID,
		SupervisorAccount:  supervisor.AccountID,
		ShareReference:     scope.ShareRef,
		FamilyID:           familyID,
		Status:             schema.InvitationAwaiting,
		CreatedAt:          now,
		ExpiresAt:          now.Add(schema.InvitationTTL),
	}

	// Mirror into the shared scope first: the acceptor validates against
	// this record, and a failure here must not leave a local invitation
	// that can never be accepted.
	if err := m.writeScopeInvitation(ctx, scope, &scopeInvitation{
		SessionID:          sessionID,
		Token:              token,
		SupervisorDeviceID: supervisor.ID,
		SupervisorAccount:  supervisor.AccountID,
		FamilyID:           familyID,
		Status:             string(schema.InvitationAwaiting),
		ExpiresAt:          inv.ExpiresAt,
	}); err != nil {
		return nil, fmt.Errorf("failed to publish invitation: %w", err)
	}

	if err := m.store.PutInvitation(ctx, inv); err != nil {
		return nil, fmt.Errorf("failed to persist invitation: %w", err)
	}

	metrics.PairingEvents.WithLabelValues("created").Inc()
	m.logger.Printf("Created invitation %s (expires %s)", sessionID, inv.ExpiresAt.Format(time.RFC3339))

	return &Payload{
		Version:         PayloadVersion,
		TokenID:         sessionID,
		ValidationToken: token,
		ShareURL:        scope.ShareRef,
		ParentDeviceID:  supervisor.ID,
		AccountID:       supervisor.AccountID,
		FamilyID:        familyID,
		ExpiresAt:       inv.ExpiresAt.Format(time.RFC3339),
	}, nil
}

// AcceptInvitation runs on the supervised device. Validation order is
// fixed; each rejection maps to one sentinel error. On success the
// device's presence record and the consumed invitation land in the
// shared scope before any local state is written.
func (m *Manager) AcceptInvitation(ctx context.Context, p *Payload, accepting *schema.Device) (*schema.TrustEdge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.Version != PayloadVersion {
		return nil, fmt.Errorf("%w: got %d", ErrUnknownPayloadVersion, p.Version)
	}

	expiry, err := p.Expiry()
	if err != nil {
		return nil, err
	}
	now := m.now()
	if !now.Before(expiry) {
		return nil, ErrInvitationExpired
	}

	// Redeem the share to reach the invitation's authoritative record.
	scope, err := m.remote.AcceptShare(ctx, p.ShareURL)
	if err != nil {
		return nil, fmt.Errorf("failed to accept share: %w", err)
	}

	scopeInv, err := m.readScopeInvitation(ctx, scope, p.TokenID)
	if err != nil {
		return nil, err
	}

	// The scope record carries the authoritative expiry; the payload
	// copy above is only a pre-network check and is not trusted.
	if !now.Before(scopeInv.ExpiresAt) {
		return nil, ErrInvitationExpired
	}

	if scopeInv.Status == string(schema.InvitationAccepted) {
		return nil, ErrInvitationAlreadyUsed
	}
	if scopeInv.Status != string(schema.InvitationAwaiting) && scopeInv.Status != string(schema.InvitationCreated) {
		return nil, fmt.Errorf("invitation is %s and cannot be accepted", scopeInv.Status)
	}

	if scopeInv.SupervisorAccount == accepting.AccountID {
		return nil, ErrSameAccountPairing
	}

	active, err := m.store.CountActiveEdgesForSupervised(ctx, accepting.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count trust edges: %w", err)
	}
	if active >= schema.MaxSupervisorsPerDevice {
		return nil, ErrMaxSupervisorsReached
	}

	if subtle.ConstantTimeCompare([]byte(scopeInv.Token), []byte(p.ValidationToken)) != 1 {
		return nil, ErrInvalidToken
	}

	// Remote writes first: presence, then the consumed invitation. A
	// failure at either point leaves no local trace, so the attempt can
	// simply be repeated.
	if err := m.writePresence(ctx, scope, accepting); err != nil {
		return nil, fmt.Errorf("failed to write presence record: %w", err)
	}

	acceptedAt := now.UTC()
	scopeInv.Status = string(schema.InvitationAccepted)
	scopeInv.AcceptedBy = accepting.ID
	scopeInv.AcceptedName = accepting.DisplayName
	scopeInv.AcceptedAccount = accepting.AccountID
	scopeInv.AcceptedAt = &acceptedAt
	if err := m.writeScopeInvitation(ctx, scope, scopeInv); err != nil {
		return nil, fmt.Errorf("failed to consume invitation: %w", err)
	}

	// Local state last.
	if err := m.store.PutScopeHandle(ctx, scope); err != nil {
		return nil, fmt.Errorf("failed to persist scope handle: %w", err)
	}
	edge := &schema.TrustEdge{
		ID:                 uuid.NewString(),
		SupervisorDeviceID: scopeInv.SupervisorDeviceID,
		SupervisedDeviceID: accepting.ID,
		ShareScopeID:       scope.ID,
		EstablishedAt:      acceptedAt,
	}
	if err := m.store.InsertTrustEdge(ctx, edge); err != nil {
		return nil, fmt.Errorf("failed to persist trust edge: %w", err)
	}

	accepting.SupervisorDeviceID = scopeInv.SupervisorDeviceID
	if err := m.store.UpsertDevice(ctx, accepting); err != nil {
		m.logger.Printf("Warning: failed to update device record: %v", err)
	}

	metrics.PairingEvents.WithLabelValues("accepted").Inc()
	m.logger.Printf("Accepted invitation %s from %s", p.TokenID, scopeInv.SupervisorDeviceID)
	return edge, nil
}

// ConfirmAcceptances runs on the supervisor. It checks each awaiting
// invitation's shared-scope record and, where the counterpart has
// accepted, records the supervisor-side trust edge and consumes the
// local invitation. Returns the edges created.
//
// Called from the scheduler's periodic pull; safe to call at any
// frequency.
func (m *Manager) ConfirmAcceptances(ctx context.Context) ([]*schema.TrustEdge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if swept, err := m.store.SweepExpiredInvitations(ctx, m.now()); err != nil {
		m.logger.Printf("Warning: invitation sweep failed: %v", err)
	} else if swept > 0 {
		m.logger.Printf("Swept %d expired invitation(s)", swept)
	}

	pending, err := m.store.ListConsumableInvitations(ctx)
	if err != nil {
		return nil, err
	}

	var created []*schema.TrustEdge
	for _, inv := range pending {
		edge, err := m.confirmOne(ctx, inv)
		if err != nil {
			// Transient pull failures are retried next cycle.
			m.logger.Printf("Could not confirm invitation %s: %v", inv.SessionID, err)
			continue
		}
		if edge != nil {
			created = append(created, edge)
		}
	}
	return created, nil
}

func (m *Manager) confirmOne(ctx context.Context, inv *schema.Invitation) (*schema.TrustEdge, error) {
	scope, err := m.scopeForShareRef(ctx, inv)
	if err != nil {
		return nil, err
	}

	scopeInv, err := m.readScopeInvitation(ctx, scope, inv.SessionID)
	if err != nil {
		return nil, err
	}
	if scopeInv.Status != string(schema.InvitationAccepted) || scopeInv.AcceptedBy == "" {
		return nil, nil // still awaiting
	}

	edge := &schema.TrustEdge{
		ID:                 uuid.NewString(),
		SupervisorDeviceID: inv.SupervisorDeviceID,
		SupervisedDeviceID: scopeInv.AcceptedBy,
		ShareScopeID:       scope.ID,
		EstablishedAt:      m.now().UTC(),
	}
	if scopeInv.AcceptedAt != nil {
		edge.EstablishedAt = *scopeInv.AcceptedAt
	}
	if err := m.store.InsertTrustEdge(ctx, edge); err != nil {
		return nil, fmt.Errorf("failed to persist trust edge: %w", err)
	}

	if _, err := m.store.UpdateInvitationStatus(ctx, inv.SessionID, inv.Status, schema.InvitationAccepted); err != nil {
		m.logger.Printf("Warning: failed to mark invitation %s accepted: %v", inv.SessionID, err)
	}

	m.logger.Printf("Invitation %s accepted by %s", inv.SessionID, scopeInv.AcceptedBy)
	return edge, nil
}

// Revoke applies the terminal transition to a trust edge and drops the
// local grant for its shared scope. The remote shared data is retained:
// the supervisor keeps history.
func (m *Manager) Revoke(ctx context.Context, edgeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	edge, err := m.store.GetTrustEdge(ctx, edgeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("trust edge %s not found", edgeID)
		}
		return fmt.Errorf("failed to load trust edge: %w", err)
	}
	if !edge.Active() {
		return nil // already revoked, idempotent
	}

	// Tell the counterpart before forgetting how to reach it. If the
	// notice cannot land the revocation fails and the operator retries;
	// a silently one-sided unpair would leave the other device syncing
	// into the void.
	if scope, err := m.store.GetScopeHandle(ctx, edge.ShareScopeID); err == nil {
		if err := m.writeRevocationNotice(ctx, scope, edge); err != nil {
			return fmt.Errorf("failed to publish revocation: %w", err)
		}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to load scope handle: %w", err)
	}

	if err := m.store.RevokeTrustEdge(ctx, edgeID, m.now().UTC()); err != nil {
		return err
	}
	if err := m.store.DeleteScopeHandle(ctx, edge.ShareScopeID); err != nil {
		m.logger.Printf("Warning: failed to drop scope handle %s: %v", edge.ShareScopeID, err)
	}

	metrics.PairingEvents.WithLabelValues("revoked").Inc()
	m.logger.Printf("Revoked trust edge %s", edgeID)
	return nil
}

// SweepExpired transitions stale invitations. Harmless if late; the
// scheduler runs it hourly and creation sweeps opportunistically too.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.SweepExpiredInvitations(ctx, m.now())
}

// ActiveEdges returns the non-revoked trust edges this device holds.
func (m *Manager) ActiveEdges(ctx context.Context) ([]*schema.TrustEdge, error) {
	return m.store.ListActiveEdges(ctx)
}

// Paired reports whether at least one active trust edge exists. The
// scheduler gates all sync work on this.
func (m *Manager) Paired(ctx context.Context) (bool, error) {
	edges, err := m.store.ListActiveEdges(ctx)
	if err != nil {
		return false, err
	}
	return len(edges) > 0, nil
}

// revocationKey marks a scope as torn down. Both sides share the scope
// ID, so a fixed key suffices.
const revocationKey = "revocation"

// scopeRevocation is the teardown notice one side leaves for the other.
type scopeRevocation struct {
	ScopeID   string    `json:"scopeId"`
	RevokedBy string    `json:"revokedBy"`
	RevokedAt time.Time `json:"revokedAt"`
}

// HonorRemoteRevocations checks each active edge's scope for a teardown
// notice left by the counterpart and applies it locally: the edge is
// marked revoked and the grant dropped. Returns the edges revoked.
func (m *Manager) HonorRemoteRevocations(ctx context.Context) ([]*schema.TrustEdge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	edges, err := m.store.ListActiveEdges(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}

	var revoked []*schema.TrustEdge
	for _, edge := range edges {
		scope, err := m.store.GetScopeHandle(ctx, edge.ShareScopeID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return revoked, fmt.Errorf("failed to load scope handle: %w", err)
		}

		records, err := m.remote.Query(ctx, scope, remote.Predicate{
			Collection: remote.CollectionInvitations,
			Key:        revocationKey,
		})
		if err != nil {
			m.logger.Printf("Warning: revocation check for scope %s: %v", edge.ShareScopeID, err)
			continue
		}
		if len(records) == 0 {
			continue
		}

		if err := m.store.RevokeTrustEdge(ctx, edge.ID, m.now().UTC()); err != nil {
			return revoked, fmt.Errorf("failed to revoke edge %s: %w", edge.ID, err)
		}
		if err := m.store.DeleteScopeHandle(ctx, edge.ShareScopeID); err != nil {
			m.logger.Printf("Warning: failed to drop scope handle %s: %v", edge.ShareScopeID, err)
		}
		metrics.PairingEvents.WithLabelValues("revoked").Inc()
		m.logger.Printf("Honored remote revocation of edge %s", edge.ID)
		revoked = append(revoked, edge)
	}
	return revoked, nil
}

func (m *Manager) writeRevocationNotice(ctx context.Context, scope remote.ScopeHandle, edge *schema.TrustEdge) error {
	value, err := json.Marshal(&scopeRevocation{
		ScopeID:   edge.ShareScopeID,
		RevokedBy: edge.SupervisorDeviceID,
		RevokedAt: m.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal revocation notice: %w", err)
	}
	return m.remote.Write(ctx, scope, remote.Record{
		Collection: remote.CollectionInvitations,
		Key:        revocationKey,
		Value:      value,
		ModifiedAt: m.now().UTC(),
		WrittenBy:  edge.SupervisorDeviceID,
	})
}

// --- shared scope helpers ---

func (m *Manager) writeScopeInvitation(ctx context.Context, scope remote.ScopeHandle, inv *scopeInvitation) error {
	value, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("failed to marshal invitation record: %w", err)
	}
	return m.remote.Write(ctx, scope, remote.Record{
		Collection: remote.CollectionInvitations,
		Key:        inv.SessionID,
		Value:      value,
		ModifiedAt: m.now().UTC(),
		WrittenBy:  inv.SupervisorDeviceID,
	})
}

func (m *Manager) readScopeInvitation(ctx context.Context, scope remote.ScopeHandle, sessionID string) (*scopeInvitation, error) {
	records, err := m.remote.Query(ctx, scope, remote.Predicate{
		Collection: remote.CollectionInvitations,
		Key:        sessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read invitation record: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("invitation %s not found in shared scope", sessionID)
	}

	var inv scopeInvitation
	if err := json.Unmarshal(records[0].Value, &inv); err != nil {
		return nil, fmt.Errorf("failed to parse invitation record: %w", err)
	}
	return &inv, nil
}

func (m *Manager) writePresence(ctx context.Context, scope remote.ScopeHandle, dev *schema.Device) error {
	value, err := json.Marshal(dev)
	if err != nil {
		return fmt.Errorf("failed to marshal device record: %w", err)
	}
	return m.remote.Write(ctx, scope, remote.Record{
		Collection: remote.CollectionDevices,
		Key:        dev.ID,
		Value:      value,
		ModifiedAt: m.now().UTC(),
		WrittenBy:  dev.ID,
	})
}

// scopeForShareRef resolves the scope handle for an invitation this
// supervisor issued, by way of its own share reference.
func (m *Manager) scopeForShareRef(ctx context.Context, inv *schema.Invitation) (remote.ScopeHandle, error) {
	scope, err := m.remote.AcceptShare(ctx, inv.ShareReference)
	if err != nil {
		return remote.ScopeHandle{}, fmt.Errorf("failed to resolve share reference: %w", err)
	}
	return scope, nil
}

// randomToken returns n bytes of crypto/rand entropy, base64url-encoded.
func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
