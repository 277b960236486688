// Package entitlement verifies the supervising account's subscription
// and gates device-limit decisions.
//
// The verifier is deliberately lenient in the short term and strict in
// the long term: a network blip must not lock a paying family out, so a
// cached verification is honored for up to seven days; but indefinite
// disconnection must not become a permanent free tier, so beyond the
// grace window the verifier fails closed.
package entitlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/kinshipd/kinship/internal/metrics"
	"github.com/kinshipd/kinship/internal/schema"
	"github.com/kinshipd/kinship/internal/store"
)

// ErrStaleEntitlement is returned when no fresh verification is possible
// and the cached result has aged out of the grace window. Soft inside
// the window (the cached value is served), hard after it.
var ErrStaleEntitlement = errors.New("entitlement: cached verification is stale beyond the grace window")

// Checker performs the actual remote entitlement lookup.
type Checker interface {
	// Check returns the account's current subscription state. Failures
	// are treated as transient; the verifier falls back to its cache.
	Check(ctx context.Context, accountID string) (*schema.SubscriptionState, error)
}

// PairedFunc reports whether this device holds any active trust edge.
// Before the first pairing the verifier serves an unrestricted default.
type PairedFunc func(ctx context.Context) (bool, error)

// Verifier caches subscription state and answers access-gate questions
// without touching the network.
type Verifier struct {
	mu        sync.Mutex
	store     *store.Store
	checker   Checker
	paired    PairedFunc
	accountID string
	logger    *log.Logger

	// cached mirrors the store row for lock-cheap gate reads.
	cached *schema.SubscriptionState

	now func() time.Time
}

// New creates a verifier. If logger is nil a default logger writing to
// stderr is used.
func New(st *store.Store, checker Checker, paired PairedFunc, accountID string, logger *log.Logger) *Verifier {
	if logger == nil {
		logger = log.New(os.Stderr, "[entitlement] ", log.LstdFlags)
	}
	return &Verifier{
		store:     st,
		checker:   checker,
		paired:    paired,
		accountID: accountID,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (v *Verifier) SetClock(now func() time.Time) {
	v.now = now
}

// Verify refreshes the subscription state.
//
// Never paired: returns the unrestricted default without a network call.
// Paired: performs the remote check; on success the result is cached
// durably. On failure the cached value is served if it is within the
// seven-day grace window (status downgraded to grace); beyond the window
// Verify fails closed with ErrStaleEntitlement.
func (v *Verifier) Verify(ctx context.Context) (*schema.SubscriptionState, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()

	isPaired, err := v.paired(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to determine pairing state: %w", err)
	}
	if !isPaired {
		state := schema.Unrestricted(now)
		v.cached = &state
		metrics.SetBool(metrics.EntitlementFullAccess, true)
		return &state, nil
	}

	state, err := v.checker.Check(ctx, v.accountID)
	if err == nil {
		state.LastVerifiedAt = now.UTC()
		if perr := v.store.PutSubscriptionState(ctx, state); perr != nil {
			v.logger.Printf("Warning: failed to cache subscription state: %v", perr)
		}
		v.cached = state
		metrics.SetBool(metrics.EntitlementFullAccess, state.FullAccess())
		return state, nil
	}

	v.logger.Printf("Entitlement check failed, falling back to cache: %v", err)

	cached, loadErr := v.loadCached(ctx)
	if loadErr != nil {
		return nil, fmt.Errorf("entitlement check failed and no cached state exists: %w", err)
	}

	if cached.WithinGrace(now) {
		served := *cached
		if served.Status == schema.StatusActive || served.Status == schema.StatusTrial {
			served.Status = schema.StatusGrace
		}
		v.cached = &served
		metrics.SetBool(metrics.EntitlementFullAccess, served.FullAccess())
		return &served, nil
	}

	// Grace exhausted: fail closed so long-term offline cannot bypass
	// the subscription gate.
	closed := *cached
	closed.Status = schema.StatusExpired
	v.cached = &closed
	metrics.SetBool(metrics.EntitlementFullAccess, false)
	return &closed, ErrStaleEntitlement
}

// HasFullAccess answers from cache and never blocks on the network.
// With no cache at all it errs on the side of the unpaired default.
func (v *Verifier) HasFullAccess() bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	state := v.cachedOrLoad()
	if state == nil {
		return true
	}
	if !state.WithinGrace(v.now()) {
		return false
	}
	return state.FullAccess()
}

// DeviceLimit returns the subscription's device cap from cache.
func (v *Verifier) DeviceLimit() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	state := v.cachedOrLoad()
	if state == nil {
		return schema.Unrestricted(v.now()).DeviceLimit
	}
	return state.DeviceLimit
}

// State returns the cached state for the status view, or nil if nothing
// has ever been verified.
func (v *Verifier) State() *schema.SubscriptionState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cachedOrLoad()
}

// cachedOrLoad returns the in-memory state, falling back to the durable
// cache. Callers hold the lock.
func (v *Verifier) cachedOrLoad() *schema.SubscriptionState {
	if v.cached != nil {
		return v.cached
	}
	state, err := v.loadCached(context.Background())
	if err != nil {
		return nil
	}
	v.cached = state
	return state
}

func (v *Verifier) loadCached(ctx context.Context) (*schema.SubscriptionState, error) {
	state, err := v.store.GetSubscriptionState(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load cached subscription state: %w", err)
	}
	return state, nil
}
