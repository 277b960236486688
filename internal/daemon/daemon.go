// Package daemon composes the sync engine into the long-running agent
// behind `kin daemon`.
//
// The agent:
// 1. Schedules the periodic sync tiers (usage, config, presence,
//    entitlement, invitation sweep)
// 2. Watches the enforcement event spool and the remote wake channel
// 3. Drains the offline queue into the shared scopes
// 4. Serves the local status API with /healthz and /metrics
// 5. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/kinshipd/kinship/internal/config"
	"github.com/kinshipd/kinship/internal/entitlement"
	"github.com/kinshipd/kinship/internal/identity"
	"github.com/kinshipd/kinship/internal/pairing"
	"github.com/kinshipd/kinship/internal/queue"
	"github.com/kinshipd/kinship/internal/remote"
	"github.com/kinshipd/kinship/internal/scheduler"
	"github.com/kinshipd/kinship/internal/signal"
	"github.com/kinshipd/kinship/internal/store"
)

// Agent owns every long-lived component of the sync engine.
type Agent struct {
	config   *config.Config
	identity *identity.Identity
	store    *store.Store
	remote   remote.Store
	logger   *log.Logger

	pairing  *pairing.Manager
	queue    *queue.Manager
	verifier *entitlement.Verifier
	sched    *scheduler.Scheduler
	spool    *signal.SpoolWatcher
	wake     *signal.WakeListener
	status   *StatusServer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the agent together. All durable state (store, remote) is
// constructed by the caller and passed in; the agent builds the
// in-memory components on top.
func New(cfg *config.Config, id *identity.Identity, st *store.Store, rs remote.Store, logger *log.Logger) (*Agent, error) {
	if cfg == nil || id == nil || st == nil || rs == nil {
		return nil, fmt.Errorf("config, identity, store, and remote are all required")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	a := &Agent{
		config:   cfg,
		identity: id,
		store:    st,
		remote:   rs,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}

	pairedFn := func(ctx context.Context) (bool, error) {
		edges, err := st.ListActiveEdges(ctx)
		if err != nil {
			return false, err
		}
		return len(edges) > 0, nil
	}
	checker := entitlement.NewRemoteChecker(rs, a.entitlementScope)
	a.verifier = entitlement.New(st, checker, pairedFn, id.AccountID,
		log.New(logger.Writer(), "[entitlement] ", log.LstdFlags))

	a.pairing = pairing.New(st, rs, a.verifier,
		log.New(logger.Writer(), "[pairing] ", log.LstdFlags))

	a.queue = queue.New(st, rs, id.DeviceID,
		log.New(logger.Writer(), "[queue] ", log.LstdFlags))

	schedConfig := scheduler.DefaultConfig()
	schedConfig.RunBudget = cfg.Sync.RunBudget
	schedConfig.TriggerThrottle = cfg.Sync.TriggerThrottle
	schedConfig.Logger = log.New(logger.Writer(), "[scheduler] ", log.LstdFlags)
	a.sched = scheduler.New(st, schedConfig)

	if err := a.registerTasks(); err != nil {
		cancel()
		return nil, err
	}

	spoolConfig := signal.DefaultSpoolConfig()
	spoolConfig.Logger = log.New(logger.Writer(), "[signal] ", log.LstdFlags)
	spool, err := signal.NewSpoolWatcher(cfg.Spool.Dir, a.sched, a.IngestUsage, spoolConfig)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create spool watcher: %w", err)
	}
	a.spool = spool

	if cfg.Wake.URL != "" {
		wakeConfig := signal.DefaultWakeConfig()
		wakeConfig.Logger = log.New(logger.Writer(), "[wake] ", log.LstdFlags)
		wake, err := signal.NewWakeListener(cfg.Wake.URL, a.sched, wakeConfig)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create wake listener: %w", err)
		}
		a.wake = wake
	}

	statusConfig := DefaultStatusConfig()
	statusConfig.Addr = cfg.Status.Addr
	statusConfig.Logger = log.New(logger.Writer(), "[status] ", log.LstdFlags)
	a.status = NewStatusServer(a.Snapshot, statusConfig)

	return a, nil
}

// registerTasks builds the five scheduler tiers.
func (a *Agent) registerTasks() error {
	tasks := []*scheduler.Task{
		{
			ID:       scheduler.TaskUsageUpload,
			Interval: a.config.Sync.UsageUploadInterval,
			Triggers: []scheduler.TriggerKind{
				scheduler.TriggerThresholdCrossed,
				scheduler.TriggerEnforcementChange,
				scheduler.TriggerRemoteWake,
			},
			Run: a.runUsageUpload,
		},
		{
			ID:       scheduler.TaskConfigPull,
			Interval: a.config.Sync.ConfigPullInterval,
			Triggers: []scheduler.TriggerKind{
				scheduler.TriggerRemoteWake,
				scheduler.TriggerForeground,
			},
			Run: a.runConfigPull,
		},
		{
			ID:       scheduler.TaskPresenceRefresh,
			Interval: a.config.Sync.PresenceRefreshInterval,
			Run:      a.runPresenceRefresh,
		},
		{
			ID:       scheduler.TaskEntitlementCheck,
			Interval: a.config.Sync.EntitlementCheckInterval,
			Run:      a.runEntitlementCheck,
		},
		{
			ID:       scheduler.TaskInvitationSweep,
			Interval: a.config.Sync.InvitationSweepInterval,
			Local:    true,
			Run:      a.runInvitationSweep,
		},
	}
	for _, t := range tasks {
		if err := a.sched.Register(t); err != nil {
			return fmt.Errorf("failed to register task %s: %w", t.ID, err)
		}
	}
	return nil
}

// Start runs the agent until ctx is cancelled.
func (a *Agent) Start(ctx context.Context) error {
	a.logger.Printf("Starting agent (device %s, role %s)", a.identity.DeviceID, a.identity.Role)

	if err := a.status.Start(); err != nil {
		return fmt.Errorf("failed to start status server: %w", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.spool.Start(a.ctx); err != nil {
			a.logger.Printf("Spool watcher exited: %v", err)
		}
	}()

	if a.wake != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.wake.Start(a.ctx); err != nil {
				a.logger.Printf("Wake listener exited: %v", err)
			}
		}()
	}

	err := a.sched.Start(ctx)

	if stopErr := a.Stop(); stopErr != nil {
		a.logger.Printf("Error during shutdown: %v", stopErr)
	}
	return err
}

// Stop shuts everything down and waits.
func (a *Agent) Stop() error {
	a.logger.Println("Stopping agent")
	a.cancel()
	a.sched.Stop()
	if err := a.status.Stop(); err != nil {
		a.logger.Printf("Error stopping status server: %v", err)
	}
	a.wg.Wait()
	a.logger.Println("Agent stopped")
	return nil
}

// Pairing exposes the pairing manager for the CLI.
func (a *Agent) Pairing() *pairing.Manager { return a.pairing }

// Queue exposes the offline queue for the CLI.
func (a *Agent) Queue() *queue.Manager { return a.queue }

// Scheduler exposes the scheduler for manual `kin sync` runs.
func (a *Agent) Scheduler() *scheduler.Scheduler { return a.sched }

// Verifier exposes the entitlement verifier.
func (a *Agent) Verifier() *entitlement.Verifier { return a.verifier }

// Store exposes the local store for read-side CLI commands.
func (a *Agent) Store() *store.Store { return a.store }

// Identity returns the device identity the agent runs as.
func (a *Agent) Identity() *identity.Identity { return a.identity }

// entitlementScope resolves the scope the entitlement record lives in:
// the first active edge's shared scope.
func (a *Agent) entitlementScope(ctx context.Context) (remote.ScopeHandle, error) {
	edges, err := a.store.ListActiveEdges(ctx)
	if err != nil {
		return remote.ScopeHandle{}, err
	}
	if len(edges) == 0 {
		return remote.ScopeHandle{}, fmt.Errorf("no active pairing")
	}
	return a.store.GetScopeHandle(ctx, edges[0].ShareScopeID)
}

// Snapshot builds the current status view.
func (a *Agent) Snapshot(ctx context.Context) (*Snapshot, error) {
	edges, err := a.store.ListActiveEdges(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}
	depth, err := a.queue.Depth(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue depth: %w", err)
	}
	stuck, err := a.queue.Stuck(ctx, 5)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck items: %w", err)
	}
	marks, err := a.sched.Marks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync marks: %w", err)
	}

	return &Snapshot{
		DeviceID:    a.identity.DeviceID,
		DisplayName: a.identity.DisplayName,
		Role:        a.identity.Role,
		Paired:      len(edges) > 0,
		ActiveEdges: len(edges),
		QueueDepth:  depth,
		StuckItems:  len(stuck),
		Marks:       marks,
		Entitlement: a.verifier.State(),
		GeneratedAt: time.Now().UTC(),
	}, nil
}
