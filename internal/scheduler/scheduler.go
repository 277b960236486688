// Package scheduler drives the periodic sync work.
//
// Tasks are grouped into frequency tiers (usage uploads every 15 minutes,
// config pulls every 30, entitlement checks daily) and can additionally
// be pulled forward by events such as an enforcement change or a remote
// wake. Every run is bounded by a wall-clock budget and records a
// high-water mark so the status surface can show sync staleness.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/kinshipd/kinship/internal/metrics"
	"github.com/kinshipd/kinship/internal/schema"
	"github.com/kinshipd/kinship/internal/store"
)

// TriggerKind names an event that pulls sync work forward.
type TriggerKind string

const (
	// TriggerEnforcementChange fires when a rule starts or stops applying
	// locally. The other side wants to see the effect quickly.
	TriggerEnforcementChange TriggerKind = "enforcement_change"
	// TriggerThresholdCrossed fires when a usage threshold is crossed.
	TriggerThresholdCrossed TriggerKind = "threshold_crossed"
	// TriggerRemoteWake fires when the counterpart device requests a sync.
	TriggerRemoteWake TriggerKind = "remote_wake"
	// TriggerForeground fires when the supervising app comes to the
	// foreground and wants fresh data.
	TriggerForeground TriggerKind = "foreground"
)

// Task is one schedulable unit of sync work.
type Task struct {
	// ID keys the task's sync mark. Stable across restarts.
	ID string

	// Interval is the task's periodic tier.
	Interval time.Duration

	// Local marks tasks that do not need the network (for example the
	// invitation sweep). Local tasks run even while offline.
	Local bool

	// Triggers lists the event kinds that pull this task forward.
	Triggers []TriggerKind

	// Run does the work. It must respect ctx cancellation; the scheduler
	// imposes the run budget through ctx.
	Run func(ctx context.Context) error
}

// Canonical task IDs. Registered tasks may use others, but the daemon
// wires these five.
const (
	TaskUsageUpload      = "usage_upload"
	TaskConfigPull       = "config_pull"
	TaskPresenceRefresh  = "presence_refresh"
	TaskEntitlementCheck = "entitlement_check"
	TaskInvitationSweep  = "invitation_sweep"
)

// Config holds scheduler tuning knobs.
type Config struct {
	// RunBudget bounds one task run. Runs that exceed it are cancelled
	// through their context and counted as failures.
	RunBudget time.Duration

	// TriggerThrottle is the minimum spacing between runs caused by the
	// same trigger kind. Bursts collapse to one run.
	TriggerThrottle time.Duration

	// Online reports current connectivity. Non-local tasks are skipped
	// (and rescheduled) while offline.
	Online func() bool

	// Logger for scheduler activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RunBudget:       25 * time.Second,
		TriggerThrottle: 30 * time.Second,
		Online:          func() bool { return true },
		Logger:          log.New(os.Stderr, "[scheduler] ", log.LstdFlags),
	}
}

// Scheduler runs registered tasks on their tiers and on demand.
type Scheduler struct {
	store  *store.Store
	config *Config

	tasks  []*Task
	byID   map[string]*Task
	byTrig map[TriggerKind][]*Task

	lastTriggerMu sync.Mutex
	lastTrigger   map[TriggerKind]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// New creates a scheduler with no tasks registered.
func New(st *store.Store, config *Config) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:       st,
		config:      config,
		byID:        make(map[string]*Task),
		byTrig:      make(map[TriggerKind][]*Task),
		lastTrigger: make(map[TriggerKind]time.Time),
		ctx:         ctx,
		cancel:      cancel,
		now:         time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Register adds a task. Must be called before Start.
func (s *Scheduler) Register(t *Task) error {
	if t.ID == "" {
		return fmt.Errorf("task ID cannot be empty")
	}
	if t.Run == nil {
		return fmt.Errorf("task %s has no run function", t.ID)
	}
	if t.Interval <= 0 {
		return fmt.Errorf("task %s has non-positive interval", t.ID)
	}
	if _, dup := s.byID[t.ID]; dup {
		return fmt.Errorf("task %s registered twice", t.ID)
	}
	s.tasks = append(s.tasks, t)
	s.byID[t.ID] = t
	for _, kind := range t.Triggers {
		s.byTrig[kind] = append(s.byTrig[kind], t)
	}
	return nil
}

// Start launches one ticker loop per registered task and blocks until
// ctx is cancelled. Each task also runs once immediately so a freshly
// started daemon converges without waiting out a full tier interval.
func (s *Scheduler) Start(ctx context.Context) error {
	s.config.Logger.Printf("Starting scheduler with %d tasks", len(s.tasks))

	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.runLoop(t)
	}

	select {
	case <-ctx.Done():
		return s.Stop()
	case <-s.ctx.Done():
		return nil
	}
}

// Stop cancels all task loops and waits for in-flight runs.
func (s *Scheduler) Stop() error {
	s.config.Logger.Println("Stopping scheduler")
	s.cancel()
	s.wg.Wait()
	return nil
}

// runLoop runs one task on its tier until shutdown.
func (s *Scheduler) runLoop(t *Task) {
	defer s.wg.Done()

	s.RunTask(t.ID)

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.RunTask(t.ID)
		}
	}
}

// RunTask executes one task by ID, honoring the connectivity gate and
// the run budget, and records its sync mark. The error reflects the
// run; a skipped (offline) run returns nil without touching the mark.
func (s *Scheduler) RunTask(id string) error {
	t, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("unknown task %s", id)
	}

	if !t.Local && !s.config.Online() {
		s.config.Logger.Printf("Skipping %s: offline", t.ID)
		return nil
	}

	runCtx, cancel := context.WithTimeout(s.ctx, s.config.RunBudget)
	defer cancel()

	started := s.now()

	// The run happens on its own goroutine so a body that ignores ctx
	// cannot hold the task loop past the budget. At the deadline the run
	// completes as a failure and the straggler is abandoned.
	done := make(chan error, 1)
	go func() { done <- t.Run(runCtx) }()

	var err error
	select {
	case err = <-done:
	case <-runCtx.Done():
		err = fmt.Errorf("task %s exceeded its run budget: %w", t.ID, runCtx.Err())
	}
	if err != nil {
		s.config.Logger.Printf("Task %s failed: %v", t.ID, err)
		metrics.SyncRuns.WithLabelValues(t.ID, "failure").Inc()
	} else {
		metrics.SyncRuns.WithLabelValues(t.ID, "success").Inc()
	}

	mark := &schema.SyncMark{
		TaskID:    t.ID,
		LastRunAt: started.UTC(),
	}
	if err == nil {
		at := started.UTC()
		mark.LastSuccessAt = &at
	} else {
		mark.LastError = err.Error()
	}
	if merr := s.store.PutSyncMark(context.Background(), mark); merr != nil {
		s.config.Logger.Printf("Warning: failed to record sync mark for %s: %v", t.ID, merr)
	}

	return err
}

// RunAll runs every registered task once, in registration order.
// Failures are logged and do not stop later tasks.
func (s *Scheduler) RunAll() {
	for _, t := range s.tasks {
		s.RunTask(t.ID)
	}
}

// Trigger pulls forward every task subscribed to kind. Runs caused by
// the same kind are throttled: a second trigger within the throttle
// window is coalesced into the run it just missed and Trigger reports
// false. Runs happen on the caller's goroutine.
func (s *Scheduler) Trigger(kind TriggerKind) bool {
	now := s.now()

	s.lastTriggerMu.Lock()
	if last, ok := s.lastTrigger[kind]; ok && now.Sub(last) < s.config.TriggerThrottle {
		s.lastTriggerMu.Unlock()
		s.config.Logger.Printf("Throttled trigger %s", kind)
		metrics.SyncTriggers.WithLabelValues(string(kind), "throttled").Inc()
		return false
	}
	s.lastTrigger[kind] = now
	s.lastTriggerMu.Unlock()

	tasks := s.byTrig[kind]
	if len(tasks) == 0 {
		return false
	}

	s.config.Logger.Printf("Trigger %s: running %d tasks", kind, len(tasks))
	metrics.SyncTriggers.WithLabelValues(string(kind), "ran").Inc()
	for _, t := range tasks {
		s.RunTask(t.ID)
	}
	return true
}

// Marks returns the recorded sync marks for the status surface.
func (s *Scheduler) Marks(ctx context.Context) ([]*schema.SyncMark, error) {
	return s.store.ListSyncMarks(ctx)
}
