// Package signal turns external events into sync triggers.
//
// Two sources feed the scheduler: a filesystem spool written by the
// on-device enforcement layer (rule changes, threshold crossings,
// foreground notifications) and a websocket wake channel the counterpart
// device uses to request an immediate sync.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kinshipd/kinship/internal/schema"
	"github.com/kinshipd/kinship/internal/scheduler"
)

// Event is one spool entry. The enforcement layer writes these as
// individual JSON files; the watcher consumes and deletes them.
type Event struct {
	// Kind is one of "enforcement_change", "threshold_crossed",
	// "foreground".
	Kind string `json:"kind"`

	DeviceID string    `json:"device_id"`
	At       time.Time `json:"at"`

	// Usage carries the crossing's usage record for threshold events so
	// the upload happens in the same sync the trigger causes.
	Usage *schema.UsageRecord `json:"usage,omitempty"`
}

// Triggerer receives the scheduler-facing side of an event.
type Triggerer interface {
	Trigger(kind scheduler.TriggerKind) bool
}

// UsageIngester accepts usage records extracted from spool events.
type UsageIngester func(ctx context.Context, rec *schema.UsageRecord) error

// SpoolConfig holds spool watcher tuning.
type SpoolConfig struct {
	// DebounceInterval batches rapid spool writes together.
	DebounceInterval time.Duration

	Logger *log.Logger
}

// DefaultSpoolConfig returns sensible defaults.
func DefaultSpoolConfig() *SpoolConfig {
	return &SpoolConfig{
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[signal] ", log.LstdFlags),
	}
}

// SpoolWatcher tails a spool directory of event files.
type SpoolWatcher struct {
	dir      string
	triggers Triggerer
	ingest   UsageIngester
	config   *SpoolConfig

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSpoolWatcher creates a watcher over dir. ingest may be nil when no
// usage pipeline is attached.
func NewSpoolWatcher(dir string, triggers Triggerer, ingest UsageIngester, config *SpoolConfig) (*SpoolWatcher, error) {
	if dir == "" {
		return nil, fmt.Errorf("spool dir cannot be empty")
	}
	if triggers == nil {
		return nil, fmt.Errorf("triggers cannot be nil")
	}
	if config == nil {
		config = DefaultSpoolConfig()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &SpoolWatcher{
		dir:         dir,
		triggers:    triggers,
		ingest:      ingest,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start drains any events already in the spool, then watches for new
// ones. Blocks until ctx is cancelled.
func (w *SpoolWatcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create spool dir: %w", err)
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch spool dir: %w", err)
	}

	w.config.Logger.Printf("Watching spool: %s", w.dir)

	if err := w.Drain(); err != nil {
		w.config.Logger.Printf("Warning: initial spool drain: %v", err)
	}

	w.wg.Add(2)
	go w.watchFileEvents()
	go w.processChangeQueue()

	select {
	case <-ctx.Done():
		return w.Stop()
	case <-w.ctx.Done():
		return nil
	}
}

// Stop shuts the watcher down and waits for its goroutines.
func (w *SpoolWatcher) Stop() error {
	w.cancel()
	if err := w.watcher.Close(); err != nil {
		w.config.Logger.Printf("Error closing watcher: %v", err)
	}
	w.wg.Wait()
	return nil
}

// Drain consumes every event file currently in the spool.
func (w *SpoolWatcher) Drain() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read spool dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		if err := w.consumeFile(path); err != nil {
			w.config.Logger.Printf("Error consuming %s: %v", path, err)
		}
	}
	return nil
}

func (w *SpoolWatcher) watchFileEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			w.changeQueueMu.Lock()
			w.changeQueue[event.Name] = time.Now()
			w.changeQueueMu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (w *SpoolWatcher) processChangeQueue() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.processPending()
		}
	}
}

func (w *SpoolWatcher) processPending() {
	w.changeQueueMu.Lock()
	now := time.Now()
	var ready []string
	for path, queuedAt := range w.changeQueue {
		if now.Sub(queuedAt) < w.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(w.changeQueue, path)
	}
	w.changeQueueMu.Unlock()

	for _, path := range ready {
		if err := w.consumeFile(path); err != nil {
			w.config.Logger.Printf("Error consuming %s: %v", path, err)
		}
	}
}

// consumeFile reads one spool file, dispatches it, and deletes it.
// A file that disappeared before we got to it is not an error.
func (w *SpoolWatcher) consumeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read event file: %w", err)
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		// A malformed file would be retried forever; move it aside.
		w.config.Logger.Printf("Malformed event file %s: %v", path, err)
		if renameErr := os.Rename(path, path+".bad"); renameErr != nil {
			w.config.Logger.Printf("Failed to quarantine %s: %v", path, renameErr)
		}
		return nil
	}

	if err := w.dispatch(&ev); err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove consumed event file: %w", err)
	}
	return nil
}

// dispatch maps a spool event onto a scheduler trigger, ingesting any
// attached usage record first so the triggered sync uploads it.
func (w *SpoolWatcher) dispatch(ev *Event) error {
	if ev.Usage != nil && w.ingest != nil {
		if err := w.ingest(w.ctx, ev.Usage); err != nil {
			return fmt.Errorf("failed to ingest usage record: %w", err)
		}
	}

	var kind scheduler.TriggerKind
	switch ev.Kind {
	case "enforcement_change":
		kind = scheduler.TriggerEnforcementChange
	case "threshold_crossed":
		kind = scheduler.TriggerThresholdCrossed
	case "foreground":
		kind = scheduler.TriggerForeground
	default:
		w.config.Logger.Printf("Ignoring unknown event kind %q", ev.Kind)
		return nil
	}

	w.triggers.Trigger(kind)
	return nil
}
