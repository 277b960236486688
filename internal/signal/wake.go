package signal

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/coder/websocket"

	"github.com/kinshipd/kinship/internal/metrics"
	"github.com/kinshipd/kinship/internal/scheduler"
)

// WakeConfig holds wake listener tuning.
type WakeConfig struct {
	// ReconnectBackoff is the initial delay between reconnect attempts.
	// It doubles up to MaxBackoff.
	ReconnectBackoff time.Duration
	MaxBackoff       time.Duration

	Logger *log.Logger
}

// DefaultWakeConfig returns sensible defaults.
func DefaultWakeConfig() *WakeConfig {
	return &WakeConfig{
		ReconnectBackoff: time.Second,
		MaxBackoff:       time.Minute,
		Logger:           log.New(os.Stderr, "[wake] ", log.LstdFlags),
	}
}

// WakeListener holds a websocket open to the wake endpoint and converts
// every received frame into a remote-wake trigger. The frame's contents
// do not matter; the connection is a doorbell, not a data channel.
type WakeListener struct {
	url      string
	triggers Triggerer
	config   *WakeConfig
}

// NewWakeListener creates a listener for url.
func NewWakeListener(url string, triggers Triggerer, config *WakeConfig) (*WakeListener, error) {
	if url == "" {
		return nil, fmt.Errorf("wake URL cannot be empty")
	}
	if triggers == nil {
		return nil, fmt.Errorf("triggers cannot be nil")
	}
	if config == nil {
		config = DefaultWakeConfig()
	}
	return &WakeListener{url: url, triggers: triggers, config: config}, nil
}

// Start connects and listens until ctx is cancelled, reconnecting with
// exponential backoff on any failure.
func (l *WakeListener) Start(ctx context.Context) error {
	backoff := l.config.ReconnectBackoff

	for {
		connected, err := l.listenOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			// The last attempt held a healthy connection, so the next
			// drop starts the ladder over.
			backoff = l.config.ReconnectBackoff
		}
		if err != nil {
			l.config.Logger.Printf("Wake connection lost: %v (retrying in %v)", err, backoff)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > l.config.MaxBackoff {
			backoff = l.config.MaxBackoff
		}
	}
}

// listenOnce runs a single connection to completion. The bool reports
// whether a connection was established at all.
func (l *WakeListener) listenOnce(ctx context.Context) (bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, l.url, nil)
	cancel()
	if err != nil {
		return false, fmt.Errorf("failed to dial wake endpoint: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")

	metrics.WakeConnections.Inc()
	l.config.Logger.Printf("Connected to wake endpoint")

	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return true, err
		}
		l.triggers.Trigger(scheduler.TriggerRemoteWake)
	}
}
