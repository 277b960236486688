package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kinshipd/kinship/internal/schema"
)

// Snapshot is one status view of the agent, served over /api/status and
// pushed to websocket subscribers.
type Snapshot struct {
	DeviceID    string                    `json:"device_id"`
	DisplayName string                    `json:"display_name"`
	Role        string                    `json:"role"`
	Paired      bool                      `json:"paired"`
	ActiveEdges int                       `json:"active_edges"`
	QueueDepth  int                       `json:"queue_depth"`
	StuckItems  int                       `json:"stuck_items"`
	Marks       []*schema.SyncMark        `json:"marks"`
	Entitlement *schema.SubscriptionState `json:"entitlement,omitempty"`
	GeneratedAt time.Time                 `json:"generated_at"`
}

// StatusConfig holds status server configuration.
type StatusConfig struct {
	// Addr is the listen address. Loopback by default; the status API
	// carries family data and is not meant to leave the device.
	Addr string

	// PushInterval is how often connected websocket clients receive a
	// fresh snapshot.
	PushInterval time.Duration

	Logger *log.Logger
}

// DefaultStatusConfig returns sensible defaults.
func DefaultStatusConfig() *StatusConfig {
	return &StatusConfig{
		Addr:         "127.0.0.1:7077",
		PushInterval: 5 * time.Second,
		Logger:       log.New(os.Stderr, "[status] ", log.LstdFlags),
	}
}

// SnapshotFunc builds the current status view.
type SnapshotFunc func(ctx context.Context) (*Snapshot, error)

// StatusServer is the local HTTP surface: /healthz, /metrics,
// /api/status, and /ws for live snapshot pushes.
type StatusServer struct {
	snapshot SnapshotFunc
	config   *StatusConfig

	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStatusServer creates a status server.
func NewStatusServer(snapshot SnapshotFunc, config *StatusConfig) *StatusServer {
	if config == nil {
		config = DefaultStatusConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &StatusServer{
		snapshot: snapshot,
		config:   config,
		clients:  make(map[*websocket.Conn]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Addr returns the bound address, useful when Addr was ":0".
func (s *StatusServer) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// Start begins serving. Non-blocking.
func (s *StatusServer) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.pushLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.config.Logger.Printf("Status server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.config.Logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the server down.
func (s *StatusServer) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

func (s *StatusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

// pushLoop periodically sends a fresh snapshot to every subscriber.
func (s *StatusServer) pushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.pushSnapshot()
		}
	}
}

func (s *StatusServer) pushSnapshot() {
	s.clientsMu.RLock()
	n := len(s.clients)
	s.clientsMu.RUnlock()
	if n == 0 {
		return
	}

	snap, err := s.snapshot(s.ctx)
	if err != nil {
		s.config.Logger.Printf("Failed to build snapshot: %v", err)
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		s.config.Logger.Printf("Failed to marshal snapshot: %v", err)
		return
	}

	s.clientsMu.RLock()
	clients := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		clients = append(clients, conn)
	}
	s.clientsMu.RUnlock()

	for _, conn := range clients {
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		err := conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			s.removeClient(conn)
		}
	}
}

func (s *StatusServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.config.Logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()

	s.config.Logger.Printf("Status client connected (total: %d)", count)

	// Send an initial snapshot so the client doesn't wait a full push
	// interval for its first view.
	if snap, err := s.snapshot(r.Context()); err == nil {
		if data, err := json.Marshal(snap); err == nil {
			ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
			_ = conn.Write(ctx, websocket.MessageText, data)
			cancel()
		}
	}

	// Read loop: we ignore client frames but need the reads to learn
	// about disconnects.
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			break
		}
	}
	s.removeClient(conn)
}

func (s *StatusServer) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if s.clients[conn] {
		delete(s.clients, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	s.clientsMu.Unlock()
}
