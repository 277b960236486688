// Package metrics exposes Prometheus instrumentation for the sync
// daemon. Everything registers on the default registry; the daemon
// serves it at /metrics on the status address.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth is the current number of items waiting in the offline
	// queue.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kinship",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Items currently waiting in the offline queue.",
	})

	// QueueFlushes counts flush attempts by outcome.
	QueueFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kinship",
		Subsystem: "queue",
		Name:      "flushes_total",
		Help:      "Offline queue flush attempts by result.",
	}, []string{"result"})

	// SyncRuns counts scheduler task runs by task and outcome.
	SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kinship",
		Subsystem: "sync",
		Name:      "runs_total",
		Help:      "Scheduler task runs by task ID and result.",
	}, []string{"task", "result"})

	// SyncTriggers counts event-driven sync triggers by kind, including
	// ones coalesced by the throttle.
	SyncTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kinship",
		Subsystem: "sync",
		Name:      "triggers_total",
		Help:      "Event triggers by kind and whether they ran or were throttled.",
	}, []string{"kind", "result"})

	// PairingEvents counts pairing state transitions.
	PairingEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kinship",
		Subsystem: "pairing",
		Name:      "events_total",
		Help:      "Pairing lifecycle events (created, accepted, expired, revoked, rejected).",
	}, []string{"event"})

	// EntitlementFullAccess reports whether the cached entitlement
	// currently grants full access (1) or not (0).
	EntitlementFullAccess = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kinship",
		Subsystem: "entitlement",
		Name:      "full_access",
		Help:      "1 when the cached entitlement grants full access.",
	})

	// WakeConnections counts remote wake websocket (re)connects.
	WakeConnections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kinship",
		Subsystem: "wake",
		Name:      "connections_total",
		Help:      "Remote wake websocket connections established.",
	})
)

// SetBool writes a boolean onto a 0/1 gauge.
func SetBool(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
	} else {
		g.Set(0)
	}
}
