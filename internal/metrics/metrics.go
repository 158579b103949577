package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session Metrics
var (
	// SessionsTotal counts websocket sessions by how the handshake ended
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_sessions_total",
			Help: "Total websocket sessions by handshake outcome (joined, origin_rejected, path_invalid)",
		},
		[]string{"outcome"},
	)

	// ActiveSessions tracks sessions currently joined to a room
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Number of sessions currently joined to a room",
		},
	)

	// ActiveRooms tracks rooms with at least one member
	ActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_rooms",
			Help: "Number of rooms with at least one member",
		},
	)

	// SessionErrors counts sender-only error notifications by error kind
	SessionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_session_errors_total",
			Help: "Error notifications sent to senders by error kind",
		},
		[]string{"kind"},
	)
)

// Broadcast Metrics
var (
	// BroadcastsTotal counts broadcasts by notification type
	BroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_broadcasts_total",
			Help: "Broadcasts issued by notification type",
		},
		[]string{"type"},
	)

	// DeliveriesTotal counts per-member deliveries by result
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Per-connection deliveries by result (delivered, failed)",
		},
		[]string{"result"},
	)

	// EvictionsTotal counts members removed because delivery failed
	EvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_evictions_total",
			Help: "Connections evicted from rooms after a failed delivery",
		},
	)
)

// Mutation Metrics
var (
	// MutationsTotal counts processed actions by type and result kind
	MutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_mutations_total",
			Help: "Comment mutations by action and result (ok or error kind)",
		},
		[]string{"action", "result"},
	)

	// MutationDuration tracks time spent applying a mutation, including store calls
	MutationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_mutation_duration_seconds",
			Help:    "Comment mutation latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"action"},
	)
)
