package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whiteboard_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "whiteboard_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Session metrics
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "whiteboard_active_connections",
			Help: "Open live-channel connections",
		},
	)

	LiveEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whiteboard_live_events_total",
			Help: "Live-channel events received, by event name",
		},
		[]string{"event"},
	)

	Joins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whiteboard_joins_total",
			Help: "Room join attempts by channel and outcome",
		},
		[]string{"channel", "result"},
	)

	RoomsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "whiteboard_rooms_created_total",
			Help: "Rooms created",
		},
	)

	PersistFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whiteboard_persist_failures_total",
			Help: "Relayed edits whose durable write failed",
		},
		[]string{"op"},
	)

	// Store metrics
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "whiteboard_store_latency_seconds",
			Help:    "Content store operation latency including retries",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 20},
		},
		[]string{"op"},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whiteboard_store_errors_total",
			Help: "Content store operations that failed after retries",
		},
		[]string{"op"},
	)

	StoreRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whiteboard_store_retries_total",
			Help: "Content store attempts that were retried",
		},
		[]string{"op"},
	)

	// Sweeper metrics
	RoomsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "whiteboard_rooms_expired_total",
			Help: "Rooms deleted by the sweeper",
		},
	)

	RoomsCompressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "whiteboard_rooms_compressed_total",
			Help: "Idle rooms whose content was compressed",
		},
	)

	SweepFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "whiteboard_sweep_failures_total",
			Help: "Per-room sweep failures",
		},
	)
)
