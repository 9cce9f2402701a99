package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirechat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wirechat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Connection metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wirechat_connections_active",
			Help: "Currently open realtime connections",
		},
	)

	GateRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirechat_gate_rejections_total",
			Help: "Connection attempts rejected before upgrade",
		},
		[]string{"reason"},
	)

	FloodDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wirechat_flood_drops_total",
			Help: "Inbound events dropped by the per-connection flood guard",
		},
	)

	// Pipeline metrics
	PipelineOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirechat_pipeline_outcomes_total",
			Help: "Send and continue outcomes by result code",
		},
		[]string{"operation", "outcome"}, // outcome is "ok" or an error code
	)

	BackendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wirechat_backend_latency_seconds",
			Help:    "Generation backend call latency",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"operation", "outcome"},
	)

	BroadcastDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wirechat_broadcast_drops_total",
			Help: "Events dropped because a subscriber was not draining its queue",
		},
	)

	// Infrastructure metrics
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirechat_cache_errors_total",
			Help: "Session store operations that failed",
		},
		[]string{"op"},
	)
)
