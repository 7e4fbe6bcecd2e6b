package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agenthub_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agenthub_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Routing metrics
	MessagesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agenthub_messages_appended_total",
			Help: "Total messages durably appended",
		},
		[]string{"destination"}, // "channel" or "direct"
	)

	PushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agenthub_pushes_total",
			Help: "Total live push attempts",
		},
		[]string{"result"}, // "ok", "failed", "stale"
	)

	StoredOnly = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agenthub_stored_only_total",
			Help: "Total messages persisted with no reachable live recipient",
		},
	)

	// Connection metrics
	AgentsOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agenthub_agents_online",
			Help: "Agents with a live connection",
		},
	)

	UISubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agenthub_ui_subscribers",
			Help: "UI clients with a live feed",
		},
	)

	HeartbeatTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agenthub_heartbeat_timeouts_total",
			Help: "Connections closed after missed pongs",
		},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agenthub_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)
)
