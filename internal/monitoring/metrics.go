package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the console server.
var (
	// Connection metrics
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nexus_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nexus_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_connections_rejected_total",
		Help: "Total handshake rejections by reason",
	}, []string{"reason"})

	// Admission metrics
	RequestsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_requests_rejected_total",
		Help: "Total HTTP requests rejected by tier and reason",
	}, []string{"tier", "reason"})

	RequestsDelayed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nexus_requests_delayed_total",
		Help: "Total HTTP requests slowed down by the admission controller",
	})

	BlockedAddresses = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nexus_blocked_addresses",
		Help: "Current number of hard-blocked source addresses",
	})

	SuspiciousAddresses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nexus_suspicious_addresses_total",
		Help: "Total addresses flagged for auth-endpoint abuse",
	})

	// Message metrics
	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nexus_messages_sent_total",
		Help: "Total number of messages sent to clients",
	})

	MessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nexus_messages_received_total",
		Help: "Total number of messages received from clients",
	})

	RateLimitedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nexus_rate_limited_messages_total",
		Help: "Total real-time messages dropped by the per-connection limiter",
	})

	DroppedBroadcasts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_dropped_broadcasts_total",
		Help: "Total broadcast messages dropped by room and reason",
	}, []string{"room", "reason"})

	// Probe engine metrics
	ScansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nexus_scans_total",
		Help: "Total port scan jobs executed",
	})

	ScanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "nexus_scan_duration_seconds",
		Help:    "Port scan job duration",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
	})

	ProbeCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_probe_cycles_total",
		Help: "Total liveness probe cycles by outcome",
	}, []string{"outcome"})

	ProbeSessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nexus_probe_sessions_active",
		Help: "Current number of active liveness probe sessions",
	})

	// Tracker metrics
	TrackerHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nexus_tracker_hits_total",
		Help: "Total tracking link visits captured",
	})

	// System metrics
	ProcessMemoryMB = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nexus_process_memory_mb",
		Help: "Resident memory of the server process in MB",
	})

	ProcessCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nexus_process_cpu_percent",
		Help: "CPU usage of the server process in percent",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsRejected,
		RequestsRejected,
		RequestsDelayed,
		BlockedAddresses,
		SuspiciousAddresses,
		MessagesSent,
		MessagesReceived,
		RateLimitedMessages,
		DroppedBroadcasts,
		ScansTotal,
		ScanDuration,
		ProbeCycles,
		ProbeSessionsActive,
		TrackerHits,
		ProcessMemoryMB,
		ProcessCPUPercent,
	)
}

// HandleMetrics serves the Prometheus scrape endpoint.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
