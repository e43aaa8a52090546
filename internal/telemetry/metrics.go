package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gossipnode",
			Name:      "messages_received_total",
			Help:      "Inbound envelopes by payload type.",
		},
		[]string{"type"},
	)

	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gossipnode",
			Name:      "messages_sent_total",
			Help:      "Outbound envelopes by payload type.",
		},
		[]string{"type"},
	)

	GossipTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gossipnode",
			Name:      "gossip_ticks_total",
			Help:      "Gossip timer ticks processed.",
		},
	)

	GossipSuppressed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gossipnode",
			Name:      "gossip_suppressed_total",
			Help:      "Per-neighbor gossip pushes skipped because the selection was empty.",
		},
	)

	// GossipValues counts values placed in outgoing gossip, split into values
	// the neighbor had not acknowledged and redundant resends.
	GossipValues = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gossipnode",
			Name:      "gossip_values_total",
			Help:      "Values included in outgoing gossip.",
		},
		[]string{"kind"},
	)

	StoredValues = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gossipnode",
			Name:      "stored_values",
			Help:      "Size of the local value set.",
		},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gossipnode",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version).",
		},
		[]string{"version"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "gossipnode",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(MessagesReceived, MessagesSent, GossipTicks, GossipSuppressed, GossipValues, StoredValues, buildInfo, uptime)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup.
func SetBuildInfo(version string) {
	buildInfo.WithLabelValues(version).Set(1)
}
