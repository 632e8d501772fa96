package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the broker's Prometheus collectors, registered against a
// dedicated registry (rather than the global default) so that multiple
// Server instances in the same process, as in tests, don't collide on
// metric registration — the teacher's single-process design registers
// against the default registry since it only ever runs one server.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsTotal   prometheus.Counter
	ConnectionsActive  prometheus.Gauge
	ConnectionsMax     prometheus.Gauge
	ConnectionsRejected prometheus.Counter

	Disconnects *prometheus.CounterVec

	FramesReceived prometheus.Counter
	FramesSent     prometheus.Counter
	BytesReceived  prometheus.Counter
	BytesSent      prometheus.Counter

	RateLimited *prometheus.CounterVec

	AcksOutstanding prometheus.Gauge
	AckTimeouts     prometheus.Counter

	RoomsActive prometheus.Gauge

	SendBufferSaturation prometheus.Histogram
}

// NewMetrics registers the broker's metric family, grounded on the
// structure (names, help text conventions) of ws/metrics.go and
// ws/internal/single/monitoring/metrics.go.
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_connections_total",
			Help: "Total number of WebSocket connections established.",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_connections_active",
			Help: "Current number of active WebSocket connections.",
		}),
		ConnectionsMax: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_connections_max",
			Help: "Configured maximum allowed WebSocket connections.",
		}),
		ConnectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_connections_rejected_total",
			Help: "Total upgrades rejected (max connections, CPU guard, or connection rate limit).",
		}),
		Disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_disconnects_total",
			Help: "Total disconnections by reason.",
		}, []string{"reason"}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_frames_received_total",
			Help: "Total inbound frames decoded successfully.",
		}),
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_frames_sent_total",
			Help: "Total outbound frames written.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_bytes_received_total",
			Help: "Total inbound bytes read from sockets.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_bytes_sent_total",
			Help: "Total outbound bytes written to sockets.",
		}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_rate_limited_total",
			Help: "Total frames dropped by the rate limiter, by scope.",
		}, []string{"scope"}),
		AcksOutstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_acks_outstanding",
			Help: "Current number of acks awaiting a reply or timeout.",
		}),
		AckTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_ack_timeouts_total",
			Help: "Total acks that resolved via timeout rather than a reply.",
		}),
		RoomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_rooms_active",
			Help: "Current number of non-empty rooms across all namespaces.",
		}),
		SendBufferSaturation: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "broker_send_buffer_saturation",
			Help:    "Distribution of per-socket outbound buffer occupancy (len/cap), sampled periodically across active sockets.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
	}

	reg.MustRegister(
		m.ConnectionsTotal, m.ConnectionsActive, m.ConnectionsMax, m.ConnectionsRejected,
		m.Disconnects, m.FramesReceived, m.FramesSent, m.BytesReceived, m.BytesSent,
		m.RateLimited, m.AcksOutstanding, m.AckTimeouts, m.RoomsActive, m.SendBufferSaturation,
	)

	return m
}

// Handler returns the HTTP handler to mount at the configured metrics
// endpoint (spec §6 Config — metrics export format is out of scope for the
// core, but exposing counters for a collector to scrape is not).
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
