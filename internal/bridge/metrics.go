package bridge

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks bridge traffic in both directions.
type Metrics struct {
	callLatency     *prometheus.HistogramVec
	received        *prometheus.CounterVec
	forwarded       *prometheus.CounterVec
	forwardFailures prometheus.Counter
	forwardDrops    prometheus.Counter
	unavailable     *prometheus.CounterVec
	authFailures    prometheus.Counter
}

// NewMetrics registers bridge metrics on the provided registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		callLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_bridge_call_seconds",
			Help:    "Latency of outbound bridge calls.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"type"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_bridge_received_total",
			Help: "Authenticated bridge messages received, by type.",
		}, []string{"type"}),
		forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_bridge_forwarded_total",
			Help: "Chat events forwarded to the peer node, by kind.",
		}, []string{"kind"}),
		forwardFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_bridge_forward_failures_total",
			Help: "Chat events lost because the single forwarding attempt failed.",
		}),
		forwardDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_bridge_forward_drops_total",
			Help: "Chat events dropped because the forward queue was full.",
		}),
		unavailable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_bridge_unavailable_total",
			Help: "Bridge calls that could not reach the peer, by type.",
		}, []string{"type"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_bridge_auth_failures_total",
			Help: "Inbound bridge requests rejected for a bad shared secret.",
		}),
	}

	reg.MustRegister(
		m.callLatency,
		m.received,
		m.forwarded,
		m.forwardFailures,
		m.forwardDrops,
		m.unavailable,
		m.authFailures,
	)
	return m
}

func (m *Metrics) ObserveCall(msgType string, dur time.Duration) {
	if m == nil {
		return
	}
	m.callLatency.WithLabelValues(msgType).Observe(dur.Seconds())
}

func (m *Metrics) RecordReceive(msgType string) {
	if m == nil {
		return
	}
	if msgType == "" {
		msgType = "unknown"
	}
	m.received.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordForward(kind string) {
	if m == nil {
		return
	}
	m.forwarded.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordForwardFailure() {
	if m == nil {
		return
	}
	m.forwardFailures.Inc()
}

func (m *Metrics) RecordForwardDrop() {
	if m == nil {
		return
	}
	m.forwardDrops.Inc()
}

func (m *Metrics) RecordUnavailable(msgType string) {
	if m == nil {
		return
	}
	m.unavailable.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordAuthFailure() {
	if m == nil {
		return
	}
	m.authFailures.Inc()
}
