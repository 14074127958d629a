package relay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics observes the event pipeline.
type Metrics struct {
	activeSessions prometheus.Gauge
	sessionTotal   prometheus.Counter
	eventsTotal    *prometheus.CounterVec
	handleLatency  *prometheus.HistogramVec
	delivered      *prometheus.CounterVec
	undeliverable  *prometheus.CounterVec
	joinRequests   prometheus.Counter
	joinDecisions  *prometheus.CounterVec
	adminLogins    *prometheus.CounterVec
	malformed      prometheus.Counter
}

// NewMetrics registers relay metrics on the provided registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_sessions_active",
			Help: "Registered client sessions on this node.",
		}),
		sessionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_total",
			Help: "Sessions registered since start.",
		}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_total",
			Help: "Events entering the pipeline, by kind.",
		}, []string{"kind"}),
		handleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_handle_seconds",
			Help:    "Pipeline handling latency, by kind.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"kind"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_delivered_total",
			Help: "Events delivered to at least one local recipient, by kind.",
		}, []string{"kind"}),
		undeliverable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_undeliverable_total",
			Help: "Directed events dropped because the recipient exists on neither node.",
		}, []string{"kind"}),
		joinRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_join_requests_total",
			Help: "New approval records created.",
		}),
		joinDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_join_decisions_total",
			Help: "Admin decisions applied, by outcome.",
		}, []string{"outcome"}),
		adminLogins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_admin_logins_total",
			Help: "Admin login attempts, by outcome.",
		}, []string{"outcome"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_malformed_frames_total",
			Help: "Client frames dropped as unparseable.",
		}),
	}

	reg.MustRegister(
		m.activeSessions,
		m.sessionTotal,
		m.eventsTotal,
		m.handleLatency,
		m.delivered,
		m.undeliverable,
		m.joinRequests,
		m.joinDecisions,
		m.adminLogins,
		m.malformed,
	)
	return m
}

func (m *Metrics) SessionRegistered() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
	m.sessionTotal.Inc()
}

func (m *Metrics) SessionUnregistered() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *Metrics) RecordEvent(kind string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveHandle(kind string, dur time.Duration) {
	if m == nil {
		return
	}
	m.handleLatency.WithLabelValues(kind).Observe(dur.Seconds())
}

func (m *Metrics) RecordDelivered(kind string) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordUndeliverable(kind string) {
	if m == nil {
		return
	}
	m.undeliverable.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordJoinRequest() {
	if m == nil {
		return
	}
	m.joinRequests.Inc()
}

func (m *Metrics) RecordJoinDecision(approved bool) {
	if m == nil {
		return
	}
	m.joinDecisions.WithLabelValues(outcome(approved)).Inc()
}

func (m *Metrics) RecordAdminLogin(success bool) {
	if m == nil {
		return
	}
	label := "failure"
	if success {
		label = "success"
	}
	m.adminLogins.WithLabelValues(label).Inc()
}

func (m *Metrics) RecordMalformed() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

func outcome(ok bool) string {
	if ok {
		return "approved"
	}
	return "denied"
}
