// Package metrics exposes Prometheus collectors for sessions and turns.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "orchestrator"

// Turn outcomes used as the "outcome" label.
const (
	OutcomeDone     = "done"
	OutcomeError    = "error"
	OutcomeRejected = "busy"
)

// Metrics holds the orchestrator collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive    prometheus.Gauge
	sessionsCreated   *prometheus.CounterVec
	sessionsRecovered prometheus.Counter
	sessionsClosed    *prometheus.CounterVec
	turnsTotal        *prometheus.CounterVec
	turnDuration      prometheus.Histogram
	pollFailures      prometheus.Counter
}

// New registers all collectors, plus the Go runtime and process collectors,
// on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently held in memory.",
		}),
		sessionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Sessions created, by worker strategy.",
		}, []string{"strategy"}),
		sessionsRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_recovered_total",
			Help:      "Sessions rebuilt from the durable store.",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Sessions destroyed, by reason.",
		}, []string{"reason"}),
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Turns by outcome.",
		}, []string{"outcome"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall time of completed turns.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}),
		pollFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_poll_failures_total",
			Help:      "Remote worker status polls that failed or timed out.",
		}),
	}

	reg.MustRegister(
		m.sessionsActive,
		m.sessionsCreated,
		m.sessionsRecovered,
		m.sessionsClosed,
		m.turnsTotal,
		m.turnDuration,
		m.pollFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

func (m *Metrics) SessionCreated(strategy string) {
	if m == nil {
		return
	}
	m.sessionsCreated.WithLabelValues(strategy).Inc()
}

func (m *Metrics) SessionRecovered() {
	if m == nil {
		return
	}
	m.sessionsRecovered.Inc()
}

// SessionClosed counts a destroyed session; reason is "deleted" or "idle".
func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.sessionsClosed.WithLabelValues(reason).Inc()
}

// TurnFinished records a turn outcome. Rejected turns have no duration.
func (m *Metrics) TurnFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(outcome).Inc()
	if outcome != OutcomeRejected {
		m.turnDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) StatusPollFailed() {
	if m == nil {
		return
	}
	m.pollFailures.Inc()
}
