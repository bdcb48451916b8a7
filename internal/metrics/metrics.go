// Package metrics exposes Prometheus collectors for the sync core.
//
// Collectors are registered on a private registry so several clients (and
// tests) can coexist in one process. Every method is safe on a nil
// *Metrics, which lets components run without instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "optisync"

// Outcome labels for resolved mutations.
const (
	OutcomeConfirmed  = "confirmed"
	OutcomeRolledBack = "rolled_back"
	OutcomeFailed     = "failed"
)

// Metrics holds the core's collectors.
type Metrics struct {
	registry *prometheus.Registry

	mutationsStarted  *prometheus.CounterVec
	mutationsResolved *prometheus.CounterVec
	mutationsInflight prometheus.Gauge
	conflicts         *prometheus.CounterVec

	realtimeEvents *prometheus.CounterVec

	sessionTransitions *prometheus.CounterVec
	sessionTimeouts    prometheus.Counter
}

// New creates collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		mutationsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_started_total",
			Help:      "Optimistic mutations issued, by operation.",
		}, []string{"op"}),

		mutationsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_resolved_total",
			Help:      "Optimistic mutations resolved, by operation and outcome.",
		}, []string{"op", "outcome"}),

		mutationsInflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mutations_inflight",
			Help:      "Mutations waiting for remote confirmation.",
		}),

		conflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutation_conflicts_total",
			Help:      "Confirmations whose value differed from the speculation.",
		}, []string{"op"}),

		realtimeEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_events_total",
			Help:      "Push-channel events, by table, kind, and result (accepted, filtered, invalid).",
		}, []string{"table", "kind", "result"}),

		sessionTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session status transitions, by resulting status.",
		}, []string{"status"}),

		sessionTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_resolve_timeouts_total",
			Help:      "Session resolutions forced out of Initializing by the deadline.",
		}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// MutationStarted records an issued mutation.
func (m *Metrics) MutationStarted(op string) {
	if m == nil {
		return
	}
	m.mutationsStarted.WithLabelValues(op).Inc()
	m.mutationsInflight.Inc()
}

// MutationResolved records a mutation leaving Pending.
func (m *Metrics) MutationResolved(op, outcome string) {
	if m == nil {
		return
	}
	m.mutationsResolved.WithLabelValues(op, outcome).Inc()
	m.mutationsInflight.Dec()
}

// Conflict records a confirmation that differed from its speculation.
func (m *Metrics) Conflict(op string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(op).Inc()
}

// RealtimeEvent records one push-channel event.
func (m *Metrics) RealtimeEvent(table, kind, result string) {
	if m == nil {
		return
	}
	m.realtimeEvents.WithLabelValues(table, kind, result).Inc()
}

// SessionTransition records a session status change.
func (m *Metrics) SessionTransition(status string) {
	if m == nil {
		return
	}
	m.sessionTransitions.WithLabelValues(status).Inc()
}

// SessionTimeout records a bounded-wait expiry.
func (m *Metrics) SessionTimeout() {
	if m == nil {
		return
	}
	m.sessionTimeouts.Inc()
}
