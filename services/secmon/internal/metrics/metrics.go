// Package metrics holds the Prometheus instrumentation of the security monitor.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "secmon"

// Metrics holds all the Prometheus metrics for the monitor. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	EventsAnalyzed    *prometheus.CounterVec
	Indicators        *prometheus.CounterVec
	ResponseActions   *prometheus.CounterVec
	AlertsCreated     *prometheus.CounterVec
	Notifications     *prometheus.CounterVec
	RateLimitDecision *prometheus.CounterVec
	FailOpen          *prometheus.CounterVec
	AuditEntries      *prometheus.CounterVec
	AnalysisDuration  prometheus.Histogram
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EventsAnalyzed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_analyzed_total",
			Help:      "Security events analyzed, by event type.",
		}, []string{"event_type"}),
		Indicators: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "threat_indicators_total",
			Help:      "Selected threat indicators, by category and level.",
		}, []string{"category", "level"}),
		ResponseActions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_actions_total",
			Help:      "Executed response actions, by action and outcome.",
		}, []string{"action", "outcome"}),
		AlertsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_created_total",
			Help:      "Security alerts created, by severity.",
		}, []string{"severity"}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Alert notifications, by channel and outcome.",
		}, []string{"channel", "outcome"}),
		RateLimitDecision: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Rate limit decisions, by limit type and outcome.",
		}, []string{"limit_type", "outcome"}),
		FailOpen: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fail_open_total",
			Help:      "Checks allowed because the store was unavailable, by component.",
		}, []string{"component"}),
		AuditEntries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_entries_total",
			Help:      "Audit log writes, by audit event type and outcome.",
		}, []string{"event_type", "outcome"}),
		AnalysisDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "Time spent analyzing a single event.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
}

// Registry exposes the registry for tests and custom handlers.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) EventAnalyzed(eventType string, seconds float64) {
	if m == nil {
		return
	}
	m.EventsAnalyzed.WithLabelValues(eventType).Inc()
	m.AnalysisDuration.Observe(seconds)
}

func (m *Metrics) IndicatorSelected(category, level string) {
	if m == nil {
		return
	}
	m.Indicators.WithLabelValues(category, level).Inc()
}

func (m *Metrics) ResponseExecuted(action string, err error) {
	if m == nil {
		return
	}
	m.ResponseActions.WithLabelValues(action, outcome(err)).Inc()
}

func (m *Metrics) AlertCreated(severity string) {
	if m == nil {
		return
	}
	m.AlertsCreated.WithLabelValues(severity).Inc()
}

func (m *Metrics) NotificationSent(channel string, err error) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(channel, outcome(err)).Inc()
}

func (m *Metrics) RateLimited(limitType, decision string) {
	if m == nil {
		return
	}
	m.RateLimitDecision.WithLabelValues(limitType, decision).Inc()
}

func (m *Metrics) FailedOpen(component string) {
	if m == nil {
		return
	}
	m.FailOpen.WithLabelValues(component).Inc()
}

func (m *Metrics) AuditWritten(eventType string, err error) {
	if m == nil {
		return
	}
	m.AuditEntries.WithLabelValues(eventType, outcome(err)).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
