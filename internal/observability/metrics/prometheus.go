// Package metrics provides Prometheus metrics for the reconciliation engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Reconciliation outcomes
const (
	OutcomeSuccess   = "success"
	OutcomeConflict  = "conflict"
	OutcomeDuplicate = "duplicate"
	OutcomeInvalid   = "invalid"
	OutcomeError     = "error"
)

// Metrics holds all application metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Reconciliations       *prometheus.CounterVec
	MedicationChanges     *prometheus.CounterVec
	SafetyRisk            *prometheus.CounterVec
	ReconcileDuration     prometheus.Histogram
	SafetyAlerts          prometheus.Counter
	Warnings              *prometheus.CounterVec
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	OutboxDeadLettered    prometheus.Counter
	CircuitBreakerState   *prometheus.GaugeVec
	HTTPRequests          *prometheus.CounterVec
	RateLimited           prometheus.Counter
}

// New creates the metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		Reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medrecon_reconciliations_total",
			Help: "Prescriptions reconciled, by outcome",
		}, []string{"outcome"}),
		MedicationChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medrecon_medication_changes_total",
			Help: "Medication change classifications, by category",
		}, []string{"category"}),
		SafetyRisk: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medrecon_safety_reports_total",
			Help: "Safety reports produced, by risk level",
		}, []string{"risk_level"}),
		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "medrecon_reconcile_duration_seconds",
			Help:    "End-to-end reconciliation duration including persistence",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		SafetyAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medrecon_safety_alerts_total",
			Help: "High-priority safety alerts recorded on the timeline",
		}),
		Warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medrecon_reconcile_warnings_total",
			Help: "Recoverable reconciliation warnings, by code",
		}, []string{"code"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		OutboxDeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_dead_lettered_total",
			Help: "Outbox entries moved to the dead letter table",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests, by method and status",
		}, []string{"method", "status"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),
	}

	reg.MustRegister(
		m.Reconciliations,
		m.MedicationChanges,
		m.SafetyRisk,
		m.ReconcileDuration,
		m.SafetyAlerts,
		m.Warnings,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.OutboxDeadLettered,
		m.CircuitBreakerState,
		m.HTTPRequests,
		m.RateLimited,
	)

	return m
}

// ObserveReconciliation records one reconciliation attempt
func (m *Metrics) ObserveReconciliation(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Reconciliations.WithLabelValues(outcome).Inc()
	m.ReconcileDuration.Observe(elapsed.Seconds())
}

// ObserveChanges adds n classifications to a change category
func (m *Metrics) ObserveChanges(category string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.MedicationChanges.WithLabelValues(category).Add(float64(n))
}

// ObserveSafety records a safety report and its timeline alerts
func (m *Metrics) ObserveSafety(riskLevel string, alerts int) {
	if m == nil {
		return
	}
	m.SafetyRisk.WithLabelValues(riskLevel).Inc()
	m.SafetyAlerts.Add(float64(alerts))
}

// ObserveWarning counts a recoverable warning
func (m *Metrics) ObserveWarning(code string) {
	if m == nil {
		return
	}
	m.Warnings.WithLabelValues(code).Inc()
}

// SetBreakerState records a circuit breaker state value
func (m *Metrics) SetBreakerState(name string, value float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(value)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves metrics from a specific gatherer
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
