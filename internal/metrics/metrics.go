// Package metrics holds the prometheus collectors shared by the gateway and
// the alert scheduler. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "windowgate"

// Metrics groups every collector the service exports.
type Metrics struct {
	admissionDecisions *prometheus.CounterVec
	backendFallbacks   *prometheus.CounterVec
	gatewayRequests    *prometheus.CounterVec
	evaluations        *prometheus.CounterVec
	notifyFailures     *prometheus.CounterVec
	tickDuration       prometheus.Histogram
	alertsEvaluated    prometheus.Gauge
}

// New registers collectors on reg. A nil reg builds unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		admissionDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Admission decisions by backend and outcome.",
		}, []string{"backend", "outcome"}),
		backendFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "windowstore",
			Name:      "fallbacks_total",
			Help:      "Distributed window store calls served by the local backend.",
		}, []string{"op"}),
		gatewayRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Gateway requests by plan and outcome.",
		}, []string{"plan", "outcome"}),
		evaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "evaluations_total",
			Help:      "Alert evaluations by rule type and outcome.",
		}, []string{"type", "outcome"}),
		notifyFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "notification_failures_total",
			Help:      "Notifications that failed to deliver.",
		}, []string{"type"}),
		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one alert evaluation pass.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		alertsEvaluated: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "alerts_last_tick",
			Help:      "Alerts evaluated in the most recent tick.",
		}),
	}
}

// ObserveAdmission counts one admission decision.
func (m *Metrics) ObserveAdmission(backend string, allowed bool) {
	if m == nil {
		return
	}
	m.admissionDecisions.WithLabelValues(backend, outcome(allowed)).Inc()
}

// ObserveFallback counts a call rerouted to the local window store.
func (m *Metrics) ObserveFallback(op string) {
	if m == nil {
		return
	}
	m.backendFallbacks.WithLabelValues(op).Inc()
}

// ObserveGatewayRequest counts a metered gateway request.
func (m *Metrics) ObserveGatewayRequest(plan string, allowed bool) {
	if m == nil {
		return
	}
	m.gatewayRequests.WithLabelValues(plan, outcome(allowed)).Inc()
}

// ObserveEvaluation counts one alert evaluation result.
func (m *Metrics) ObserveEvaluation(ruleType, result string) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(ruleType, result).Inc()
}

// ObserveNotifyFailure counts a swallowed notifier error.
func (m *Metrics) ObserveNotifyFailure(ruleType string) {
	if m == nil {
		return
	}
	m.notifyFailures.WithLabelValues(ruleType).Inc()
}

// ObserveTick records the duration and size of one scheduler pass.
func (m *Metrics) ObserveTick(d time.Duration, alerts int) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(d.Seconds())
	m.alertsEvaluated.Set(float64(alerts))
}

func outcome(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}
