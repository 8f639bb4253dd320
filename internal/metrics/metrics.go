// Package metrics exposes Prometheus instrumentation for the task lifecycle
// and webhook delivery. All recording methods are nil-safe so components can
// run without metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the service's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	tasksCreated    prometheus.Counter
	taskTransitions *prometheus.CounterVec
	tasksInFlight   prometheus.Gauge
	backendDuration *prometheus.HistogramVec
	webhookAttempts *prometheus.CounterVec
	webhookOutcomes *prometheus.CounterVec
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		tasksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retouch_tasks_created_total",
			Help: "Tasks created through the dispatcher.",
		}),
		taskTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retouch_task_transitions_total",
			Help: "Task status transitions by target status.",
		}, []string{"status"}),
		tasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "retouch_tasks_in_flight",
			Help: "Tasks currently executing a backend call.",
		}),
		backendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "retouch_backend_call_duration_seconds",
			Help:    "Generation backend call latency by outcome.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
		}, []string{"outcome"}),
		webhookAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retouch_webhook_attempts_total",
			Help: "Individual webhook delivery attempts by outcome.",
		}, []string{"outcome"}),
		webhookOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retouch_webhook_deliveries_total",
			Help: "Webhook delivery sequences by final result.",
		}, []string{"result"}),
	}

	registry.MustRegister(
		m.tasksCreated,
		m.taskTransitions,
		m.tasksInFlight,
		m.backendDuration,
		m.webhookAttempts,
		m.webhookOutcomes,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TaskCreated() {
	if m == nil {
		return
	}
	m.tasksCreated.Inc()
}

func (m *Metrics) TaskTransition(status string) {
	if m == nil {
		return
	}
	m.taskTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.tasksInFlight.Inc()
}

func (m *Metrics) TaskFinished() {
	if m == nil {
		return
	}
	m.tasksInFlight.Dec()
}

func (m *Metrics) BackendCall(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.backendDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) WebhookAttempt(outcome string) {
	if m == nil {
		return
	}
	m.webhookAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) WebhookDelivery(result string) {
	if m == nil {
		return
	}
	m.webhookOutcomes.WithLabelValues(result).Inc()
}
