// Package metrics provides Prometheus metrics for the vaccination document service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	DocumentsStored     *prometheus.CounterVec
	RecordsRead         *prometheus.CounterVec
	OperationsFailed    *prometheus.CounterVec
	OperationDuration   *prometheus.HistogramVec
	EventsPublished     prometheus.Counter
	OutboxPending       prometheus.Gauge
	CircuitBreakerState *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates all metrics and registers them with reg. A nil reg uses a
// private registry, which keeps tests independent of the global one.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		DocumentsStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vacd_documents_stored_total",
			Help: "Documents stored, by record kind and action (create, update, delete)",
		}, []string{"kind", "action"}),
		RecordsRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vacd_records_read_total",
			Help: "Records extracted from stored documents, by kind",
		}, []string{"kind"}),
		OperationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vacd_operations_failed_total",
			Help: "Failed service operations, by operation and error class",
		}, []string{"operation", "class"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vacd_operation_duration_seconds",
			Help:    "Service operation duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"operation"}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vacd_document_events_published_total",
			Help: "Document events published to Kafka",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vacd_outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vacd_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.DocumentsStored,
		m.RecordsRead,
		m.OperationsFailed,
		m.OperationDuration,
		m.EventsPublished,
		m.OutboxPending,
		m.CircuitBreakerState,
	)
	return m
}

// SetBreakerState records a circuit breaker transition.
func (m *Metrics) SetBreakerState(name, state string) {
	var v float64
	switch state {
	case "open":
		v = 1
	case "half-open":
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// Handler returns the Prometheus HTTP handler for the metrics registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
