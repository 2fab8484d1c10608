// Package metrics exposes Prometheus collectors for the guard.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"economy-guard/internal/model"
)

const namespace = "economy_guard"

// Validation outcomes.
const (
	OutcomeAccepted   = "accepted"
	OutcomeSuspicious = "suspicious"
	OutcomeRejected   = "rejected"
	OutcomeError      = "error"
)

// Metrics holds Prometheus metrics for the service
type Metrics struct {
	registry *prometheus.Registry

	RequestCounter     *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	RequestsInFlight   *prometheus.GaugeVec
	ValidationOutcomes *prometheus.CounterVec
	SecurityEvents     *prometheus.CounterVec
	JanitorPruned      *prometheus.CounterVec
	DBConnPoolStats    *prometheus.GaugeVec
}

// New creates a metrics instance on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of requests",
			},
			[]string{"operation", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		RequestsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_in_flight",
				Help:      "Number of requests currently being processed",
			},
			[]string{"operation"},
		),
		ValidationOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "validations_total",
				Help:      "Validation verdicts by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		SecurityEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "security_events_total",
				Help:      "Security events recorded by type",
			},
			[]string{"event_type"},
		),
		JanitorPruned: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "janitor",
				Name:      "pruned_total",
				Help:      "Entries evicted by background cleanup",
			},
			[]string{"store"},
		),
		DBConnPoolStats: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connection_pool",
				Help:      "Database connection pool statistics",
			},
			[]string{"stat"},
		),
	}
}

// ObserveSecurityEvent implements security.Observer.
func (m *Metrics) ObserveSecurityEvent(eventType model.SecurityEventType) {
	m.SecurityEvents.WithLabelValues(string(eventType)).Inc()
}

// ObserveValidation counts a verdict.
func (m *Metrics) ObserveValidation(operation, outcome string) {
	m.ValidationOutcomes.WithLabelValues(operation, outcome).Inc()
}

// ObservePruned counts evictions from a store.
func (m *Metrics) ObservePruned(store string, n int) {
	if n > 0 {
		m.JanitorPruned.WithLabelValues(store).Add(float64(n))
	}
}

// RecordDBPoolStats records database connection pool statistics
func (m *Metrics) RecordDBPoolStats(total, acquired, idle int32) {
	m.DBConnPoolStats.WithLabelValues("total").Set(float64(total))
	m.DBConnPoolStats.WithLabelValues("acquired").Set(float64(acquired))
	m.DBConnPoolStats.WithLabelValues("idle").Set(float64(idle))
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware recording count, latency and in-flight requests for operation.
func Middleware(m *Metrics, operation string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.RequestsInFlight.WithLabelValues(operation).Inc()
			defer m.RequestsInFlight.WithLabelValues(operation).Dec()

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			m.RequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
			m.RequestCounter.WithLabelValues(operation, strconv.Itoa(rec.status)).Inc()
		})
	}
}
