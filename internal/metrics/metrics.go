// Package metrics provides Prometheus metrics for the sync service.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	perrors "github.com/p-blackswan/tasksync/internal/errors"
)

// Metrics holds all Prometheus metrics for the service. It implements the
// observer interfaces of the retry, dictionary and tasksync packages.
type Metrics struct {
	SyncTotal          *prometheus.CounterVec
	SyncDuration       *prometheus.HistogramVec
	UpstreamAttempts   *prometheus.CounterVec
	IdempotencyHits    *prometheus.CounterVec
	DictionaryDegraded *prometheus.CounterVec
	HTTPRequestsTotal  *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		SyncTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasksync_sync_total",
				Help: "Task sync operations by operation and final status.",
			},
			[]string{"op", "status"},
		),
		SyncDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tasksync_sync_duration_seconds",
				Help:    "Task sync duration including retries, by operation.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"op"},
		),
		UpstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasksync_upstream_attempts_total",
				Help: "Individual upstream call attempts by operation and outcome.",
			},
			[]string{"op", "outcome"},
		),
		IdempotencyHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasksync_idempotency_hits_total",
				Help: "Operations answered from the idempotency cache.",
			},
			[]string{"op"},
		),
		DictionaryDegraded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasksync_dictionary_degraded_total",
				Help: "Dictionary lookups that fell back to the first available id.",
			},
			[]string{"dict"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasksync_http_requests_total",
				Help: "HTTP requests by route and status code.",
			},
			[]string{"route", "code"},
		),
		registry: reg,
	}

	reg.MustRegister(m.SyncTotal)
	reg.MustRegister(m.SyncDuration)
	reg.MustRegister(m.UpstreamAttempts)
	reg.MustRegister(m.IdempotencyHits)
	reg.MustRegister(m.DictionaryDegraded)
	reg.MustRegister(m.HTTPRequestsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterIdempotencyGauge exposes the idempotency cache size, read at scrape
// time.
func (m *Metrics) RegisterIdempotencyGauge(size func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "tasksync_idempotency_entries",
			Help: "Entries currently held in the idempotency cache.",
		},
		func() float64 { return float64(size()) },
	))
}

// RegisterStoreSizeGauge exposes the task database size, read at scrape time.
func (m *Metrics) RegisterStoreSizeGauge(size func() (int64, error)) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "tasksync_store_size_bytes",
			Help: "Size of the task database in bytes.",
		},
		func() float64 {
			n, err := size()
			if err != nil {
				return 0
			}
			return float64(n)
		},
	))
}

// ObserveAttempt records one upstream attempt.
func (m *Metrics) ObserveAttempt(op string, err error) {
	m.UpstreamAttempts.WithLabelValues(op, AttemptOutcome(err)).Inc()
}

// ObserveIdempotencyHit records a cache short-circuit.
func (m *Metrics) ObserveIdempotencyHit(op string) {
	m.IdempotencyHits.WithLabelValues(op).Inc()
}

// ObserveDegraded records a degraded dictionary lookup.
func (m *Metrics) ObserveDegraded(dict string) {
	m.DictionaryDegraded.WithLabelValues(dict).Inc()
}

// ObserveSync records a finished sync operation.
func (m *Metrics) ObserveSync(op, status string, elapsed time.Duration) {
	m.SyncTotal.WithLabelValues(op, status).Inc()
	m.SyncDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// RecordHTTP increments the HTTP request counter.
func (m *Metrics) RecordHTTP(route string, code int) {
	m.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// AttemptOutcome classifies an attempt result for the outcome label.
func AttemptOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case perrors.IsRetryable(err):
		return "retryable"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "rejected"
	}
}
