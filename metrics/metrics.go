// Package metrics publishes Prometheus metrics for the query cache and the
// todo endpoint.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/huykn/querycache/cache"
)

const namespace = "querycache"

// Recorder implements cache.MetricsRecorder on a Prometheus registry.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	fetches       *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec
	subscribes    *prometheus.CounterVec
	invalidations *prometheus.CounterVec
	evictions     *prometheus.CounterVec
	mutations     *prometheus.CounterVec
	mutationTime  *prometheus.HistogramVec

	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
}

var _ cache.MetricsRecorder = (*Recorder)(nil)

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so several recorders can coexist in one
// process.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	latencyBuckets := []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}

	r := &Recorder{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "fetches_total",
			Help:      "Query fetches completed by the cache, by outcome.",
		}, []string{"operation", "outcome"}),
		fetchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "fetch_duration_seconds",
			Help:      "Latency distribution for query fetches.",
			Buckets:   latencyBuckets,
		}, []string{"operation"}),
		subscribes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "subscribes_total",
			Help:      "Subscriptions, split by whether they joined a live entry.",
		}, []string{"operation", "result"}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "invalidations_total",
			Help:      "Entries invalidated by tags.",
		}, []string{"operation"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Entries removed from the cache, by reason.",
		}, []string{"operation", "reason"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "mutations_total",
			Help:      "Mutations sent through the cache, by outcome.",
		}, []string{"operation", "outcome"}),
		mutationTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "mutation_duration_seconds",
			Help:      "Latency distribution for mutations.",
			Buckets:   latencyBuckets,
		}, []string{"operation"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Operations served by the todo endpoint.",
		}, []string{"field", "status_code"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution for todo endpoint operations.",
			Buckets:   latencyBuckets,
		}, []string{"field"}),
	}

	reg.MustRegister(
		r.fetches, r.fetchLatency, r.subscribes, r.invalidations,
		r.evictions, r.mutations, r.mutationTime,
		r.requests, r.requestLatency,
	)

	r.gatherer = reg
	r.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return r
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveFetch records a completed query fetch.
func (r *Recorder) ObserveFetch(operation string, outcome cache.FetchOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	op := normalizeLabel(operation)
	r.fetches.WithLabelValues(op, normalizeLabel(string(outcome))).Inc()
	r.fetchLatency.WithLabelValues(op).Observe(duration.Seconds())
}

// ObserveSubscribe records a subscription.
func (r *Recorder) ObserveSubscribe(operation string, hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.subscribes.WithLabelValues(normalizeLabel(operation), result).Inc()
}

// ObserveInvalidation records one invalidated entry.
func (r *Recorder) ObserveInvalidation(operation string) {
	if r == nil {
		return
	}
	r.invalidations.WithLabelValues(normalizeLabel(operation)).Inc()
}

// ObserveEviction records one evicted entry.
func (r *Recorder) ObserveEviction(operation string, reason cache.EvictionReason) {
	if r == nil {
		return
	}
	r.evictions.WithLabelValues(normalizeLabel(operation), normalizeLabel(string(reason))).Inc()
}

// ObserveMutation records a completed mutation.
func (r *Recorder) ObserveMutation(operation string, outcome cache.FetchOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	op := normalizeLabel(operation)
	r.mutations.WithLabelValues(op, normalizeLabel(string(outcome))).Inc()
	r.mutationTime.WithLabelValues(op).Observe(duration.Seconds())
}

// ObserveRequest records one operation served by the todo endpoint.
func (r *Recorder) ObserveRequest(field string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	fieldLabel := normalizeLabel(field)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.requests.WithLabelValues(fieldLabel, statusLabel).Inc()
	r.requestLatency.WithLabelValues(fieldLabel).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
