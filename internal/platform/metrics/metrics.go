package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coda_helper"

// Metrics owns a private registry so tests and in-process restarts never
// collide on the global default registerer. All methods are nil-safe.
type Metrics struct {
	registry      *prometheus.Registry
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	mergeRuns     *prometheus.CounterVec
	mergeRows     *prometheus.CounterVec
	mergeDuration prometheus.Histogram
	codaRequests  *prometheus.CounterVec
	codaRetries   *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by route and status code.",
		}, []string{"route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		mergeRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_runs_total",
			Help:      "Table merge runs by outcome.",
		}, []string{"outcome"}),
		mergeRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_rows_total",
			Help:      "Destination rows changed by merges.",
		}, []string{"change"}),
		mergeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "merge_duration_seconds",
			Help:      "Wall time of table merge runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		codaRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coda_requests_total",
			Help:      "Requests sent to the Coda API by method and response status.",
		}, []string{"method", "status"}),
		codaRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coda_retries_total",
			Help:      "Coda API retries by reason.",
		}, []string{"reason"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.mergeRuns,
		m.mergeRows,
		m.mergeDuration,
		m.codaRequests,
		m.codaRetries,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveHTTP(route string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// RecordMerge accounts one finished merge run.
func (m *Metrics) RecordMerge(outcome string, added, updated, deleted int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.mergeRuns.WithLabelValues(outcome).Inc()
	m.mergeDuration.Observe(elapsed.Seconds())
	m.mergeRows.WithLabelValues("added").Add(float64(added))
	m.mergeRows.WithLabelValues("updated").Add(float64(updated))
	m.mergeRows.WithLabelValues("deleted").Add(float64(deleted))
}

func (m *Metrics) RecordCodaRequest(method string, status int) {
	if m == nil {
		return
	}
	m.codaRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

func (m *Metrics) RecordCodaRetry(reason string) {
	if m == nil {
		return
	}
	m.codaRetries.WithLabelValues(reason).Inc()
}
