// Package metrics exposes Kestrel's Prometheus metrics on a private registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Analysis sources.
const (
	SourceSync  = "sync"
	SourceAsync = "async"
	SourceCache = "cache"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	analysesTotal     *prometheus.CounterVec
	analysisDuration  prometheus.Histogram
	ringsDetected     *prometheus.CounterVec
	rowsRejected      prometheus.Counter
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry, plus the Go and process
// collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		analysesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "analyses_total",
			Help:      "Total number of completed analyses",
		}, []string{"status", "source"}),
		analysisDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kestrel",
			Name:      "analysis_duration_seconds",
			Help:      "Engine time per analysis",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~32s
		}),
		ringsDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "rings_detected_total",
			Help:      "Fraud rings detected by pattern",
		}, []string{"pattern"}),
		rowsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "rows_rejected_total",
			Help:      "CSV rows rejected at ingestion",
		}),
		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kestrel",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// ObserveAnalysis records one finished analysis.
func (m *Metrics) ObserveAnalysis(report *domain.Report, source string, elapsed time.Duration) {
	if m == nil || report == nil {
		return
	}
	m.analysesTotal.WithLabelValues(report.Status, source).Inc()
	if report.Cached {
		return
	}
	m.analysisDuration.Observe(elapsed.Seconds())
	for _, ring := range report.FraudRings {
		m.ringsDetected.WithLabelValues(string(ring.PatternType)).Inc()
	}
	if report.Summary.RowsRejected > 0 {
		m.rowsRejected.Add(float64(report.Summary.RowsRejected))
	}
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
