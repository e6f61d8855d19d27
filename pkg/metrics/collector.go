// Package metrics exposes Prometheus metrics for batch runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "llmbatch"

// Collector holds the batch metrics. A nil *Collector is valid and records
// nothing.
type Collector struct {
	rows            *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	requests        *prometheus.CounterVec
	requestDuration prometheus.Histogram
	retries         prometheus.Counter
	inFlight        prometheus.Gauge
	tokens          *prometheus.CounterVec
}

// NewCollector registers the batch metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		rows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_total",
			Help:      "Rows processed, by outcome.",
		}, []string{"outcome"}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups, by result.",
		}, []string{"result"}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Completion attempts, by outcome.",
		}, []string{"outcome"}),
		requestDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "Completion attempt duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retries scheduled after failed attempts.",
		}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "llm_requests_in_flight",
			Help:      "Completion attempts currently outstanding.",
		}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens consumed, by type.",
		}, []string{"type"}),
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RowDone records a finished row.
func (c *Collector) RowDone(success, fromCache bool) {
	if c == nil {
		return
	}
	switch {
	case fromCache:
		c.rows.WithLabelValues("cached").Inc()
	case success:
		c.rows.WithLabelValues("success").Inc()
	default:
		c.rows.WithLabelValues("failed").Inc()
	}
}

// CacheLookup records a cache hit or miss.
func (c *Collector) CacheLookup(hit bool) {
	if c == nil {
		return
	}
	if hit {
		c.cacheLookups.WithLabelValues("hit").Inc()
	} else {
		c.cacheLookups.WithLabelValues("miss").Inc()
	}
}

// AttemptStarted increments the in-flight gauge.
func (c *Collector) AttemptStarted() {
	if c == nil {
		return
	}
	c.inFlight.Inc()
}

// AttemptDone records a finished attempt. outcome is "success" or a failure
// kind name.
func (c *Collector) AttemptDone(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.inFlight.Dec()
	c.requests.WithLabelValues(outcome).Inc()
	c.requestDuration.Observe(d.Seconds())
}

// Retry records a scheduled retry.
func (c *Collector) Retry() {
	if c == nil {
		return
	}
	c.retries.Inc()
}

// Tokens records token usage.
func (c *Collector) Tokens(prompt, completion int) {
	if c == nil {
		return
	}
	c.tokens.WithLabelValues("prompt").Add(float64(prompt))
	c.tokens.WithLabelValues("completion").Add(float64(completion))
}
