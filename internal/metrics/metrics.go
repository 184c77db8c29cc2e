package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the application's Prometheus collectors. A nil *Collector
// is valid and records nothing.
type Collector struct {
	// API Metrics
	HTTPRequestDuration *prometheus.HistogramVec

	// Provider Metrics
	ProviderRequestsTotal *prometheus.CounterVec

	// Cache Metrics
	CacheLookupsTotal *prometheus.CounterVec
	CacheWritesTotal  *prometheus.CounterVec

	// Retry Metrics
	RetryAttemptsTotal *prometheus.CounterVec

	// Warm job
	WarmedRecordsTotal prometheus.Counter
}

// NewCollector registers all collectors on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "weather_http_request_duration_seconds",
				Help:    "Duration of HTTP requests by route and status code",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method", "status"},
		),
		ProviderRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weather_provider_requests_total",
				Help: "Upstream weather provider requests by outcome",
			},
			[]string{"outcome"},
		),
		CacheLookupsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weather_cache_lookups_total",
				Help: "Cache lookups by operation and result (hit, miss, expired, error)",
			},
			[]string{"op", "result"},
		),
		CacheWritesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weather_cache_writes_total",
				Help: "Cache records written by operation and result",
			},
			[]string{"op", "result"},
		),
		RetryAttemptsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weather_retry_attempts_total",
				Help: "Retries scheduled by executor name",
			},
			[]string{"name"},
		),
		WarmedRecordsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "weather_cache_warmed_records_total",
				Help: "Records written by the cache warm job",
			},
		),
	}
}

func (c *Collector) ObserveHTTP(route, method string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequestDuration.WithLabelValues(route, method, strconv.Itoa(status)).Observe(d.Seconds())
}

func (c *Collector) ObserveProvider(outcome string) {
	if c == nil {
		return
	}
	c.ProviderRequestsTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) ObserveCacheLookup(op, result string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.CacheLookupsTotal.WithLabelValues(op, result).Add(float64(n))
}

func (c *Collector) ObserveCacheWrite(op, result string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.CacheWritesTotal.WithLabelValues(op, result).Add(float64(n))
}

// RetryHook matches retry.RetryHook.
func (c *Collector) RetryHook(name string, _ int, _ time.Duration, _ error) {
	if c == nil {
		return
	}
	c.RetryAttemptsTotal.WithLabelValues(name).Inc()
}

func (c *Collector) ObserveWarmed(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.WarmedRecordsTotal.Add(float64(n))
}
