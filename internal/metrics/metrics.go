// Package metrics exposes Prometheus metrics for query answering and the
// response cache.
package metrics

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/knoguchi/paperqa/internal/cache"
	"github.com/knoguchi/paperqa/internal/service"
)

const namespace = "paperqa"

// CacheStatsSource reports response cache statistics
type CacheStatsSource interface {
	CacheStats() (cache.Stats, error)
}

// Metrics owns a private registry with the answer and cache metrics
type Metrics struct {
	registry *prometheus.Registry
	duration *prometheus.HistogramVec
	answers  *prometheus.CounterVec
}

// New creates the metrics registry. src may be nil when caching is disabled.
func New(src CacheStatsSource) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "answer_duration_seconds",
			Help:      "Time taken to answer a question.",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"status", "cached"}),
		answers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answers_total",
			Help:      "Answered questions by outcome.",
		}, []string{"status", "cached"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.duration,
		m.answers,
	)
	if src != nil {
		m.registry.MustRegister(newCacheCollector(src))
	}
	return m
}

// ObserveAnswer records one answered question
func (m *Metrics) ObserveAnswer(status service.Status, cached bool, elapsed time.Duration) {
	labels := prometheus.Labels{"status": string(status), "cached": strconv.FormatBool(cached)}
	m.answers.With(labels).Inc()
	m.duration.With(labels).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler(logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      slog.NewLogLogger(logger.Handler(), slog.LevelError),
		ErrorHandling: promhttp.ContinueOnError,
	})
}

var _ service.Observer = (*Metrics)(nil)

// cacheCollector reads cache statistics at scrape time.
type cacheCollector struct {
	src CacheStatsSource

	size      *prometheus.Desc
	maxSize   *prometheus.Desc
	hits      *prometheus.Desc
	misses    *prometheus.Desc
	evictions *prometheus.Desc
	hitRate   *prometheus.Desc
}

func newCacheCollector(src CacheStatsSource) *cacheCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", name), help, nil, nil)
	}
	return &cacheCollector{
		src:       src,
		size:      desc("entries", "Number of cached responses."),
		maxSize:   desc("max_entries", "Capacity of the response cache."),
		hits:      desc("hits_total", "Cache lookups that found a live entry."),
		misses:    desc("misses_total", "Cache lookups that found no live entry."),
		evictions: desc("evictions_total", "Entries evicted to make room."),
		hitRate:   desc("hit_rate_percent", "Hits as a percentage of lookups."),
	}
}

func (c *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.size
	ch <- c.maxSize
	ch <- c.hits
	ch <- c.misses
	ch <- c.evictions
	ch <- c.hitRate
}

func (c *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	stats, err := c.src.CacheStats()
	if err != nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(stats.Size))
	ch <- prometheus.MustNewConstMetric(c.maxSize, prometheus.GaugeValue, float64(stats.MaxSize))
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(stats.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(stats.Misses))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(stats.Evictions))
	ch <- prometheus.MustNewConstMetric(c.hitRate, prometheus.GaugeValue, stats.HitRatePercent)
}
