// Package metrics exposes Prometheus collectors for the crawl pipeline.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlRunsTotal         *prometheus.CounterVec
	crawlPagesTotal        *prometheus.CounterVec
	documentsUpsertedTotal *prometheus.CounterVec
	documentsDroppedTotal  *prometheus.CounterVec
	recordsSkippedTotal    *prometheus.CounterVec
	activeWorkers          prometheus.Gauge
	entitiesByStatus       *prometheus.GaugeVec
	pageFetchSeconds       *prometheus.HistogramVec
	rateLimitDelaysSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_runs_total",
				Help: "Total crawl runs completed, labeled by provider and final status.",
			},
			[]string{"provider", "status"},
		)

		crawlPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_pages_total",
				Help: "Total provider pages fetched, labeled by provider.",
			},
			[]string{"provider"},
		)

		documentsUpsertedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "documents_upserted_total",
				Help: "Total documents committed to the store, labeled by kind.",
			},
			[]string{"kind"},
		)

		documentsDroppedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "documents_dropped_total",
				Help: "Total documents rejected by the store and dropped from batches.",
			},
			[]string{"provider"},
		)

		recordsSkippedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "records_skipped_total",
				Help: "Total raw records skipped during transformation, labeled by provider and reason.",
			},
			[]string{"provider", "reason"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawl_active_workers",
				Help: "Number of workers currently executing a crawl run.",
			},
		)

		entitiesByStatus = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawl_entities",
				Help: "Configured crawler entities, labeled by status.",
			},
			[]string{"status"},
		)

		pageFetchSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawl_page_fetch_duration_seconds",
				Help:    "Histogram of provider page fetch latencies, labeled by provider.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"provider"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawl_rate_limit_delay_seconds",
				Help:    "Histogram of delays introduced by the shared rate limiter, labeled by host.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
			},
			[]string{"host"},
		)
	})
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// IncCrawlRun records one completed crawl run.
func IncCrawlRun(provider, status string) {
	if crawlRunsTotal != nil {
		crawlRunsTotal.WithLabelValues(provider, status).Inc()
	}
}

// IncPageFetched records one fetched provider page and its latency.
func IncPageFetched(provider string, dur time.Duration) {
	if crawlPagesTotal != nil {
		crawlPagesTotal.WithLabelValues(provider).Inc()
	}
	if pageFetchSeconds != nil {
		pageFetchSeconds.WithLabelValues(provider).Observe(dur.Seconds())
	}
}

// AddDocumentsUpserted records committed documents by kind.
func AddDocumentsUpserted(kind string, n int) {
	if documentsUpsertedTotal != nil && n > 0 {
		documentsUpsertedTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// AddDocumentsDropped records store-rejected documents.
func AddDocumentsDropped(provider string, n int) {
	if documentsDroppedTotal != nil && n > 0 {
		documentsDroppedTotal.WithLabelValues(provider).Add(float64(n))
	}
}

// IncRecordSkipped records one raw record skipped during transformation.
func IncRecordSkipped(provider, reason string) {
	if recordsSkippedTotal != nil {
		recordsSkippedTotal.WithLabelValues(provider, reason).Inc()
	}
}

// WorkerStarted marks a worker busy.
func WorkerStarted() {
	if activeWorkers != nil {
		activeWorkers.Inc()
	}
}

// WorkerFinished marks a worker free.
func WorkerFinished() {
	if activeWorkers != nil {
		activeWorkers.Dec()
	}
}

// SetEntities publishes the per-status entity counts from the last poll.
// Every known status is written each sweep so a population that drops to
// zero stops reporting its last value.
func SetEntities(counts map[string]int) {
	if entitiesByStatus == nil {
		return
	}
	for _, status := range entityStatuses {
		entitiesByStatus.WithLabelValues(status).Set(float64(counts[status]))
	}
}

var entityStatuses = []string{"idle", "running", "errored"}

// ObserveRateLimitDelay records time spent waiting on the shared limiter.
func ObserveRateLimitDelay(host string, d time.Duration) {
	if rateLimitDelaysSeconds != nil {
		rateLimitDelaysSeconds.WithLabelValues(host).Observe(d.Seconds())
	}
}
