package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SyncMetrics is a point in time summary of the sync layer counters.
type SyncMetrics struct {
	CacheHitRatio            float64   `json:"cacheHitRatio"`
	CacheHits                uint64    `json:"cacheHits"`
	CacheMisses              uint64    `json:"cacheMisses"`
	RequestsTotal            uint64    `json:"requestsTotal"`
	AverageRequestDurationMs float64   `json:"averageRequestDurationMs"`
	SnapshotsApplied         uint64    `json:"snapshotsApplied"`
	Rollbacks                uint64    `json:"rollbacks"`
	CascadeFailures          uint64    `json:"cascadeFailures"`
	FeedErrors               uint64    `json:"feedErrors"`
	ActiveSubscriptions      int64     `json:"activeSubscriptions"`
	Goroutines               int       `json:"goroutines"`
	GeneratedAt              time.Time `json:"generatedAt"`
}

// MetricsService encapsulates Prometheus instrumentation for the HTTP surface and the sync layer.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheLatency    prometheus.Observer
	cacheWrite      prometheus.Observer
	cacheHitRatio   prometheus.Gauge
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	snapshots       *prometheus.CounterVec
	rollbacks       *prometheus.CounterVec
	cascadeFailures prometheus.Counter
	feedErrors      *prometheus.CounterVec
	subscriptions   prometheus.Gauge

	cacheHitCount        uint64
	cacheMissCount       uint64
	requestCount         uint64
	requestDurationTotal uint64
	snapshotCount        uint64
	rollbackCount        uint64
	cascadeFailureCount  uint64
	feedErrorCount       uint64
	subscriptionCount    int64
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "snapshot_cache_latency_seconds",
		Help:    "Latency for snapshot cache lookups",
		Buckets: prometheus.DefBuckets,
	})

	cacheWrite := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "snapshot_cache_write_seconds",
		Help:    "Latency for snapshot cache writes",
		Buckets: prometheus.DefBuckets,
	})

	cacheHitRatio := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "snapshot_cache_hit_ratio",
		Help: "Ratio of cache hits to total cache lookups",
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "snapshot_cache_hits_total",
		Help: "Total snapshot cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "snapshot_cache_misses_total",
		Help: "Total snapshot cache misses",
	})

	snapshots := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_snapshots_applied_total",
		Help: "Live snapshots applied to views",
	}, []string{"view"})

	rollbacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_optimistic_rollbacks_total",
		Help: "Optimistic mutations rolled back after a failed remote write",
	}, []string{"operation"})

	cascadeFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_cascade_failures_total",
		Help: "Documents left behind by a course delete",
	})

	feedErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_feed_errors_total",
		Help: "Errors reported by collection feeds",
	}, []string{"collection"})

	subscriptions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sync_active_subscriptions",
		Help: "Open collection subscriptions",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLatency, cacheWrite, cacheHitRatio, cacheHits, cacheMisses,
		snapshots, rollbacks, cascadeFailures, feedErrors, subscriptions, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		cacheLatency:    cacheLatency,
		cacheWrite:      cacheWrite,
		cacheHitRatio:   cacheHitRatio,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
		snapshots:       snapshots,
		rollbacks:       rollbacks,
		cascadeFailures: cascadeFailures,
		feedErrors:      feedErrors,
		subscriptions:   subscriptions,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics and aggregates simple stats for snapshots.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
	atomic.AddUint64(&m.requestCount, 1)
	atomic.AddUint64(&m.requestDurationTotal, uint64(duration.Nanoseconds()))
}

// RecordCacheOperation records cache hit/miss metrics and updates hit ratio.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.Observe(duration.Seconds())
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
	} else {
		m.cacheMisses.Inc()
		atomic.AddUint64(&m.cacheMissCount, 1)
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	if total := hits + misses; total > 0 {
		m.cacheHitRatio.Set(float64(hits) / float64(total))
	}
}

// ObserveCacheWrite tracks the duration for cache write operations.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

// RecordSnapshot counts a live snapshot applied to the named view.
func (m *MetricsService) RecordSnapshot(view string) {
	if m == nil {
		return
	}
	m.snapshots.WithLabelValues(view).Inc()
	atomic.AddUint64(&m.snapshotCount, 1)
}

// RecordRollback counts an optimistic mutation undone after a remote failure.
func (m *MetricsService) RecordRollback(operation string) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(operation).Inc()
	atomic.AddUint64(&m.rollbackCount, 1)
}

// RecordCascadeFailure counts a dependent document that could not be deleted.
func (m *MetricsService) RecordCascadeFailure() {
	if m == nil {
		return
	}
	m.cascadeFailures.Inc()
	atomic.AddUint64(&m.cascadeFailureCount, 1)
}

// RecordFeedError counts an error delivered by a collection feed.
func (m *MetricsService) RecordFeedError(collection string) {
	if m == nil {
		return
	}
	m.feedErrors.WithLabelValues(collection).Inc()
	atomic.AddUint64(&m.feedErrorCount, 1)
}

// TrackSubscription adjusts the open subscription gauge by delta.
func (m *MetricsService) TrackSubscription(delta int) {
	if m == nil {
		return
	}
	m.subscriptions.Add(float64(delta))
	atomic.AddInt64(&m.subscriptionCount, int64(delta))
}

// Snapshot returns aggregated metrics suitable for the health endpoint.
func (m *MetricsService) Snapshot() SyncMetrics {
	if m == nil {
		return SyncMetrics{}
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	requests := atomic.LoadUint64(&m.requestCount)
	reqDuration := atomic.LoadUint64(&m.requestDurationTotal)

	var cacheRatio float64
	if totalLookups := hits + misses; totalLookups > 0 {
		cacheRatio = float64(hits) / float64(totalLookups)
	}

	var avgRequestMs float64
	if requests > 0 {
		avgRequestMs = float64(reqDuration) / float64(requests) / float64(time.Millisecond)
	}

	return SyncMetrics{
		CacheHitRatio:            cacheRatio,
		CacheHits:                hits,
		CacheMisses:              misses,
		RequestsTotal:            requests,
		AverageRequestDurationMs: avgRequestMs,
		SnapshotsApplied:         atomic.LoadUint64(&m.snapshotCount),
		Rollbacks:                atomic.LoadUint64(&m.rollbackCount),
		CascadeFailures:          atomic.LoadUint64(&m.cascadeFailureCount),
		FeedErrors:               atomic.LoadUint64(&m.feedErrorCount),
		ActiveSubscriptions:      atomic.LoadInt64(&m.subscriptionCount),
		Goroutines:               runtime.NumGoroutine(),
		GeneratedAt:              time.Now().UTC(),
	}
}
