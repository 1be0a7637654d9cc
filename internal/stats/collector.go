// Package stats provides a unified interface for collecting metrics.
package stats

// Metric names used throughout the library.
const (
	// Query metrics.
	MetricFetches        = "querycache_fetches_total"
	MetricCacheHits      = "querycache_cache_hits_total"
	MetricCacheMisses    = "querycache_cache_misses_total"
	MetricSourceErrors   = "querycache_source_errors_total"
	MetricSlowQueries    = "querycache_slow_queries_total"
	MetricCoalesced      = "querycache_coalesced_total"
	MetricFetchSeconds   = "querycache_fetch_duration_seconds"
	MetricBatchRequested = "querycache_batch_requested_total"
	MetricBatchMissing   = "querycache_batch_missing_total"

	// Cache write and invalidation metrics.
	MetricWriteFailures = "querycache_write_failures_total"
	MetricInvalidations = "querycache_invalidations_total"
	MetricDecodeErrors  = "querycache_decode_errors_total"

	// Backend metrics.
	MetricBackendErrors        = "querycache_backend_errors_total"
	MetricBackendShortCircuits = "querycache_backend_short_circuits_total"
	MetricBackendState         = "querycache_backend_state"
	MetricMemoryEntries        = "querycache_memory_entries"
)

// Collector defines the interface for collecting metrics.
type Collector interface {
	// IncCounter increments a counter metric by delta.
	IncCounter(name string, delta int64)

	// SetGauge sets a gauge metric to value.
	SetGauge(name string, value int64)

	// ObserveHistogram records a value in a histogram metric.
	ObserveHistogram(name string, value float64)
}
