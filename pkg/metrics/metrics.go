// Package metrics exposes the Prometheus registry of the reach engine. All
// metrics are defined in their respective packages (ratelimit, usage, cache,
// client, retry, batch) and registered there via promauto.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer the engine's metrics are registered with.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer matching Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Names lists every metric family the engine registers.
var Names = []string{
	// pkg/ratelimit
	"reach_limiter_in_flight",
	"reach_limiter_wait_seconds",
	"reach_limiter_multiplier",
	"reach_limiter_dispatch_total",
	// pkg/usage
	"reach_remote_usage_ratio",
	"reach_usage_calls_total",
	"reach_usage_rate_limit_errors_total",
	"reach_usage_malformed_headers_total",
	// pkg/cache
	"reach_cache_hits_total",
	"reach_cache_misses_total",
	"reach_cache_entries",
	"reach_cache_errors_total",
	// pkg/client
	"reach_api_requests_total",
	"reach_api_request_duration_seconds",
	"reach_api_errors_total",
	// pkg/retry
	"reach_retries_total",
	"reach_retry_backoff_seconds",
	"reach_retry_exhausted_total",
	// pkg/batch
	"reach_batch_units_total",
	"reach_batch_duration_seconds",
	"reach_batch_runs_total",
}

// Metrics Documentation
//
// Limiter (pkg/ratelimit), label limiter:
//   - reach_limiter_in_flight (Gauge): calls in flight
//   - reach_limiter_wait_seconds (Histogram): admission wait
//   - reach_limiter_multiplier (Gauge): adaptive ceiling multiplier, 1 = configured
//   - reach_limiter_dispatch_total (Counter): dispatched calls
//
// Usage (pkg/usage), label dimension:
//   - reach_remote_usage_ratio (Gauge): last reported remote usage fraction
//   - reach_usage_calls_total (Counter): calls recorded
//   - reach_usage_rate_limit_errors_total (Counter): throttled results
//   - reach_usage_malformed_headers_total (Counter): unparseable usage headers
//
// Cache (pkg/cache):
//   - reach_cache_hits_total{table, layer} (Counter): layer is memory, redis or shared
//   - reach_cache_misses_total{table} (Counter)
//   - reach_cache_entries{table} (Gauge)
//   - reach_cache_errors_total{operation} (Counter)
//
// Requests (pkg/client):
//   - reach_api_requests_total{operation, status} (Counter)
//   - reach_api_request_duration_seconds{operation} (Histogram)
//   - reach_api_errors_total{kind} (Counter)
//
// Retries (pkg/retry), label kind:
//   - reach_retries_total (Counter)
//   - reach_retry_backoff_seconds (Histogram)
//   - reach_retry_exhausted_total (Counter)
//
// Runs (pkg/batch):
//   - reach_batch_units_total{state} (Counter)
//   - reach_batch_duration_seconds (Histogram)
//   - reach_batch_runs_total{outcome} (Counter)
//
// Example Prometheus Queries:
//
//	# Cache hit rate
//	sum(rate(reach_cache_hits_total[5m])) /
//	(sum(rate(reach_cache_hits_total[5m])) + sum(rate(reach_cache_misses_total[5m])))
//
//	# Throttling active
//	reach_limiter_multiplier < 1
//
//	# Failed units per minute
//	sum(rate(reach_batch_units_total{state="failed"}[1m])) * 60
//
//	# P95 estimate latency
//	histogram_quantile(0.95, rate(reach_api_request_duration_seconds_bucket{operation=~"estimate.*"}[5m]))
