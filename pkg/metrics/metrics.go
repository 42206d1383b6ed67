// Package metrics exposes the Prometheus registry shared by every dinecache
// package. Metrics are defined next to the code that records them (cache,
// edge, origin) and registered through promauto.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer every package's promauto metrics land in.
var Registry = prometheus.DefaultRegisterer

// Gatherer serves what Registry collects.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the scrape endpoint. Collection errors are reported in
// the response instead of failing the scrape.
func Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(Registry,
		promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{
			ErrorHandling: promhttp.ContinueOnError,
		}))
}

// NewIsolatedRegistry returns a registry with the Go and process collectors
// for tests and embedders that must not share the default one.
func NewIsolatedRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Metrics Documentation
//
// Cache Store Metrics (pkg/cache):
//   - dinecache_cache_hits_total{layer} (Counter): Hits by layer (memory, redis)
//   - dinecache_cache_misses_total{layer} (Counter): Misses by layer
//   - dinecache_cache_sets_total{layer} (Counter): Writes by layer
//   - dinecache_cache_invalidations_total{layer, kind} (Counter): Entries removed by exact, glob, or tag invalidation
//   - dinecache_cache_errors_total{layer, operation} (Counter): Store operation errors
//   - dinecache_tag_index_pruned_total (Counter): Tag index members pruned by the sweeper
//   - dinecache_store_degraded (Gauge): 1 while the Redis store is short-circuited
//
// Domain Metrics (pkg/cache):
//   - dinecache_domain_requests_total{namespace, result} (Counter): Typed lookups by hit, miss, bypass, load_error
//
// Edge Metrics (pkg/edge):
//   - dinecache_edge_requests_total{result} (Counter): Edge requests by hit, miss, uncacheable, bypass, error
//   - dinecache_edge_populations_total{outcome} (Counter): Background edge writes by stored, error, dropped
//
// Origin Metrics (pkg/origin):
//   - dinecache_origin_requests_total{method, status} (Counter): Origin requests by method and status
//   - dinecache_origin_request_duration_seconds{method} (Histogram): Origin latency
//   - dinecache_origin_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//   - dinecache_origin_retries_total{error_class} (Counter): Retry attempts
//   - dinecache_origin_retry_backoff_seconds{error_class} (Histogram): Backoff before each retry
//   - dinecache_origin_retry_exhausted_total{error_class} (Counter): Requests that used every attempt
//
// Example Prometheus Queries:
//
//   # Redis Hit Rate
//   sum(rate(dinecache_cache_hits_total{layer="redis"}[5m])) /
//   (sum(rate(dinecache_cache_hits_total{layer="redis"}[5m])) + sum(rate(dinecache_cache_misses_total{layer="redis"}[5m])))
//
//   # Inventory Loads Per Second
//   rate(dinecache_domain_requests_total{namespace="inventory",result="miss"}[5m])
//
//   # Edge Hit Ratio
//   rate(dinecache_edge_requests_total{result="hit"}[5m]) / rate(dinecache_edge_requests_total[5m])
//
//   # Degraded Store
//   max(dinecache_store_degraded) == 1
//
//   # P95 Origin Latency
//   histogram_quantile(0.95, rate(dinecache_origin_request_duration_seconds_bucket[5m]))
