package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by layer (memory, redis)
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dinecache_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"layer"},
	)

	// CacheMisses tracks cache misses by layer
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dinecache_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"layer"},
	)

	// CacheSets tracks successful writes by layer
	CacheSets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dinecache_cache_sets_total",
			Help: "Total number of cache writes",
		},
		[]string{"layer"},
	)

	// CacheInvalidations tracks entries removed by invalidation, by layer and pattern kind
	CacheInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dinecache_cache_invalidations_total",
			Help: "Total number of cache entries removed by invalidation",
		},
		[]string{"layer", "kind"}, // kind: "exact", "glob", "tag"
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dinecache_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"layer", "operation"}, // "get", "set", "invalidate", "decode", "sweep"
	)

	// DomainRequests tracks typed façade lookups by namespace and outcome
	DomainRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dinecache_domain_requests_total",
			Help: "Total number of domain cache lookups by outcome",
		},
		[]string{"namespace", "result"}, // "hit", "miss", "bypass", "load_error"
	)

	// TagIndexPruned tracks stale tag index members removed by sweeps
	TagIndexPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dinecache_tag_index_pruned_total",
			Help: "Total number of tag index members pruned after entry expiry",
		},
	)

	// StoreDegraded is 1 while the distributed store is in its failure cooldown
	StoreDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dinecache_store_degraded",
			Help: "Whether the distributed cache store is short-circuited after repeated failures",
		},
	)
)
