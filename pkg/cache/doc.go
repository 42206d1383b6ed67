// Package cache provides the two-tier cache that shields the restaurant
// system of record from read-heavy traffic.
//
// The package is organised in layers:
//
// - Keys and tags (BuildKey, BuildTag) are pure and collision-free across tenants
// - RedisStore is the distributed store with TTLs and a per-tag index
// - MemoryStore is the in-process LRU tier
// - Tiered combines both and fans invalidations out over Redis pub/sub
// - Domain[T] is the typed cache-aside façade used by entity packages
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	store := cache.NewRedisStore(redisClient, cache.DefaultConfig(), logger)
//	menus := cache.NewDomain[Menu](store, "menu", 5*time.Minute)
//
//	menu, err := menus.GetOrLoad(ctx, tenantID, func(ctx context.Context) (Menu, error) {
//		return db.LoadMenu(ctx, tenantID)
//	}, menuID)
//
// # Invalidation
//
// Invalidate accepts three kinds of pattern:
//
//	inventory:rest-42:item:sku-1     exact key
//	inventory:rest-42:*              glob, walked with SCAN
//	tag:inventory:rest-42            every entry registered under a tag
//
// Mutation paths call InvalidateForTenant (or a narrower tag) around the
// write commit:
//
//	if _, err := menus.InvalidateForTenant(ctx, tenantID); err != nil {
//		logger.Warn().Err(err).Msg("menu cache invalidation failed")
//	}
//
// # Failure Handling
//
// Caching is an optimisation, never a correctness dependency. Store timeouts
// and transport errors are reported as misses, and after repeated failures
// the store stops calling Redis for a cooldown window. Undecodable entries
// are dropped and treated as misses.
//
// # Metrics
//
//   - dinecache_cache_hits_total{layer} - Cache hits
//   - dinecache_cache_misses_total{layer} - Cache misses
//   - dinecache_cache_sets_total{layer} - Cache writes
//   - dinecache_cache_invalidations_total{layer, kind} - Entries removed by invalidation
//   - dinecache_cache_errors_total{layer, operation} - Cache operation errors
//   - dinecache_domain_requests_total{namespace, result} - Façade lookups
//   - dinecache_tag_index_pruned_total - Tag index members pruned by Sweep
//   - dinecache_store_degraded - 1 during the failure cooldown
package cache
