package cache

import (
	"context"
	"time"
)

// Store is a key/value cache with TTLs and tag-indexed invalidation.
//
// Implementations degrade instead of failing reads: Get reports a miss when
// the backend is unreachable or the stored value is unreadable.
type Store interface {
	// Get returns the stored value, or false on miss.
	Get(ctx context.Context, key string) ([]byte, bool)

	// Set stores value for ttl and registers key under each tag.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error

	// Invalidate removes every entry selected by pattern (exact key, glob,
	// or "tag:<tag>") and returns how many were removed.
	Invalidate(ctx context.Context, pattern string) (int, error)

	// Stats returns the store's counters.
	Stats(ctx context.Context) CacheStats
}
