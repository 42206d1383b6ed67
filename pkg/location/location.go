// Package location caches restaurant locations and their tables.
package location

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/dinecache/pkg/cache"
	"github.com/Sternrassler/dinecache/pkg/logging"
)

const (
	// Namespace is the key namespace for location entries.
	Namespace = "location"

	// LocationTTL applies to location details, which rarely change.
	LocationTTL = time.Hour

	// TablesTTL applies to table lists.
	TablesTTL = 5 * time.Minute
)

// Cache is the location façade.
type Cache struct {
	locations *cache.Domain[Location]
	tables    *cache.Domain[[]Table]
	source    Source
	logger    zerolog.Logger
}

// New creates a location cache.
func New(store cache.Store, source Source) *Cache {
	if source == nil {
		panic("location cache requires a source")
	}
	return &Cache{
		locations: cache.NewDomain[Location](store, Namespace, LocationTTL),
		tables:    cache.NewDomain[[]Table](store, Namespace, TablesTTL),
		source:    source,
		logger:    logging.NewLogger("location-cache"),
	}
}

// Tag returns the tag shared by a location and its tables.
func Tag(tenantID, locationID string) string {
	return cache.BuildTag(Namespace, tenantID, locationID)
}

// Location returns a location's details.
func (c *Cache) Location(ctx context.Context, tenantID, locationID string) (Location, error) {
	return c.locations.GetOrLoadWith(ctx, tenantID, []string{locationID},
		func(ctx context.Context) (Location, error) {
			return c.source.Location(ctx, tenantID, locationID)
		},
		cache.WithTags(Tag(tenantID, locationID)),
	)
}

// Tables returns a location's tables.
func (c *Cache) Tables(ctx context.Context, tenantID, locationID string) ([]Table, error) {
	return c.tables.GetOrLoadWith(ctx, tenantID, []string{locationID, "tables"},
		func(ctx context.Context) ([]Table, error) {
			return c.source.Tables(ctx, tenantID, locationID)
		},
		cache.WithTags(Tag(tenantID, locationID)),
	)
}

// InvalidateLocation drops a location and its tables. Call it after the
// location or any of its tables is written.
func (c *Cache) InvalidateLocation(ctx context.Context, tenantID, locationID string) (int, error) {
	n, err := c.locations.InvalidateTag(ctx, Tag(tenantID, locationID))
	if err != nil {
		return n, fmt.Errorf("invalidate location %s: %w", locationID, err)
	}
	c.logger.Debug().Str("tenant", tenantID).Str("location", locationID).Int("removed", n).Msg("Location invalidated")
	return n, nil
}

// InvalidateForTenant drops every location entry of tenantID.
func (c *Cache) InvalidateForTenant(ctx context.Context, tenantID string) (int, error) {
	return c.locations.InvalidateForTenant(ctx, tenantID)
}

// Namespace returns the key namespace.
func (c *Cache) Namespace() string { return Namespace }

// Stats returns the combined counters of locations and tables.
func (c *Cache) Stats() cache.CacheStats {
	return cache.MergeStats(c.locations.Stats(), c.tables.Stats())
}

// ResetStats zeroes the counters.
func (c *Cache) ResetStats() {
	c.locations.ResetStats()
	c.tables.ResetStats()
}
