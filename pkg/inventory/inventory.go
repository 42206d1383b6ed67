// Package inventory caches per-location stock levels in front of the
// system of record and announces changes to subscribers.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/dinecache/pkg/cache"
	"github.com/Sternrassler/dinecache/pkg/logging"
)

const (
	// Namespace is the key namespace for inventory entries.
	Namespace = "inventory"

	// DefaultTTL applies to location lists and items.
	DefaultTTL = 5 * time.Minute

	// LowStockTTL is shorter because low stock lists drive reorders.
	LowStockTTL = time.Minute

	// DefaultLowStockThreshold is used when the caller passes none.
	DefaultLowStockThreshold = 10
)

// Cache is the inventory façade. Location lists and low stock lists carry
// the location's tag so a single invalidation drops every view of it.
type Cache struct {
	lists  *cache.Domain[[]Item]
	items  *cache.Domain[Item]
	source Source
	events *Events
	logger zerolog.Logger
}

// New creates an inventory cache. events may be nil to disable change
// notifications.
func New(store cache.Store, source Source, events *Events) *Cache {
	if source == nil {
		panic("inventory cache requires a source")
	}
	return &Cache{
		lists:  cache.NewDomain[[]Item](store, Namespace, DefaultTTL),
		items:  cache.NewDomain[Item](store, Namespace, DefaultTTL),
		source: source,
		events: events,
		logger: logging.NewLogger("inventory-cache"),
	}
}

// LocationTag returns the tag shared by every cached view of a location.
func LocationTag(tenantID, locationID string) string {
	return cache.BuildTag(Namespace, tenantID, "location", locationID)
}

func locationParts(locationID string) []string {
	return []string{"location", locationID}
}

func lowStockPrefix(tenantID, locationID string) cache.CacheKey {
	return cache.BuildKey(Namespace, tenantID, "location", locationID, "low-stock")
}

// LocationInventory returns every item stocked at a location.
func (c *Cache) LocationInventory(ctx context.Context, tenantID, locationID string) ([]Item, error) {
	return c.lists.GetOrLoadWith(ctx, tenantID, locationParts(locationID),
		func(ctx context.Context) ([]Item, error) {
			return c.source.LocationInventory(ctx, tenantID, locationID)
		},
		cache.WithTags(LocationTag(tenantID, locationID)),
	)
}

// Item returns a single item. Lookup failures, including not found, are
// not cached.
func (c *Cache) Item(ctx context.Context, tenantID, itemID string) (Item, error) {
	return c.items.GetOrLoad(ctx, tenantID, func(ctx context.Context) (Item, error) {
		return c.source.Item(ctx, tenantID, itemID)
	}, "item", itemID)
}

// LowStockItems returns items at a location with a batch at or below
// threshold.
func (c *Cache) LowStockItems(ctx context.Context, tenantID, locationID string, threshold int) ([]Item, error) {
	if threshold <= 0 {
		threshold = DefaultLowStockThreshold
	}
	parts := append(locationParts(locationID), "low-stock", strconv.Itoa(threshold))
	return c.lists.GetOrLoadWith(ctx, tenantID, parts,
		func(ctx context.Context) ([]Item, error) {
			return c.source.LowStockItems(ctx, tenantID, locationID, threshold)
		},
		cache.WithTTL(LowStockTTL),
		cache.WithTags(LocationTag(tenantID, locationID)),
	)
}

// UpdateLocationInventory writes a fresh location list through the cache
// and drops the location's low stock lists, which it makes stale.
func (c *Cache) UpdateLocationInventory(ctx context.Context, tenantID, locationID string, items []Item) error {
	if err := c.lists.Set(ctx, tenantID, locationParts(locationID), items,
		cache.WithTags(LocationTag(tenantID, locationID))); err != nil {
		return fmt.Errorf("update location inventory: %w", err)
	}

	pattern := lowStockPrefix(tenantID, locationID).String() + cache.KeyDelimiter + "*"
	if _, err := c.lists.InvalidatePattern(ctx, pattern); err != nil {
		return fmt.Errorf("drop low stock lists: %w", err)
	}

	c.publish(ctx, Event{
		Type:       EventInventoryUpdated,
		TenantID:   tenantID,
		LocationID: locationID,
		ItemCount:  len(items),
	})
	return nil
}

// InvalidateLocation drops every cached view of a location.
func (c *Cache) InvalidateLocation(ctx context.Context, tenantID, locationID string) (int, error) {
	n, err := c.lists.InvalidateTag(ctx, LocationTag(tenantID, locationID))
	if err != nil {
		return n, fmt.Errorf("invalidate location: %w", err)
	}

	c.publish(ctx, Event{
		Type:       EventCacheInvalidated,
		TenantID:   tenantID,
		LocationID: locationID,
	})
	return n, nil
}

// UpdateItemQuantity drops the item and its location's views after a stock
// movement.
func (c *Cache) UpdateItemQuantity(ctx context.Context, tenantID, itemID, locationID string, delta float64) error {
	if _, err := c.items.Invalidate(ctx, tenantID, "item", itemID); err != nil {
		return fmt.Errorf("invalidate item: %w", err)
	}
	if _, err := c.lists.InvalidateTag(ctx, LocationTag(tenantID, locationID)); err != nil {
		return fmt.Errorf("invalidate location: %w", err)
	}

	c.publish(ctx, Event{
		Type:       EventQuantityChanged,
		TenantID:   tenantID,
		LocationID: locationID,
		ItemID:     itemID,
		Delta:      delta,
	})
	return nil
}

// BatchUpdate applies UpdateItemQuantity's invalidations for many updates,
// publishing one event per affected location.
func (c *Cache) BatchUpdate(ctx context.Context, tenantID string, updates []Update) error {
	var order []string
	counts := make(map[string]int)
	var errs []error

	for _, u := range updates {
		if _, ok := counts[u.LocationID]; !ok {
			order = append(order, u.LocationID)
		}
		counts[u.LocationID]++

		if _, err := c.items.Invalidate(ctx, tenantID, "item", u.ItemID); err != nil {
			errs = append(errs, fmt.Errorf("invalidate item %s: %w", u.ItemID, err))
		}
	}

	for _, locationID := range order {
		if _, err := c.lists.InvalidateTag(ctx, LocationTag(tenantID, locationID)); err != nil {
			errs = append(errs, fmt.Errorf("invalidate location %s: %w", locationID, err))
			continue
		}
		c.publish(ctx, Event{
			Type:        EventBatchUpdate,
			TenantID:    tenantID,
			LocationID:  locationID,
			UpdateCount: counts[locationID],
		})
	}
	return errors.Join(errs...)
}

// InvalidateForTenant drops every inventory entry of tenantID.
func (c *Cache) InvalidateForTenant(ctx context.Context, tenantID string) (int, error) {
	return c.lists.InvalidateForTenant(ctx, tenantID)
}

// Subscribe delivers change events for one location.
func (c *Cache) Subscribe(ctx context.Context, tenantID, locationID string) (*Subscription, error) {
	if c.events == nil {
		return nil, fmt.Errorf("inventory events are not configured")
	}
	return c.events.Subscribe(ctx, tenantID, locationID)
}

func (c *Cache) publish(ctx context.Context, e Event) {
	if c.events == nil {
		return
	}
	if err := c.events.Publish(ctx, e); err != nil {
		c.logger.Warn().
			Err(err).
			Str("type", string(e.Type)).
			Str("location", e.LocationID).
			Msg("Failed to publish inventory event")
	}
}

// Namespace returns the key namespace.
func (c *Cache) Namespace() string { return Namespace }

// Stats returns the combined counters of lists and items.
func (c *Cache) Stats() cache.CacheStats {
	return cache.MergeStats(c.lists.Stats(), c.items.Stats())
}

// ResetStats zeroes the counters.
func (c *Cache) ResetStats() {
	c.lists.ResetStats()
	c.items.ResetStats()
}
