package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/dinecache/pkg/cache"
)

type fakeSource struct {
	mu        sync.Mutex
	items     map[string][]Item
	calls     map[string]int
	threshold int
	err       error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		items: map[string][]Item{
			"l1": {
				{ID: "i1", LocationID: "l1", Name: "Flour", Unit: "kg", Quantity: 20},
				{ID: "i2", LocationID: "l1", Name: "Butter", Unit: "kg", Quantity: 3},
			},
			"l2": {
				{ID: "i3", LocationID: "l2", Name: "Milk", Unit: "l", Quantity: 12},
			},
		},
		calls: make(map[string]int),
	}
}

func (f *fakeSource) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	return f.err
}

func (f *fakeSource) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeSource) LocationInventory(_ context.Context, _, locationID string) ([]Item, error) {
	if err := f.record("location:" + locationID); err != nil {
		return nil, err
	}
	return f.items[locationID], nil
}

func (f *fakeSource) Item(_ context.Context, _, itemID string) (Item, error) {
	if err := f.record("item:" + itemID); err != nil {
		return Item{}, err
	}
	for _, list := range f.items {
		for _, it := range list {
			if it.ID == itemID {
				return it, nil
			}
		}
	}
	return Item{}, errors.New("not found")
}

func (f *fakeSource) LowStockItems(_ context.Context, _, locationID string, threshold int) ([]Item, error) {
	if err := f.record("low:" + locationID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.threshold = threshold
	f.mu.Unlock()

	var out []Item
	for _, it := range f.items[locationID] {
		if it.Quantity <= float64(threshold) {
			out = append(out, it)
		}
	}
	return out, nil
}

func newTestCache(t *testing.T) (*miniredis.Miniredis, *Cache, *fakeSource) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := cache.NewRedisStore(client, cache.DefaultConfig(), zerolog.Nop())
	src := newFakeSource()
	return mr, New(store, src, NewEvents(client)), src
}

func TestNew_PanicsWithoutSource(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("New should panic with nil source")
		}
	}()
	New(cache.NewMemoryStore(10, time.Minute), nil, nil)
}

func TestCache_LocationInventory(t *testing.T) {
	mr, c, src := newTestCache(t)
	ctx := context.Background()

	items, err := c.LocationInventory(ctx, "t1", "l1")
	require.NoError(t, err)
	assert.Len(t, items, 2)

	items, err = c.LocationInventory(ctx, "t1", "l1")
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, 1, src.count("location:l1"))

	assert.True(t, mr.Exists("dc:e:inventory:t1:location:l1"))
	members, err := mr.SMembers("dc:t:" + LocationTag("t1", "l1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"inventory:t1:location:l1"}, members)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 0.001)
}

func TestCache_LocationInventory_TenantIsolation(t *testing.T) {
	_, c, src := newTestCache(t)
	ctx := context.Background()

	_, err := c.LocationInventory(ctx, "t1", "l1")
	require.NoError(t, err)
	_, err = c.LocationInventory(ctx, "t2", "l1")
	require.NoError(t, err)

	assert.Equal(t, 2, src.count("location:l1"), "tenants must not share entries")
}

func TestCache_SourceErrorNotCached(t *testing.T) {
	mr, c, src := newTestCache(t)
	ctx := context.Background()
	src.err = errors.New("database down")

	_, err := c.LocationInventory(ctx, "t1", "l1")
	require.Error(t, err)
	assert.False(t, mr.Exists("dc:e:inventory:t1:location:l1"))

	src.err = nil
	items, err := c.LocationInventory(ctx, "t1", "l1")
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, 2, src.count("location:l1"))
}

func TestCache_Item(t *testing.T) {
	_, c, src := newTestCache(t)
	ctx := context.Background()

	item, err := c.Item(ctx, "t1", "i2")
	require.NoError(t, err)
	assert.Equal(t, "Butter", item.Name)

	_, err = c.Item(ctx, "t1", "i2")
	require.NoError(t, err)
	assert.Equal(t, 1, src.count("item:i2"))

	_, err = c.Item(ctx, "t1", "missing")
	require.Error(t, err)
	_, err = c.Item(ctx, "t1", "missing")
	require.Error(t, err)
	assert.Equal(t, 2, src.count("item:missing"), "lookup failures are not cached")
}

func TestCache_LowStockItems(t *testing.T) {
	mr, c, src := newTestCache(t)
	ctx := context.Background()

	low, err := c.LowStockItems(ctx, "t1", "l1", 0)
	require.NoError(t, err)
	require.Len(t, low, 1)
	assert.Equal(t, "i2", low[0].ID)
	assert.Equal(t, DefaultLowStockThreshold, src.threshold)

	key := "dc:e:inventory:t1:location:l1:low-stock:10"
	require.True(t, mr.Exists(key))
	assert.Equal(t, LowStockTTL, mr.TTL(key))

	_, err = c.LowStockItems(ctx, "t1", "l1", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, src.count("low:l1"))

	mr.FastForward(LowStockTTL + time.Second)
	_, err = c.LowStockItems(ctx, "t1", "l1", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, src.count("low:l1"))
}

func TestCache_InvalidateLocation(t *testing.T) {
	mr, c, src := newTestCache(t)
	ctx := context.Background()

	_, err := c.LocationInventory(ctx, "t1", "l1")
	require.NoError(t, err)
	_, err = c.LowStockItems(ctx, "t1", "l1", 5)
	require.NoError(t, err)
	_, err = c.LocationInventory(ctx, "t1", "l2")
	require.NoError(t, err)

	sub, err := c.Subscribe(ctx, "t1", "l1")
	require.NoError(t, err)
	defer sub.Close()

	n, err := c.InvalidateLocation(ctx, "t1", "l1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.False(t, mr.Exists("dc:e:inventory:t1:location:l1"))
	assert.False(t, mr.Exists("dc:e:inventory:t1:location:l1:low-stock:5"))
	assert.True(t, mr.Exists("dc:e:inventory:t1:location:l2"), "other locations are untouched")

	e := receive(t, sub)
	assert.Equal(t, EventCacheInvalidated, e.Type)
	assert.Equal(t, "l1", e.LocationID)

	_, err = c.LocationInventory(ctx, "t1", "l1")
	require.NoError(t, err)
	assert.Equal(t, 2, src.count("location:l1"))

	n, err = c.InvalidateLocation(ctx, "t1", "unknown")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCache_UpdateLocationInventory(t *testing.T) {
	mr, c, src := newTestCache(t)
	ctx := context.Background()

	_, err := c.LowStockItems(ctx, "t1", "l1", 5)
	require.NoError(t, err)

	sub, err := c.Subscribe(ctx, "t1", "l1")
	require.NoError(t, err)
	defer sub.Close()

	fresh := []Item{{ID: "i9", LocationID: "l1", Name: "Salt", Quantity: 1}}
	require.NoError(t, c.UpdateLocationInventory(ctx, "t1", "l1", fresh))

	assert.False(t, mr.Exists("dc:e:inventory:t1:location:l1:low-stock:5"))

	items, err := c.LocationInventory(ctx, "t1", "l1")
	require.NoError(t, err)
	assert.Equal(t, fresh[0].ID, items[0].ID)
	assert.Zero(t, src.count("location:l1"), "list was written through")

	e := receive(t, sub)
	assert.Equal(t, EventInventoryUpdated, e.Type)
	assert.Equal(t, 1, e.ItemCount)
	assert.False(t, e.Timestamp.IsZero())
}

func TestCache_UpdateItemQuantity(t *testing.T) {
	mr, c, _ := newTestCache(t)
	ctx := context.Background()

	_, err := c.Item(ctx, "t1", "i1")
	require.NoError(t, err)
	_, err = c.LocationInventory(ctx, "t1", "l1")
	require.NoError(t, err)

	sub, err := c.Subscribe(ctx, "t1", "l1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, c.UpdateItemQuantity(ctx, "t1", "i1", "l1", -2.5))

	assert.False(t, mr.Exists("dc:e:inventory:t1:item:i1"))
	assert.False(t, mr.Exists("dc:e:inventory:t1:location:l1"))

	e := receive(t, sub)
	assert.Equal(t, EventQuantityChanged, e.Type)
	assert.Equal(t, "i1", e.ItemID)
	assert.Equal(t, -2.5, e.Delta)
}

func TestCache_BatchUpdate(t *testing.T) {
	mr, c, _ := newTestCache(t)
	ctx := context.Background()

	for _, loc := range []string{"l1", "l2"} {
		_, err := c.LocationInventory(ctx, "t1", loc)
		require.NoError(t, err)
	}

	sub1, err := c.Subscribe(ctx, "t1", "l1")
	require.NoError(t, err)
	defer sub1.Close()
	sub2, err := c.Subscribe(ctx, "t1", "l2")
	require.NoError(t, err)
	defer sub2.Close()

	err = c.BatchUpdate(ctx, "t1", []Update{
		{ItemID: "i1", LocationID: "l1", Delta: -1},
		{ItemID: "i2", LocationID: "l1", Delta: -1},
		{ItemID: "i3", LocationID: "l2", Delta: 4},
	})
	require.NoError(t, err)

	assert.False(t, mr.Exists("dc:e:inventory:t1:location:l1"))
	assert.False(t, mr.Exists("dc:e:inventory:t1:location:l2"))

	e1 := receive(t, sub1)
	assert.Equal(t, EventBatchUpdate, e1.Type)
	assert.Equal(t, 2, e1.UpdateCount)

	e2 := receive(t, sub2)
	assert.Equal(t, EventBatchUpdate, e2.Type)
	assert.Equal(t, 1, e2.UpdateCount)
}

func TestCache_InvalidateForTenant(t *testing.T) {
	mr, c, _ := newTestCache(t)
	ctx := context.Background()

	_, err := c.LocationInventory(ctx, "t1", "l1")
	require.NoError(t, err)
	_, err = c.Item(ctx, "t1", "i3")
	require.NoError(t, err)
	_, err = c.LocationInventory(ctx, "t2", "l1")
	require.NoError(t, err)

	n, err := c.InvalidateForTenant(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, mr.Exists("dc:e:inventory:t2:location:l1"))

	_, err = c.InvalidateForTenant(ctx, "")
	assert.ErrorIs(t, err, cache.ErrInvalidKey)
}

func TestCache_WithoutEvents(t *testing.T) {
	c := New(cache.NewMemoryStore(100, time.Minute), newFakeSource(), nil)
	ctx := context.Background()

	_, err := c.LocationInventory(ctx, "t1", "l1")
	require.NoError(t, err)
	_, err = c.InvalidateLocation(ctx, "t1", "l1")
	require.NoError(t, err)

	_, err = c.Subscribe(ctx, "t1", "l1")
	assert.Error(t, err)
}

func TestCache_StoreUnavailable(t *testing.T) {
	mr, c, src := newTestCache(t)
	ctx := context.Background()
	mr.Close()

	items, err := c.LocationInventory(ctx, "t1", "l1")
	require.NoError(t, err, "cache failures must not reach the caller")
	assert.Len(t, items, 2)
	assert.Equal(t, 1, src.count("location:l1"))
}

func TestCache_ResetStats(t *testing.T) {
	_, c, _ := newTestCache(t)
	ctx := context.Background()

	_, err := c.LocationInventory(ctx, "t1", "l1")
	require.NoError(t, err)
	_, err = c.Item(ctx, "t1", "i1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.Stats().Misses)

	c.ResetStats()
	stats := c.Stats()
	assert.Zero(t, stats.Misses)
	assert.Zero(t, stats.Sets)
	assert.False(t, stats.LastResetAt.IsZero())
}

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}
