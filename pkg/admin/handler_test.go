package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/julienschmidt/httprouter"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/dinecache/pkg/cache"
	"github.com/Sternrassler/dinecache/pkg/rbac"
)

type fakeDomain struct {
	name  string
	stats cache.CacheStats
	reset int
}

func (d *fakeDomain) Namespace() string       { return d.name }
func (d *fakeDomain) Stats() cache.CacheStats { return d.stats }
func (d *fakeDomain) ResetStats()             { d.reset++; d.stats = cache.CacheStats{} }

func setup(t *testing.T) (*cache.RedisStore, *fakeDomain, http.Handler) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := cache.NewRedisStore(client, cache.DefaultConfig(), zerolog.Nop())

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "inventory:t1:location:l1", []byte(`[]`), time.Minute, []string{"inventory:t1"}))
	require.NoError(t, store.Set(ctx, "inventory:t1:item:i1", []byte(`{}`), time.Minute, []string{"inventory:t1"}))
	require.NoError(t, store.Set(ctx, "location:t1:l1", []byte(`{}`), time.Minute, []string{"location:t1"}))

	inv := &fakeDomain{name: "inventory", stats: cache.CacheStats{Hits: 7, Misses: 3, HitRate: 0.7}}
	h := New(store, rbac.NewGuard(rbac.HeaderResolver{}), inv)
	h.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	router := httprouter.New()
	h.Register(router)
	return store, inv, router
}

func do(t *testing.T, h http.Handler, method, target string, role rbac.Role) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if role != "" {
		req.Header.Set(rbac.HeaderUserID, "u1")
		req.Header.Set(rbac.HeaderUserRole, string(role))
		req.Header.Set(rbac.HeaderRestaurantID, "t1")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStats(t *testing.T) {
	_, _, h := setup(t)

	rec := do(t, h, http.MethodGet, "/cache/stats", rbac.RoleManager)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Cache     cache.CacheStats `json:"cache"`
		Inventory cache.CacheStats `json:"inventory"`
		Timestamp string           `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(3), body.Cache.Sets)
	require.NotNil(t, body.Cache.Store)
	assert.True(t, body.Cache.Store.Connected)
	assert.Equal(t, int64(7), body.Inventory.Hits)
	assert.Equal(t, "2026-03-01T12:00:00Z", body.Timestamp)
}

func TestStats_RequiresView(t *testing.T) {
	_, _, h := setup(t)

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/cache/stats", "").Code)
	assert.Equal(t, http.StatusForbidden, do(t, h, http.MethodGet, "/cache/stats", rbac.RoleWaiter).Code)
}

func TestInvalidate_PermissionGate(t *testing.T) {
	store, _, h := setup(t)
	ctx := context.Background()
	before := store.Stats(ctx)

	rec := do(t, h, http.MethodDelete, "/cache/stats?pattern=*", rbac.RoleManager)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodDelete, "/cache/stats?pattern=*", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	after := store.Stats(ctx)
	assert.Equal(t, before.Invalidations, after.Invalidations)
	assert.Equal(t, before.Store.Keys, after.Store.Keys)
	_, ok := store.Get(ctx, "location:t1:l1")
	assert.True(t, ok)
}

func TestInvalidate_TagIsIdempotent(t *testing.T) {
	store, _, h := setup(t)
	ctx := context.Background()

	rec := do(t, h, http.MethodDelete, "/cache/stats?pattern=tag:inventory:t1", rbac.RoleOwner)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp InvalidateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, "Cache cleared for pattern: tag:inventory:t1", resp.Message)

	rec = do(t, h, http.MethodDelete, "/cache/stats?pattern=tag:inventory:t1", rbac.RoleOwner)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Zero(t, resp.Count)

	_, ok := store.Get(ctx, "location:t1:l1")
	assert.True(t, ok)
}

func TestInvalidate_DefaultPattern(t *testing.T) {
	store, _, h := setup(t)

	rec := do(t, h, http.MethodDelete, "/cache/stats", rbac.RoleAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp InvalidateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Count)
	assert.Equal(t, "Cache cleared for pattern: *", resp.Message)

	assert.Zero(t, store.Stats(context.Background()).Store.Keys)
}

func TestInvalidate_InvalidPattern(t *testing.T) {
	store, _, h := setup(t)

	rec := do(t, h, http.MethodDelete, "/cache/stats?pattern=inventory:[", rbac.RoleOwner)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp InvalidateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)

	assert.Equal(t, int64(3), store.Stats(context.Background()).Store.Keys)
}

func TestInvalidate_PatternTooLong(t *testing.T) {
	store, _, h := setup(t)

	target := "/cache/stats?pattern=" + strings.Repeat("a", cache.MaxPatternLength+1)
	rec := do(t, h, http.MethodDelete, target, rbac.RoleOwner)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, int64(3), store.Stats(context.Background()).Store.Keys)
}

func TestReset(t *testing.T) {
	store, inv, h := setup(t)

	assert.Equal(t, http.StatusForbidden, do(t, h, http.MethodPost, "/cache/stats/reset", rbac.RoleManager).Code)
	assert.Zero(t, inv.reset)

	rec := do(t, h, http.MethodPost, "/cache/stats/reset", rbac.RoleOwner)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, inv.reset)
	assert.Zero(t, store.Stats(context.Background()).Sets)

	var body struct {
		Success bool                       `json:"success"`
		Stats   map[string]json.RawMessage `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	require.Contains(t, body.Stats, "inventory")
	assert.Contains(t, body.Stats, "timestamp")

	var inventory cache.CacheStats
	require.NoError(t, json.Unmarshal(body.Stats["inventory"], &inventory))
	assert.Zero(t, inventory.Hits)
}
