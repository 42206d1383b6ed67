package edge

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/dinecache/internal/testutil"
	"github.com/Sternrassler/dinecache/pkg/origin"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestProxy(t *testing.T, cfg Config) (*Proxy, *testutil.MockOrigin, *fakeClock) {
	t.Helper()
	mock := testutil.NewMockOrigin()
	t.Cleanup(mock.Close)

	ocfg := origin.DefaultConfig(mock.URL())
	ocfg.Retry.MaxAttempts = 1
	client, err := origin.New(ocfg)
	require.NoError(t, err)

	clock := newFakeClock()
	if cfg.TTL == 0 {
		cfg.TTL = 300 * time.Second
	}
	store := NewMemoryStore(100, time.Hour, WithClock(clock.Now))
	p := New(client, store, cfg)
	p.SetClock(clock.Now)
	t.Cleanup(func() { p.Close() })
	return p, mock, clock
}

func get(t *testing.T, p *Proxy, target string, header http.Header) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	p.Wait()
	return rec.Result()
}

func bodyOf(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestProxy_CacheAside(t *testing.T) {
	p, mock, clock := newTestProxy(t, Config{TTL: 300 * time.Second})
	mock.SetResponse("/menu", testutil.NewJSONResponse(`{"items":["soup"]}`))

	first := get(t, p, "http://edge.example.com/menu", nil)
	assert.Equal(t, http.StatusOK, first.StatusCode)
	assert.Equal(t, CacheMiss, first.Header.Get("X-Cache"))
	assert.Contains(t, first.Header.Values("Cache-Control"), "public, s-maxage=300")
	firstBody := bodyOf(t, first)
	assert.Equal(t, 1, mock.PathCount("/menu"))

	clock.Advance(299 * time.Second)
	second := get(t, p, "http://edge.example.com/menu", nil)
	assert.Equal(t, CacheHit, second.Header.Get("X-Cache"))
	assert.Equal(t, firstBody, bodyOf(t, second))
	assert.Equal(t, "application/json; charset=utf-8", second.Header.Get("Content-Type"))
	assert.Equal(t, 1, mock.PathCount("/menu"), "hit must not reach the origin")

	clock.Advance(2 * time.Second)
	third := get(t, p, "http://edge.example.com/menu", nil)
	assert.Equal(t, CacheMiss, third.Header.Get("X-Cache"))
	assert.Equal(t, 2, mock.PathCount("/menu"))

	stats := p.Store().Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(2), stats.Sets)
}

func TestProxy_ForwardsPathAndQuery(t *testing.T) {
	p, mock, _ := newTestProxy(t, Config{})
	mock.SetResponse("/restaurants/r1/menu", testutil.NewJSONResponse(`[]`))

	resp := get(t, p, "http://edge.example.com/restaurants/r1/menu?lang=de&cat=2", nil)
	bodyOf(t, resp)

	req, _ := mock.LastRequest()
	require.NotNil(t, req)
	assert.Equal(t, "/restaurants/r1/menu", req.URL.Path)
	assert.Equal(t, "de", req.URL.Query().Get("lang"))
	assert.Equal(t, "2", req.URL.Query().Get("cat"))

	// Same query in another order is the same entry
	resp = get(t, p, "http://edge.example.com/restaurants/r1/menu?cat=2&lang=de", nil)
	assert.Equal(t, CacheHit, resp.Header.Get("X-Cache"))
	assert.Equal(t, 1, mock.PathCount("/restaurants/r1/menu"))
}

func TestProxy_NonGetBypasses(t *testing.T) {
	p, mock, _ := newTestProxy(t, Config{})
	mock.SetResponse("/orders", testutil.MockResponse{StatusCode: http.StatusCreated, Body: `{"id":"o1"}`})

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "http://edge.example.com/orders", strings.NewReader(`{"table":3}`))
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, req)
		p.Wait()

		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, CacheBypass, rec.Header().Get("X-Cache"))
		assert.Empty(t, rec.Header().Values("Cache-Control"))
	}
	assert.Equal(t, 2, mock.PathCount("/orders"))
	_, body := mock.LastRequest()
	assert.Equal(t, `{"table":3}`, string(body))
	assert.Zero(t, p.Store().Stats().Sets)
}

func TestProxy_UncacheableResponses(t *testing.T) {
	tests := []struct {
		name string
		resp testutil.MockResponse
	}{
		{"not found", testutil.NewNotFoundResponse()},
		{"no-store", testutil.MockResponse{
			StatusCode: http.StatusOK,
			Body:       `{"me":"alice"}`,
			Headers:    map[string]string{"Cache-Control": "no-store"},
		}},
		{"too large", testutil.MockResponse{
			StatusCode: http.StatusOK,
			Body:       strings.Repeat("x", 64),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, mock, _ := newTestProxy(t, Config{MaxBodySize: 32})
			mock.SetResponse("/r", tt.resp)

			for i := 0; i < 2; i++ {
				resp := get(t, p, "http://edge.example.com/r", nil)
				assert.Equal(t, tt.resp.StatusCode, resp.StatusCode)
				assert.Equal(t, CacheMiss, resp.Header.Get("X-Cache"))
				assert.Equal(t, tt.resp.Body, bodyOf(t, resp))
			}
			assert.Equal(t, 2, mock.PathCount("/r"))
			assert.Zero(t, p.Store().Stats().Sets)
		})
	}
}

func TestProxy_OriginFailure(t *testing.T) {
	p, mock, _ := newTestProxy(t, Config{})
	mock.SetResponse("/menu", testutil.NewServerErrorResponse())

	resp := get(t, p, "http://edge.example.com/menu", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Zero(t, p.Store().Stats().Sets)
}

func TestProxy_OriginUnreachable(t *testing.T) {
	p, mock, _ := newTestProxy(t, Config{})
	mock.Close()

	resp := get(t, p, "http://edge.example.com/menu", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestProxy_ConditionalHit(t *testing.T) {
	p, mock, _ := newTestProxy(t, Config{})
	mock.SetResponse("/menu", testutil.MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"v":1}`,
		Headers:    map[string]string{"ETag": `"v1"`},
	})

	bodyOf(t, get(t, p, "http://edge.example.com/menu", nil))

	resp := get(t, p, "http://edge.example.com/menu", http.Header{"If-None-Match": {`"v1"`}})
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
	assert.Equal(t, CacheHit, resp.Header.Get("X-Cache"))

	resp = get(t, p, "http://edge.example.com/menu", http.Header{"If-None-Match": {`"v0"`}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"v":1}`, bodyOf(t, resp))
	assert.Equal(t, 1, mock.PathCount("/menu"))
}

func TestProxy_PopulateSurvivesClientCancel(t *testing.T) {
	p, mock, _ := newTestProxy(t, Config{})
	mock.SetResponse("/menu", testutil.NewJSONResponse(`{}`))

	req := httptest.NewRequest(http.MethodGet, "http://edge.example.com/menu", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	// The request context is done as soon as the handler returns in a real
	// server; population must still land.
	p.Wait()
	_, ok := p.Store().Get(req.Context(), NormalizeKey(req))
	assert.True(t, ok)
}

func TestProxy_CloseStopsPopulation(t *testing.T) {
	p, mock, _ := newTestProxy(t, Config{})
	mock.SetResponse("/menu", testutil.NewJSONResponse(`{}`))

	require.NoError(t, p.Close())
	resp := get(t, p, "http://edge.example.com/menu", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, p.Store().Stats().Sets)
}

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		name   string
		target string
		want   string
	}{
		{"plain", "http://Edge.Example.com/menu", "http://edge.example.com/menu"},
		{"default port", "http://edge.example.com:80/menu", "http://edge.example.com/menu"},
		{"other port kept", "http://edge.example.com:8787/menu", "http://edge.example.com:8787/menu"},
		{"dot segments", "http://edge.example.com/a/./b/../menu", "http://edge.example.com/a/menu"},
		{"trailing slash kept", "http://edge.example.com/menu/", "http://edge.example.com/menu/"},
		{"root", "http://edge.example.com", "http://edge.example.com/"},
		{"sorted query", "http://edge.example.com/menu?b=2&a=1", "http://edge.example.com/menu?a=1&b=2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			assert.Equal(t, tt.want, NormalizeKey(req))
		})
	}
}
