// Package admin serves cache statistics and manual invalidation to
// operators. Every route checks permissions before touching a cache.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/dinecache/internal/httpx"
	"github.com/Sternrassler/dinecache/pkg/cache"
	"github.com/Sternrassler/dinecache/pkg/logging"
	"github.com/Sternrassler/dinecache/pkg/rbac"
)

// DefaultPattern is invalidated when DELETE names no pattern.
const DefaultPattern = "*"

// Domain is a typed cache whose counters are reported by namespace.
type Domain interface {
	Namespace() string
	Stats() cache.CacheStats
	ResetStats()
}

// StatsStore is the shared store behind every domain cache.
type StatsStore interface {
	cache.Store
	ResetStats()
}

// InvalidateResponse is the DELETE body.
type InvalidateResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// Handler serves the admin routes.
type Handler struct {
	store   StatsStore
	domains []Domain
	guard   *rbac.Guard
	now     func() time.Time
	logger  zerolog.Logger
}

// New creates the admin handler.
func New(store StatsStore, guard *rbac.Guard, domains ...Domain) *Handler {
	if store == nil || guard == nil {
		panic("admin handler requires a store and a guard")
	}
	return &Handler{
		store:   store,
		domains: domains,
		guard:   guard,
		now:     time.Now,
		logger:  logging.NewLogger("cache-admin"),
	}
}

// Register mounts the routes on router.
func (h *Handler) Register(router *httprouter.Router) {
	router.Handler(http.MethodGet, "/cache/stats", h.guard.Require(rbac.SettingsView, http.HandlerFunc(h.stats)))
	router.Handler(http.MethodDelete, "/cache/stats", h.guard.Require(rbac.SettingsManage, http.HandlerFunc(h.invalidate)))
	router.Handler(http.MethodPost, "/cache/stats/reset", h.guard.Require(rbac.SettingsManage, http.HandlerFunc(h.reset)))
}

// Snapshot collects the store's and every domain's counters keyed by name,
// with the store under "cache".
func (h *Handler) Snapshot(ctx context.Context) map[string]any {
	var mu sync.Mutex
	out := make(map[string]any, len(h.domains)+2)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		stats := h.store.Stats(gctx)
		mu.Lock()
		out["cache"] = stats
		mu.Unlock()
		return nil
	})
	for _, d := range h.domains {
		d := d
		g.Go(func() error {
			stats := d.Stats()
			mu.Lock()
			out[d.Namespace()] = stats
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	out["timestamp"] = h.now().UTC().Format(time.RFC3339)
	return out
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, h.Snapshot(r.Context()))
}

func (h *Handler) invalidate(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		pattern = DefaultPattern
	}

	if _, err := cache.ParseOperatorPattern(pattern); err != nil {
		httpx.WriteJSON(w, http.StatusBadRequest, InvalidateResponse{Message: err.Error()})
		return
	}

	n, err := h.store.Invalidate(r.Context(), pattern)
	switch {
	case errors.Is(err, cache.ErrInvalidPattern):
		httpx.WriteJSON(w, http.StatusBadRequest, InvalidateResponse{Message: err.Error()})
		return
	case err != nil:
		h.logger.Error().Err(err).Str("pattern", pattern).Int("removed", n).Msg("Cache invalidation failed")
		httpx.WriteJSON(w, http.StatusServiceUnavailable, InvalidateResponse{
			Message: "Failed to clear cache",
			Count:   n,
		})
		return
	}

	id, _ := rbac.IdentityFrom(r.Context())
	h.logger.Info().
		Str("pattern", pattern).
		Int("removed", n).
		Str("user", id.UserID).
		Msg("Cache cleared by operator")

	httpx.WriteJSON(w, http.StatusOK, InvalidateResponse{
		Success: true,
		Message: fmt.Sprintf("Cache cleared for pattern: %s", pattern),
		Count:   n,
	})
}

func (h *Handler) reset(w http.ResponseWriter, r *http.Request) {
	h.store.ResetStats()
	for _, d := range h.domains {
		d.ResetStats()
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Cache statistics reset",
		"stats":   h.Snapshot(r.Context()),
	})
}
