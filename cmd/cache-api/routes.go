package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/dinecache/internal/httpx"
	"github.com/Sternrassler/dinecache/pkg/admin"
	"github.com/Sternrassler/dinecache/pkg/inventory"
	"github.com/Sternrassler/dinecache/pkg/logging"
	"github.com/Sternrassler/dinecache/pkg/metrics"
	"github.com/Sternrassler/dinecache/pkg/origin"
	"github.com/Sternrassler/dinecache/pkg/rbac"
)

const maxChangeBody = 1 << 20

type api struct {
	deps   *deps
	logger zerolog.Logger
}

func newRouter(d *deps) *httprouter.Router {
	a := &api{deps: d, logger: logging.NewLogger("cache-api")}
	router := httprouter.New()

	router.HandlerFunc(http.MethodGet, "/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	router.HandlerFunc(http.MethodGet, "/ready", a.ready)
	router.Handler(http.MethodGet, "/metrics", metrics.Handler())

	admin.New(d.tiered, d.guard, d.inventory, d.locations).Register(router)

	g := d.guard
	router.Handler(http.MethodGet, "/restaurants/:tenant/locations/:location",
		g.Require(rbac.TableView, a.tenant(a.location)))
	router.Handler(http.MethodGet, "/restaurants/:tenant/locations/:location/tables",
		g.Require(rbac.TableView, a.tenant(a.tables)))
	router.Handler(http.MethodPost, "/restaurants/:tenant/locations/:location/invalidate",
		g.Require(rbac.SettingsManage, a.tenant(a.invalidateLocation)))

	router.Handler(http.MethodGet, "/restaurants/:tenant/inventory/locations/:location",
		g.Require(rbac.InventoryView, a.tenant(a.locationInventory)))
	router.Handler(http.MethodGet, "/restaurants/:tenant/inventory/locations/:location/low-stock",
		g.Require(rbac.InventoryView, a.tenant(a.lowStock)))
	router.Handler(http.MethodGet, "/restaurants/:tenant/inventory/items/:item",
		g.Require(rbac.InventoryView, a.tenant(a.item)))
	router.Handler(http.MethodPost, "/restaurants/:tenant/inventory/changes",
		g.Require(rbac.InventoryDeduct, a.tenant(a.changes)))

	return router
}

func (a *api) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.deps.redis.Ping(ctx).Err(); err != nil {
		a.logger.Warn().Err(err).Msg("Readiness check failed")
		http.Error(w, "Redis unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY"))
}

type tenantHandler func(w http.ResponseWriter, r *http.Request, tenantID string, ps httprouter.Params)

// tenant rejects callers outside the restaurant named in the path.
func (a *api) tenant(next tenantHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ps := httprouter.ParamsFromContext(r.Context())
		tenantID := ps.ByName("tenant")

		id, _ := rbac.IdentityFrom(r.Context())
		if !id.CanAccessRestaurant(tenantID) {
			a.deps.guard.Deny(w, r, fmt.Errorf("%w: no access to restaurant %s", rbac.ErrForbidden, tenantID))
			return
		}
		next(w, r, tenantID, ps)
	})
}

func (a *api) location(w http.ResponseWriter, r *http.Request, tenantID string, ps httprouter.Params) {
	loc, err := a.deps.locations.Location(r.Context(), tenantID, ps.ByName("location"))
	a.respond(w, r, loc, err)
}

func (a *api) tables(w http.ResponseWriter, r *http.Request, tenantID string, ps httprouter.Params) {
	tables, err := a.deps.locations.Tables(r.Context(), tenantID, ps.ByName("location"))
	a.respond(w, r, tables, err)
}

func (a *api) invalidateLocation(w http.ResponseWriter, r *http.Request, tenantID string, ps httprouter.Params) {
	locationID := ps.ByName("location")
	n, err := a.deps.locations.InvalidateLocation(r.Context(), tenantID, locationID)
	if err == nil {
		var m int
		m, err = a.deps.inventory.InvalidateLocation(r.Context(), tenantID, locationID)
		n += m
	}
	if err != nil {
		a.logger.Error().Err(err).Str("tenant", tenantID).Str("location", locationID).Msg("Location invalidation failed")
		httpx.WriteJSONError(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "count": n})
}

func (a *api) locationInventory(w http.ResponseWriter, r *http.Request, tenantID string, ps httprouter.Params) {
	items, err := a.deps.inventory.LocationInventory(r.Context(), tenantID, ps.ByName("location"))
	a.respond(w, r, items, err)
}

func (a *api) lowStock(w http.ResponseWriter, r *http.Request, tenantID string, ps httprouter.Params) {
	threshold := 0
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httpx.WriteJSONError(w, http.StatusBadRequest, "threshold must be a positive integer")
			return
		}
		threshold = n
	}
	items, err := a.deps.inventory.LowStockItems(r.Context(), tenantID, ps.ByName("location"), threshold)
	a.respond(w, r, items, err)
}

func (a *api) item(w http.ResponseWriter, r *http.Request, tenantID string, ps httprouter.Params) {
	item, err := a.deps.inventory.Item(r.Context(), tenantID, ps.ByName("item"))
	a.respond(w, r, item, err)
}

type changeRequest struct {
	Updates []inventory.Update `json:"updates"`
}

// changes is called by mutation paths after committing stock movements.
func (a *api) changes(w http.ResponseWriter, r *http.Request, tenantID string, _ httprouter.Params) {
	var req changeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChangeBody)).Decode(&req); err != nil {
		httpx.WriteJSONError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if len(req.Updates) == 0 {
		httpx.WriteJSONError(w, http.StatusBadRequest, "updates must not be empty")
		return
	}
	for i, u := range req.Updates {
		if u.ItemID == "" || u.LocationID == "" {
			httpx.WriteJSONError(w, http.StatusBadRequest, fmt.Sprintf("update %d needs itemId and locationId", i))
			return
		}
	}

	if err := a.deps.inventory.BatchUpdate(r.Context(), tenantID, req.Updates); err != nil {
		a.logger.Error().Err(err).Str("tenant", tenantID).Int("updates", len(req.Updates)).Msg("Inventory invalidation failed")
		httpx.WriteJSONError(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{"accepted": len(req.Updates)})
}

func (a *api) respond(w http.ResponseWriter, r *http.Request, payload any, err error) {
	if err == nil {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"data": payload})
		return
	}

	status := http.StatusInternalServerError
	var oe *origin.Error
	switch {
	case errors.Is(err, origin.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.As(err, &oe) && oe.Class == origin.ErrorClassRateLimit:
		status = http.StatusServiceUnavailable
	case errors.As(err, &oe):
		status = http.StatusBadGateway
	}

	logger := logging.FromContext(r.Context())
	evt := logger.Warn()
	if status == http.StatusInternalServerError {
		evt = logger.Error()
	}
	evt.Err(err).Str("path", r.URL.Path).Int("status", status).Msg("Read failed")
	httpx.WriteJSONError(w, status, http.StatusText(status))
}
