package rbac

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/dinecache/internal/httpx"
	"github.com/Sternrassler/dinecache/pkg/logging"
)

var (
	// ErrUnauthenticated means the request carries no identity.
	ErrUnauthenticated = errors.New("authentication required")

	// ErrForbidden means the identity lacks a required permission or
	// tenant access.
	ErrForbidden = errors.New("forbidden")
)

// Identity is the authenticated caller.
type Identity struct {
	UserID       string
	Role         Role
	RestaurantID string
}

// Can reports whether the identity holds perm.
func (id Identity) Can(perm Permission) bool {
	return HasPermission(id.Role, perm)
}

// CanAccessRestaurant reports whether the identity may act on
// restaurantID. Admins may act on every restaurant.
func (id Identity) CanAccessRestaurant(restaurantID string) bool {
	return id.Role == RoleAdmin || (id.RestaurantID != "" && id.RestaurantID == restaurantID)
}

// RoleResolver extracts the caller's identity from a request. It returns
// ErrUnauthenticated when there is none.
type RoleResolver interface {
	Resolve(r *http.Request) (Identity, error)
}

// Header names read by HeaderResolver.
const (
	HeaderUserID       = "X-User-ID"
	HeaderUserRole     = "X-User-Role"
	HeaderRestaurantID = "X-Restaurant-ID"
)

// HeaderResolver trusts identity headers set by the authenticating gateway
// in front of the service. Never expose it directly to clients.
type HeaderResolver struct{}

func (HeaderResolver) Resolve(r *http.Request) (Identity, error) {
	id := Identity{
		UserID:       r.Header.Get(HeaderUserID),
		Role:         Role(r.Header.Get(HeaderUserRole)),
		RestaurantID: r.Header.Get(HeaderRestaurantID),
	}
	if id.UserID == "" || id.Role == "" {
		return Identity{}, ErrUnauthenticated
	}
	return id, nil
}

type identityKey struct{}

// WithIdentity returns ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity stored by Guard, if any.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// Guard rejects requests before they reach a handler.
type Guard struct {
	resolver RoleResolver
	logger   zerolog.Logger
}

// NewGuard creates a guard using resolver.
func NewGuard(resolver RoleResolver) *Guard {
	if resolver == nil {
		panic("guard requires a role resolver")
	}
	return &Guard{
		resolver: resolver,
		logger:   logging.NewLogger("rbac"),
	}
}

// Check resolves the caller and verifies perm. The error wraps
// ErrUnauthenticated or ErrForbidden.
func (g *Guard) Check(r *http.Request, perm Permission) (Identity, error) {
	id, err := g.resolver.Resolve(r)
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			return Identity{}, err
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !id.Can(perm) {
		return id, fmt.Errorf("%w: missing permission %s", ErrForbidden, perm)
	}
	return id, nil
}

// Require wraps next so it only runs for callers holding perm. Failures are
// answered with 401 or 403 and next is never called.
func (g *Guard) Require(perm Permission, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := g.Check(r, perm)
		if err != nil {
			g.deny(w, r, id, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func (g *Guard) deny(w http.ResponseWriter, r *http.Request, id Identity, err error) {
	status := http.StatusForbidden
	if errors.Is(err, ErrUnauthenticated) {
		status = http.StatusUnauthorized
	}
	g.logger.Info().
		Str("path", r.URL.Path).
		Str("user", id.UserID).
		Str("role", string(id.Role)).
		Int("status", status).
		Err(err).
		Msg("Request denied")
	httpx.WriteJSONError(w, status, err.Error())
}

// Deny answers a request rejected after Require, such as a tenant mismatch.
func (g *Guard) Deny(w http.ResponseWriter, r *http.Request, err error) {
	id, _ := IdentityFrom(r.Context())
	g.deny(w, r, id, err)
}
