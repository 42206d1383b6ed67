package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/dinecache/pkg/logging"
)

// Loader performs the authoritative read for a cache miss. It must be
// idempotent and free of side effects: concurrent misses on the same key
// each call it.
type Loader[T any] func(ctx context.Context) (T, error)

// Option adjusts a single domain cache write.
type Option func(*writeOptions)

type writeOptions struct {
	ttl  time.Duration
	tags []string
}

// WithTTL overrides the domain's default TTL.
func WithTTL(ttl time.Duration) Option {
	return func(o *writeOptions) { o.ttl = ttl }
}

// WithTags registers the entry under extra tags besides the tenant tag.
func WithTags(tags ...string) Option {
	return func(o *writeOptions) { o.tags = append(o.tags, tags...) }
}

// Domain is a typed cache-aside façade for one entity family. Values are
// stored as JSON under keys built from the namespace, tenant, and parts,
// and every entry carries its tenant's tag.
//
// There is no single-flight: concurrent misses for the same key each run
// the loader and the last write wins.
type Domain[T any] struct {
	store     Store
	namespace string
	ttl       time.Duration
	stats     *Stats
	logger    zerolog.Logger
}

// NewDomain creates a domain cache over store.
func NewDomain[T any](store Store, namespace string, ttl time.Duration) *Domain[T] {
	if store == nil {
		panic("domain cache requires a store")
	}
	return &Domain[T]{
		store:     store,
		namespace: namespace,
		ttl:       ttl,
		stats:     NewStats(),
		logger:    logging.NewLogger("domain-cache").With().Str("namespace", namespace).Logger(),
	}
}

// Namespace returns the entity family name.
func (d *Domain[T]) Namespace() string { return d.namespace }

// TTL returns the default entry lifetime.
func (d *Domain[T]) TTL() time.Duration { return d.ttl }

// Key builds the key for tenantID and parts in this namespace.
func (d *Domain[T]) Key(tenantID string, parts ...string) CacheKey {
	return BuildKey(d.namespace, tenantID, parts...)
}

// Tag returns the tag carried by every entry of tenantID.
func (d *Domain[T]) Tag(tenantID string) string {
	return BuildTag(d.namespace, tenantID)
}

// GetOrLoad returns the cached value for tenantID and parts, calling loader
// and caching its result with the default TTL on a miss.
func (d *Domain[T]) GetOrLoad(ctx context.Context, tenantID string, loader Loader[T], parts ...string) (T, error) {
	return d.GetOrLoadWith(ctx, tenantID, parts, loader)
}

// GetOrLoadWith is GetOrLoad with per-call write options.
//
// Cache failures never reach the caller: an unreachable store or an
// undecodable value is a miss. Loader errors are returned unchanged and
// nothing is cached.
func (d *Domain[T]) GetOrLoadWith(ctx context.Context, tenantID string, parts []string, loader Loader[T], opts ...Option) (T, error) {
	key := d.Key(tenantID, parts...)
	if err := key.Validate(); err != nil {
		d.logger.Warn().Err(err).Msg("Bypassing cache for invalid key")
		DomainRequests.WithLabelValues(d.namespace, "bypass").Inc()
		return loader(ctx)
	}
	k := key.String()

	if data, ok := d.store.Get(ctx, k); ok {
		var value T
		err := json.Unmarshal(data, &value)
		if err == nil {
			d.stats.RecordHit()
			DomainRequests.WithLabelValues(d.namespace, "hit").Inc()
			d.logger.Debug().Str("key", k).Msg("Cache hit")
			return value, nil
		}
		d.stats.RecordError()
		d.logger.Warn().Err(err).Str("key", k).Msg("Dropping undecodable cache value")
		if _, err := d.store.Invalidate(ctx, k); err != nil {
			d.logger.Warn().Err(err).Str("key", k).Msg("Failed to drop undecodable cache value")
		}
	}

	d.stats.RecordMiss()
	value, err := loader(ctx)
	if err != nil {
		DomainRequests.WithLabelValues(d.namespace, "load_error").Inc()
		return value, err
	}
	DomainRequests.WithLabelValues(d.namespace, "miss").Inc()
	d.logger.Debug().Str("key", k).Msg("Cache miss, loaded from source")

	if err := d.write(ctx, key, value, opts); err != nil {
		d.logger.Warn().Err(err).Str("key", k).Msg("Failed to populate cache")
	}
	return value, nil
}

// Set writes value for tenantID and parts, replacing any cached value.
func (d *Domain[T]) Set(ctx context.Context, tenantID string, parts []string, value T, opts ...Option) error {
	key := d.Key(tenantID, parts...)
	if err := key.Validate(); err != nil {
		return err
	}
	return d.write(ctx, key, value, opts)
}

func (d *Domain[T]) write(ctx context.Context, key CacheKey, value T, opts []Option) error {
	o := writeOptions{ttl: d.ttl}
	for _, opt := range opts {
		opt(&o)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s value: %w", d.namespace, err)
	}

	tags := append([]string{key.Tag()}, o.tags...)
	if err := d.store.Set(ctx, key.String(), data, o.ttl, tags); err != nil {
		d.stats.RecordError()
		return err
	}
	d.stats.RecordSet()
	return nil
}

// Invalidate drops the single entry for tenantID and parts.
func (d *Domain[T]) Invalidate(ctx context.Context, tenantID string, parts ...string) (int, error) {
	key := d.Key(tenantID, parts...)
	if err := key.Validate(); err != nil {
		return 0, err
	}
	return d.invalidate(ctx, key.String())
}

// InvalidateTag drops every entry registered under tag.
func (d *Domain[T]) InvalidateTag(ctx context.Context, tag string) (int, error) {
	return d.invalidate(ctx, TagPattern(tag))
}

// InvalidatePattern drops every entry selected by pattern.
func (d *Domain[T]) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	return d.invalidate(ctx, pattern)
}

// InvalidateForTenant drops every entry of tenantID in this namespace.
// Mutation paths call it around the write commit.
func (d *Domain[T]) InvalidateForTenant(ctx context.Context, tenantID string) (int, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenant id is empty", ErrInvalidKey)
	}
	return d.invalidate(ctx, TagPattern(d.Tag(tenantID)))
}

func (d *Domain[T]) invalidate(ctx context.Context, pattern string) (int, error) {
	n, err := d.store.Invalidate(ctx, pattern)
	if n > 0 {
		d.stats.RecordInvalidations(n)
	}
	if err != nil {
		if errors.Is(err, ErrStoreUnavailable) {
			d.stats.RecordError()
		}
		return n, err
	}
	d.logger.Debug().Str("pattern", pattern).Int("removed", n).Msg("Invalidated")
	return n, nil
}

// Stats returns this domain's counters.
func (d *Domain[T]) Stats() CacheStats {
	return d.stats.Snapshot()
}

// ResetStats zeroes this domain's counters.
func (d *Domain[T]) ResetStats() {
	d.stats.Reset()
}
