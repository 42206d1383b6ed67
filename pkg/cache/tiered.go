package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// invalidationMessage is broadcast to every instance sharing the remote store
// so each can drop the same entries from its local tier.
type invalidationMessage struct {
	ID      string    `msgpack:"id"`
	Pattern string    `msgpack:"p"`
	At      time.Time `msgpack:"at"`
}

// Tiered puts a process-local MemoryStore in front of a RedisStore.
//
// Reads try the local tier first and backfill it from the remote one.
// Writes go to the remote tier and then the local one. Invalidations apply
// to both tiers and are published so peer instances drop their local copies.
type Tiered struct {
	local  *MemoryStore
	remote *RedisStore
	id     string
	logger zerolog.Logger
}

var _ Store = (*Tiered)(nil)

// NewTiered creates a tiered store.
func NewTiered(local *MemoryStore, remote *RedisStore, logger zerolog.Logger) *Tiered {
	if local == nil || remote == nil {
		panic("tiered cache requires both tiers")
	}
	return &Tiered{
		local:  local,
		remote: remote,
		id:     uuid.NewString(),
		logger: logger.With().Str("layer", "tiered").Logger(),
	}
}

// Local returns the in-process tier.
func (t *Tiered) Local() *MemoryStore { return t.local }

// Remote returns the distributed tier.
func (t *Tiered) Remote() *RedisStore { return t.remote }

// Get returns the value under key from the nearest tier that has it.
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool) {
	if entry, ok := t.local.GetEntry(ctx, key); ok {
		return entry.Value, true
	}

	entry, ok := t.remote.GetEntry(ctx, key)
	if !ok {
		return nil, false
	}

	if ttl := entry.Remaining(); ttl > 0 {
		_ = t.local.Set(ctx, key, entry.Value, ttl, entry.Tags)
	}
	return entry.Value, true
}

// Set writes through both tiers. The local tier is only populated when the
// remote write succeeded, otherwise peer invalidations could not reach it.
func (t *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	if err := t.remote.Set(ctx, key, value, ttl, tags); err != nil {
		return err
	}
	return t.local.Set(ctx, key, value, ttl, tags)
}

// Invalidate removes matching entries from both tiers and notifies peers.
// The returned count is the remote tier's.
func (t *Tiered) Invalidate(ctx context.Context, pattern string) (int, error) {
	if _, err := ParsePattern(pattern); err != nil {
		return 0, err
	}

	n, remoteErr := t.remote.Invalidate(ctx, pattern)
	if _, err := t.local.Invalidate(ctx, pattern); err != nil {
		return n, err
	}
	if remoteErr != nil {
		return n, remoteErr
	}

	if err := t.publish(ctx, pattern); err != nil {
		t.logger.Warn().Err(err).Str("pattern", pattern).Msg("Failed to broadcast invalidation")
	}
	return n, nil
}

func (t *Tiered) publish(ctx context.Context, pattern string) error {
	data, err := msgpack.Marshal(invalidationMessage{ID: t.id, Pattern: pattern, At: time.Now()})
	if err != nil {
		return fmt.Errorf("marshal invalidation: %w", err)
	}
	qctx, cancel := t.remote.queryCtx(ctx)
	defer cancel()
	return t.remote.Client().Publish(qctx, t.remote.InvalidationChannel(), data).Err()
}

// Listen applies invalidations published by peer instances to the local
// tier until ctx is cancelled.
func (t *Tiered) Listen(ctx context.Context) error {
	ps := t.remote.Client().Subscribe(ctx, t.remote.InvalidationChannel())
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to invalidations: %w", err)
	}
	t.logger.Info().Str("channel", t.remote.InvalidationChannel()).Msg("Listening for peer invalidations")

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var inv invalidationMessage
			if err := msgpack.Unmarshal([]byte(msg.Payload), &inv); err != nil {
				t.logger.Warn().Err(err).Msg("Ignoring malformed invalidation message")
				continue
			}
			if inv.ID == t.id {
				continue
			}
			n, err := t.local.Invalidate(ctx, inv.Pattern)
			if err != nil {
				t.logger.Warn().Err(err).Str("pattern", inv.Pattern).Msg("Ignoring invalid peer invalidation")
				continue
			}
			t.logger.Debug().
				Str("pattern", inv.Pattern).
				Str("peer", inv.ID).
				Int("removed", n).
				Msg("Applied peer invalidation")
		}
	}
}

// ResetStats zeroes both tiers' counters.
func (t *Tiered) ResetStats() {
	t.local.ResetStats()
	t.remote.ResetStats()
}

// Stats returns the remote tier's stats with the local tier's attached.
func (t *Tiered) Stats(ctx context.Context) CacheStats {
	stats := t.remote.Stats(ctx)
	local := t.local.Stats(ctx)
	stats.Local = &local
	return stats
}
