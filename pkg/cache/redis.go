package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const layerRedis = "redis"

// Config holds the distributed store configuration.
type Config struct {
	// Prefix namespaces every Redis key written by the store
	Prefix string

	// QueryTimeout bounds each individual Redis round trip
	QueryTimeout time.Duration

	// StatsTimeout bounds the key count scan performed by Stats
	StatsTimeout time.Duration

	// ScanCount is the batch size for SCAN and tag index processing
	ScanCount int64

	// FailureThreshold and Cooldown control the always-miss window after
	// repeated transport failures
	FailureThreshold int
	Cooldown         time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		Prefix:           "dc",
		QueryTimeout:     100 * time.Millisecond,
		StatsTimeout:     500 * time.Millisecond,
		ScanCount:        100,
		FailureThreshold: DefaultFailureThreshold,
		Cooldown:         DefaultCooldown,
	}
}

// RedisStore is the distributed cache client. Entries live under
// "<prefix>:e:<key>", tag index sets under "<prefix>:t:<tag>".
type RedisStore struct {
	redis  *redis.Client
	cfg    Config
	stats  *Stats
	health *healthTracker
	logger zerolog.Logger
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a new store with Redis backend.
func NewRedisStore(redisClient *redis.Client, cfg Config, logger zerolog.Logger) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	def := DefaultConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = def.QueryTimeout
	}
	if cfg.StatsTimeout <= 0 {
		cfg.StatsTimeout = def.StatsTimeout
	}
	if cfg.ScanCount <= 0 {
		cfg.ScanCount = def.ScanCount
	}
	return &RedisStore{
		redis:  redisClient,
		cfg:    cfg,
		stats:  NewStats(),
		health: newHealthTracker(cfg.FailureThreshold, cfg.Cooldown),
		logger: logger.With().Str("layer", layerRedis).Logger(),
	}
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() *redis.Client {
	return s.redis
}

// Health returns the store's reachability state.
func (s *RedisStore) Health() HealthState {
	return s.health.State()
}

// ResetStats zeroes the store's counters.
func (s *RedisStore) ResetStats() {
	s.stats.Reset()
}

func (s *RedisStore) entryKey(key string) string { return s.cfg.Prefix + ":e:" + key }
func (s *RedisStore) tagKey(tag string) string   { return s.cfg.Prefix + ":t:" + tag }

// InvalidationChannel is the pub/sub channel used to fan invalidations out
// to in-process tiers.
func (s *RedisStore) InvalidationChannel() string {
	return s.cfg.Prefix + ":invalidate"
}

func (s *RedisStore) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.cfg.QueryTimeout)
}

// Get retrieves a value by key. Transport failures, timeouts, and
// undecodable entries are reported as a miss.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool) {
	entry, ok := s.GetEntry(ctx, key)
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

// GetEntry is Get returning the full envelope.
func (s *RedisStore) GetEntry(ctx context.Context, key string) (*CacheEntry, bool) {
	if !s.health.Allow() {
		s.recordMiss()
		return nil, false
	}

	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	data, err := s.redis.Get(qctx, s.entryKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			s.health.RecordSuccess()
			s.recordMiss()
			return nil, false
		}
		s.recordFailure(ctx, "get", err)
		s.recordMiss()
		return nil, false
	}
	s.health.RecordSuccess()

	entry, err := decodeEntry(data)
	if err != nil {
		s.stats.RecordError()
		CacheErrors.WithLabelValues(layerRedis, "decode").Inc()
		s.logger.Warn().Err(err).Str("key", key).Msg("Dropping undecodable cache entry")
		if _, err := s.removeKeys(ctx, []string{key}); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("Failed to drop undecodable cache entry")
		}
		s.recordMiss()
		return nil, false
	}

	// Redis expires the key itself; this guards against clock skew between
	// writer and store.
	if entry.IsExpired() {
		s.recordMiss()
		return nil, false
	}

	s.stats.RecordHit()
	CacheHits.WithLabelValues(layerRedis).Inc()
	s.logger.Debug().Str("key", key).Msg("Cache hit")
	return entry, true
}

// Set stores value under key with ttl and registers it under each tag.
// Tags the key carried before and no longer carries are unregistered.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	if ttl <= 0 {
		// Already expired, don't cache
		return nil
	}
	if !s.health.Allow() {
		return ErrStoreUnavailable
	}

	entry := &CacheEntry{
		Value:    value,
		StoredAt: time.Now(),
		TTL:      ttl,
		Tags:     dedupe(tags),
	}
	data, err := encodeEntry(entry)
	if err != nil {
		s.stats.RecordError()
		CacheErrors.WithLabelValues(layerRedis, "set").Inc()
		return err
	}

	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	stale := s.previousTags(qctx, key, entry.Tags)

	pipe := s.redis.TxPipeline()
	pipe.Set(qctx, s.entryKey(key), data, ttl)
	for _, tag := range entry.Tags {
		pipe.SAdd(qctx, s.tagKey(tag), key)
	}
	for _, tag := range stale {
		pipe.SRem(qctx, s.tagKey(tag), key)
	}
	if _, err := pipe.Exec(qctx); err != nil {
		s.recordFailure(ctx, "set", err)
		return fmt.Errorf("%w: redis set: %v", ErrStoreUnavailable, err)
	}
	s.health.RecordSuccess()

	s.stats.RecordSet()
	CacheSets.WithLabelValues(layerRedis).Inc()
	s.logger.Debug().Str("key", key).Dur("ttl", ttl).Strs("tags", entry.Tags).Msg("Cached value")
	return nil
}

// previousTags returns tags the existing entry under key is registered with
// that are absent from next. Lookup failures are ignored; a leftover
// registration is pruned by the next sweep or tag invalidation.
func (s *RedisStore) previousTags(ctx context.Context, key string, next []string) []string {
	data, err := s.redis.Get(ctx, s.entryKey(key)).Bytes()
	if err != nil {
		return nil
	}
	old, err := decodeEntry(data)
	if err != nil {
		return nil
	}
	var stale []string
	for _, tag := range old.Tags {
		if !contains(next, tag) {
			stale = append(stale, tag)
		}
	}
	return stale
}

// Invalidate removes every entry selected by pattern and its tag index
// registrations. Returns the number of entries removed; repeating the call
// returns 0. Malformed patterns are rejected before anything is deleted.
func (s *RedisStore) Invalidate(ctx context.Context, pattern string) (int, error) {
	p, err := ParsePattern(pattern)
	if err != nil {
		return 0, err
	}
	if !s.health.Allow() {
		return 0, ErrStoreUnavailable
	}

	var n int
	switch p.Kind {
	case PatternExact:
		n, err = s.removeKeys(ctx, []string{p.Value})
	case PatternTag:
		n, err = s.invalidateTag(ctx, p.Value)
	case PatternGlob:
		n, err = s.invalidateGlob(ctx, p.Value)
	}
	if n > 0 {
		s.stats.RecordInvalidations(n)
		CacheInvalidations.WithLabelValues(layerRedis, p.Kind.String()).Add(float64(n))
	}
	if err != nil {
		s.recordFailure(ctx, "invalidate", err)
		return n, fmt.Errorf("%w: invalidate %q: %v", ErrStoreUnavailable, pattern, err)
	}
	s.health.RecordSuccess()

	s.logger.Debug().
		Str("pattern", pattern).
		Str("kind", p.Kind.String()).
		Int("removed", n).
		Msg("Invalidated cache entries")
	return n, nil
}

// invalidateTag removes the members of one tag set in batches. Members whose
// entry already expired are pruned from the set as they are seen.
func (s *RedisStore) invalidateTag(ctx context.Context, tag string) (int, error) {
	qctx, cancel := s.queryCtx(ctx)
	members, err := s.redis.SMembers(qctx, s.tagKey(tag)).Result()
	cancel()
	if err != nil {
		return 0, fmt.Errorf("read tag index: %w", err)
	}

	total := 0
	for start := 0; start < len(members); start += int(s.cfg.ScanCount) {
		end := min(start+int(s.cfg.ScanCount), len(members))
		batch := members[start:end]

		n, err := s.removeKeys(ctx, batch)
		total += n
		if err != nil {
			return total, err
		}

		qctx, cancel := s.queryCtx(ctx)
		err = s.redis.SRem(qctx, s.tagKey(tag), toAny(batch)...).Err()
		cancel()
		if err != nil {
			return total, fmt.Errorf("prune tag index: %w", err)
		}
	}
	return total, nil
}

// invalidateGlob walks matching keys with SCAN so no single command holds
// the server for the whole key space.
func (s *RedisStore) invalidateGlob(ctx context.Context, glob string) (int, error) {
	match := s.entryKey(glob)
	prefix := s.entryKey("")

	total := 0
	var cursor uint64
	for {
		qctx, cancel := s.queryCtx(ctx)
		keys, next, err := s.redis.Scan(qctx, cursor, match, s.cfg.ScanCount).Result()
		cancel()
		if err != nil {
			return total, fmt.Errorf("scan: %w", err)
		}

		if len(keys) > 0 {
			logical := make([]string, 0, len(keys))
			for _, k := range keys {
				logical = append(logical, strings.TrimPrefix(k, prefix))
			}
			n, err := s.removeKeys(ctx, logical)
			total += n
			if err != nil {
				return total, err
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}
	return total, nil
}

// removeKeys deletes entries and unregisters them from every tag they carry.
// The count only includes entries that still existed.
func (s *RedisStore) removeKeys(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	reads := s.redis.Pipeline()
	gets := make([]*redis.StringCmd, len(keys))
	for i, k := range keys {
		gets[i] = reads.Get(qctx, s.entryKey(k))
	}
	if _, err := reads.Exec(qctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("read entries: %w", err)
	}

	pipe := s.redis.TxPipeline()
	dels := make([]*redis.IntCmd, len(keys))
	for i, k := range keys {
		dels[i] = pipe.Del(qctx, s.entryKey(k))
		data, err := gets[i].Bytes()
		if err != nil {
			continue
		}
		entry, err := decodeEntry(data)
		if err != nil {
			continue
		}
		for _, tag := range entry.Tags {
			pipe.SRem(qctx, s.tagKey(tag), k)
		}
	}
	if _, err := pipe.Exec(qctx); err != nil {
		return 0, fmt.Errorf("delete entries: %w", err)
	}

	removed := 0
	for _, d := range dels {
		removed += int(d.Val())
	}
	return removed, nil
}

// Sweep prunes tag index members whose entry has expired. Run periodically;
// tag invalidation also prunes lazily.
func (s *RedisStore) Sweep(ctx context.Context) (int, error) {
	prefix := s.tagKey("")
	pruned := 0

	var cursor uint64
	for {
		qctx, cancel := s.queryCtx(ctx)
		tagKeys, next, err := s.redis.Scan(qctx, cursor, prefix+"*", s.cfg.ScanCount).Result()
		cancel()
		if err != nil {
			CacheErrors.WithLabelValues(layerRedis, "sweep").Inc()
			return pruned, fmt.Errorf("scan tag index: %w", err)
		}

		for _, tagKey := range tagKeys {
			n, err := s.sweepTag(ctx, tagKey)
			pruned += n
			if err != nil {
				CacheErrors.WithLabelValues(layerRedis, "sweep").Inc()
				return pruned, err
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	if pruned > 0 {
		TagIndexPruned.Add(float64(pruned))
		s.logger.Debug().Int("pruned", pruned).Msg("Swept tag index")
	}
	return pruned, nil
}

func (s *RedisStore) sweepTag(ctx context.Context, tagKey string) (int, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	members, err := s.redis.SMembers(qctx, tagKey).Result()
	if err != nil {
		return 0, fmt.Errorf("read tag index: %w", err)
	}
	if len(members) == 0 {
		return 0, nil
	}

	pipe := s.redis.Pipeline()
	exists := make([]*redis.IntCmd, len(members))
	for i, m := range members {
		exists[i] = pipe.Exists(qctx, s.entryKey(m))
	}
	if _, err := pipe.Exec(qctx); err != nil {
		return 0, fmt.Errorf("check tag members: %w", err)
	}

	var dead []any
	for i, m := range members {
		if exists[i].Val() == 0 {
			dead = append(dead, m)
		}
	}
	if len(dead) == 0 {
		return 0, nil
	}
	if err := s.redis.SRem(qctx, tagKey, dead...).Err(); err != nil {
		return 0, fmt.Errorf("prune tag members: %w", err)
	}
	return len(dead), nil
}

// Stats returns counters plus connectivity and an entry count. The count is
// best effort and bounded by StatsTimeout.
func (s *RedisStore) Stats(ctx context.Context) CacheStats {
	snap := s.stats.Snapshot()
	st := &StoreStats{
		Backend:  layerRedis,
		Degraded: !s.health.State().IsHealthy,
	}
	snap.Store = st

	sctx, cancel := context.WithTimeout(ctx, s.cfg.StatsTimeout)
	defer cancel()

	if err := s.redis.Ping(sctx).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("Cache stats ping failed")
		return snap
	}
	st.Connected = true

	var cursor uint64
	for {
		keys, next, err := s.redis.Scan(sctx, cursor, s.entryKey("*"), s.cfg.ScanCount).Result()
		if err != nil {
			s.logger.Warn().Err(err).Msg("Cache stats scan failed")
			break
		}
		st.Keys += int64(len(keys))
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return snap
}

func (s *RedisStore) recordMiss() {
	s.stats.RecordMiss()
	CacheMisses.WithLabelValues(layerRedis).Inc()
}

// recordFailure counts a failed store call. Failures caused by the caller
// abandoning the request do not count against store health.
func (s *RedisStore) recordFailure(ctx context.Context, op string, err error) {
	s.stats.RecordError()
	CacheErrors.WithLabelValues(layerRedis, op).Inc()
	if ctx.Err() != nil {
		return
	}
	if s.health.RecordFailure() {
		s.logger.Error().
			Err(err).
			Dur("cooldown", s.health.cooldown).
			Msg("Cache store unreachable, serving misses during cooldown")
		return
	}
	s.logger.Warn().Err(err).Str("operation", op).Msg("Cache store operation failed, treating as miss")
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" && !contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
