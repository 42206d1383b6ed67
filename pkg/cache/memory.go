package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
)

const layerMemory = "memory"

// Defaults for the in-process tier.
const (
	DefaultMemorySize = 10000
	DefaultMemoryTTL  = time.Minute
)

type tagRecord struct {
	entry *CacheEntry
	tags  []string
}

// MemoryStore is the in-process LRU tier. Entries expire at the earlier of
// their own TTL and the store-wide maximum TTL.
type MemoryStore struct {
	lru     *expirable.LRU[string, *CacheEntry]
	maxSize int
	maxTTL  time.Duration
	now     func() time.Time
	stats   *Stats

	// writeMu orders index updates with the LRU writes they describe, so the
	// index always records the entry the LRU holds. It may be held across
	// LRU calls; the eviction callback never takes it.
	writeMu sync.Mutex

	// mu guards the tag index only. It is never held across LRU calls
	// because the LRU invokes the eviction callback under its own lock.
	mu       sync.Mutex
	tagIndex map[string]map[string]struct{} // tag -> keys
	keyTags  map[string]tagRecord           // key -> tags of the current entry

	removals  atomic.Int64
	evictions atomic.Int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-process store holding at most maxSize entries,
// none longer than maxTTL.
func NewMemoryStore(maxSize int, maxTTL time.Duration) *MemoryStore {
	if maxSize <= 0 {
		maxSize = DefaultMemorySize
	}
	if maxTTL <= 0 {
		maxTTL = DefaultMemoryTTL
	}
	s := &MemoryStore{
		maxSize:  maxSize,
		maxTTL:   maxTTL,
		now:      time.Now,
		stats:    NewStats(),
		tagIndex: make(map[string]map[string]struct{}),
		keyTags:  make(map[string]tagRecord),
	}
	s.lru = expirable.NewLRU[string, *CacheEntry](maxSize, s.onEvict, maxTTL)
	return s
}

// MaxTTL returns the longest time an entry may live in this tier.
func (s *MemoryStore) MaxTTL() time.Duration {
	return s.maxTTL
}

func (s *MemoryStore) onEvict(key string, entry *CacheEntry) {
	s.evictions.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	// A replaced entry must not drop the tags of its successor.
	if rec, ok := s.keyTags[key]; ok && rec.entry == entry {
		s.unindex(key, rec.tags)
	}
}

// unindex removes key from every tag in tags. Must be called with mu held.
func (s *MemoryStore) unindex(key string, tags []string) {
	for _, tag := range tags {
		if keys, ok := s.tagIndex[tag]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(s.tagIndex, tag)
			}
		}
	}
	delete(s.keyTags, key)
}

// Get returns the value stored under key.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool) {
	entry, ok := s.GetEntry(ctx, key)
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

// GetEntry returns the envelope stored under key.
func (s *MemoryStore) GetEntry(_ context.Context, key string) (*CacheEntry, bool) {
	entry, ok := s.lru.Get(key)
	if ok && entry.IsExpiredAt(s.now()) {
		s.lru.Remove(key)
		ok = false
	}
	if !ok {
		s.stats.RecordMiss()
		CacheMisses.WithLabelValues(layerMemory).Inc()
		return nil, false
	}
	s.stats.RecordHit()
	CacheHits.WithLabelValues(layerMemory).Inc()
	return entry, true
}

// Set stores value under key and replaces the key's tag registrations.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	if ttl <= 0 {
		return nil
	}
	entry := &CacheEntry{
		Value:    value,
		StoredAt: s.now(),
		TTL:      min(ttl, s.maxTTL),
		Tags:     dedupe(tags),
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if rec, ok := s.keyTags[key]; ok {
		s.unindex(key, rec.tags)
	}
	s.keyTags[key] = tagRecord{entry: entry, tags: entry.Tags}
	for _, tag := range entry.Tags {
		if s.tagIndex[tag] == nil {
			s.tagIndex[tag] = make(map[string]struct{})
		}
		s.tagIndex[tag][key] = struct{}{}
	}
	s.mu.Unlock()

	s.lru.Add(key, entry)
	s.stats.RecordSet()
	CacheSets.WithLabelValues(layerMemory).Inc()
	return nil
}

// Invalidate removes entries selected by pattern. Glob patterns walk a
// snapshot of the key set, so concurrent reads are never blocked.
func (s *MemoryStore) Invalidate(_ context.Context, pattern string) (int, error) {
	p, err := ParsePattern(pattern)
	if err != nil {
		return 0, err
	}

	var keys []string
	switch p.Kind {
	case PatternExact:
		keys = []string{p.Value}
	case PatternTag:
		s.mu.Lock()
		for k := range s.tagIndex[p.Value] {
			keys = append(keys, k)
		}
		s.mu.Unlock()
	case PatternGlob:
		for _, k := range s.lru.Keys() {
			if p.Match(k) {
				keys = append(keys, k)
			}
		}
	}

	n := 0
	for _, k := range keys {
		if s.lru.Remove(k) {
			n++
		}
	}
	if p.Kind == PatternTag {
		s.pruneIndex(keys)
	}

	if n > 0 {
		s.removals.Add(int64(n))
		s.stats.RecordInvalidations(n)
		CacheInvalidations.WithLabelValues(layerMemory, p.Kind.String()).Add(float64(n))
	}
	return n, nil
}

// pruneIndex drops index records of keys whose entry already left the LRU.
func (s *MemoryStore) pruneIndex(keys []string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var gone []string
	for _, k := range keys {
		if _, live := s.lru.Peek(k); !live {
			gone = append(gone, k)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range gone {
		if rec, ok := s.keyTags[k]; ok {
			s.unindex(k, rec.tags)
		}
	}
}

// Purge drops every entry.
func (s *MemoryStore) Purge() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.lru.Purge()
	s.mu.Lock()
	s.tagIndex = make(map[string]map[string]struct{})
	s.keyTags = make(map[string]tagRecord)
	s.mu.Unlock()
}

// ResetStats zeroes the tier's counters.
func (s *MemoryStore) ResetStats() {
	s.stats.Reset()
}

// Stats returns counters and occupancy.
func (s *MemoryStore) Stats(_ context.Context) CacheStats {
	snap := s.stats.Snapshot()
	snap.Store = &StoreStats{
		Backend:   layerMemory,
		Connected: true,
		Keys:      int64(s.lru.Len()),
		MaxKeys:   s.maxSize,
		Evictions: max(s.evictions.Load()-s.removals.Load(), 0),
	}
	return snap
}
