package edge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/Sternrassler/dinecache/pkg/cache"
)

// Store holds edge entries keyed by normalized URL.
type Store interface {
	// Get returns a fresh entry, or false.
	Get(ctx context.Context, key string) (*Entry, bool)

	// Set keeps entry until its MaxAge elapses.
	Set(ctx context.Context, key string, entry *Entry) error

	// Stats returns the store's counters.
	Stats() StoreStats
}

// StoreStats describes an edge store.
type StoreStats struct {
	Backend   string `json:"backend"`
	Size      int    `json:"size"`
	MaxSize   int    `json:"max_size,omitempty"`
	Hits      int64  `json:"hits"`
	Misses    int64  `json:"misses"`
	Sets      int64  `json:"sets"`
	Evictions int64  `json:"evictions"`
}

// DefaultMemorySize bounds the in-process edge store.
const DefaultMemorySize = 10000

// MemoryStore is an in-process LRU of edge entries. The LRU drops entries
// after the store-wide TTL; Get also checks each entry's own MaxAge against
// the store clock.
type MemoryStore struct {
	lru     *expirable.LRU[string, *Entry]
	maxSize int
	now     func() time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	evictions atomic.Int64
}

var _ Store = (*MemoryStore)(nil)

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces the store clock.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates a store of at most maxSize entries that never keeps
// an entry longer than ttl.
func NewMemoryStore(maxSize int, ttl time.Duration, opts ...MemoryOption) *MemoryStore {
	if maxSize <= 0 {
		maxSize = DefaultMemorySize
	}
	s := &MemoryStore{
		maxSize: maxSize,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lru = expirable.NewLRU[string, *Entry](maxSize, func(string, *Entry) {
		s.evictions.Add(1)
	}, ttl)
	return s
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, bool) {
	entry, ok := s.lru.Get(key)
	if !ok {
		s.misses.Add(1)
		return nil, false
	}
	if !entry.FreshAt(s.now()) {
		s.lru.Remove(key)
		s.misses.Add(1)
		return nil, false
	}
	s.hits.Add(1)
	return entry, true
}

func (s *MemoryStore) Set(_ context.Context, key string, entry *Entry) error {
	if entry.MaxAge <= 0 {
		return nil
	}
	s.lru.Add(key, entry)
	s.sets.Add(1)
	return nil
}

// Purge drops every entry.
func (s *MemoryStore) Purge() {
	s.lru.Purge()
}

func (s *MemoryStore) Stats() StoreStats {
	return StoreStats{
		Backend:   "memory",
		Size:      s.lru.Len(),
		MaxSize:   s.maxSize,
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Sets:      s.sets.Load(),
		Evictions: s.evictions.Load(),
	}
}

// SharedNamespace prefixes edge keys written to a shared cache store.
const SharedNamespace = "edge"

// SharedStore keeps edge entries in a cache.Store so several edge workers
// share one tier. Entries are msgpack encoded under a hash of the URL and
// carry no tags; Redis expiry is their only removal path.
type SharedStore struct {
	store cache.Store
	now   func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
}

var _ Store = (*SharedStore)(nil)

// NewSharedStore wraps store.
func NewSharedStore(store cache.Store) *SharedStore {
	if store == nil {
		panic("shared edge store requires a cache store")
	}
	return &SharedStore{store: store, now: time.Now}
}

// SharedKey maps a normalized URL to its key in the shared store.
func SharedKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return SharedNamespace + cache.KeyDelimiter + hex.EncodeToString(sum[:])
}

func (s *SharedStore) Get(ctx context.Context, key string) (*Entry, bool) {
	data, ok := s.store.Get(ctx, SharedKey(key))
	if !ok {
		s.misses.Add(1)
		return nil, false
	}
	var entry Entry
	if err := msgpack.Unmarshal(data, &entry); err != nil || !entry.FreshAt(s.now()) {
		s.misses.Add(1)
		return nil, false
	}
	s.hits.Add(1)
	return &entry, true
}

func (s *SharedStore) Set(ctx context.Context, key string, entry *Entry) error {
	data, err := msgpack.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal edge entry: %w", err)
	}
	// Edge entries only leave by expiry, so they join no tag index.
	if err := s.store.Set(ctx, SharedKey(key), data, entry.MaxAge, nil); err != nil {
		return err
	}
	s.sets.Add(1)
	return nil
}

func (s *SharedStore) Stats() StoreStats {
	return StoreStats{
		Backend: "shared",
		Hits:    s.hits.Load(),
		Misses:  s.misses.Load(),
		Sets:    s.sets.Load(),
	}
}
