package cache

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// CacheEntry is the envelope stored for every cached value.
type CacheEntry struct {
	// Value is the serialized payload
	Value []byte `msgpack:"v"`

	// StoredAt is when the entry was written
	StoredAt time.Time `msgpack:"s"`

	// TTL is how long the entry lives after StoredAt
	TTL time.Duration `msgpack:"ttl"`

	// Tags are the groups the entry is registered under for bulk invalidation
	Tags []string `msgpack:"tags,omitempty"`
}

// ExpiresAt returns when the entry becomes stale.
func (e *CacheEntry) ExpiresAt() time.Time {
	return e.StoredAt.Add(e.TTL)
}

// IsExpired returns true if the entry has expired.
func (e *CacheEntry) IsExpired() bool {
	return e.IsExpiredAt(time.Now())
}

// IsExpiredAt reports expiry relative to now.
func (e *CacheEntry) IsExpiredAt(now time.Time) bool {
	return !now.Before(e.ExpiresAt())
}

// Remaining returns the time until expiration.
// Returns 0 if already expired.
func (e *CacheEntry) Remaining() time.Duration {
	ttl := time.Until(e.ExpiresAt())
	if ttl < 0 {
		return 0
	}
	return ttl
}

func encodeEntry(e *CacheEntry) ([]byte, error) {
	data, err := msgpack.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal cache entry: %w", err)
	}
	return data, nil
}

func decodeEntry(data []byte) (*CacheEntry, error) {
	var entry CacheEntry
	if err := msgpack.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if entry.TTL <= 0 {
		return nil, fmt.Errorf("%w: non-positive ttl", ErrInvalidEntry)
	}
	return &entry, nil
}
