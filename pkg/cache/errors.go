package cache

import "errors"

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")

	// ErrInvalidKey indicates a key is missing a required component
	ErrInvalidKey = errors.New("invalid cache key")

	// ErrInvalidPattern indicates a malformed invalidation pattern.
	// No entries are removed when it is returned.
	ErrInvalidPattern = errors.New("invalid invalidation pattern")

	// ErrStoreUnavailable indicates the distributed store could not be reached
	// within the configured timeout, or the store is cooling down after
	// repeated failures.
	ErrStoreUnavailable = errors.New("cache store unavailable")
)
