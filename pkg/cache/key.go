package cache

import (
	"fmt"
	"strings"
)

// KeyDelimiter separates the components of a cache key and of a tag.
const KeyDelimiter = ":"

// keyEscaper percent-escapes the delimiter, the escape character itself,
// whitespace and every glob metacharacter. Escaped components join without
// ambiguity, and every key or tag built from them is a valid exact or tag
// invalidation pattern.
var keyEscaper = strings.NewReplacer(
	"%", "%25",
	":", "%3A",
	"/", "%2F",
	"*", "%2A",
	"?", "%3F",
	"[", "%5B",
	"]", "%5D",
	"{", "%7B",
	"}", "%7D",
	"\\", "%5C",
	" ", "%20",
	"\t", "%09",
	"\r", "%0D",
	"\n", "%0A",
)

// EscapeComponent escapes a single key or tag component.
func EscapeComponent(s string) string {
	return keyEscaper.Replace(s)
}

// CacheKey identifies a cached value for one tenant within one namespace.
type CacheKey struct {
	// Namespace is the entity family (e.g., "inventory", "location")
	Namespace string

	// TenantID is the restaurant the value belongs to
	TenantID string

	// Parts are optional entity identifiers and query signature components
	Parts []string
}

// BuildKey creates a CacheKey. It performs no I/O and never fails; call
// Validate before using the key against a store.
func BuildKey(namespace, tenantID string, parts ...string) CacheKey {
	return CacheKey{
		Namespace: namespace,
		TenantID:  tenantID,
		Parts:     parts,
	}
}

// Validate reports whether the key has the components required to be stored.
func (k CacheKey) Validate() error {
	if k.Namespace == "" {
		return fmt.Errorf("%w: namespace is empty", ErrInvalidKey)
	}
	if k.TenantID == "" {
		return fmt.Errorf("%w: tenant id is empty", ErrInvalidKey)
	}
	return nil
}

// String generates the deterministic key string.
// Format: namespace:tenant[:part...], each component escaped.
//
// Example:
//
//	inventory:rest-42:location:loc-7
func (k CacheKey) String() string {
	parts := make([]string, 0, 2+len(k.Parts))
	parts = append(parts, EscapeComponent(k.Namespace), EscapeComponent(k.TenantID))
	for _, p := range k.Parts {
		parts = append(parts, EscapeComponent(p))
	}
	return strings.Join(parts, KeyDelimiter)
}

// Tag returns the coarse tenant-wide tag for this key's namespace.
func (k CacheKey) Tag() string {
	return BuildTag(k.Namespace, k.TenantID)
}

// BuildTag produces the tag used to invalidate a group of entries together.
// With no parts it is the tenant-wide tag for the namespace
// ("invalidate all of this tenant's inventory"); parts narrow the group.
func BuildTag(namespace, tenantID string, parts ...string) string {
	return BuildKey(namespace, tenantID, parts...).String()
}

// TagPattern returns the invalidation pattern that selects every entry
// registered under tag.
func TagPattern(tag string) string {
	return TagPrefix + tag
}
