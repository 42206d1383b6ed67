package cache

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// TagPrefix marks an invalidation pattern as a tag reference.
const TagPrefix = "tag:"

// MaxPatternLength bounds invalidation patterns accepted from operators.
// Patterns built from keys and tags are not subject to it.
const MaxPatternLength = 512

// PatternKind is the way an invalidation pattern selects entries.
type PatternKind int

const (
	// PatternExact selects a single key.
	PatternExact PatternKind = iota

	// PatternGlob selects every key matching a glob (*, ?, [...]).
	PatternGlob

	// PatternTag selects every key registered under a tag.
	PatternTag
)

// String returns the kind name used in logs and metrics.
func (k PatternKind) String() string {
	switch k {
	case PatternExact:
		return "exact"
	case PatternGlob:
		return "glob"
	case PatternTag:
		return "tag"
	default:
		return "unknown"
	}
}

// Pattern is a parsed invalidation pattern.
type Pattern struct {
	Kind  PatternKind
	Value string
}

// ParsePattern classifies and validates raw. Keys never contain unescaped
// glob metacharacters, so their presence makes the pattern a glob.
func ParsePattern(raw string) (Pattern, error) {
	if raw == "" {
		return Pattern{}, fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	if strings.ContainsAny(raw, " \t\r\n") {
		return Pattern{}, fmt.Errorf("%w: pattern contains whitespace", ErrInvalidPattern)
	}

	if tag, ok := strings.CutPrefix(raw, TagPrefix); ok {
		if tag == "" {
			return Pattern{}, fmt.Errorf("%w: tag reference without a tag", ErrInvalidPattern)
		}
		if hasGlobMeta(tag) {
			return Pattern{}, fmt.Errorf("%w: tag %q contains wildcard characters", ErrInvalidPattern, tag)
		}
		return Pattern{Kind: PatternTag, Value: tag}, nil
	}

	if hasGlobMeta(raw) {
		// Redis SCAN MATCH has no alternation; both tiers must select the
		// same keys.
		if strings.ContainsAny(raw, "{}") {
			return Pattern{}, fmt.Errorf("%w: glob %q uses {} alternation", ErrInvalidPattern, raw)
		}
		if !doublestar.ValidatePattern(raw) {
			return Pattern{}, fmt.Errorf("%w: malformed glob %q", ErrInvalidPattern, raw)
		}
		return Pattern{Kind: PatternGlob, Value: raw}, nil
	}

	return Pattern{Kind: PatternExact, Value: raw}, nil
}

// ParseOperatorPattern is ParsePattern for patterns typed by an operator,
// which are also bounded by MaxPatternLength.
func ParseOperatorPattern(raw string) (Pattern, error) {
	if len(raw) > MaxPatternLength {
		return Pattern{}, fmt.Errorf("%w: pattern longer than %d bytes", ErrInvalidPattern, MaxPatternLength)
	}
	return ParsePattern(raw)
}

// Match reports whether key is selected by an exact or glob pattern.
// Tag patterns are resolved through a tag index, never by matching.
func (p Pattern) Match(key string) bool {
	switch p.Kind {
	case PatternExact:
		return key == p.Value
	case PatternGlob:
		ok, err := doublestar.Match(p.Value, key)
		return err == nil && ok
	default:
		return false
	}
}

func hasGlobMeta(s string) bool {
	return strings.ContainsAny(s, "*?[]\\")
}
