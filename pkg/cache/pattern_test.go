package cache

import (
	"errors"
	"strings"
	"testing"
)

func TestParsePattern(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantKind  PatternKind
		wantValue string
		wantErr   bool
	}{
		{name: "exact key", raw: "inventory:t1:item:i1", wantKind: PatternExact, wantValue: "inventory:t1:item:i1"},
		{name: "trailing wildcard", raw: "inventory:t1:*", wantKind: PatternGlob, wantValue: "inventory:t1:*"},
		{name: "match all", raw: "*", wantKind: PatternGlob, wantValue: "*"},
		{name: "single char wildcard", raw: "inventory:t?", wantKind: PatternGlob, wantValue: "inventory:t?"},
		{name: "character class", raw: "inventory:t[12]", wantKind: PatternGlob, wantValue: "inventory:t[12]"},
		{name: "tag reference", raw: "tag:inventory:t1", wantKind: PatternTag, wantValue: "inventory:t1"},
		{name: "empty", raw: "", wantErr: true},
		{name: "whitespace", raw: "inventory: t1", wantErr: true},
		{name: "empty tag", raw: "tag:", wantErr: true},
		{name: "wildcard tag", raw: "tag:inventory:*", wantErr: true},
		{name: "unclosed class", raw: "inventory:[t1", wantErr: true},
		{name: "long exact key", raw: strings.Repeat("a", MaxPatternLength+1), wantKind: PatternExact, wantValue: strings.Repeat("a", MaxPatternLength+1)},
		{name: "brace alternation", raw: "inventory:*{a,b}", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParsePattern(tt.raw)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidPattern) {
					t.Fatalf("ParsePattern(%q) error = %v, want ErrInvalidPattern", tt.raw, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePattern(%q) unexpected error: %v", tt.raw, err)
			}
			if p.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", p.Kind, tt.wantKind)
			}
			if p.Value != tt.wantValue {
				t.Errorf("Value = %q, want %q", p.Value, tt.wantValue)
			}
		})
	}
}

func TestParseOperatorPattern(t *testing.T) {
	if _, err := ParseOperatorPattern("inventory:t1:*"); err != nil {
		t.Fatalf("ParseOperatorPattern unexpected error: %v", err)
	}
	long := strings.Repeat("a", MaxPatternLength+1)
	if _, err := ParseOperatorPattern(long); !errors.Is(err, ErrInvalidPattern) {
		t.Fatalf("ParseOperatorPattern(long) error = %v, want ErrInvalidPattern", err)
	}
}

func TestPattern_Match(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"inventory:t1:item:i1", "inventory:t1:item:i1", true},
		{"inventory:t1:item:i1", "inventory:t1:item:i2", false},
		{"inventory:t1:*", "inventory:t1:item:i1", true},
		{"inventory:t1:*", "inventory:t2:item:i1", false},
		{"*", "location:t1:l1", true},
		{"inventory:t?:item:i1", "inventory:t2:item:i1", true},
		{"tag:inventory:t1", "inventory:t1", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.key, func(t *testing.T) {
			p, err := ParsePattern(tt.pattern)
			if err != nil {
				t.Fatalf("ParsePattern failed: %v", err)
			}
			if got := p.Match(tt.key); got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

func TestPatternKind_String(t *testing.T) {
	if PatternExact.String() != "exact" || PatternGlob.String() != "glob" || PatternTag.String() != "tag" {
		t.Error("unexpected pattern kind names")
	}
	if PatternKind(99).String() != "unknown" {
		t.Error("expected unknown for out-of-range kind")
	}
}
