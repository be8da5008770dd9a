package services

import (
	"reflect"
	"strings"
	"testing"

	"github.com/pagemark/pagemark-backend/internal/types"
)

func TestValidKeyword(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"  Entropy ", "entropy", true},
		{"ab", "", false},
		{"abc", "abc", true},
		{strings.Repeat("x", 100), strings.Repeat("x", 100), true},
		{strings.Repeat("x", 101), "", false},
		{"   ", "", false},
	}
	for _, tt := range tests {
		got, ok := validKeyword(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Fatalf("validKeyword(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestParseKeywordValues(t *testing.T) {
	// Bare array shape.
	got := parseKeywordValues([]any{"Entropy", "entropy", "ab", 42, " Markov Chain "})
	want := []string{"entropy", "markov chain"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("parseKeywordValues(array) = %v, want %v", got, want)
	}

	// Wrapped object shape.
	got = parseKeywordValues(map[string]any{"keywords": []any{"gradient", "descent"}})
	want = []string{"gradient", "descent"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("parseKeywordValues(object) = %v, want %v", got, want)
	}

	// Caps at eight keywords.
	many := make([]any, 0, 12)
	for _, s := range []string{"alpha", "beta", "gamma", "delta", "epsilon", "zeta", "eta", "theta", "iota", "kappa"} {
		many = append(many, s)
	}
	if got := parseKeywordValues(many); len(got) != 8 {
		t.Fatalf("expected cap at 8 keywords, got %d: %v", len(got), got)
	}

	if got := parseKeywordValues("not a list"); got != nil {
		t.Fatalf("expected nil for unsupported shape, got %v", got)
	}
	if got := parseKeywordValues(map[string]any{"items": []any{"x"}}); got != nil {
		t.Fatalf("expected nil when keywords key is missing, got %v", got)
	}
}

func TestHeuristicKeywords(t *testing.T) {
	text := "The entropy of the system increases. Entropy measures disorder; " +
		"the disorder grows with temperature, and entropy again."
	got := heuristicKeywords(text)
	if len(got) == 0 || got[0] != "entropy" {
		t.Fatalf("expected most frequent token 'entropy' first, got %v", got)
	}
	for _, kw := range got {
		if stopWords[kw] {
			t.Fatalf("stop word %q leaked into keywords: %v", kw, got)
		}
		if len(kw) < 3 {
			t.Fatalf("short token %q leaked into keywords: %v", kw, got)
		}
	}

	long := strings.Repeat("alpha beta gamma delta epsilon zeta eta theta iota kappa ", 3)
	if got := heuristicKeywords(long); len(got) > 8 {
		t.Fatalf("expected at most 8 keywords, got %d", len(got))
	}
}

func TestOverlaps(t *testing.T) {
	query := map[string]bool{"entropy": true, "gradient": true}
	if !overlaps([]string{"temperature", "Entropy"}, query) {
		t.Fatal("expected case-insensitive overlap")
	}
	if overlaps([]string{"temperature", "pressure"}, query) {
		t.Fatal("expected no overlap")
	}
	if overlaps(nil, query) {
		t.Fatal("expected no overlap for nil keywords")
	}
}

func TestHintsFilterAndCap(t *testing.T) {
	crs := &contextRetrievalService{}
	entries := []*types.ContextEntry{
		{Title: "d1", Body: "b", EntryType: types.ContextEntryDefinition},
		{Title: "c1", Body: "b", EntryType: types.ContextEntryConcept},
		{Title: "f1", Body: "b", EntryType: types.ContextEntryFormula},
		{Title: "d2", Body: "b", EntryType: types.ContextEntryDefinition},
		{Title: "d3", Body: "b", EntryType: types.ContextEntryDefinition},
		{Title: "f2", Body: "b", EntryType: types.ContextEntryFormula},
		{Title: "d4", Body: "b", EntryType: types.ContextEntryDefinition},
	}
	hints := crs.Hints(entries)
	if len(hints) != 5 {
		t.Fatalf("expected 5 hints, got %d", len(hints))
	}
	for _, h := range hints {
		if h.Title == "c1" {
			t.Fatal("concept entries must not become hints")
		}
	}
}

func TestKeywordCacheKeyDistinguishesInputs(t *testing.T) {
	a := keywordCacheKey("page text", "question")
	b := keywordCacheKey("page text", "")
	c := keywordCacheKey("page text", "question")
	if a == b {
		t.Fatal("different questions must produce different cache keys")
	}
	if a != c {
		t.Fatal("identical inputs must produce identical cache keys")
	}
}
