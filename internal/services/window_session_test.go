package services

import (
	"reflect"
	"testing"

	"gorm.io/datatypes"

	"github.com/pagemark/pagemark-backend/internal/types"
)

func TestLookaheadFor(t *testing.T) {
	if got := LookaheadFor(types.PDFTypeText); got != 7 {
		t.Fatalf("text lookahead = %d, want 7", got)
	}
	if got := LookaheadFor(types.PDFTypePPT); got != 3 {
		t.Fatalf("ppt lookahead = %d, want 3", got)
	}
}

func TestComputeWindow(t *testing.T) {
	tests := []struct {
		name       string
		current    int
		lookahead  int
		totalPages int
		wantStart  int
		wantEnd    int
	}{
		{"text mid-document", 5, 7, 100, 5, 12},
		{"ppt mid-document", 5, 3, 100, 5, 8},
		{"clamped at document end", 98, 7, 100, 98, 100},
		{"current is last page", 100, 7, 100, 100, 100},
		{"single page document", 1, 7, 1, 1, 1},
		{"window fills short document", 1, 7, 4, 1, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := ComputeWindow(tt.current, tt.lookahead, tt.totalPages)
			if start != tt.wantStart || end != tt.wantEnd {
				t.Fatalf("ComputeWindow(%d, %d, %d) = [%d, %d], want [%d, %d]",
					tt.current, tt.lookahead, tt.totalPages, start, end, tt.wantStart, tt.wantEnd)
			}
			if end-start+1 > 8 {
				t.Fatalf("window [%d, %d] exceeds 8 pages", start, end)
			}
			if tt.current <= tt.totalPages && (tt.current < start || tt.current > end) {
				t.Fatalf("current %d outside window [%d, %d]", tt.current, start, end)
			}
		})
	}
}

func TestIsJump(t *testing.T) {
	tests := []struct {
		from, to int
		want     bool
	}{
		{5, 5, false},
		{5, 6, false},
		{5, 15, false}, // delta exactly 10
		{5, 16, true},  // delta 11
		{20, 9, true},  // backward delta 11
		{20, 10, false},
		{100, 1, true},
	}
	for _, tt := range tests {
		if got := IsJump(tt.from, tt.to); got != tt.want {
			t.Fatalf("IsJump(%d, %d) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestPagesToGenerateOrder(t *testing.T) {
	none := map[int]bool{}

	// Current in the middle of a jump-rebuilt window: forward-biased
	// alternation around it.
	got := PagesToGenerate(8, 13, 10, none, none, none)
	want := []int{10, 11, 9, 12, 13, 8}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("PagesToGenerate(8..13, cur=10) = %v, want %v", got, want)
	}

	// Fresh forward window: strictly ascending from current.
	got = PagesToGenerate(5, 12, 5, none, none, none)
	want = []int{5, 6, 7, 8, 9, 10, 11, 12}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("PagesToGenerate(5..12, cur=5) = %v, want %v", got, want)
	}
}

func TestPagesToGenerateSkipsSettledPages(t *testing.T) {
	completed := map[int]bool{5: true, 6: true}
	inProgress := map[int]bool{7: true}
	failed := map[int]bool{8: true}

	got := PagesToGenerate(5, 12, 5, completed, inProgress, failed)
	want := []int{9, 10, 11, 12}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("PagesToGenerate with settled pages = %v, want %v", got, want)
	}

	// First page is always current when current is unsettled.
	got = PagesToGenerate(5, 12, 9, completed, inProgress, failed)
	if len(got) == 0 || got[0] != 9 {
		t.Fatalf("expected current page 9 first, got %v", got)
	}
}

func TestPagesToGenerateExhaustedWindow(t *testing.T) {
	completed := map[int]bool{}
	for p := 5; p <= 12; p++ {
		completed[p] = true
	}
	if got := PagesToGenerate(5, 12, 5, completed, map[int]bool{}, map[int]bool{}); len(got) != 0 {
		t.Fatalf("expected no pages for fully completed window, got %v", got)
	}
	if got := PagesToGenerate(5, 4, 5, nil, nil, nil); got != nil {
		t.Fatalf("expected nil for inverted window, got %v", got)
	}
}

func TestPageSetRoundTrip(t *testing.T) {
	set := map[int]bool{9: true, 3: true, 7: true}
	raw := encodePageSet(set)
	if string(raw) != "[3,7,9]" {
		t.Fatalf("encodePageSet = %s, want [3,7,9]", raw)
	}
	back := decodePageSet(raw)
	if !reflect.DeepEqual(back, set) {
		t.Fatalf("decodePageSet(encodePageSet(set)) = %v, want %v", back, set)
	}
}

func TestDecodePageSetMalformed(t *testing.T) {
	if got := decodePageSet(datatypes.JSON(`{"not": "a list"}`)); len(got) != 0 {
		t.Fatalf("expected empty set for malformed payload, got %v", got)
	}
	if got := decodePageSet(nil); len(got) != 0 {
		t.Fatalf("expected empty set for nil payload, got %v", got)
	}
}
