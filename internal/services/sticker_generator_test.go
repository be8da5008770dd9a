package services

import (
	"testing"

	"github.com/pagemark/pagemark-backend/internal/fingerprint"
	"github.com/pagemark/pagemark-backend/internal/types"
)

func TestParseStickerPairs(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int
	}{
		{
			name: "wrapped object",
			raw:  `{"stickers":[{"anchorText":"a","explanation":"e"}]}`,
			want: 1,
		},
		{
			name: "bare array",
			raw:  `[{"anchorText":"a","explanation":"e1"},{"anchorText":"b","explanation":"e2"}]`,
			want: 2,
		},
		{
			name: "json code fence",
			raw:  "```json\n{\"stickers\":[{\"anchorText\":\"a\",\"explanation\":\"e\"}]}\n```",
			want: 1,
		},
		{
			name: "plain code fence",
			raw:  "```\n[{\"anchorText\":\"a\",\"explanation\":\"e\"}]\n```",
			want: 1,
		},
		{name: "garbage", raw: "the model rambled instead", want: 0},
		{name: "empty", raw: "   ", want: 0},
	}
	for _, tt := range tests {
		got := parseStickerPairs(tt.raw)
		if len(got) != tt.want {
			t.Fatalf("%s: parseStickerPairs returned %d pairs, want %d", tt.name, len(got), tt.want)
		}
	}
}

func TestParseStickerPairsDropsEmptyExplanations(t *testing.T) {
	raw := `{"stickers":[
		{"anchorText":"kept","explanation":"  real content  "},
		{"anchorText":"dropped","explanation":"   "},
		{"anchorText":"","explanation":"anchorless is fine"}
	]}`
	got := parseStickerPairs(raw)
	if len(got) != 2 {
		t.Fatalf("expected 2 pairs, got %d: %+v", len(got), got)
	}
	if got[0].AnchorText != "kept" || got[0].Explanation != "real content" {
		t.Fatalf("expected trimmed first pair, got %+v", got[0])
	}
	if got[1].AnchorText != "" || got[1].Explanation != "anchorless is fine" {
		t.Fatalf("expected anchorless pair to survive, got %+v", got[1])
	}
}

func TestPairsFromJSONResult(t *testing.T) {
	parsed := map[string]any{
		"stickers": []any{
			map[string]any{"anchorText": "a", "explanation": "e"},
			"not an object",
			map[string]any{"anchorText": "b", "explanation": ""},
		},
	}
	got := pairsFromJSONResult(parsed)
	if len(got) != 1 {
		t.Fatalf("expected 1 pair, got %d: %+v", len(got), got)
	}
	if got[0].AnchorText != "a" || got[0].Explanation != "e" {
		t.Fatalf("unexpected pair: %+v", got[0])
	}

	if got := pairsFromJSONResult(map[string]any{}); got != nil {
		t.Fatalf("expected nil for missing stickers key, got %+v", got)
	}
	if got := pairsFromJSONResult(map[string]any{"stickers": "oops"}); got != nil {
		t.Fatalf("expected nil for non-array stickers, got %+v", got)
	}
}

func TestBuildAnchorTextOnly(t *testing.T) {
	anchor := buildAnchor(stickerPair{AnchorText: "the key passage"}, 4, false, nil)
	if anchor.TextSnippet != "the key passage" {
		t.Fatalf("TextSnippet = %q", anchor.TextSnippet)
	}
	if anchor.IsFullPage {
		t.Fatal("text page anchor must not be full-page")
	}
	if anchor.Anchors != nil {
		t.Fatalf("expected no anchors list, got %+v", anchor.Anchors)
	}
}

func TestBuildAnchorFullPageForSlides(t *testing.T) {
	anchor := buildAnchor(stickerPair{AnchorText: "slide title"}, 2, true, nil)
	if !anchor.IsFullPage {
		t.Fatal("slide anchor must be full-page")
	}
	if anchor.TextSnippet != "slide title" {
		t.Fatalf("TextSnippet = %q", anchor.TextSnippet)
	}
}

func TestBuildAnchorWithRegions(t *testing.T) {
	regions := []fingerprint.Region{
		{Page: 3, Rect: fingerprint.Rect{X: 0.1, Y: 0.2, W: 0.3, H: 0.4}},
		{Page: 5, Rect: fingerprint.Rect{X: 0.123456, Y: 0.2, W: 0.25, H: 0.25}},
	}
	anchor := buildAnchor(stickerPair{AnchorText: "figure caption"}, 3, false, regions)

	if len(anchor.Anchors) != 3 {
		t.Fatalf("expected 3 anchor items, got %d", len(anchor.Anchors))
	}

	text := anchor.Anchors[0]
	if text.ID != "text-3" || text.Type != types.AnchorTypeText || text.Page != 3 {
		t.Fatalf("unexpected text anchor: %+v", text)
	}
	if text.TextSnippet != "figure caption" {
		t.Fatalf("text anchor snippet = %q", text.TextSnippet)
	}

	first := anchor.Anchors[1]
	if first.ID != "3-0.1000-0.2000-0.3000-0.4000" {
		t.Fatalf("first image anchor id = %q", first.ID)
	}
	if first.Type != types.AnchorTypeImage || first.Page != 3 {
		t.Fatalf("unexpected first image anchor: %+v", first)
	}
	if first.Rect == nil || first.Rect.X != 0.1 || first.Rect.H != 0.4 {
		t.Fatalf("unexpected first image rect: %+v", first.Rect)
	}

	second := anchor.Anchors[2]
	if second.ID != "5-0.1235-0.2000-0.2500-0.2500" {
		t.Fatalf("second image anchor id = %q", second.ID)
	}
	if second.Page != 5 {
		t.Fatalf("second image anchor page = %d", second.Page)
	}
	if second.Rect == nil || second.Rect.X != 0.1235 {
		t.Fatalf("expected rounded rect coordinates, got %+v", second.Rect)
	}
}
