package fingerprint

import (
	"strings"
	"testing"
)

func TestSelectionHashDeterministic(t *testing.T) {
	regions := []Region{
		{Page: 7, Rect: Rect{X: 0.1, Y: 0.1, W: 0.2, H: 0.2}},
		{Page: 7, Rect: Rect{X: 0.5, Y: 0.1, W: 0.2, H: 0.2}},
		{Page: 7, Rect: Rect{X: 0.1, Y: 0.5, W: 0.2, H: 0.2}},
	}
	reversed := []Region{regions[2], regions[1], regions[0]}
	extraPrecision := []Region{
		{Page: 7, Rect: Rect{X: 0.100004, Y: 0.099996, W: 0.2, H: 0.2}},
		{Page: 7, Rect: Rect{X: 0.5, Y: 0.1, W: 0.2, H: 0.2}},
		{Page: 7, Rect: Rect{X: 0.1, Y: 0.5, W: 0.2, H: 0.2}},
	}

	base, err := SelectionHash(7, ModeWithSelectedImages, "zh-Hans", regions)
	if err != nil {
		t.Fatalf("SelectionHash: %v", err)
	}
	if len(base) != 64 || strings.ToLower(base) != base {
		t.Fatalf("expected lowercase 64-hex hash, got %q", base)
	}

	rev, err := SelectionHash(7, ModeWithSelectedImages, "zh-Hans", reversed)
	if err != nil {
		t.Fatalf("SelectionHash reversed: %v", err)
	}
	if rev != base {
		t.Fatalf("hash changed under region reordering: %s vs %s", base, rev)
	}

	rounded, err := SelectionHash(7, ModeWithSelectedImages, "zh-Hans", extraPrecision)
	if err != nil {
		t.Fatalf("SelectionHash rounded: %v", err)
	}
	if rounded != base {
		t.Fatalf("hash changed under sub-4-decimal noise: %s vs %s", base, rounded)
	}
}

func TestSelectionHashDistinguishesInputs(t *testing.T) {
	regions := []Region{{Page: 1, Rect: Rect{X: 0.1, Y: 0.1, W: 0.2, H: 0.2}}}
	a, _ := SelectionHash(1, ModeWithSelectedImages, "en", regions)
	b, _ := SelectionHash(2, ModeWithSelectedImages, "en", regions)
	c, _ := SelectionHash(1, ModeWithSelectedImages, "zh-Hans", regions)
	if a == b || a == c {
		t.Fatalf("expected distinct hashes for distinct inputs: %s %s %s", a, b, c)
	}
}

func TestSelectionHashRejectsEmpty(t *testing.T) {
	if _, err := SelectionHash(1, ModeWithSelectedImages, "en", nil); err == nil {
		t.Fatal("expected error for empty region list")
	}
}

func TestValidRect(t *testing.T) {
	cases := []struct {
		name string
		rect Rect
		want bool
	}{
		{"interior", Rect{0.1, 0.1, 0.5, 0.5}, true},
		{"full page", Rect{0, 0, 1, 1}, true},
		{"within tolerance", Rect{0.5, 0.5, 0.50005, 0.5}, true},
		{"negative x", Rect{-0.1, 0.1, 0.5, 0.5}, false},
		{"zero width", Rect{0.1, 0.1, 0, 0.5}, false},
		{"overflow x", Rect{0.8, 0.1, 0.3, 0.2}, false},
		{"overflow y", Rect{0.1, 0.9, 0.2, 0.2}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ValidRect(tc.rect); got != tc.want {
				t.Fatalf("ValidRect(%+v) = %v, want %v", tc.rect, got, tc.want)
			}
		})
	}
}

func TestAnchorID(t *testing.T) {
	id := AnchorID(7, Rect{X: 0.1, Y: 0.1, W: 0.2, H: 0.2})
	if id != "7-0.1000-0.1000-0.2000-0.2000" {
		t.Fatalf("unexpected anchor id %q", id)
	}
}

func TestEstimateWordCount(t *testing.T) {
	cases := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"latin", "the quick brown fox", 4},
		{"cjk only", "导数是函数", 5},
		{"mixed", "derivative 导数 of f", 3 + 2},
		{"whitespace runs", "  a   b\n\tc ", 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := EstimateWordCount(tc.text); got != tc.want {
				t.Fatalf("EstimateWordCount(%q) = %d, want %d", tc.text, got, tc.want)
			}
		})
	}
}

func TestEstimateTokenCount(t *testing.T) {
	// 4 latin words -> ceil(5.2) = 6; 5 CJK chars -> ceil(7.5) = 8
	if got := EstimateTokenCount("the quick brown fox"); got != 6 {
		t.Fatalf("latin token estimate = %d, want 6", got)
	}
	if got := EstimateTokenCount("导数是函数"); got != 8 {
		t.Fatalf("cjk token estimate = %d, want 8", got)
	}
	if got := EstimateTokenCount(""); got != 0 {
		t.Fatalf("empty token estimate = %d, want 0", got)
	}
}

func TestDetectLanguage(t *testing.T) {
	cases := []struct {
		name string
		text string
		want string
	}{
		{"empty", "", LanguageEnglish},
		{"english", "The derivative of a function measures sensitivity.", LanguageEnglish},
		{"chinese", "导数衡量函数的变化率，是微积分的核心概念。", LanguageOther},
		{"mostly english with a little cjk", "The derivative 导数 measures instantaneous rate of change of functions", LanguageEnglish},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DetectLanguage(tc.text); got != tc.want {
				t.Fatalf("DetectLanguage(%q) = %q, want %q", tc.text, got, tc.want)
			}
		})
	}
}

func TestNormalizeTitle(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Derivative", "derivative"},
		{"  The   Chain\tRule ", "the chain rule"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeTitle(tc.in); got != tc.want {
			t.Fatalf("NormalizeTitle(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestContentHashStable(t *testing.T) {
	a := ContentHash([]byte("pdf bytes"))
	b := ContentHash([]byte("pdf bytes"))
	if a != b || len(a) != 64 {
		t.Fatalf("content hash unstable or malformed: %q vs %q", a, b)
	}
	if ContentHash([]byte("other")) == a {
		t.Fatal("distinct inputs produced identical hashes")
	}
}
