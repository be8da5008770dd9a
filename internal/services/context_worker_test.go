package services

import (
	"reflect"
	"testing"

	"github.com/pagemark/pagemark-backend/internal/fingerprint"
	"github.com/pagemark/pagemark-backend/internal/types"
)

func TestTotalBatchesFor(t *testing.T) {
	tests := []struct {
		words int
		want  int
	}{
		{0, 1},
		{1, 1},
		{4000, 1},
		{4001, 2},
		{8000, 2},
		{40000, 10},
	}
	for _, tt := range tests {
		if got := TotalBatchesFor(tt.words); got != tt.want {
			t.Fatalf("TotalBatchesFor(%d) = %d, want %d", tt.words, got, tt.want)
		}
	}
}

func TestEstimateDocWords(t *testing.T) {
	// 10 sampled pages averaging 200 words project across all 50.
	counts := make([]int, 50)
	for i := range counts {
		counts[i] = 200
	}
	if got := EstimateDocWords(counts, 10); got != 10000 {
		t.Fatalf("EstimateDocWords = %d, want 10000", got)
	}

	// Fewer pages than the sample size: average over what exists.
	if got := EstimateDocWords([]int{100, 300}, 10); got != 400 {
		t.Fatalf("EstimateDocWords short doc = %d, want 400", got)
	}
	if got := EstimateDocWords(nil, 10); got != 0 {
		t.Fatalf("EstimateDocWords(nil) = %d, want 0", got)
	}
}

func TestCollectBatch(t *testing.T) {
	// Pages accumulate until the 4000-word target is reached.
	counts := []int{1500, 1500, 1500, 1500}
	pages, words := CollectBatch(counts, 0)
	if pages != 3 || words != 4500 {
		t.Fatalf("CollectBatch = (%d pages, %d words), want (3, 4500)", pages, words)
	}

	// The next page would blow past the 6000 max: stop short of target.
	counts = []int{3000, 5000}
	pages, words = CollectBatch(counts, 0)
	if pages != 1 || words != 3000 {
		t.Fatalf("CollectBatch max-bound = (%d, %d), want (1, 3000)", pages, words)
	}

	// A single oversized page still forms its own batch.
	counts = []int{9000, 100}
	pages, words = CollectBatch(counts, 0)
	if pages != 1 || words != 9000 {
		t.Fatalf("CollectBatch oversized page = (%d, %d), want (1, 9000)", pages, words)
	}

	// Tail batch takes whatever remains.
	counts = []int{4500, 300, 200}
	pages, words = CollectBatch(counts, 1)
	if pages != 2 || words != 500 {
		t.Fatalf("CollectBatch tail = (%d, %d), want (2, 500)", pages, words)
	}

	pages, words = CollectBatch(counts, 3)
	if pages != 0 || words != 0 {
		t.Fatalf("CollectBatch past end = (%d, %d), want (0, 0)", pages, words)
	}
}

func TestDedupCandidatesQualityWins(t *testing.T) {
	cands := []EntryCandidate{
		{Title: "Bayes Theorem", Quality: 0.8, Language: fingerprint.LanguageEnglish},
		{Title: "bayes   theorem", Quality: 0.95, Language: fingerprint.LanguageEnglish},
		{Title: "Markov Chain", Quality: 0.9, Language: fingerprint.LanguageEnglish},
	}
	out := DedupCandidates(cands)
	if len(out) != 2 {
		t.Fatalf("expected 2 deduped candidates, got %d", len(out))
	}
	if out[0].Quality != 0.95 {
		t.Fatalf("expected higher-quality duplicate to win, got %+v", out[0])
	}
	// First-seen order is preserved.
	if out[1].Title != "Markov Chain" {
		t.Fatalf("expected Markov Chain second, got %q", out[1].Title)
	}
}

func TestDedupCandidatesTieBreaks(t *testing.T) {
	// Equal quality: English displaces a translated candidate.
	out := DedupCandidates([]EntryCandidate{
		{Title: "Entropy", Quality: 0.9, Language: "other"},
		{Title: "entropy", Quality: 0.9, Language: fingerprint.LanguageEnglish},
	})
	if len(out) != 1 || out[0].Language != fingerprint.LanguageEnglish {
		t.Fatalf("expected english candidate to win the tie, got %+v", out)
	}

	// Equal quality, same language: the earlier candidate stays.
	out = DedupCandidates([]EntryCandidate{
		{Title: "Entropy", Body: "first", Quality: 0.9, Language: fingerprint.LanguageEnglish},
		{Title: "entropy", Body: "second", Quality: 0.9, Language: fingerprint.LanguageEnglish},
	})
	if len(out) != 1 || out[0].Body != "first" {
		t.Fatalf("expected earlier candidate to stay, got %+v", out)
	}

	// Blank titles never dedup against anything; they are dropped.
	out = DedupCandidates([]EntryCandidate{{Title: "   ", Quality: 0.9}})
	if len(out) != 0 {
		t.Fatalf("expected blank-title candidate dropped, got %+v", out)
	}
}

func TestCandidatesFromJSON(t *testing.T) {
	parsed := map[string]any{
		"entries": []any{
			map[string]any{
				"title": "Bayes' Theorem", "body": "P(A|B) = ...", "type": "theorem",
				"keywords": []any{"Bayes", " probability "}, "quality": 0.9,
			},
			map[string]any{
				"title": "Filler", "body": "low quality", "type": "concept",
				"keywords": []any{}, "quality": 0.5,
			},
			map[string]any{
				"title": "", "body": "no title", "type": "concept",
				"keywords": []any{}, "quality": 0.9,
			},
			map[string]any{
				"title": "Weird", "body": "unknown type", "type": "riddle",
				"keywords": []any{}, "quality": 1.7,
			},
		},
	}

	out := candidatesFromJSON(parsed, fingerprint.LanguageEnglish, 3)
	if len(out) != 2 {
		t.Fatalf("expected 2 candidates, got %d: %+v", len(out), out)
	}
	if out[0].EntryType != types.ContextEntryTheorem || out[0].SourcePage != 3 {
		t.Fatalf("unexpected first candidate: %+v", out[0])
	}
	if !reflect.DeepEqual(out[0].Keywords, []string{"bayes", "probability"}) {
		t.Fatalf("keywords not lowercased/trimmed: %v", out[0].Keywords)
	}
	// Quality clamps to 1 and unknown types map to concept.
	if out[1].Quality != 1 || out[1].EntryType != types.ContextEntryConcept {
		t.Fatalf("unexpected clamped candidate: %+v", out[1])
	}
}

func TestCandidatesFromJSONTranslationPenalty(t *testing.T) {
	parsed := map[string]any{
		"entries": []any{
			// 0.75 * 0.9 = 0.675 < 0.7: dropped after the penalty.
			map[string]any{"title": "熵", "body": "...", "type": "concept", "keywords": []any{}, "quality": 0.75},
			// 0.8 * 0.9 = 0.72: survives.
			map[string]any{"title": "贝叶斯", "body": "...", "type": "definition", "keywords": []any{}, "quality": 0.8},
		},
	}
	out := candidatesFromJSON(parsed, "other", 1)
	if len(out) != 1 {
		t.Fatalf("expected 1 surviving candidate, got %d", len(out))
	}
	if out[0].Quality < 0.719 || out[0].Quality > 0.721 {
		t.Fatalf("expected penalized quality ~0.72, got %f", out[0].Quality)
	}
}
