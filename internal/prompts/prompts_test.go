package prompts

import (
	"fmt"
	"strings"
	"testing"
)

func TestNormalizeLocale(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"en", LocaleEnglish},
		{"zh", LocaleSimplifiedChinese},
		{"zh-Hans", LocaleSimplifiedChinese},
		{"zh-CN", LocaleSimplifiedChinese},
		{"zh-hans", LocaleSimplifiedChinese},
		{" zh ", LocaleSimplifiedChinese},
		{"de", LocaleEnglish},
		{"", LocaleEnglish},
	}
	for _, tc := range cases {
		if got := NormalizeLocale(tc.in); got != tc.want {
			t.Fatalf("NormalizeLocale(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestExplainSystemLocalizes(t *testing.T) {
	en := ExplainSystem(nil, "en", false, nil)
	zh := ExplainSystem(nil, "zh-CN", false, nil)
	if en == "" || zh == "" {
		t.Fatal("expected non-empty system prompts")
	}
	if en == zh {
		t.Fatal("expected distinct personas per locale")
	}
	if !strings.Contains(en, `"stickers"`) || !strings.Contains(zh, `"stickers"`) {
		t.Fatal("personas must pin the stickers response shape")
	}
}

func TestExplainSystemImageNote(t *testing.T) {
	plain := ExplainSystem(nil, "en", false, nil)
	withImages := ExplainSystem(nil, "en", true, nil)
	if withImages == plain {
		t.Fatal("expected the image note to extend the system prompt")
	}
	if !strings.HasPrefix(withImages, plain) {
		t.Fatal("image note must append after the persona")
	}
}

func TestExplainSystemHintCapAndBodyPrefix(t *testing.T) {
	hints := make([]ContextHint, 0, 7)
	for i := 1; i <= 7; i++ {
		hints = append(hints, ContextHint{
			Title: fmt.Sprintf("hint-%d", i),
			Body:  "short body",
		})
	}
	out := ExplainSystem(nil, "en", false, hints)
	if !strings.Contains(out, "hint-5") {
		t.Fatal("fifth hint missing")
	}
	if strings.Contains(out, "hint-6") {
		t.Fatal("hints past the fifth must be dropped")
	}

	long := ContextHint{
		Title: "long-hint",
		Body:  strings.Repeat("a", 150) + "TAIL",
	}
	out = ExplainSystem(nil, "en", false, []ContextHint{long})
	if !strings.Contains(out, strings.Repeat("a", 150)) {
		t.Fatal("hint body prefix missing")
	}
	if strings.Contains(out, "TAIL") {
		t.Fatal("hint body must be clamped to its prefix")
	}
}

func TestExplainUser(t *testing.T) {
	out := ExplainUser("Bayes' theorem relates conditional probabilities.", 3, "Lecture", 12)
	for _, want := range []string{
		"Document type: Lecture",
		"Page 3 of 12.",
		"Bayes' theorem relates conditional probabilities.",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("ExplainUser output missing %q:\n%s", want, out)
		}
	}

	if out := ExplainUser("text", 1, "  ", 1); !strings.Contains(out, "Document type: Other") {
		t.Fatalf("blank pdf type must fall back to Other:\n%s", out)
	}
}

func TestExtractionSystemPicksVariant(t *testing.T) {
	en := ExtractionSystem(nil, "en")
	other := ExtractionSystem(nil, "other")
	if en == "" || other == "" {
		t.Fatal("expected non-empty extraction prompts")
	}
	if en == other {
		t.Fatal("non-English batches must get the translation prompt")
	}
}

func TestExtractionUser(t *testing.T) {
	out := ExtractionUser("batch text", 4, 9)
	if out != "Pages 4-9 of the document:\n\nbatch text" {
		t.Fatalf("unexpected extraction user prompt: %q", out)
	}
}

func TestRefreshUserSections(t *testing.T) {
	out := RefreshUser("the anchor", "old explanation", "full page text", 6)
	for _, want := range []string{
		"Page 6 text:\nfull page text",
		"Highlighted passage:\nthe anchor",
		"Previous explanation (do not repeat its angle):\nold explanation",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("RefreshUser output missing %q:\n%s", want, out)
		}
	}

	minimal := RefreshUser("", "", "page text", 2)
	if strings.Contains(minimal, "Highlighted passage") || strings.Contains(minimal, "Previous explanation") {
		t.Fatalf("empty sections must be omitted:\n%s", minimal)
	}
}

func TestKeywordsUserClampsPageText(t *testing.T) {
	long := strings.Repeat("b", 4000) + "OVERFLOW"
	out := KeywordsUser(long, "")
	if strings.Contains(out, "OVERFLOW") {
		t.Fatal("page text must be clamped to 4000 characters")
	}
	if !strings.Contains(out, strings.Repeat("b", 4000)) {
		t.Fatal("clamped page text prefix missing")
	}

	out = KeywordsUser("some page", "what is entropy?")
	if !strings.Contains(out, "Page text:\nsome page") || !strings.Contains(out, "Student question: what is entropy?") {
		t.Fatalf("unexpected combined prompt: %q", out)
	}

	if out := KeywordsUser("", "  "); out != "" {
		t.Fatalf("expected empty prompt for empty inputs, got %q", out)
	}
}
