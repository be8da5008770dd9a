package fingerprint

import (
	"math"
	"strings"
	"unicode"
)

// LanguageEnglish and LanguageOther are the two classes text is bucketed
// into for prompt selection and translation penalties.
const (
	LanguageEnglish = "en"
	LanguageOther   = "non-en"
)

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

func splitCJK(text string) (nonCJK string, cjkCount int) {
	var sb strings.Builder
	for _, r := range text {
		if isCJK(r) {
			cjkCount++
			// keep token boundaries intact where CJK interrupts latin text
			sb.WriteRune(' ')
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String(), cjkCount
}

// EstimateWordCount counts whitespace-delimited tokens after stripping
// CJK codepoints, then adds one word per CJK codepoint.
func EstimateWordCount(text string) int {
	stripped, cjk := splitCJK(text)
	return len(strings.Fields(stripped)) + cjk
}

// EstimateTokenCount approximates AI tokens: 1.3 tokens per non-CJK word
// plus 1.5 tokens per CJK codepoint, each ceiled separately.
func EstimateTokenCount(text string) int {
	stripped, cjk := splitCJK(text)
	words := len(strings.Fields(stripped))
	return int(math.Ceil(1.3*float64(words))) + int(math.Ceil(1.5*float64(cjk)))
}

// DetectLanguage classifies text as "en" unless more than 30% of its
// non-whitespace codepoints are CJK.
func DetectLanguage(text string) string {
	var total, cjk int
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if isCJK(r) {
			cjk++
		}
	}
	if total == 0 {
		return LanguageEnglish
	}
	if float64(cjk)/float64(total) > 0.3 {
		return LanguageOther
	}
	return LanguageEnglish
}

// NormalizeTitle lowercases, trims, and collapses interior whitespace
// runs to single spaces. Used as the dedup key for context entries.
func NormalizeTitle(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
