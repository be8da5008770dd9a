package prompts

import (
	"embed"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pagemark/pagemark-backend/internal/logger"
)

const promptsEnv = "PAGEMARK_PROMPTS_YAML"

//go:embed prompts.yaml
var promptsFS embed.FS

const (
	LocaleEnglish           = "en"
	LocaleSimplifiedChinese = "zh-Hans"

	contextHintLimit       = 5
	contextHintBodyPrefix  = 150
	keywordsPageTextClamp  = 4000
	defaultStickerCount    = "3-6"
	pdfTypeTagFallbackName = "Other"
)

type yamlPromptSpec struct {
	Prompts string `yaml:"prompts"`
	Version int    `yaml:"version"`

	Explain struct {
		Personas       map[string]string `yaml:"personas"`
		ContextHeaders map[string]string `yaml:"context_headers"`
		ImageNote      map[string]string `yaml:"image_note"`
	} `yaml:"explain"`

	Extraction struct {
		SystemEN        string `yaml:"system_en"`
		SystemTranslate string `yaml:"system_translate"`
	} `yaml:"extraction"`

	Keywords struct {
		System string `yaml:"system"`
	} `yaml:"keywords"`

	Refresh struct {
		System map[string]string `yaml:"system"`
	} `yaml:"refresh"`
}

var specOnce sync.Once
var specCache *yamlPromptSpec
var specErr error

func currentSpec(log *logger.Logger) *yamlPromptSpec {
	specOnce.Do(func() {
		specCache, specErr = loadSpec()
	})
	if specErr != nil {
		if log != nil {
			log.Warn("prompts: spec load failed; using fallback", "error", specErr)
		}
		return nil
	}
	return specCache
}

func loadSpec() (*yamlPromptSpec, error) {
	data, err := readSpec()
	if err != nil {
		return nil, err
	}
	var spec yamlPromptSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, err
	}
	if strings.TrimSpace(spec.Prompts) != "pagemark" {
		return nil, fmt.Errorf("unexpected prompts spec: %s", spec.Prompts)
	}
	if len(spec.Explain.Personas) == 0 {
		return nil, fmt.Errorf("no explain personas defined")
	}
	return &spec, nil
}

func readSpec() ([]byte, error) {
	if path := strings.TrimSpace(os.Getenv(promptsEnv)); path != "" {
		return os.ReadFile(path)
	}
	return promptsFS.ReadFile("prompts.yaml")
}

const fallbackPersonaEN = `You are a patient, precise study tutor embedded in a PDF reader. Pick the phrases on the page that carry the core ideas and explain each one clearly. Respond with a JSON object of the form {"stickers": [{"anchorText": "...", "explanation": "..."}]} where anchorText is an exact phrase copied from the page.`

const fallbackExtractionEN = `You extract reusable knowledge items from course documents. Return the definitions, formulas, theorems, concepts, and principles stated in the text. Respond with a JSON object of the form {"entries": [{"title": "...", "body": "...", "type": "...", "keywords": ["..."], "quality": 0.0}]}.`

const fallbackKeywords = `You index study material. Return 3 to 8 lowercase academic keywords for the given text. Respond with a JSON object of the form {"keywords": ["..."]}.`

const fallbackRefreshEN = `You are a patient, precise study tutor. Re-explain the highlighted passage from a different angle. Respond with the explanation only, in Markdown.`

// NormalizeLocale maps accepted request locales onto the two supported
// generation locales. Any Chinese variant normalizes to zh-Hans;
// everything else falls back to en.
func NormalizeLocale(locale string) string {
	switch strings.TrimSpace(locale) {
	case "zh", "zh-Hans", "zh-CN", "zh-hans":
		return LocaleSimplifiedChinese
	default:
		return LocaleEnglish
	}
}

// ContextHint is one retrieved entry attached to the system prompt.
type ContextHint struct {
	Title string
	Body  string
}

func localized(m map[string]string, locale, fallback string) string {
	if m != nil {
		if v, ok := m[locale]; ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		if v, ok := m[LocaleEnglish]; ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return fallback
}

// ExplainSystem builds the sticker generation system message: localized
// persona, optional image note, and at most five context hints with
// 150-character body prefixes.
func ExplainSystem(log *logger.Logger, locale string, withImages bool, hints []ContextHint) string {
	locale = NormalizeLocale(locale)
	spec := currentSpec(log)

	var personas, headers, imageNotes map[string]string
	if spec != nil {
		personas = spec.Explain.Personas
		headers = spec.Explain.ContextHeaders
		imageNotes = spec.Explain.ImageNote
	}

	var b strings.Builder
	b.WriteString(localized(personas, locale, fallbackPersonaEN))

	if withImages {
		note := localized(imageNotes, locale, "")
		if note != "" {
			b.WriteString("\n\n")
			b.WriteString(note)
		}
	}

	if len(hints) > 0 {
		if len(hints) > contextHintLimit {
			hints = hints[:contextHintLimit]
		}
		b.WriteString("\n\n")
		b.WriteString(localized(headers, locale, "Reference material from this course:"))
		for _, h := range hints {
			body := strings.TrimSpace(h.Body)
			if len(body) > contextHintBodyPrefix {
				body = body[:contextHintBodyPrefix]
			}
			b.WriteString(fmt.Sprintf("\n- %s: %s", strings.TrimSpace(h.Title), body))
		}
	}

	return b.String()
}

// ExplainUser builds the sticker generation user prompt from the page
// text and its placement in the document.
func ExplainUser(pageText string, page int, pdfTypeTag string, totalPages int) string {
	tag := strings.TrimSpace(pdfTypeTag)
	if tag == "" {
		tag = pdfTypeTagFallbackName
	}
	return fmt.Sprintf(
		"Document type: %s\nPage %d of %d.\nGenerate %s stickers for this page.\n\nPage text:\n%s",
		tag, page, totalPages, defaultStickerCount, pageText,
	)
}

// ExtractionSystem returns the batch extraction system prompt. English
// batches get the direct prompt; anything else gets the
// translation-oriented one.
func ExtractionSystem(log *logger.Logger, language string) string {
	spec := currentSpec(log)
	if language == LocaleEnglish {
		if spec != nil && strings.TrimSpace(spec.Extraction.SystemEN) != "" {
			return strings.TrimSpace(spec.Extraction.SystemEN)
		}
		return fallbackExtractionEN
	}
	if spec != nil && strings.TrimSpace(spec.Extraction.SystemTranslate) != "" {
		return strings.TrimSpace(spec.Extraction.SystemTranslate)
	}
	return fallbackExtractionEN
}

// ExtractionUser frames one contiguous batch of pages.
func ExtractionUser(batchText string, startPage, endPage int) string {
	return fmt.Sprintf("Pages %d-%d of the document:\n\n%s", startPage, endPage, batchText)
}

// RefreshSystem returns the sticker regeneration system prompt.
func RefreshSystem(log *logger.Logger, locale string) string {
	locale = NormalizeLocale(locale)
	spec := currentSpec(log)
	var systems map[string]string
	if spec != nil {
		systems = spec.Refresh.System
	}
	return localized(systems, locale, fallbackRefreshEN)
}

// RefreshUser frames the passage to re-explain with its page for
// context. The previous explanation is included so the model can take a
// genuinely different angle.
func RefreshUser(anchorText, previous, pageText string, page int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Page %d text:\n%s", page, strings.TrimSpace(pageText))
	if a := strings.TrimSpace(anchorText); a != "" {
		fmt.Fprintf(&b, "\n\nHighlighted passage:\n%s", a)
	}
	if p := strings.TrimSpace(previous); p != "" {
		fmt.Fprintf(&b, "\n\nPrevious explanation (do not repeat its angle):\n%s", p)
	}
	return b.String()
}

// KeywordsSystem returns the keyword indexing prompt.
func KeywordsSystem(log *logger.Logger) string {
	spec := currentSpec(log)
	if spec != nil && strings.TrimSpace(spec.Keywords.System) != "" {
		return strings.TrimSpace(spec.Keywords.System)
	}
	return fallbackKeywords
}

// KeywordsUser combines page text and the optional question, clamping
// the page text so the call stays cheap.
func KeywordsUser(pageText, question string) string {
	pageText = strings.TrimSpace(pageText)
	if len(pageText) > keywordsPageTextClamp {
		pageText = pageText[:keywordsPageTextClamp]
	}
	var b strings.Builder
	if pageText != "" {
		b.WriteString("Page text:\n")
		b.WriteString(pageText)
	}
	if q := strings.TrimSpace(question); q != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("Student question: ")
		b.WriteString(q)
	}
	return b.String()
}
