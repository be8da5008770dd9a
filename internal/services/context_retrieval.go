package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pagemark/pagemark-backend/internal/clients/openai"
	"github.com/pagemark/pagemark-backend/internal/fingerprint"
	"github.com/pagemark/pagemark-backend/internal/keywordcache"
	"github.com/pagemark/pagemark-backend/internal/logger"
	"github.com/pagemark/pagemark-backend/internal/metrics"
	"github.com/pagemark/pagemark-backend/internal/prompts"
	"github.com/pagemark/pagemark-backend/internal/repos"
	"github.com/pagemark/pagemark-backend/internal/types"
)

const (
	minKeywordLen = 3
	maxKeywordLen = 100
	maxKeywords   = 8

	retrievalMinQuality  = 0.7
	retrievalEntryCap    = 30
	retrievalTokenBudget = 2000

	bonusCurrentPDF = 100
	bonusSameCourse = 50
)

var entryTypeBonus = map[string]float64{
	types.ContextEntryDefinition: 20,
	types.ContextEntryFormula:    15,
	types.ContextEntryTheorem:    10,
	types.ContextEntryPrinciple:  10,
	types.ContextEntryConcept:    5,
}

// RetrievalQuery scopes one retrieval call to a user's course view.
type RetrievalQuery struct {
	UserID      uuid.UUID
	CourseID    uuid.UUID
	CurrentHash string
	CurrentPage int
	PageText    string
	Question    string
}

type RetrievalResult struct {
	Entries         []*types.ContextEntry
	TotalTokens     int
	RetrievalTimeMs int64
}

// ContextRetrievalService mines the shared context pool for prompt
// material. It degrades to empty results instead of failing callers.
type ContextRetrievalService interface {
	ExtractKeywords(ctx context.Context, pageText, question string) []string
	RetrieveForPage(ctx context.Context, query RetrievalQuery) *RetrievalResult
	// Hints shapes retrieved entries into prompt hints: definitions and
	// formulas only, capped for the system message.
	Hints(entries []*types.ContextEntry) []prompts.ContextHint
}

type contextRetrievalService struct {
	db        *gorm.DB
	log       *logger.Logger
	ai        openai.Client
	entryRepo repos.ContextEntryRepo
	scopeRepo repos.UserContextScopeRepo
	cache     *keywordcache.Cache
}

func NewContextRetrievalService(
	db *gorm.DB,
	log *logger.Logger,
	ai openai.Client,
	entryRepo repos.ContextEntryRepo,
	scopeRepo repos.UserContextScopeRepo,
) ContextRetrievalService {
	serviceLog := log.With("service", "ContextRetrievalService")
	return &contextRetrievalService{
		db:        db,
		log:       serviceLog,
		ai:        ai,
		entryRepo: entryRepo,
		scopeRepo: scopeRepo,
		cache:     keywordcache.New(),
	}
}

var keywordsSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"properties": map[string]any{
		"keywords": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
	},
	"required": []string{"keywords"},
}

func keywordCacheKey(pageText, question string) string {
	sum := sha256.Sum256([]byte(pageText + "|" + question))
	return hex.EncodeToString(sum[:])
}

// validKeyword enforces the accepted shape: lowercase, trimmed, 3 to 100
// characters.
func validKeyword(s string) (string, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) < minKeywordLen || len(s) > maxKeywordLen {
		return "", false
	}
	return s, true
}

// parseKeywordValues accepts both shapes the model returns in practice:
// a bare array and {"keywords": [...]}.
func parseKeywordValues(raw any) []string {
	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case map[string]any:
		arr, ok := v["keywords"].([]any)
		if !ok {
			return nil
		}
		items = arr
	default:
		return nil
	}
	out := make([]string, 0, len(items))
	seen := map[string]bool{}
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			continue
		}
		kw, ok := validKeyword(s)
		if !ok || seen[kw] {
			continue
		}
		seen[kw] = true
		out = append(out, kw)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "all": true, "can": true, "her": true,
	"was": true, "one": true, "our": true, "out": true, "has": true,
	"have": true, "this": true, "that": true, "with": true, "from": true,
	"they": true, "which": true, "their": true, "will": true, "would": true,
	"there": true, "what": true, "about": true, "when": true, "where": true,
	"these": true, "those": true, "then": true, "than": true, "them": true,
	"some": true, "such": true, "into": true, "only": true, "other": true,
	"more": true, "most": true, "also": true, "each": true, "between": true,
	"because": true, "being": true, "both": true, "does": true, "given": true,
	"here": true, "how": true, "its": true, "may": true, "must": true,
	"over": true, "same": true, "should": true, "since": true, "thus": true,
	"under": true, "very": true, "well": true, "were": true, "while": true,
}

// heuristicKeywords is the fallback when the model call fails: frequency
// ranking over stop-word-filtered lowercase tokens.
func heuristicKeywords(text string) []string {
	counts := map[string]int{}
	order := []string{}
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(tok) < minKeywordLen || len(tok) > maxKeywordLen || stopWords[tok] {
			continue
		}
		if counts[tok] == 0 {
			order = append(order, tok)
		}
		counts[tok]++
	}
	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	if len(order) > maxKeywords {
		order = order[:maxKeywords]
	}
	return order
}

func (crs *contextRetrievalService) ExtractKeywords(ctx context.Context, pageText, question string) []string {
	pageText = strings.TrimSpace(pageText)
	question = strings.TrimSpace(question)
	if pageText == "" && question == "" {
		return nil
	}

	key := keywordCacheKey(pageText, question)
	if cached, ok := crs.cache.Get(key); ok {
		return cached
	}

	keywords := crs.keywordsFromModel(ctx, pageText, question)
	if len(keywords) == 0 {
		keywords = heuristicKeywords(pageText + " " + question)
	}
	if len(keywords) > 0 {
		crs.cache.Set(key, keywords)
	}
	return keywords
}

func (crs *contextRetrievalService) keywordsFromModel(ctx context.Context, pageText, question string) []string {
	if crs.ai == nil {
		return nil
	}
	system := prompts.KeywordsSystem(crs.log)
	user := prompts.KeywordsUser(pageText, question)
	parsed, err := crs.ai.GenerateJSON(ctx, system, user, "keywords", keywordsSchema, openai.Options{MaxOutputTokens: 200})
	if err != nil {
		metrics.IncModelRequest("keywords", "error")
		crs.log.Warn("keyword extraction model call failed; falling back to heuristic", "error", err)
		return nil
	}
	metrics.IncModelRequest("keywords", "ok")
	return parseKeywordValues(parsed)
}

func overlaps(entryKeywords []string, query map[string]bool) bool {
	for _, k := range entryKeywords {
		if query[strings.ToLower(k)] {
			return true
		}
	}
	return false
}

func decodeEntryKeywords(entry *types.ContextEntry) []string {
	if len(entry.Keywords) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(entry.Keywords, &out); err != nil {
		return nil
	}
	return out
}

func (crs *contextRetrievalService) RetrieveForPage(ctx context.Context, query RetrievalQuery) *RetrievalResult {
	started := time.Now()
	empty := &RetrievalResult{}

	keywords := crs.ExtractKeywords(ctx, query.PageText, query.Question)
	if len(keywords) == 0 {
		return empty
	}

	hashes, err := crs.scopeRepo.ListHashesByUserAndCourse(ctx, nil, query.UserID, query.CourseID)
	if err != nil {
		crs.log.Warn("context scope lookup failed", "error", err)
		return empty
	}
	if len(hashes) == 0 {
		return empty
	}

	candidates, err := crs.entryRepo.ListByHashes(ctx, nil, hashes, retrievalMinQuality)
	if err != nil {
		crs.log.Warn("context entry lookup failed", "error", err)
		return empty
	}

	querySet := make(map[string]bool, len(keywords))
	for _, k := range keywords {
		querySet[k] = true
	}
	matched := make([]*types.ContextEntry, 0, len(candidates))
	for _, entry := range candidates {
		if overlaps(decodeEntryKeywords(entry), querySet) {
			matched = append(matched, entry)
		}
	}
	if len(matched) == 0 {
		matched, err = crs.entryRepo.SearchByTitle(ctx, nil, hashes, keywords, retrievalEntryCap)
		if err != nil {
			crs.log.Warn("context title search failed", "error", err)
			return empty
		}
	}
	if len(matched) == 0 {
		return empty
	}

	scores := make(map[uuid.UUID]float64, len(matched))
	for _, entry := range matched {
		score := entry.Quality * 10
		score += entryTypeBonus[entry.EntryType]
		if entry.PDFHash == query.CurrentHash {
			score += bonusCurrentPDF
		} else {
			score += bonusSameCourse
		}
		scores[entry.ID] = score
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return scores[matched[i].ID] > scores[matched[j].ID]
	})
	if len(matched) > retrievalEntryCap {
		matched = matched[:retrievalEntryCap]
	}

	// Greedy token budget: stop at the first entry that would overflow.
	selected := make([]*types.ContextEntry, 0, len(matched))
	totalTokens := 0
	for _, entry := range matched {
		cost := fingerprint.EstimateTokenCount(entry.Title + ": " + entry.Body)
		if totalTokens+cost > retrievalTokenBudget {
			break
		}
		totalTokens += cost
		selected = append(selected, entry)
	}

	return &RetrievalResult{
		Entries:         selected,
		TotalTokens:     totalTokens,
		RetrievalTimeMs: time.Since(started).Milliseconds(),
	}
}

func (crs *contextRetrievalService) Hints(entries []*types.ContextEntry) []prompts.ContextHint {
	hints := make([]prompts.ContextHint, 0, 5)
	for _, entry := range entries {
		if entry.EntryType != types.ContextEntryDefinition && entry.EntryType != types.ContextEntryFormula {
			continue
		}
		hints = append(hints, prompts.ContextHint{Title: entry.Title, Body: entry.Body})
		if len(hints) == 5 {
			break
		}
	}
	return hints
}
