package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/pagemark/pagemark-backend/internal/clients/gcp"
	"github.com/pagemark/pagemark-backend/internal/clients/openai"
	"github.com/pagemark/pagemark-backend/internal/fingerprint"
	"github.com/pagemark/pagemark-backend/internal/logger"
	"github.com/pagemark/pagemark-backend/internal/metrics"
	"github.com/pagemark/pagemark-backend/internal/pdftext"
	"github.com/pagemark/pagemark-backend/internal/prompts"
	"github.com/pagemark/pagemark-backend/internal/repos"
	"github.com/pagemark/pagemark-backend/internal/types"
	"github.com/pagemark/pagemark-backend/internal/utils"
)

const (
	contextSamplePages = 10

	batchTargetWords = 4000
	batchMaxWords    = 6000

	translationPenalty   = 0.9
	extractionMinQuality = 0.7

	extractionTemperature = 0.2
	extractionMaxTokens   = 4000

	contextClaimInterval = time.Second
)

// EntryCandidate is one parsed extraction result before persistence.
type EntryCandidate struct {
	Title      string
	Body       string
	EntryType  string
	Keywords   []string
	Quality    float64
	Language   string
	SourcePage int
}

// ContextWorkerService claims queued extraction jobs and mines context
// entries batch by batch, checkpointing after each batch so a re-claimed
// job resumes instead of restarting.
type ContextWorkerService interface {
	StartWorker(ctx context.Context)
}

type contextWorkerService struct {
	db          *gorm.DB
	log         *logger.Logger
	ai          openai.Client
	bucket      gcp.BucketService
	jobRepo     repos.ContextJobRepo
	entryRepo   repos.ContextEntryRepo
	scopeRepo   repos.UserContextScopeRepo
	fileRepo    repos.FileRepo
	quota       QuotaService
	notifier    Notifier
	callTimeout time.Duration
}

func NewContextWorkerService(
	db *gorm.DB,
	log *logger.Logger,
	ai openai.Client,
	bucket gcp.BucketService,
	jobRepo repos.ContextJobRepo,
	entryRepo repos.ContextEntryRepo,
	scopeRepo repos.UserContextScopeRepo,
	fileRepo repos.FileRepo,
	quota QuotaService,
	notifier Notifier,
) ContextWorkerService {
	serviceLog := log.With("service", "ContextWorkerService")
	timeout := time.Duration(utils.GetEnvAsInt("GENERATION_TIMEOUT_SECONDS", defaultGenerationTimeoutSeconds, nil)) * time.Second
	return &contextWorkerService{
		db:          db,
		log:         serviceLog,
		ai:          ai,
		bucket:      bucket,
		jobRepo:     jobRepo,
		entryRepo:   entryRepo,
		scopeRepo:   scopeRepo,
		fileRepo:    fileRepo,
		quota:       quota,
		notifier:    notifier,
		callTimeout: timeout,
	}
}

func (cws *contextWorkerService) StartWorker(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(contextClaimInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				job, err := cws.jobRepo.ClaimNextRunnable(ctx, nil, contextJobLease)
				if err != nil {
					cws.log.Warn("context job claim failed", "error", err)
					continue
				}
				if job == nil {
					continue
				}
				cws.processJob(ctx, job)
			}
		}
	}()
}

// TotalBatchesFor estimates the batch denominator from projected words.
func TotalBatchesFor(estimatedWords int) int {
	n := int(math.Ceil(float64(estimatedWords) / float64(batchTargetWords)))
	if n < 1 {
		n = 1
	}
	return n
}

// EstimateDocWords projects total document words from the first sampled
// pages' average.
func EstimateDocWords(wordCounts []int, samplePages int) int {
	if len(wordCounts) == 0 || samplePages < 1 {
		return 0
	}
	sample := len(wordCounts)
	if sample > samplePages {
		sample = samplePages
	}
	sum := 0
	for i := 0; i < sample; i++ {
		sum += wordCounts[i]
	}
	avg := float64(sum) / float64(sample)
	return int(avg * float64(len(wordCounts)))
}

// CollectBatch returns how many pages starting at startIdx form the next
// contiguous batch, and their word total. Pages accumulate until the
// target is reached or the next page would push past the maximum; a
// batch always takes at least one page.
func CollectBatch(wordCounts []int, startIdx int) (pages int, words int) {
	for i := startIdx; i < len(wordCounts); i++ {
		w := wordCounts[i]
		if pages > 0 {
			if words >= batchTargetWords {
				break
			}
			if words+w > batchMaxWords {
				break
			}
		}
		pages++
		words += w
	}
	return pages, words
}

// DedupCandidates keeps one candidate per normalized title: highest
// quality wins; at equal quality English beats translated; otherwise the
// earlier candidate stays. Output preserves first-seen order.
func DedupCandidates(cands []EntryCandidate) []EntryCandidate {
	byTitle := map[string]int{}
	out := make([]EntryCandidate, 0, len(cands))
	for _, c := range cands {
		key := fingerprint.NormalizeTitle(c.Title)
		if key == "" {
			continue
		}
		i, seen := byTitle[key]
		if !seen {
			byTitle[key] = len(out)
			out = append(out, c)
			continue
		}
		cur := out[i]
		if c.Quality > cur.Quality ||
			(c.Quality == cur.Quality && c.Language == fingerprint.LanguageEnglish && cur.Language != fingerprint.LanguageEnglish) {
			out[i] = c
		}
	}
	return out
}

var contextEntriesSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"properties": map[string]any{
		"entries": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties": map[string]any{
					"title":    map[string]any{"type": "string"},
					"body":     map[string]any{"type": "string"},
					"type":     map[string]any{"type": "string"},
					"keywords": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"quality":  map[string]any{"type": "number"},
				},
				"required": []string{"title", "body", "type", "keywords", "quality"},
			},
		},
	},
	"required": []string{"entries"},
}

var knownEntryTypes = map[string]bool{
	types.ContextEntryDefinition: true,
	types.ContextEntryFormula:    true,
	types.ContextEntryTheorem:    true,
	types.ContextEntryConcept:    true,
	types.ContextEntryPrinciple:  true,
}

// candidatesFromJSON converts one extraction response into filtered
// candidates: quality clamped to [0,1], translation penalty applied,
// sub-threshold and empty items dropped, unknown types mapped to concept.
func candidatesFromJSON(parsed map[string]any, language string, sourcePage int) []EntryCandidate {
	items, ok := parsed["entries"].([]any)
	if !ok {
		return nil
	}
	out := make([]EntryCandidate, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		title, _ := m["title"].(string)
		body, _ := m["body"].(string)
		title = strings.TrimSpace(title)
		body = strings.TrimSpace(body)
		if title == "" || body == "" {
			continue
		}

		quality, _ := m["quality"].(float64)
		if quality < 0 {
			quality = 0
		}
		if quality > 1 {
			quality = 1
		}
		if language != fingerprint.LanguageEnglish {
			quality *= translationPenalty
		}
		if quality < extractionMinQuality {
			continue
		}

		entryType, _ := m["type"].(string)
		entryType = strings.ToLower(strings.TrimSpace(entryType))
		if !knownEntryTypes[entryType] {
			entryType = types.ContextEntryConcept
		}

		var keywords []string
		if rawKeywords, ok := m["keywords"].([]any); ok {
			for _, rk := range rawKeywords {
				if s, ok := rk.(string); ok {
					s = strings.ToLower(strings.TrimSpace(s))
					if s != "" {
						keywords = append(keywords, s)
					}
				}
			}
		}

		out = append(out, EntryCandidate{
			Title:      title,
			Body:       body,
			EntryType:  entryType,
			Keywords:   keywords,
			Quality:    quality,
			Language:   language,
			SourcePage: sourcePage,
		})
	}
	return out
}

var errLeaseLost = errors.New("context job lease lost")

func (cws *contextWorkerService) processJob(ctx context.Context, job *types.ContextJob) {
	jobLog := cws.log.With("job_id", job.ID, "pdf_hash", job.PDFHash)

	var file *types.File
	files, err := cws.fileRepo.GetByIDs(ctx, nil, []uuid.UUID{job.FileID})
	if err == nil && len(files) > 0 {
		file = files[0]
	}
	if file == nil {
		cws.failJob(ctx, job, file, "file no longer exists", true)
		return
	}

	fail := func(msg string) {
		cws.failJob(ctx, job, file, msg, ContextJobTerminal(job.RetryCount))
	}

	pdfBytes, err := cws.bucket.ReadFile(ctx, file.StorageKey)
	if err != nil {
		fail(fmt.Sprintf("storage download failed: %v", err))
		return
	}

	doc, err := pdftext.Open(pdfBytes)
	if err != nil {
		fail(fmt.Sprintf("pdf open failed: %v", err))
		return
	}
	defer doc.Close()

	pageCount := doc.PageCount()
	if pageCount == 0 {
		cws.failJob(ctx, job, file, "document has no pages", true)
		return
	}

	// One extraction pass over the document yields both the word counts
	// that drive batching and the text each batch sends to the model.
	pageTexts := make([]string, pageCount)
	wordCounts := make([]int, pageCount)
	for p := 1; p <= pageCount; p++ {
		text, err := doc.PageText(p)
		if err != nil {
			jobLog.Warn("page text extraction failed", "page", p, "error", err)
			continue
		}
		pageTexts[p-1] = text
		wordCounts[p-1] = fingerprint.EstimateWordCount(text)
	}

	totalBatches := TotalBatchesFor(EstimateDocWords(wordCounts, contextSamplePages))
	if job.TotalBatches != totalBatches {
		ok, err := cws.jobRepo.UpdateLeased(ctx, nil, job.ID, job.LeaseID, map[string]interface{}{
			"total_batches": totalBatches,
		})
		if err != nil || !ok {
			jobLog.Warn("job no longer leased to this worker", "error", err)
			return
		}
		job.TotalBatches = totalBatches
	}

	// Resume from checkpoint.
	page := job.ProcessedPages + 1
	batch := job.CurrentBatch
	wordsDone := job.ProcessedWords
	inserted := job.EntriesInserted

	jobLog.Info("context extraction started",
		"page_count", pageCount, "total_batches", totalBatches,
		"resume_page", page, "resume_batch", batch)

	for page <= pageCount {
		if ctx.Err() != nil {
			return
		}
		ok, err := cws.jobRepo.ExtendLease(ctx, nil, job.ID, job.LeaseID, contextJobLease)
		if err != nil || !ok {
			jobLog.Warn("lease extension failed; yielding job", "error", err)
			return
		}

		batchPages, batchWords := CollectBatch(wordCounts, page-1)
		startPage := page
		endPage := page + batchPages - 1
		batchText := strings.TrimSpace(strings.Join(pageTexts[startPage-1:endPage], "\n\n"))

		if batchText == "" {
			// Nothing extractable in this span; advance the checkpoint
			// without an AI call.
			ok, err := cws.jobRepo.UpdateLeased(ctx, nil, job.ID, job.LeaseID, map[string]interface{}{
				"processed_pages": endPage,
				"processed_words": wordsDone + batchWords,
			})
			if err != nil || !ok {
				return
			}
			page = endPage + 1
			wordsDone += batchWords
			continue
		}

		language := fingerprint.DetectLanguage(batchText)
		system := prompts.ExtractionSystem(cws.log, language)
		user := prompts.ExtractionUser(batchText, startPage, endPage)

		callCtx, cancel := context.WithTimeout(ctx, cws.callTimeout)
		parsed, err := cws.ai.GenerateJSON(callCtx, system, user, "context_entries",
			contextEntriesSchema, openai.Options{Temperature: extractionTemperature, MaxOutputTokens: extractionMaxTokens})
		cancel()
		if err != nil {
			metrics.IncModelRequest("extraction", "error")
			metrics.IncContextBatch("error")
			fail(fmt.Sprintf("extraction call failed on batch %d: %v", batch+1, err))
			return
		}
		metrics.IncModelRequest("extraction", "ok")

		candidates := DedupCandidates(candidatesFromJSON(parsed, language, startPage))

		batchInserted := 0
		err = cws.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, cand := range candidates {
				var keywordsJSON datatypes.JSON
				if len(cand.Keywords) > 0 {
					if raw, err := json.Marshal(cand.Keywords); err == nil {
						keywordsJSON = datatypes.JSON(raw)
					}
				}
				entry := &types.ContextEntry{
					ID:              uuid.New(),
					PDFHash:         job.PDFHash,
					NormalizedTitle: fingerprint.NormalizeTitle(cand.Title),
					Title:           cand.Title,
					Body:            cand.Body,
					EntryType:       cand.EntryType,
					Keywords:        keywordsJSON,
					Quality:         cand.Quality,
					SourcePage:      cand.SourcePage,
					Language:        cand.Language,
				}
				ins, repl, err := cws.entryRepo.UpsertKeepHigher(ctx, tx, entry)
				if err != nil {
					return fmt.Errorf("entry upsert failed: %w", err)
				}
				if ins || repl {
					batchInserted++
				}
			}

			// The checkpoint commits atomically with this batch's
			// entries, so a retry never reprocesses a finished batch.
			ok, err := cws.jobRepo.UpdateLeased(ctx, tx, job.ID, job.LeaseID, map[string]interface{}{
				"processed_pages":  endPage,
				"processed_words":  wordsDone + batchWords,
				"current_batch":    batch + 1,
				"entries_inserted": inserted + batchInserted,
			})
			if err != nil {
				return err
			}
			if !ok {
				return errLeaseLost
			}
			return nil
		})
		if err != nil {
			if errors.Is(err, errLeaseLost) {
				jobLog.Warn("job re-claimed during batch write; yielding")
				return
			}
			metrics.IncContextBatch("error")
			fail(fmt.Sprintf("batch %d persist failed: %v", batch+1, err))
			return
		}

		page = endPage + 1
		wordsDone += batchWords
		batch++
		inserted += batchInserted
		metrics.IncContextBatch("ok")
		metrics.AddContextEntries(batchInserted)

		cws.notifier.ContextProgress(file.UserID, job.PDFHash, types.ContextJobStateProcessing, batch, totalBatches, inserted)
		jobLog.Info("context batch done",
			"batch", batch, "pages", fmt.Sprintf("%d-%d", startPage, endPage),
			"candidates", len(candidates), "inserted", batchInserted, "language", language)
	}

	ok, err := cws.jobRepo.CompleteJob(ctx, nil, job.ID, job.LeaseID)
	if err != nil || !ok {
		jobLog.Warn("job completion did not apply", "error", err)
		return
	}
	if err := cws.scopeRepo.EnsureExists(ctx, nil, file.UserID, file.CourseID, job.PDFHash); err != nil {
		jobLog.Warn("context scope write failed", "user_id", file.UserID, "error", err)
	}
	cws.notifier.ContextProgress(file.UserID, job.PDFHash, types.ContextJobStateCompleted, batch, totalBatches, inserted)
	jobLog.Info("context extraction completed", "batches", batch, "entries_inserted", inserted)
}

// failJob reports one failure to the queue: transient failures reschedule
// with backoff, terminal ones release the reserved extraction unit.
func (cws *contextWorkerService) failJob(ctx context.Context, job *types.ContextJob, file *types.File, msg string, terminal bool) {
	runAfter := time.Now().Add(BackoffFor(job.RetryCount))
	ok, err := cws.jobRepo.FailJob(ctx, nil, job.ID, job.LeaseID, msg, runAfter, terminal)
	if err != nil || !ok {
		cws.log.Warn("job failure report did not apply", "job_id", job.ID, "error", err)
		return
	}
	cws.log.Warn("context job failed", "job_id", job.ID, "terminal", terminal, "retry_count", job.RetryCount, "reason", msg)

	if file == nil {
		return
	}
	state := types.ContextJobStatePending
	if terminal {
		state = types.ContextJobStateFailed
		if err := cws.quota.Refund(ctx, file.UserID, types.BucketExtractions, 1); err != nil {
			cws.log.Warn("extraction quota refund did not apply", "user_id", file.UserID, "error", err)
		}
	}
	cws.notifier.ContextProgress(file.UserID, job.PDFHash, state, job.CurrentBatch, job.TotalBatches, job.EntriesInserted)
}
