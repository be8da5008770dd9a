package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/pagemark/pagemark-backend/internal/apierr"
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
	minPageTextChars      = 50
	generationTemperature = 0.7
	generationMaxTokens   = 4000
)

// GenerateRequest carries everything one generation needs. PDFBytes is
// optional; the generator downloads from storage when it is nil.
type GenerateRequest struct {
	UserID       uuid.UUID
	CourseID     uuid.UUID
	File         *types.File
	Page         int
	PDFTypeTag   string
	Locale       string
	Question     string
	GenerationID uuid.UUID
	Fingerprint  Fingerprint
	Regions      []fingerprint.Region
	ImageBytes   [][]byte
	PDFBytes     []byte
}

type GenerateOutcome struct {
	Generated        []types.GeneratedSticker
	UserStickers     []*types.Sticker
	GenerationTimeMs int64
}

// StickerGeneratorService produces stickers for one page and settles the
// owning generation record: Complete on success, Fail (with refund) on
// any error.
type StickerGeneratorService interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateOutcome, error)
}

type stickerGeneratorService struct {
	db           *gorm.DB
	log          *logger.Logger
	ai           openai.Client
	bucket       gcp.BucketService
	stickerRepo  repos.StickerRepo
	cacheService StickerCacheService
	retrieval    ContextRetrievalService
	notifier     Notifier
	callTimeout  time.Duration
}

func NewStickerGeneratorService(
	db *gorm.DB,
	log *logger.Logger,
	ai openai.Client,
	bucket gcp.BucketService,
	stickerRepo repos.StickerRepo,
	cacheService StickerCacheService,
	retrieval ContextRetrievalService,
	notifier Notifier,
) StickerGeneratorService {
	serviceLog := log.With("service", "StickerGeneratorService")
	timeout := time.Duration(utils.GetEnvAsInt("GENERATION_TIMEOUT_SECONDS", defaultGenerationTimeoutSeconds, nil)) * time.Second
	return &stickerGeneratorService{
		db:           db,
		log:          serviceLog,
		ai:           ai,
		bucket:       bucket,
		stickerRepo:  stickerRepo,
		cacheService: cacheService,
		retrieval:    retrieval,
		notifier:     notifier,
		callTimeout:  timeout,
	}
}

var stickersSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"properties": map[string]any{
		"stickers": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties": map[string]any{
					"anchorText":  map[string]any{"type": "string"},
					"explanation": map[string]any{"type": "string"},
				},
				"required": []string{"anchorText", "explanation"},
			},
		},
	},
	"required": []string{"stickers"},
}

type stickerPair struct {
	AnchorText  string `json:"anchorText"`
	Explanation string `json:"explanation"`
}

// parseStickerPairs accepts {"stickers": [...]} and a bare array, with
// or without markdown code fences around the JSON.
func parseStickerPairs(raw string) []stickerPair {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		if i := strings.LastIndex(raw, "```"); i >= 0 {
			raw = raw[:i]
		}
		raw = strings.TrimSpace(raw)
	}

	var wrapped struct {
		Stickers []stickerPair `json:"stickers"`
	}
	if err := json.Unmarshal([]byte(raw), &wrapped); err == nil && len(wrapped.Stickers) > 0 {
		return filterPairs(wrapped.Stickers)
	}
	var bare []stickerPair
	if err := json.Unmarshal([]byte(raw), &bare); err == nil {
		return filterPairs(bare)
	}
	return nil
}

func pairsFromJSONResult(parsed map[string]any) []stickerPair {
	rawItems, ok := parsed["stickers"].([]any)
	if !ok {
		return nil
	}
	out := make([]stickerPair, 0, len(rawItems))
	for _, item := range rawItems {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		anchor, _ := m["anchorText"].(string)
		explanation, _ := m["explanation"].(string)
		out = append(out, stickerPair{AnchorText: anchor, Explanation: explanation})
	}
	return filterPairs(out)
}

func filterPairs(pairs []stickerPair) []stickerPair {
	out := pairs[:0]
	for _, p := range pairs {
		p.AnchorText = strings.TrimSpace(p.AnchorText)
		p.Explanation = strings.TrimSpace(p.Explanation)
		if p.Explanation == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// buildAnchor renders the anchor payload for one generated pair. Slide
// pages anchor to the full page; selected-image requests carry the mixed
// text+image anchors list with stable region ids.
func buildAnchor(pair stickerPair, page int, isPPT bool, regions []fingerprint.Region) types.StickerAnchor {
	anchor := types.StickerAnchor{TextSnippet: pair.AnchorText}
	if isPPT {
		anchor.IsFullPage = true
	}
	if len(regions) == 0 {
		return anchor
	}

	anchors := make([]types.StickerAnchorItem, 0, len(regions)+1)
	anchors = append(anchors, types.StickerAnchorItem{
		ID:          fmt.Sprintf("text-%d", page),
		Type:        types.AnchorTypeText,
		Page:        page,
		TextSnippet: pair.AnchorText,
	})
	for _, region := range regions {
		rounded := fingerprint.RoundRect(region.Rect)
		anchors = append(anchors, types.StickerAnchorItem{
			ID:   fingerprint.AnchorID(region.Page, region.Rect),
			Type: types.AnchorTypeImage,
			Page: region.Page,
			Rect: &types.StickerRect{X: rounded.X, Y: rounded.Y, W: rounded.W, H: rounded.H},
		})
	}
	anchor.Anchors = anchors
	return anchor
}

func (sgs *stickerGeneratorService) Generate(ctx context.Context, req GenerateRequest) (*GenerateOutcome, error) {
	started := time.Now()
	mode := req.Fingerprint.Mode

	outcome, err := sgs.generate(ctx, req, started)
	if err != nil {
		reason := err.Error()
		// A nil generation id means a private (non-cached) run; there is
		// no record to settle and the caller handles its own refund.
		if req.GenerationID != uuid.Nil {
			if failErr := sgs.cacheService.Fail(ctx, req.GenerationID, reason); failErr != nil {
				sgs.log.Warn("failed to settle generation record", "generation_id", req.GenerationID, "error", failErr)
			}
		}
		sgs.notifier.StickerFailed(req.UserID, req.File.ID, req.Page, reason)
		metrics.ObserveGeneration(mode, "failed", time.Since(started))
		return nil, err
	}

	metrics.ObserveGeneration(mode, "generated", time.Since(started))
	sgs.notifier.StickerReady(req.UserID, req.File.ID, req.Page, outcome.UserStickers)
	return outcome, nil
}

func (sgs *stickerGeneratorService) generate(ctx context.Context, req GenerateRequest, started time.Time) (*GenerateOutcome, error) {
	pdfBytes := req.PDFBytes
	if pdfBytes == nil {
		b, err := sgs.bucket.ReadFile(ctx, req.File.StorageKey)
		if err != nil {
			return nil, fmt.Errorf("storage download failed: %w", err)
		}
		pdfBytes = b
	}

	doc, err := pdftext.Open(pdfBytes)
	if err != nil {
		return nil, fmt.Errorf("pdf open failed: %w", err)
	}
	defer doc.Close()

	totalPages := doc.PageCount()
	if req.Page < 1 || req.Page > totalPages {
		return nil, fmt.Errorf("page %d out of range (1-%d)", req.Page, totalPages)
	}
	pageText, err := doc.PageText(req.Page)
	if err != nil {
		return nil, fmt.Errorf("page text extraction failed: %w", err)
	}

	isPPT := req.File.IsPPT
	if !isPPT && len(strings.TrimSpace(pageText)) < minPageTextChars {
		return nil, apierr.New(http.StatusBadRequest, apierr.CodeInsufficientText,
			fmt.Errorf("insufficient-text: page %d has fewer than %d characters", req.Page, minPageTextChars))
	}

	var hints []prompts.ContextHint
	if sgs.retrieval != nil {
		result := sgs.retrieval.RetrieveForPage(ctx, RetrievalQuery{
			UserID:      req.UserID,
			CourseID:    req.CourseID,
			CurrentHash: req.File.ContentHash,
			CurrentPage: req.Page,
			PageText:    pageText,
			Question:    req.Question,
		})
		hints = sgs.retrieval.Hints(result.Entries)
	}

	withImages := len(req.ImageBytes) > 0
	system := prompts.ExplainSystem(sgs.log, req.Locale, withImages, hints)
	user := prompts.ExplainUser(pageText, req.Page, req.PDFTypeTag, totalPages)

	callCtx, cancel := context.WithTimeout(ctx, sgs.callTimeout)
	defer cancel()
	opts := openai.Options{Temperature: generationTemperature, MaxOutputTokens: generationMaxTokens}

	var pairs []stickerPair
	if withImages {
		images := make([]openai.ImageInput, 0, len(req.ImageBytes))
		for _, b := range req.ImageBytes {
			images = append(images, openai.ImageInput{ImageURL: openai.DataURL("image/jpeg", b)})
		}
		text, err := sgs.ai.GenerateTextWithImages(callCtx, system, user, images, opts)
		if err != nil {
			metrics.IncModelRequest("explain", "error")
			return nil, fmt.Errorf("ai-error: %w", err)
		}
		pairs = parseStickerPairs(text)
	} else {
		parsed, err := sgs.ai.GenerateJSON(callCtx, system, user, "stickers", stickersSchema, opts)
		if err != nil {
			metrics.IncModelRequest("explain", "error")
			return nil, fmt.Errorf("ai-error: %w", err)
		}
		pairs = pairsFromJSONResult(parsed)
	}
	metrics.IncModelRequest("explain", "ok")

	if len(pairs) == 0 {
		return nil, fmt.Errorf("ai-error: response contained no stickers")
	}

	var sourceRecordID *uuid.UUID
	if req.GenerationID != uuid.Nil {
		recordID := req.GenerationID
		sourceRecordID = &recordID
	}
	generated := make([]types.GeneratedSticker, 0, len(pairs))
	rows := make([]*types.Sticker, 0, len(pairs))
	for _, pair := range pairs {
		anchor := buildAnchor(pair, req.Page, isPPT, req.Regions)
		generated = append(generated, types.GeneratedSticker{
			Page:            req.Page,
			Anchor:          anchor,
			ContentMarkdown: pair.Explanation,
		})
		anchorRaw, err := json.Marshal(anchor)
		if err != nil {
			continue
		}
		rows = append(rows, &types.Sticker{
			ID:              uuid.New(),
			UserID:          req.UserID,
			CourseID:        req.CourseID,
			FileID:          req.File.ID,
			Page:            req.Page,
			Kind:            types.StickerKindAuto,
			Anchor:          datatypes.JSON(anchorRaw),
			SourceRecordID:  sourceRecordID,
			ContentMarkdown: pair.Explanation,
			Folded:          false,
			Depth:           0,
			CurrentVersion:  1,
		})
	}

	created, err := sgs.stickerRepo.Create(ctx, nil, rows)
	if err != nil {
		return nil, fmt.Errorf("failed to persist stickers: %w", err)
	}

	elapsed := time.Since(started).Milliseconds()
	if req.GenerationID != uuid.Nil {
		if err := sgs.cacheService.Complete(ctx, req.GenerationID, generated, elapsed); err != nil {
			return nil, fmt.Errorf("failed to complete generation: %w", err)
		}
	}
	sgs.cacheService.RecordLatencySample(ctx, req.Fingerprint.PDFHash, req.Page, req.Locale, req.Fingerprint.Mode, elapsed, false)

	return &GenerateOutcome{
		Generated:        generated,
		UserStickers:     created,
		GenerationTimeMs: elapsed,
	}, nil
}
