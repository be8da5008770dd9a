package services

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/pagemark/pagemark-backend/internal/apierr"
	"github.com/pagemark/pagemark-backend/internal/fingerprint"
	"github.com/pagemark/pagemark-backend/internal/logger"
	"github.com/pagemark/pagemark-backend/internal/metrics"
	"github.com/pagemark/pagemark-backend/internal/prompts"
	"github.com/pagemark/pagemark-backend/internal/repos"
	"github.com/pagemark/pagemark-backend/internal/types"
)

const (
	ExplainModeSingle = "single"
	ExplainModeWindow = "window"

	maxSelectedRegions = 8

	// Poll cadence suggested to single-mode 202 clients.
	explainPollInterval = statusPollInterval
)

// ExplainRequest is one explain-page call after HTTP decoding. Regions
// and Images are aligned by index and present only for selected-image
// requests.
type ExplainRequest struct {
	UserID     uuid.UUID
	CourseID   uuid.UUID
	FileID     uuid.UUID
	Page       int
	PDFTypeTag string
	Locale     string
	Question   string
	Regions    []fingerprint.Region
	Images     [][]byte
}

// ExplainOutcome is the single-mode result: ready stickers now, or a
// generation id to poll.
type ExplainOutcome struct {
	Ready          bool
	CacheHit       bool
	Stickers       []*types.Sticker
	Generated      []types.GeneratedSticker
	GenerationID   uuid.UUID
	PollIntervalMs int64
}

// StatusOutcome is the poll view of a generation. UserStickers holds the
// caller's own cloned rows when the record is ready; Generated is the
// shared shape kept as a fallback when cloning is still catching up.
type StatusOutcome struct {
	State            string
	UserStickers     []*types.Sticker
	Generated        []types.GeneratedSticker
	Error            string
	GenerationTimeMs int64
}

// ExplainService is the explain-page orchestration: it resolves the
// file, settles quota, and routes between the shared cache, a private
// synchronous run, and window sessions.
type ExplainService interface {
	// ExplainSingle serves one page now or hands back a generation id.
	ExplainSingle(ctx context.Context, req ExplainRequest) (*ExplainOutcome, error)
	// StartWindow opens a sliding-window session at the request page and
	// launches its scheduler.
	StartWindow(ctx context.Context, req ExplainRequest) (*types.WindowSession, error)
	// Status reports a generation the caller may see; (nil, nil) is
	// mapped to NOT_FOUND by the boundary. On ready it also settles the
	// caller's own sticker copies.
	Status(ctx context.Context, userID, generationID uuid.UUID) (*StatusOutcome, error)
	GetSession(ctx context.Context, userID, sessionID uuid.UUID) (*types.WindowSession, error)
	// UpdateSession applies a navigation action and re-arms the
	// scheduler when the window gained pages.
	UpdateSession(ctx context.Context, userID, sessionID uuid.UUID, currentPage int, action string) (*WindowUpdate, error)
	CancelSession(ctx context.Context, userID, sessionID uuid.UUID) (*WindowUpdate, error)
}

type explainService struct {
	// appCtx outlives requests; background generations and schedulers
	// run on it so they survive the HTTP response.
	appCtx    context.Context
	log       *logger.Logger
	fileRepo  repos.FileRepo
	stickers  repos.StickerRepo
	cache     StickerCacheService
	generator StickerGeneratorService
	quota     QuotaService
	sessions  WindowSessionService
	scheduler WindowSchedulerService
}

func NewExplainService(
	appCtx context.Context,
	log *logger.Logger,
	fileRepo repos.FileRepo,
	stickerRepo repos.StickerRepo,
	cache StickerCacheService,
	generator StickerGeneratorService,
	quota QuotaService,
	sessions WindowSessionService,
	scheduler WindowSchedulerService,
) ExplainService {
	return &explainService{
		appCtx:    appCtx,
		log:       log.With("service", "ExplainService"),
		fileRepo:  fileRepo,
		stickers:  stickerRepo,
		cache:     cache,
		generator: generator,
		quota:     quota,
		sessions:  sessions,
		scheduler: scheduler,
	}
}

// resolveFile loads the request file and runs the checks shared by both
// modes: ownership (404, never 403), scanned rejection, page range.
func (es *explainService) resolveFile(ctx context.Context, req ExplainRequest) (*types.File, error) {
	files, err := es.fileRepo.GetByIDs(ctx, nil, []uuid.UUID{req.FileID})
	if err != nil {
		return nil, fmt.Errorf("failed to load file: %w", err)
	}
	if len(files) == 0 || files[0].UserID != req.UserID {
		return nil, apierr.New(http.StatusNotFound, apierr.CodeNotFound, fmt.Errorf("file not found"))
	}
	file := files[0]
	if req.CourseID != uuid.Nil && req.CourseID != file.CourseID {
		return nil, apierr.New(http.StatusNotFound, apierr.CodeNotFound, fmt.Errorf("file not found"))
	}
	if file.IsScanned {
		return nil, apierr.New(http.StatusBadRequest, apierr.CodeFileIsScanned,
			fmt.Errorf("scanned documents have no extractable text"))
	}
	if req.Page < 1 || req.Page > file.PageCount {
		return nil, apierr.New(http.StatusBadRequest, apierr.CodeValidation,
			fmt.Errorf("page %d out of range (1-%d)", req.Page, file.PageCount))
	}
	return file, nil
}

// buildFingerprint canonicalizes the request into its cache key and the
// quota units it costs. Selected-image requests cost one unit per region.
func buildFingerprint(file *types.File, req ExplainRequest, locale string) (Fingerprint, int, error) {
	fp := Fingerprint{
		PDFHash: file.ContentHash,
		Page:    req.Page,
		Locale:  locale,
		Mode:    fingerprint.ModeTextOnly,
	}
	units := 1
	if len(req.Regions) == 0 {
		return fp, units, nil
	}

	if len(req.Regions) > maxSelectedRegions {
		return fp, 0, apierr.New(http.StatusBadRequest, apierr.CodeValidation,
			fmt.Errorf("at most %d selected regions per request", maxSelectedRegions))
	}
	if len(req.Images) != len(req.Regions) {
		return fp, 0, apierr.New(http.StatusBadRequest, apierr.CodeValidation,
			fmt.Errorf("%d regions but %d images", len(req.Regions), len(req.Images)))
	}
	for i, region := range req.Regions {
		if !fingerprint.ValidRect(region.Rect) {
			return fp, 0, apierr.WithDetails(http.StatusBadRequest, apierr.CodeValidation,
				fmt.Errorf("region %d has an invalid rect", i),
				map[string]any{"field": fmt.Sprintf("selectedImageRegions[%d].rect", i)})
		}
	}

	fp.Mode = fingerprint.ModeWithSelectedImages
	selectionKey, err := fingerprint.SelectionHash(req.Page, fp.Mode, locale, req.Regions)
	if err != nil {
		return fp, 0, apierr.New(http.StatusBadRequest, apierr.CodeValidation, err)
	}
	fp.SelectionKey = selectionKey
	units = len(req.Regions)
	return fp, units, nil
}

func (es *explainService) ExplainSingle(ctx context.Context, req ExplainRequest) (*ExplainOutcome, error) {
	started := time.Now()

	file, err := es.resolveFile(ctx, req)
	if err != nil {
		return nil, err
	}
	locale := prompts.NormalizeLocale(req.Locale)
	fp, units, err := buildFingerprint(file, req, locale)
	if err != nil {
		return nil, err
	}

	shared, err := es.cache.CheckUserSharePreference(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("share preference lookup failed: %w", err)
	}
	if !shared {
		return es.explainPrivate(ctx, req, file, fp, units, started)
	}

	// Every accepted shared-cache request pays upfront: ready hits,
	// in-flight observers, and fresh producers alike. Only a producer's
	// terminal failure refunds.
	if _, err := es.quota.Deduct(ctx, nil, req.UserID, types.BucketAutoExplain, units); err != nil {
		return nil, err
	}
	refund := func() {
		if rErr := es.quota.Refund(ctx, req.UserID, types.BucketAutoExplain, units); rErr != nil {
			es.log.Warn("explain quota refund did not apply", "user_id", req.UserID, "error", rErr)
		}
	}

	probe, err := es.cache.Probe(ctx, fp)
	if err != nil {
		refund()
		return nil, fmt.Errorf("cache probe failed: %w", err)
	}

	switch probe.State {
	case ProbeStateReady:
		rows := es.cache.CloneByGenerationID(ctx, probe.GenerationID, req.UserID, file.CourseID, file.ID)
		es.cache.RecordLatencySample(ctx, fp.PDFHash, fp.Page, fp.Locale, fp.Mode, time.Since(started).Milliseconds(), true)
		metrics.IncGeneration(fp.Mode, "hit")
		return &ExplainOutcome{
			Ready:     true,
			CacheHit:  true,
			Stickers:  rows,
			Generated: probe.Stickers,
		}, nil

	case ProbeStateGenerating:
		return &ExplainOutcome{
			GenerationID:   probe.GenerationID,
			PollIntervalMs: explainPollInterval.Milliseconds(),
		}, nil
	}

	start, err := es.cache.TryStart(ctx, fp, req.UserID, units, len(req.Images), req.Regions)
	if err != nil {
		refund()
		return nil, fmt.Errorf("generation claim failed: %w", err)
	}
	if start.Started {
		es.launchGeneration(req, file, fp, start.GenerationID)
	}
	return &ExplainOutcome{
		GenerationID:   start.GenerationID,
		PollIntervalMs: explainPollInterval.Milliseconds(),
	}, nil
}

// launchGeneration runs the claimed generation off the request goroutine.
// The generator settles the record either way and the stale sweeper
// backstops a crash, so nothing here blocks the 202.
func (es *explainService) launchGeneration(req ExplainRequest, file *types.File, fp Fingerprint, generationID uuid.UUID) {
	go func() {
		_, err := es.generator.Generate(es.appCtx, GenerateRequest{
			UserID:       req.UserID,
			CourseID:     file.CourseID,
			File:         file,
			Page:         req.Page,
			PDFTypeTag:   req.PDFTypeTag,
			Locale:       fp.Locale,
			Question:     req.Question,
			GenerationID: generationID,
			Fingerprint:  fp,
			Regions:      req.Regions,
			ImageBytes:   req.Images,
		})
		if err != nil {
			es.log.Warn("background generation failed",
				"generation_id", generationID, "pdf_hash", fp.PDFHash, "page", fp.Page, "error", err)
		}
	}()
}

// explainPrivate serves users who opted out of the shared cache: repeat
// pages come from their own sticker store without charge, anything else
// generates synchronously and never touches a generation record.
func (es *explainService) explainPrivate(ctx context.Context, req ExplainRequest, file *types.File, fp Fingerprint, units int, started time.Time) (*ExplainOutcome, error) {
	if fp.Mode == fingerprint.ModeTextOnly {
		existing, err := es.stickers.ListByUserFilePage(ctx, nil, req.UserID, file.ID, req.Page)
		if err != nil {
			return nil, fmt.Errorf("sticker lookup failed: %w", err)
		}
		auto := make([]*types.Sticker, 0, len(existing))
		for _, s := range existing {
			if s.Kind == types.StickerKindAuto {
				auto = append(auto, s)
			}
		}
		if len(auto) > 0 {
			es.cache.RecordLatencySample(ctx, fp.PDFHash, fp.Page, fp.Locale, fp.Mode, time.Since(started).Milliseconds(), true)
			metrics.IncGeneration(fp.Mode, "hit")
			return &ExplainOutcome{Ready: true, CacheHit: true, Stickers: auto}, nil
		}
	}

	if _, err := es.quota.Deduct(ctx, nil, req.UserID, types.BucketAutoExplain, units); err != nil {
		return nil, err
	}

	outcome, err := es.generator.Generate(ctx, GenerateRequest{
		UserID:      req.UserID,
		CourseID:    file.CourseID,
		File:        file,
		Page:        req.Page,
		PDFTypeTag:  req.PDFTypeTag,
		Locale:      fp.Locale,
		Question:    req.Question,
		Fingerprint: fp,
		Regions:     req.Regions,
		ImageBytes:  req.Images,
	})
	if err != nil {
		if rErr := es.quota.Refund(ctx, req.UserID, types.BucketAutoExplain, units); rErr != nil {
			es.log.Warn("private generation refund did not apply", "user_id", req.UserID, "error", rErr)
		}
		return nil, err
	}
	return &ExplainOutcome{Ready: true, Stickers: outcome.UserStickers}, nil
}

func (es *explainService) StartWindow(ctx context.Context, req ExplainRequest) (*types.WindowSession, error) {
	file, err := es.resolveFile(ctx, req)
	if err != nil {
		return nil, err
	}
	locale := prompts.NormalizeLocale(req.Locale)

	// Pages pay as they generate; an already-empty bucket still rejects
	// the session before any work starts.
	status, err := es.quota.Check(ctx, req.UserID, types.BucketAutoExplain)
	if err != nil {
		return nil, err
	}
	if status.Used >= status.Limit {
		return nil, apierr.WithDetails(http.StatusTooManyRequests, apierr.CodeQuotaExceeded,
			fmt.Errorf("quota exceeded for %s", types.BucketAutoExplain),
			map[string]any{"used": status.Used, "limit": status.Limit, "resetAt": status.ResetAt})
	}

	session, err := es.sessions.Start(ctx, req.UserID, file, req.Page, locale)
	if err != nil {
		return nil, err
	}
	es.scheduler.Launch(es.appCtx, session.ID)
	return session, nil
}

func (es *explainService) Status(ctx context.Context, userID, generationID uuid.UUID) (*StatusOutcome, error) {
	status, err := es.cache.GetStatus(ctx, generationID)
	if err != nil {
		return nil, fmt.Errorf("generation status lookup failed: %w", err)
	}
	if status == nil {
		return nil, nil
	}

	// A record is visible only to users holding the same content.
	file, err := es.fileRepo.GetByUserAndContentHash(ctx, nil, userID, status.PDFHash)
	if err != nil {
		return nil, fmt.Errorf("file lookup failed: %w", err)
	}
	if file == nil {
		return nil, nil
	}

	out := &StatusOutcome{
		State:            status.State,
		Generated:        status.Stickers,
		Error:            status.Error,
		GenerationTimeMs: status.GenerationTimeMs,
	}
	if status.State == types.GenerationStateReady {
		out.UserStickers = es.cache.CloneByGenerationID(ctx, generationID, userID, file.CourseID, file.ID)
	}
	return out, nil
}

func (es *explainService) GetSession(ctx context.Context, userID, sessionID uuid.UUID) (*types.WindowSession, error) {
	return es.sessions.Get(ctx, userID, sessionID)
}

func (es *explainService) UpdateSession(ctx context.Context, userID, sessionID uuid.UUID, currentPage int, action string) (*WindowUpdate, error) {
	update, err := es.sessions.Update(ctx, userID, sessionID, currentPage, action)
	if err != nil {
		return nil, err
	}
	// A jump or extend can add pages after the session's task drained
	// and exited; Launch is a no-op while one is still running.
	if update.State == types.WindowSessionStateActive && len(update.NewPages) > 0 {
		es.scheduler.Launch(es.appCtx, sessionID)
	}
	return update, nil
}

func (es *explainService) CancelSession(ctx context.Context, userID, sessionID uuid.UUID) (*WindowUpdate, error) {
	return es.sessions.Cancel(ctx, userID, sessionID)
}
