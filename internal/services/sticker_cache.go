package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/pagemark/pagemark-backend/internal/fingerprint"
	"github.com/pagemark/pagemark-backend/internal/logger"
	"github.com/pagemark/pagemark-backend/internal/repos"
	"github.com/pagemark/pagemark-backend/internal/types"
	"github.com/pagemark/pagemark-backend/internal/utils"
)

const (
	ProbeStateReady      = "ready"
	ProbeStateGenerating = "generating"
	ProbeStateNotFound   = "not-found"

	// Generations older than this are treated as abandoned and failed.
	defaultGenerationTimeoutSeconds = 120
	staleSweepInterval              = 30 * time.Second
)

// Fingerprint identifies one cacheable unit of generation work.
// SelectionKey is the selection hash or "" for text-only requests.
type Fingerprint struct {
	PDFHash      string
	Page         int
	Locale       string
	Mode         string
	SelectionKey string
}

type ProbeResult struct {
	State                string
	GenerationID         uuid.UUID
	Stickers             []types.GeneratedSticker
	SelectedImageRegions []fingerprint.Region
}

type StartResult struct {
	Started       bool
	AlreadyExists bool
	GenerationID  uuid.UUID
}

type GenerationStatus struct {
	State            string
	PDFHash          string
	Stickers         []types.GeneratedSticker
	Error            string
	GenerationTimeMs int64
}

// StickerCacheService is the source of truth for fingerprint state:
// ready stickers, an in-flight generation, or nothing.
type StickerCacheService interface {
	CheckUserSharePreference(ctx context.Context, userID uuid.UUID) (bool, error)
	Probe(ctx context.Context, fp Fingerprint) (*ProbeResult, error)
	// TryStart claims the fingerprint for generation. Exactly one
	// concurrent caller gets Started=true; the rest observe
	// AlreadyExists with the same generation id. A failed record is
	// reclaimed in place so the fingerprint keeps a single row.
	TryStart(ctx context.Context, fp Fingerprint, userID uuid.UUID, quotaUnits, imagesCount int, regions []fingerprint.Region) (*StartResult, error)
	GetStatus(ctx context.Context, generationID uuid.UUID) (*GenerationStatus, error)
	Complete(ctx context.Context, generationID uuid.UUID, stickers []types.GeneratedSticker, generationTimeMs int64) error
	// Fail terminally fails the generation and refunds the reserved
	// quota units to the producing user.
	Fail(ctx context.Context, generationID uuid.UUID, reason string) error
	// CloneToUser copies a ready record's stickers into the user's own
	// collection. Best effort: errors are logged, never returned.
	CloneToUser(ctx context.Context, record *types.GenerationRecord, userID, courseID, fileID uuid.UUID) []*types.Sticker
	// CloneByGenerationID is CloneToUser for callers that only hold the
	// generation id.
	CloneByGenerationID(ctx context.Context, generationID, userID, courseID, fileID uuid.UUID) []*types.Sticker
	RecordLatencySample(ctx context.Context, pdfHash string, page int, locale, mode string, latencyMs int64, cacheHit bool)
	// StartStaleSweeper fails generations stuck past the timeout.
	StartStaleSweeper(ctx context.Context)
}

type stickerCacheService struct {
	db                *gorm.DB
	log               *logger.Logger
	userRepo          repos.UserRepo
	recordRepo        repos.GenerationRecordRepo
	stickerRepo       repos.StickerRepo
	latencyRepo       repos.LatencySampleRepo
	quotaService      QuotaService
	generationTimeout time.Duration
}

func NewStickerCacheService(
	db *gorm.DB,
	log *logger.Logger,
	userRepo repos.UserRepo,
	recordRepo repos.GenerationRecordRepo,
	stickerRepo repos.StickerRepo,
	latencyRepo repos.LatencySampleRepo,
	quotaService QuotaService,
) StickerCacheService {
	serviceLog := log.With("service", "StickerCacheService")
	timeout := time.Duration(utils.GetEnvAsInt("GENERATION_TIMEOUT_SECONDS", defaultGenerationTimeoutSeconds, nil)) * time.Second
	return &stickerCacheService{
		db:                db,
		log:               serviceLog,
		userRepo:          userRepo,
		recordRepo:        recordRepo,
		stickerRepo:       stickerRepo,
		latencyRepo:       latencyRepo,
		quotaService:      quotaService,
		generationTimeout: timeout,
	}
}

func (scs *stickerCacheService) CheckUserSharePreference(ctx context.Context, userID uuid.UUID) (bool, error) {
	users, err := scs.userRepo.GetByIDs(ctx, nil, []uuid.UUID{userID})
	if err != nil {
		return false, fmt.Errorf("failed to load user: %w", err)
	}
	if len(users) == 0 {
		return false, fmt.Errorf("user not found")
	}
	return users[0].ShareToCache, nil
}

func decodeStickers(raw datatypes.JSON) []types.GeneratedSticker {
	if len(raw) == 0 {
		return nil
	}
	var out []types.GeneratedSticker
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func decodeRegions(raw datatypes.JSON) []fingerprint.Region {
	if len(raw) == 0 {
		return nil
	}
	var out []fingerprint.Region
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func (scs *stickerCacheService) Probe(ctx context.Context, fp Fingerprint) (*ProbeResult, error) {
	record, err := scs.recordRepo.GetByFingerprint(ctx, nil, fp.PDFHash, fp.Page, fp.Locale, fp.Mode, fp.SelectionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to probe generation record: %w", err)
	}
	if record == nil {
		return &ProbeResult{State: ProbeStateNotFound}, nil
	}
	switch record.State {
	case types.GenerationStateReady:
		return &ProbeResult{
			State:                ProbeStateReady,
			GenerationID:         record.ID,
			Stickers:             decodeStickers(record.Stickers),
			SelectedImageRegions: decodeRegions(record.SelectedImageRegions),
		}, nil
	case types.GenerationStateGenerating:
		return &ProbeResult{State: ProbeStateGenerating, GenerationID: record.ID}, nil
	default:
		// A failed record is restartable, so callers see absence.
		return &ProbeResult{State: ProbeStateNotFound, GenerationID: record.ID}, nil
	}
}

func (scs *stickerCacheService) TryStart(ctx context.Context, fp Fingerprint, userID uuid.UUID, quotaUnits, imagesCount int, regions []fingerprint.Region) (*StartResult, error) {
	record := &types.GenerationRecord{
		ID:              uuid.New(),
		PDFHash:         fp.PDFHash,
		Page:            fp.Page,
		Locale:          fp.Locale,
		Mode:            fp.Mode,
		SelectionKey:    fp.SelectionKey,
		State:           types.GenerationStateGenerating,
		ProducingUserID: userID,
		QuotaUnits:      quotaUnits,
		ImagesCount:     imagesCount,
		StartedAt:       time.Now(),
	}
	if len(regions) > 0 {
		raw, err := json.Marshal(regions)
		if err != nil {
			return nil, fmt.Errorf("failed to encode selected regions: %w", err)
		}
		record.SelectedImageRegions = datatypes.JSON(raw)
	}

	inserted, err := scs.recordRepo.TryInsert(ctx, nil, record)
	if err != nil {
		return nil, fmt.Errorf("failed to claim generation: %w", err)
	}
	if inserted {
		return &StartResult{Started: true, GenerationID: record.ID}, nil
	}

	existing, err := scs.recordRepo.GetByFingerprint(ctx, nil, fp.PDFHash, fp.Page, fp.Locale, fp.Mode, fp.SelectionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read back generation record: %w", err)
	}
	if existing == nil {
		// Insert conflicted but the row is gone: the race partner was
		// rolled back. Treat as a transient miss.
		return &StartResult{}, fmt.Errorf("generation record vanished during claim")
	}
	if existing.State == types.GenerationStateFailed {
		reclaimed, err := scs.recordRepo.ReclaimFailed(ctx, nil, existing.ID, userID, quotaUnits)
		if err != nil {
			return nil, fmt.Errorf("failed to reclaim failed generation: %w", err)
		}
		if reclaimed {
			return &StartResult{Started: true, GenerationID: existing.ID}, nil
		}
	}
	return &StartResult{AlreadyExists: true, GenerationID: existing.ID}, nil
}

func (scs *stickerCacheService) GetStatus(ctx context.Context, generationID uuid.UUID) (*GenerationStatus, error) {
	records, err := scs.recordRepo.GetByIDs(ctx, nil, []uuid.UUID{generationID})
	if err != nil {
		return nil, fmt.Errorf("failed to load generation record: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	record := records[0]
	return &GenerationStatus{
		State:            record.State,
		PDFHash:          record.PDFHash,
		Stickers:         decodeStickers(record.Stickers),
		Error:            record.Error,
		GenerationTimeMs: record.GenerationTimeMs,
	}, nil
}

func (scs *stickerCacheService) Complete(ctx context.Context, generationID uuid.UUID, stickers []types.GeneratedSticker, generationTimeMs int64) error {
	if len(stickers) == 0 {
		return fmt.Errorf("ready generation requires at least one sticker")
	}
	raw, err := json.Marshal(stickers)
	if err != nil {
		return fmt.Errorf("failed to encode stickers: %w", err)
	}
	updated, err := scs.recordRepo.CompleteIfGenerating(ctx, nil, generationID, datatypes.JSON(raw), generationTimeMs)
	if err != nil {
		return fmt.Errorf("failed to complete generation: %w", err)
	}
	if !updated {
		return fmt.Errorf("generation %s is not in generating state", generationID)
	}
	return nil
}

func (scs *stickerCacheService) Fail(ctx context.Context, generationID uuid.UUID, reason string) error {
	records, err := scs.recordRepo.GetByIDs(ctx, nil, []uuid.UUID{generationID})
	if err != nil {
		return fmt.Errorf("failed to load generation record: %w", err)
	}
	if len(records) == 0 {
		return fmt.Errorf("generation %s not found", generationID)
	}
	record := records[0]

	updated, err := scs.recordRepo.FailIfGenerating(ctx, nil, generationID, reason)
	if err != nil {
		return fmt.Errorf("failed to fail generation: %w", err)
	}
	if !updated {
		// Already terminal; nothing to refund.
		return nil
	}
	if record.QuotaUnits > 0 {
		if rErr := scs.quotaService.Refund(ctx, record.ProducingUserID, types.BucketAutoExplain, record.QuotaUnits); rErr != nil {
			scs.log.Warn("quota refund after failed generation did not apply",
				"generation_id", generationID, "user_id", record.ProducingUserID, "error", rErr)
		}
	}
	return nil
}

func (scs *stickerCacheService) CloneToUser(ctx context.Context, record *types.GenerationRecord, userID, courseID, fileID uuid.UUID) []*types.Sticker {
	if record == nil || record.State != types.GenerationStateReady {
		return nil
	}
	generated := decodeStickers(record.Stickers)
	if len(generated) == 0 {
		return nil
	}

	exists, err := scs.stickerRepo.ExistsByUserAndRecord(ctx, nil, userID, record.ID)
	if err != nil {
		scs.log.Warn("clone dedup check failed", "record_id", record.ID, "error", err)
		return nil
	}
	if exists {
		rows, err := scs.stickerRepo.ListByUserFilePage(ctx, nil, userID, fileID, record.Page)
		if err != nil {
			return nil
		}
		out := make([]*types.Sticker, 0, len(rows))
		for _, s := range rows {
			if s.SourceRecordID != nil && *s.SourceRecordID == record.ID {
				out = append(out, s)
			}
		}
		return out
	}

	recordID := record.ID
	rows := make([]*types.Sticker, 0, len(generated))
	for _, g := range generated {
		anchorRaw, err := json.Marshal(g.Anchor)
		if err != nil {
			continue
		}
		rows = append(rows, &types.Sticker{
			ID:              uuid.New(),
			UserID:          userID,
			CourseID:        courseID,
			FileID:          fileID,
			Page:            g.Page,
			Kind:            types.StickerKindAuto,
			Anchor:          datatypes.JSON(anchorRaw),
			SourceRecordID:  &recordID,
			ContentMarkdown: g.ContentMarkdown,
			Folded:          false,
			Depth:           0,
			CurrentVersion:  1,
		})
	}
	created, err := scs.stickerRepo.Create(ctx, nil, rows)
	if err != nil {
		scs.log.Warn("cache hit sticker clone failed", "record_id", record.ID, "user_id", userID, "error", err)
		return nil
	}
	return created
}

func (scs *stickerCacheService) CloneByGenerationID(ctx context.Context, generationID, userID, courseID, fileID uuid.UUID) []*types.Sticker {
	records, err := scs.recordRepo.GetByIDs(ctx, nil, []uuid.UUID{generationID})
	if err != nil || len(records) == 0 {
		scs.log.Warn("clone source record load failed", "generation_id", generationID, "error", err)
		return nil
	}
	return scs.CloneToUser(ctx, records[0], userID, courseID, fileID)
}

func (scs *stickerCacheService) RecordLatencySample(ctx context.Context, pdfHash string, page int, locale, mode string, latencyMs int64, cacheHit bool) {
	sample := &types.LatencySample{
		ID:        uuid.New(),
		PDFHash:   pdfHash,
		Page:      page,
		Locale:    locale,
		Mode:      mode,
		LatencyMs: latencyMs,
		CacheHit:  cacheHit,
	}
	if _, err := scs.latencyRepo.Create(ctx, nil, []*types.LatencySample{sample}); err != nil {
		scs.log.Warn("latency sample write failed", "error", err)
	}
}

func (scs *stickerCacheService) StartStaleSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(staleSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				scs.sweepStale(ctx)
			}
		}
	}()
}

func (scs *stickerCacheService) sweepStale(ctx context.Context) {
	cutoff := time.Now().Add(-scs.generationTimeout)
	stale, err := scs.recordRepo.ListStaleGenerating(ctx, nil, cutoff, 50)
	if err != nil {
		scs.log.Warn("stale generation sweep query failed", "error", err)
		return
	}
	for _, record := range stale {
		if err := scs.Fail(ctx, record.ID, "generation timed out"); err != nil {
			scs.log.Warn("failed to time out stale generation", "generation_id", record.ID, "error", err)
			continue
		}
		scs.log.Info("timed out stale generation",
			"generation_id", record.ID, "pdf_hash", record.PDFHash, "page", record.Page)
	}
}
