package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pagemark/pagemark-backend/internal/apierr"
	"github.com/pagemark/pagemark-backend/internal/clients/gcp"
	"github.com/pagemark/pagemark-backend/internal/clients/openai"
	"github.com/pagemark/pagemark-backend/internal/logger"
	"github.com/pagemark/pagemark-backend/internal/metrics"
	"github.com/pagemark/pagemark-backend/internal/pdftext"
	"github.com/pagemark/pagemark-backend/internal/prompts"
	"github.com/pagemark/pagemark-backend/internal/repos"
	"github.com/pagemark/pagemark-backend/internal/types"
	"github.com/pagemark/pagemark-backend/internal/utils"
)

// RefreshResult pairs the updated sticker with the version the refresh
// created.
type RefreshResult struct {
	Sticker *types.Sticker
	Version int
}

// SwitchResult reports a version switch; NoOp means the requested
// version was already current.
type SwitchResult struct {
	Sticker *types.Sticker
	Version int
	NoOp    bool
}

// StickerVersionService regenerates sticker content and moves between
// stored revisions. Every revision a sticker ever had stays addressable;
// the sticker row always mirrors the current one.
type StickerVersionService interface {
	// Refresh re-explains the sticker's anchor and stores the result as
	// a new current version. Costs one learning-interactions unit.
	Refresh(ctx context.Context, userID, stickerID uuid.UUID, locale string) (*RefreshResult, error)
	ListVersions(ctx context.Context, userID, stickerID uuid.UUID) (*types.Sticker, []*types.StickerVersion, error)
	// Switch makes an existing version current. Switching to the version
	// already current is a no-op, not an error.
	Switch(ctx context.Context, userID, stickerID uuid.UUID, version int) (*SwitchResult, error)
}

type stickerVersionService struct {
	db          *gorm.DB
	log         *logger.Logger
	ai          openai.Client
	bucket      gcp.BucketService
	stickerRepo repos.StickerRepo
	versionRepo repos.StickerVersionRepo
	fileRepo    repos.FileRepo
	quota       QuotaService
	callTimeout time.Duration
}

func NewStickerVersionService(
	db *gorm.DB,
	log *logger.Logger,
	ai openai.Client,
	bucket gcp.BucketService,
	stickerRepo repos.StickerRepo,
	versionRepo repos.StickerVersionRepo,
	fileRepo repos.FileRepo,
	quota QuotaService,
) StickerVersionService {
	serviceLog := log.With("service", "StickerVersionService")
	timeout := time.Duration(utils.GetEnvAsInt("GENERATION_TIMEOUT_SECONDS", defaultGenerationTimeoutSeconds, nil)) * time.Second
	return &stickerVersionService{
		db:          db,
		log:         serviceLog,
		ai:          ai,
		bucket:      bucket,
		stickerRepo: stickerRepo,
		versionRepo: versionRepo,
		fileRepo:    fileRepo,
		quota:       quota,
		callTimeout: timeout,
	}
}

func (svs *stickerVersionService) getOwned(ctx context.Context, userID, stickerID uuid.UUID) (*types.Sticker, error) {
	rows, err := svs.stickerRepo.GetByIDs(ctx, nil, []uuid.UUID{stickerID})
	if err != nil {
		return nil, fmt.Errorf("failed to load sticker: %w", err)
	}
	if len(rows) == 0 || rows[0].UserID != userID {
		return nil, apierr.New(http.StatusNotFound, apierr.CodeNotFound, fmt.Errorf("sticker not found"))
	}
	return rows[0], nil
}

func anchorTextOf(s *types.Sticker) string {
	if len(s.Anchor) == 0 {
		return ""
	}
	var anchor types.StickerAnchor
	if err := json.Unmarshal(s.Anchor, &anchor); err != nil {
		return ""
	}
	return anchor.TextSnippet
}

func (svs *stickerVersionService) pageTextOf(ctx context.Context, s *types.Sticker) (string, error) {
	files, err := svs.fileRepo.GetByIDs(ctx, nil, []uuid.UUID{s.FileID})
	if err != nil || len(files) == 0 {
		return "", fmt.Errorf("failed to load sticker file: %w", err)
	}
	pdfBytes, err := svs.bucket.ReadFile(ctx, files[0].StorageKey)
	if err != nil {
		return "", fmt.Errorf("storage download failed: %w", err)
	}
	doc, err := pdftext.Open(pdfBytes)
	if err != nil {
		return "", fmt.Errorf("pdf open failed: %w", err)
	}
	defer doc.Close()
	return doc.PageText(s.Page)
}

func (svs *stickerVersionService) Refresh(ctx context.Context, userID, stickerID uuid.UUID, locale string) (*RefreshResult, error) {
	sticker, err := svs.getOwned(ctx, userID, stickerID)
	if err != nil {
		return nil, err
	}
	locale = prompts.NormalizeLocale(locale)

	if _, err := svs.quota.Deduct(ctx, nil, userID, types.BucketLearningInteractions, 1); err != nil {
		return nil, err
	}
	refund := func() {
		if rErr := svs.quota.Refund(ctx, userID, types.BucketLearningInteractions, 1); rErr != nil {
			svs.log.Warn("refresh quota refund did not apply", "user_id", userID, "error", rErr)
		}
	}

	pageText, err := svs.pageTextOf(ctx, sticker)
	if err != nil {
		refund()
		return nil, err
	}

	system := prompts.RefreshSystem(svs.log, locale)
	user := prompts.RefreshUser(anchorTextOf(sticker), sticker.ContentMarkdown, pageText, sticker.Page)

	callCtx, cancel := context.WithTimeout(ctx, svs.callTimeout)
	defer cancel()
	content, err := svs.ai.GenerateText(callCtx, system, user, openai.Options{
		Temperature:     generationTemperature,
		MaxOutputTokens: generationMaxTokens,
	})
	if err != nil {
		metrics.IncModelRequest("refresh", "error")
		refund()
		return nil, fmt.Errorf("ai-error: %w", err)
	}
	metrics.IncModelRequest("refresh", "ok")
	content = strings.TrimSpace(content)
	if content == "" {
		refund()
		return nil, fmt.Errorf("ai-error: refresh produced no content")
	}

	result := &RefreshResult{}
	err = svs.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		maxVersion, err := svs.versionRepo.MaxVersion(ctx, tx, sticker.ID)
		if err != nil {
			return err
		}
		// Stickers created before their first refresh have no stored
		// revisions; keep the original addressable before moving on.
		if maxVersion == 0 {
			if _, err := svs.versionRepo.Create(ctx, tx, []*types.StickerVersion{{
				ID:              uuid.New(),
				StickerID:       sticker.ID,
				Version:         sticker.CurrentVersion,
				ContentMarkdown: sticker.ContentMarkdown,
			}}); err != nil {
				return err
			}
			maxVersion = sticker.CurrentVersion
		}

		newVersion := maxVersion + 1
		if _, err := svs.versionRepo.Create(ctx, tx, []*types.StickerVersion{{
			ID:              uuid.New(),
			StickerID:       sticker.ID,
			Version:         newVersion,
			ContentMarkdown: content,
		}}); err != nil {
			return err
		}
		if err := svs.stickerRepo.UpdateFields(ctx, tx, sticker.ID, map[string]interface{}{
			"content_markdown": content,
			"current_version":  newVersion,
		}); err != nil {
			return err
		}

		sticker.ContentMarkdown = content
		sticker.CurrentVersion = newVersion
		result.Sticker = sticker
		result.Version = newVersion
		return nil
	})
	if err != nil {
		refund()
		return nil, fmt.Errorf("failed to store refreshed version: %w", err)
	}

	svs.log.Info("sticker refreshed", "sticker_id", sticker.ID, "version", result.Version)
	return result, nil
}

func (svs *stickerVersionService) ListVersions(ctx context.Context, userID, stickerID uuid.UUID) (*types.Sticker, []*types.StickerVersion, error) {
	sticker, err := svs.getOwned(ctx, userID, stickerID)
	if err != nil {
		return nil, nil, err
	}
	versions, err := svs.versionRepo.ListByStickerID(ctx, nil, stickerID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list versions: %w", err)
	}
	// A never-refreshed sticker has its only revision inline on the row.
	if len(versions) == 0 {
		versions = []*types.StickerVersion{{
			ID:              sticker.ID,
			StickerID:       sticker.ID,
			Version:         sticker.CurrentVersion,
			ContentMarkdown: sticker.ContentMarkdown,
			CreatedAt:       sticker.CreatedAt,
		}}
	}
	return sticker, versions, nil
}

func (svs *stickerVersionService) Switch(ctx context.Context, userID, stickerID uuid.UUID, version int) (*SwitchResult, error) {
	sticker, err := svs.getOwned(ctx, userID, stickerID)
	if err != nil {
		return nil, err
	}
	if version == sticker.CurrentVersion {
		return &SwitchResult{Sticker: sticker, Version: version, NoOp: true}, nil
	}

	row, err := svs.versionRepo.GetByStickerAndVersion(ctx, nil, stickerID, version)
	if err != nil {
		return nil, fmt.Errorf("failed to load version: %w", err)
	}
	if row == nil {
		return nil, apierr.New(http.StatusNotFound, apierr.CodeVersionNotFound,
			fmt.Errorf("sticker has no version %d", version))
	}

	if err := svs.stickerRepo.UpdateFields(ctx, nil, stickerID, map[string]interface{}{
		"content_markdown": row.ContentMarkdown,
		"current_version":  version,
	}); err != nil {
		return nil, apierr.New(http.StatusInternalServerError, apierr.CodeUpdateFailed,
			fmt.Errorf("version switch failed: %w", err))
	}

	sticker.ContentMarkdown = row.ContentMarkdown
	sticker.CurrentVersion = version
	return &SwitchResult{Sticker: sticker, Version: version}, nil
}
