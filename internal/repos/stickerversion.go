package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pagemark/pagemark-backend/internal/logger"
	"github.com/pagemark/pagemark-backend/internal/types"
)

type StickerVersionRepo interface {
	Create(ctx context.Context, tx *gorm.DB, versions []*types.StickerVersion) ([]*types.StickerVersion, error)
	ListByStickerID(ctx context.Context, tx *gorm.DB, stickerID uuid.UUID) ([]*types.StickerVersion, error)
	GetByStickerAndVersion(ctx context.Context, tx *gorm.DB, stickerID uuid.UUID, version int) (*types.StickerVersion, error)
	MaxVersion(ctx context.Context, tx *gorm.DB, stickerID uuid.UUID) (int, error)
}

type stickerVersionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewStickerVersionRepo(db *gorm.DB, baseLog *logger.Logger) StickerVersionRepo {
	repoLog := baseLog.With("repo", "StickerVersionRepo")
	return &stickerVersionRepo{db: db, log: repoLog}
}

func (svr *stickerVersionRepo) Create(ctx context.Context, tx *gorm.DB, versions []*types.StickerVersion) ([]*types.StickerVersion, error) {
	transaction := tx
	if transaction == nil {
		transaction = svr.db
	}
	if len(versions) == 0 {
		return []*types.StickerVersion{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&versions).Error; err != nil {
		return nil, err
	}
	return versions, nil
}

func (svr *stickerVersionRepo) ListByStickerID(ctx context.Context, tx *gorm.DB, stickerID uuid.UUID) ([]*types.StickerVersion, error) {
	transaction := tx
	if transaction == nil {
		transaction = svr.db
	}
	var results []*types.StickerVersion
	if stickerID == uuid.Nil {
		return results, nil
	}
	if err := transaction.WithContext(ctx).
		Where("sticker_id = ?", stickerID).
		Order("version ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (svr *stickerVersionRepo) GetByStickerAndVersion(ctx context.Context, tx *gorm.DB, stickerID uuid.UUID, version int) (*types.StickerVersion, error) {
	transaction := tx
	if transaction == nil {
		transaction = svr.db
	}
	if stickerID == uuid.Nil {
		return nil, nil
	}
	var row types.StickerVersion
	err := transaction.WithContext(ctx).
		Where("sticker_id = ? AND version = ?", stickerID, version).
		Limit(1).
		Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == uuid.Nil {
		return nil, nil
	}
	return &row, nil
}

func (svr *stickerVersionRepo) MaxVersion(ctx context.Context, tx *gorm.DB, stickerID uuid.UUID) (int, error) {
	transaction := tx
	if transaction == nil {
		transaction = svr.db
	}
	if stickerID == uuid.Nil {
		return 0, nil
	}
	var max int
	err := transaction.WithContext(ctx).
		Model(&types.StickerVersion{}).
		Where("sticker_id = ?", stickerID).
		Select("COALESCE(MAX(version), 0)").
		Scan(&max).Error
	if err != nil {
		return 0, err
	}
	return max, nil
}
