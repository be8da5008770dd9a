package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pagemark/pagemark-backend/internal/logger"
	"github.com/pagemark/pagemark-backend/internal/types"
)

type StickerRepo interface {
	Create(ctx context.Context, tx *gorm.DB, stickers []*types.Sticker) ([]*types.Sticker, error)
	GetByIDs(ctx context.Context, tx *gorm.DB, stickerIDs []uuid.UUID) ([]*types.Sticker, error)
	ListByFileAndPage(ctx context.Context, tx *gorm.DB, fileID uuid.UUID, page int) ([]*types.Sticker, error)
	ListByUserFilePage(ctx context.Context, tx *gorm.DB, userID, fileID uuid.UUID, page int) ([]*types.Sticker, error)
	ListByUserAndFile(ctx context.Context, tx *gorm.DB, userID, fileID uuid.UUID) ([]*types.Sticker, error)
	ListByFileID(ctx context.Context, tx *gorm.DB, fileID uuid.UUID) ([]*types.Sticker, error)
	ExistsByUserAndRecord(ctx context.Context, tx *gorm.DB, userID, recordID uuid.UUID) (bool, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	FullDeleteByIDs(ctx context.Context, tx *gorm.DB, stickerIDs []uuid.UUID) error
}

type stickerRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewStickerRepo(db *gorm.DB, baseLog *logger.Logger) StickerRepo {
	repoLog := baseLog.With("repo", "StickerRepo")
	return &stickerRepo{db: db, log: repoLog}
}

func (sr *stickerRepo) Create(ctx context.Context, tx *gorm.DB, stickers []*types.Sticker) ([]*types.Sticker, error) {
	transaction := tx
	if transaction == nil {
		transaction = sr.db
	}
	if len(stickers) == 0 {
		return []*types.Sticker{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&stickers).Error; err != nil {
		return nil, err
	}
	return stickers, nil
}

func (sr *stickerRepo) GetByIDs(ctx context.Context, tx *gorm.DB, stickerIDs []uuid.UUID) ([]*types.Sticker, error) {
	transaction := tx
	if transaction == nil {
		transaction = sr.db
	}
	var results []*types.Sticker
	if len(stickerIDs) == 0 {
		return results, nil
	}
	if err := transaction.WithContext(ctx).
		Where("id IN ?", stickerIDs).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (sr *stickerRepo) ListByFileAndPage(ctx context.Context, tx *gorm.DB, fileID uuid.UUID, page int) ([]*types.Sticker, error) {
	transaction := tx
	if transaction == nil {
		transaction = sr.db
	}
	var results []*types.Sticker
	if fileID == uuid.Nil {
		return results, nil
	}
	if err := transaction.WithContext(ctx).
		Where("file_id = ? AND page = ?", fileID, page).
		Order("created_at ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (sr *stickerRepo) ListByUserFilePage(ctx context.Context, tx *gorm.DB, userID, fileID uuid.UUID, page int) ([]*types.Sticker, error) {
	transaction := tx
	if transaction == nil {
		transaction = sr.db
	}
	var results []*types.Sticker
	if userID == uuid.Nil || fileID == uuid.Nil {
		return results, nil
	}
	if err := transaction.WithContext(ctx).
		Where("user_id = ? AND file_id = ? AND page = ?", userID, fileID, page).
		Order("created_at ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (sr *stickerRepo) ListByUserAndFile(ctx context.Context, tx *gorm.DB, userID, fileID uuid.UUID) ([]*types.Sticker, error) {
	transaction := tx
	if transaction == nil {
		transaction = sr.db
	}
	var results []*types.Sticker
	if userID == uuid.Nil || fileID == uuid.Nil {
		return results, nil
	}
	if err := transaction.WithContext(ctx).
		Where("user_id = ? AND file_id = ?", userID, fileID).
		Order("page ASC, created_at ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (sr *stickerRepo) ListByFileID(ctx context.Context, tx *gorm.DB, fileID uuid.UUID) ([]*types.Sticker, error) {
	transaction := tx
	if transaction == nil {
		transaction = sr.db
	}
	var results []*types.Sticker
	if fileID == uuid.Nil {
		return results, nil
	}
	if err := transaction.WithContext(ctx).
		Where("file_id = ?", fileID).
		Order("page ASC, created_at ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (sr *stickerRepo) ExistsByUserAndRecord(ctx context.Context, tx *gorm.DB, userID, recordID uuid.UUID) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = sr.db
	}
	if userID == uuid.Nil || recordID == uuid.Nil {
		return false, nil
	}
	var count int64
	if err := transaction.WithContext(ctx).
		Model(&types.Sticker{}).
		Where("user_id = ? AND source_record_id = ?", userID, recordID).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (sr *stickerRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = sr.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(ctx).
		Model(&types.Sticker{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (sr *stickerRepo) FullDeleteByIDs(ctx context.Context, tx *gorm.DB, stickerIDs []uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = sr.db
	}
	if len(stickerIDs) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).
		Where("id IN ?", stickerIDs).
		Delete(&types.Sticker{}).Error
}
