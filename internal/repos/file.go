package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pagemark/pagemark-backend/internal/logger"
	"github.com/pagemark/pagemark-backend/internal/types"
)

type FileRepo interface {
	Create(ctx context.Context, tx *gorm.DB, files []*types.File) ([]*types.File, error)
	GetByIDs(ctx context.Context, tx *gorm.DB, fileIDs []uuid.UUID) ([]*types.File, error)
	// GetByUserAndContentHash returns the user's most recent file with the
	// given content hash, or nil. Backs the ownership check on shared
	// generation records.
	GetByUserAndContentHash(ctx context.Context, tx *gorm.DB, userID uuid.UUID, contentHash string) (*types.File, error)
	ListByCourseID(ctx context.Context, tx *gorm.DB, courseID uuid.UUID) ([]*types.File, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	FullDeleteByIDs(ctx context.Context, tx *gorm.DB, fileIDs []uuid.UUID) error
}

type fileRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewFileRepo(db *gorm.DB, baseLog *logger.Logger) FileRepo {
	repoLog := baseLog.With("repo", "FileRepo")
	return &fileRepo{db: db, log: repoLog}
}

func (fr *fileRepo) Create(ctx context.Context, tx *gorm.DB, files []*types.File) ([]*types.File, error) {
	transaction := tx
	if transaction == nil {
		transaction = fr.db
	}
	if len(files) == 0 {
		return []*types.File{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&files).Error; err != nil {
		return nil, err
	}
	return files, nil
}

func (fr *fileRepo) GetByIDs(ctx context.Context, tx *gorm.DB, fileIDs []uuid.UUID) ([]*types.File, error) {
	transaction := tx
	if transaction == nil {
		transaction = fr.db
	}
	var results []*types.File
	if len(fileIDs) == 0 {
		return results, nil
	}
	if err := transaction.WithContext(ctx).
		Where("id IN ?", fileIDs).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (fr *fileRepo) GetByUserAndContentHash(ctx context.Context, tx *gorm.DB, userID uuid.UUID, contentHash string) (*types.File, error) {
	transaction := tx
	if transaction == nil {
		transaction = fr.db
	}
	if userID == uuid.Nil || contentHash == "" {
		return nil, nil
	}
	var results []*types.File
	if err := transaction.WithContext(ctx).
		Where("user_id = ? AND content_hash = ?", userID, contentHash).
		Order("created_at DESC").
		Limit(1).
		Find(&results).Error; err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return results[0], nil
}

func (fr *fileRepo) ListByCourseID(ctx context.Context, tx *gorm.DB, courseID uuid.UUID) ([]*types.File, error) {
	transaction := tx
	if transaction == nil {
		transaction = fr.db
	}
	var results []*types.File
	if courseID == uuid.Nil {
		return results, nil
	}
	if err := transaction.WithContext(ctx).
		Where("course_id = ?", courseID).
		Order("created_at ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (fr *fileRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = fr.db
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
		Model(&types.File{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (fr *fileRepo) FullDeleteByIDs(ctx context.Context, tx *gorm.DB, fileIDs []uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = fr.db
	}
	if len(fileIDs) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).
		Where("id IN ?", fileIDs).
		Delete(&types.File{}).Error
}
