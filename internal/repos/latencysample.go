package repos

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/pagemark/pagemark-backend/internal/logger"
	"github.com/pagemark/pagemark-backend/internal/types"
)

type LatencySampleRepo interface {
	Create(ctx context.Context, tx *gorm.DB, samples []*types.LatencySample) ([]*types.LatencySample, error)
	ListSince(ctx context.Context, tx *gorm.DB, since time.Time, limit int) ([]*types.LatencySample, error)
}

type latencySampleRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewLatencySampleRepo(db *gorm.DB, baseLog *logger.Logger) LatencySampleRepo {
	repoLog := baseLog.With("repo", "LatencySampleRepo")
	return &latencySampleRepo{db: db, log: repoLog}
}

func (lsr *latencySampleRepo) Create(ctx context.Context, tx *gorm.DB, samples []*types.LatencySample) ([]*types.LatencySample, error) {
	transaction := tx
	if transaction == nil {
		transaction = lsr.db
	}
	if len(samples) == 0 {
		return []*types.LatencySample{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&samples).Error; err != nil {
		return nil, err
	}
	return samples, nil
}

func (lsr *latencySampleRepo) ListSince(ctx context.Context, tx *gorm.DB, since time.Time, limit int) ([]*types.LatencySample, error) {
	transaction := tx
	if transaction == nil {
		transaction = lsr.db
	}
	if limit <= 0 {
		limit = 500
	}
	var results []*types.LatencySample
	if err := transaction.WithContext(ctx).
		Where("created_at >= ?", since).
		Order("created_at DESC").
		Limit(limit).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
