package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pagemark/pagemark-backend/internal/logger"
	"github.com/pagemark/pagemark-backend/internal/types"
)

type QuotaBucketRepo interface {
	// GetOrCreateForUpdate loads the bucket row FOR UPDATE, creating it
	// on first use and resetting it in place when periodStart has moved
	// to a new month. Must run inside tx so the row stays locked until
	// the caller commits its deduct or refund.
	GetOrCreateForUpdate(ctx context.Context, tx *gorm.DB, userID uuid.UUID, bucket string, limitValue int, periodStart time.Time) (*types.QuotaBucket, error)
	IncrementUsed(ctx context.Context, tx *gorm.DB, id uuid.UUID, n int) error
	// RefundUsed decrements used without going below zero.
	RefundUsed(ctx context.Context, tx *gorm.DB, id uuid.UUID, n int) error
}

type quotaBucketRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewQuotaBucketRepo(db *gorm.DB, baseLog *logger.Logger) QuotaBucketRepo {
	repoLog := baseLog.With("repo", "QuotaBucketRepo")
	return &quotaBucketRepo{db: db, log: repoLog}
}

func (qbr *quotaBucketRepo) GetOrCreateForUpdate(ctx context.Context, tx *gorm.DB, userID uuid.UUID, bucket string, limitValue int, periodStart time.Time) (*types.QuotaBucket, error) {
	transaction := tx
	if transaction == nil {
		transaction = qbr.db
	}
	if userID == uuid.Nil || bucket == "" {
		return nil, nil
	}

	load := func() (*types.QuotaBucket, error) {
		var row types.QuotaBucket
		err := transaction.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND bucket = ?", userID, bucket).
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

	row, err := load()
	if err != nil {
		return nil, err
	}
	if row == nil {
		fresh := &types.QuotaBucket{
			ID:          uuid.New(),
			UserID:      userID,
			Bucket:      bucket,
			PeriodStart: periodStart,
			Used:        0,
			LimitValue:  limitValue,
		}
		cErr := transaction.WithContext(ctx).Create(fresh).Error
		if cErr == nil {
			return fresh, nil
		}
		if !IsUniqueViolation(cErr) {
			return nil, cErr
		}
		// Lost the creation race; the winner's row exists now.
		row, err = load()
		if err != nil {
			return nil, err
		}
		if row == nil {
			return nil, cErr
		}
	}

	if row.PeriodStart.Before(periodStart) {
		now := time.Now()
		uErr := transaction.WithContext(ctx).
			Model(&types.QuotaBucket{}).
			Where("id = ?", row.ID).
			Updates(map[string]interface{}{
				"used":         0,
				"period_start": periodStart,
				"limit_value":  limitValue,
				"updated_at":   now,
			}).Error
		if uErr != nil {
			return nil, uErr
		}
		row.Used = 0
		row.PeriodStart = periodStart
		row.LimitValue = limitValue
		row.UpdatedAt = now
	}

	return row, nil
}

func (qbr *quotaBucketRepo) IncrementUsed(ctx context.Context, tx *gorm.DB, id uuid.UUID, n int) error {
	transaction := tx
	if transaction == nil {
		transaction = qbr.db
	}
	if id == uuid.Nil || n <= 0 {
		return nil
	}
	return transaction.WithContext(ctx).
		Model(&types.QuotaBucket{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"used":       gorm.Expr("used + ?", n),
			"updated_at": time.Now(),
		}).Error
}

func (qbr *quotaBucketRepo) RefundUsed(ctx context.Context, tx *gorm.DB, id uuid.UUID, n int) error {
	transaction := tx
	if transaction == nil {
		transaction = qbr.db
	}
	if id == uuid.Nil || n <= 0 {
		return nil
	}
	return transaction.WithContext(ctx).
		Model(&types.QuotaBucket{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"used":       gorm.Expr("GREATEST(used - ?, 0)", n),
			"updated_at": time.Now(),
		}).Error
}
