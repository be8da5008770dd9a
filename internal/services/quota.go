package services

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pagemark/pagemark-backend/internal/apierr"
	"github.com/pagemark/pagemark-backend/internal/logger"
	"github.com/pagemark/pagemark-backend/internal/metrics"
	"github.com/pagemark/pagemark-backend/internal/repos"
	"github.com/pagemark/pagemark-backend/internal/types"
	"github.com/pagemark/pagemark-backend/internal/utils"
)

const (
	defaultAutoExplainLimit          = 300
	defaultExtractionsLimit          = 20
	defaultLearningInteractionsLimit = 500
)

// QuotaStatus is the bucket snapshot surfaced to callers and embedded in
// QUOTA_EXCEEDED error details.
type QuotaStatus struct {
	Bucket  string    `json:"bucket"`
	Used    int       `json:"used"`
	Limit   int       `json:"limit"`
	ResetAt time.Time `json:"resetAt"`
}

type QuotaService interface {
	// Check reports the current bucket state without mutating it.
	Check(ctx context.Context, userID uuid.UUID, bucket string) (*QuotaStatus, error)
	// Deduct reserves n units, resetting the bucket first if its period
	// has rolled over. Returns QUOTA_EXCEEDED when used+n would pass the
	// limit. Atomic per (user, bucket) via a row lock.
	Deduct(ctx context.Context, tx *gorm.DB, userID uuid.UUID, bucket string, n int) (*QuotaStatus, error)
	// Refund returns n units after a terminal failure, never below 0.
	Refund(ctx context.Context, userID uuid.UUID, bucket string, n int) error
}

type quotaService struct {
	db              *gorm.DB
	log             *logger.Logger
	quotaBucketRepo repos.QuotaBucketRepo
	limits          map[string]int
}

func NewQuotaService(db *gorm.DB, log *logger.Logger, quotaBucketRepo repos.QuotaBucketRepo) QuotaService {
	serviceLog := log.With("service", "QuotaService")
	limits := map[string]int{
		types.BucketAutoExplain:          utils.GetEnvAsInt("QUOTA_AUTO_EXPLAIN_LIMIT", defaultAutoExplainLimit, nil),
		types.BucketExtractions:          utils.GetEnvAsInt("QUOTA_EXTRACTIONS_LIMIT", defaultExtractionsLimit, nil),
		types.BucketLearningInteractions: utils.GetEnvAsInt("QUOTA_LEARNING_INTERACTIONS_LIMIT", defaultLearningInteractionsLimit, nil),
	}
	return &quotaService{
		db:              db,
		log:             serviceLog,
		quotaBucketRepo: quotaBucketRepo,
		limits:          limits,
	}
}

// PeriodStart truncates t to the first instant of its UTC month.
func PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// NextReset is the first instant of the month after t, when used rolls
// back to zero.
func NextReset(t time.Time) time.Time {
	return PeriodStart(t).AddDate(0, 1, 0)
}

func (qs *quotaService) limitFor(bucket string) int {
	if v, ok := qs.limits[bucket]; ok {
		return v
	}
	return defaultAutoExplainLimit
}

func statusOf(row *types.QuotaBucket) *QuotaStatus {
	return &QuotaStatus{
		Bucket:  row.Bucket,
		Used:    row.Used,
		Limit:   row.LimitValue,
		ResetAt: NextReset(row.PeriodStart),
	}
}

func (qs *quotaService) Check(ctx context.Context, userID uuid.UUID, bucket string) (*QuotaStatus, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("user id required")
	}
	var status *QuotaStatus
	err := qs.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := qs.quotaBucketRepo.GetOrCreateForUpdate(ctx, tx, userID, bucket, qs.limitFor(bucket), PeriodStart(time.Now()))
		if err != nil {
			return err
		}
		status = statusOf(row)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("quota check failed: %w", err)
	}
	return status, nil
}

func (qs *quotaService) Deduct(ctx context.Context, tx *gorm.DB, userID uuid.UUID, bucket string, n int) (*QuotaStatus, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("user id required")
	}
	if n <= 0 {
		n = 1
	}

	var status *QuotaStatus
	deduct := func(txx *gorm.DB) error {
		row, err := qs.quotaBucketRepo.GetOrCreateForUpdate(ctx, txx, userID, bucket, qs.limitFor(bucket), PeriodStart(time.Now()))
		if err != nil {
			return err
		}
		if row.Used+n > row.LimitValue {
			metrics.IncQuotaRejection(bucket)
			return apierr.WithDetails(http.StatusTooManyRequests, apierr.CodeQuotaExceeded,
				fmt.Errorf("quota exceeded for %s", bucket),
				map[string]any{
					"used":    row.Used,
					"limit":   row.LimitValue,
					"resetAt": NextReset(row.PeriodStart),
				})
		}
		if err := qs.quotaBucketRepo.IncrementUsed(ctx, txx, row.ID, n); err != nil {
			return err
		}
		row.Used += n
		status = statusOf(row)
		return nil
	}

	var err error
	if tx != nil {
		err = deduct(tx)
	} else {
		err = qs.db.WithContext(ctx).Transaction(deduct)
	}
	if err != nil {
		return nil, err
	}
	return status, nil
}

func (qs *quotaService) Refund(ctx context.Context, userID uuid.UUID, bucket string, n int) error {
	if userID == uuid.Nil || n <= 0 {
		return nil
	}
	return qs.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := qs.quotaBucketRepo.GetOrCreateForUpdate(ctx, tx, userID, bucket, qs.limitFor(bucket), PeriodStart(time.Now()))
		if err != nil {
			return err
		}
		if err := qs.quotaBucketRepo.RefundUsed(ctx, tx, row.ID, n); err != nil {
			return fmt.Errorf("quota refund failed: %w", err)
		}
		return nil
	})
}
