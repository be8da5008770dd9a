package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pagemark/pagemark-backend/internal/logger"
	"github.com/pagemark/pagemark-backend/internal/types"
)

type ContextJobRepo interface {
	// EnqueueIfAbsent inserts the job unless a live (pending or
	// processing) job already exists for the same pdf hash. Returns true
	// when this call enqueued the job.
	EnqueueIfAbsent(ctx context.Context, tx *gorm.DB, job *types.ContextJob) (bool, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.ContextJob, error)
	GetLatestByPDFHash(ctx context.Context, tx *gorm.DB, pdfHash string) (*types.ContextJob, error)

	// ClaimNextRunnable picks the oldest job that is either pending with
	// run_after in the past, or processing with an expired lease (crash
	// recovery), and stamps a fresh lease on it.
	ClaimNextRunnable(ctx context.Context, tx *gorm.DB, leaseDuration time.Duration) (*types.ContextJob, error)

	// UpdateLeased applies updates only while the caller still holds the
	// lease, so a re-claimed job cannot be clobbered by its old worker.
	UpdateLeased(ctx context.Context, tx *gorm.DB, id uuid.UUID, leaseID string, updates map[string]interface{}) (bool, error)
	ExtendLease(ctx context.Context, tx *gorm.DB, id uuid.UUID, leaseID string, leaseDuration time.Duration) (bool, error)
	CompleteJob(ctx context.Context, tx *gorm.DB, id uuid.UUID, leaseID string) (bool, error)
	// FailJob releases the lease. Terminal jobs go to failed; the rest go
	// back to pending with run_after pushed out for the retry.
	FailJob(ctx context.Context, tx *gorm.DB, id uuid.UUID, leaseID string, errMsg string, runAfter time.Time, terminal bool) (bool, error)
}

type contextJobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewContextJobRepo(db *gorm.DB, baseLog *logger.Logger) ContextJobRepo {
	repoLog := baseLog.With("repo", "ContextJobRepo")
	return &contextJobRepo{db: db, log: repoLog}
}

func (cjr *contextJobRepo) EnqueueIfAbsent(ctx context.Context, tx *gorm.DB, job *types.ContextJob) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = cjr.db
	}
	if job == nil {
		return false, nil
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.State == "" {
		job.State = types.ContextJobStatePending
	}
	if job.RunAfter.IsZero() {
		job.RunAfter = time.Now()
	}

	if err := transaction.WithContext(ctx).Create(job).Error; err != nil {
		if IsUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (cjr *contextJobRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.ContextJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = cjr.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var job types.ContextJob
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (cjr *contextJobRepo) GetLatestByPDFHash(ctx context.Context, tx *gorm.DB, pdfHash string) (*types.ContextJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = cjr.db
	}
	if pdfHash == "" {
		return nil, nil
	}
	var job types.ContextJob
	err := transaction.WithContext(ctx).
		Where("pdf_hash = ?", pdfHash).
		Order("created_at DESC").
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (cjr *contextJobRepo) ClaimNextRunnable(ctx context.Context, tx *gorm.DB, leaseDuration time.Duration) (*types.ContextJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = cjr.db
	}

	now := time.Now()
	leaseID := uuid.NewString()
	leaseExpires := now.Add(leaseDuration)

	var claimed *types.ContextJob

	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var job types.ContextJob

		q := txx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where(`
				(
					(state = ? AND run_after <= ?)
					OR (
						state = ?
						AND lease_expires_at IS NOT NULL
						AND lease_expires_at < ?
					)
				)
			`, types.ContextJobStatePending, now, types.ContextJobStateProcessing, now).
			Order("created_at ASC")

		qErr := q.First(&job).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}

		uErr := txx.Model(&types.ContextJob{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"state":            types.ContextJobStateProcessing,
				"lease_id":         leaseID,
				"lease_expires_at": leaseExpires,
				"updated_at":       now,
			}).Error
		if uErr != nil {
			return uErr
		}

		job.State = types.ContextJobStateProcessing
		job.LeaseID = leaseID
		job.LeaseExpiresAt = &leaseExpires
		claimed = &job
		return nil
	})

	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (cjr *contextJobRepo) UpdateLeased(ctx context.Context, tx *gorm.DB, id uuid.UUID, leaseID string, updates map[string]interface{}) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = cjr.db
	}
	if id == uuid.Nil || leaseID == "" {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	res := transaction.WithContext(ctx).
		Model(&types.ContextJob{}).
		Where("id = ? AND lease_id = ? AND state = ?", id, leaseID, types.ContextJobStateProcessing).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (cjr *contextJobRepo) ExtendLease(ctx context.Context, tx *gorm.DB, id uuid.UUID, leaseID string, leaseDuration time.Duration) (bool, error) {
	now := time.Now()
	return cjr.UpdateLeased(ctx, tx, id, leaseID, map[string]interface{}{
		"lease_expires_at": now.Add(leaseDuration),
		"updated_at":       now,
	})
}

func (cjr *contextJobRepo) CompleteJob(ctx context.Context, tx *gorm.DB, id uuid.UUID, leaseID string) (bool, error) {
	now := time.Now()
	return cjr.UpdateLeased(ctx, tx, id, leaseID, map[string]interface{}{
		"state":            types.ContextJobStateCompleted,
		"completed_at":     now,
		"lease_id":         "",
		"lease_expires_at": nil,
		"updated_at":       now,
	})
}

func (cjr *contextJobRepo) FailJob(ctx context.Context, tx *gorm.DB, id uuid.UUID, leaseID string, errMsg string, runAfter time.Time, terminal bool) (bool, error) {
	now := time.Now()
	updates := map[string]interface{}{
		"retry_count":      gorm.Expr("retry_count + 1"),
		"last_error":       errMsg,
		"lease_id":         "",
		"lease_expires_at": nil,
		"updated_at":       now,
	}
	if terminal {
		updates["state"] = types.ContextJobStateFailed
		updates["completed_at"] = now
	} else {
		updates["state"] = types.ContextJobStatePending
		updates["run_after"] = runAfter
	}
	return cjr.UpdateLeased(ctx, tx, id, leaseID, updates)
}
