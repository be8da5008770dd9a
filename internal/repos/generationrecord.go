package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pagemark/pagemark-backend/internal/logger"
	"github.com/pagemark/pagemark-backend/internal/types"
)

type GenerationRecordRepo interface {
	// TryInsert races to create the row for a fingerprint. It returns
	// true when this call created the row; false means another request
	// got there first and the caller should re-read the winner.
	TryInsert(ctx context.Context, tx *gorm.DB, record *types.GenerationRecord) (bool, error)
	GetByFingerprint(ctx context.Context, tx *gorm.DB, pdfHash string, page int, locale, mode, selectionKey string) (*types.GenerationRecord, error)
	GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.GenerationRecord, error)
	// ReclaimFailed flips a failed record back to generating so the
	// caller can retry it. Returns false when the record was not in the
	// failed state (someone else reclaimed it or it already succeeded).
	ReclaimFailed(ctx context.Context, tx *gorm.DB, id, producingUserID uuid.UUID, quotaUnits int) (bool, error)
	// CompleteIfGenerating and FailIfGenerating are guarded transitions:
	// they only apply while the record is still generating, so a record
	// can never leave a terminal state.
	CompleteIfGenerating(ctx context.Context, tx *gorm.DB, id uuid.UUID, stickers datatypes.JSON, generationTimeMs int64) (bool, error)
	FailIfGenerating(ctx context.Context, tx *gorm.DB, id uuid.UUID, errMsg string) (bool, error)
	// ListStaleGenerating returns records stuck in generating past the
	// cutoff, for the timeout sweeper.
	ListStaleGenerating(ctx context.Context, tx *gorm.DB, startedBefore time.Time, limit int) ([]*types.GenerationRecord, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
}

type generationRecordRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewGenerationRecordRepo(db *gorm.DB, baseLog *logger.Logger) GenerationRecordRepo {
	repoLog := baseLog.With("repo", "GenerationRecordRepo")
	return &generationRecordRepo{db: db, log: repoLog}
}

func (gr *generationRecordRepo) TryInsert(ctx context.Context, tx *gorm.DB, record *types.GenerationRecord) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = gr.db
	}
	if record == nil {
		return false, nil
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}

	res := transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "pdf_hash"},
				{Name: "page"},
				{Name: "locale"},
				{Name: "mode"},
				{Name: "selection_key"},
			},
			DoNothing: true,
		}).
		Create(record)
	if res.Error != nil {
		if IsUniqueViolation(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (gr *generationRecordRepo) GetByFingerprint(ctx context.Context, tx *gorm.DB, pdfHash string, page int, locale, mode, selectionKey string) (*types.GenerationRecord, error) {
	transaction := tx
	if transaction == nil {
		transaction = gr.db
	}
	var record types.GenerationRecord
	err := transaction.WithContext(ctx).
		Where("pdf_hash = ? AND page = ? AND locale = ? AND mode = ? AND selection_key = ?",
			pdfHash, page, locale, mode, selectionKey).
		Limit(1).
		Find(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == uuid.Nil {
		return nil, nil
	}
	return &record, nil
}

func (gr *generationRecordRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.GenerationRecord, error) {
	transaction := tx
	if transaction == nil {
		transaction = gr.db
	}
	var results []*types.GenerationRecord
	if len(ids) == 0 {
		return results, nil
	}
	if err := transaction.WithContext(ctx).
		Where("id IN ?", ids).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (gr *generationRecordRepo) ReclaimFailed(ctx context.Context, tx *gorm.DB, id, producingUserID uuid.UUID, quotaUnits int) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = gr.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	now := time.Now()
	res := transaction.WithContext(ctx).
		Model(&types.GenerationRecord{}).
		Where("id = ? AND state = ?", id, types.GenerationStateFailed).
		Updates(map[string]interface{}{
			"state":              types.GenerationStateGenerating,
			"producing_user_id":  producingUserID,
			"quota_units":        quotaUnits,
			"error":              "",
			"stickers":           nil,
			"generation_time_ms": 0,
			"started_at":         now,
			"completed_at":       nil,
			"updated_at":         now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (gr *generationRecordRepo) CompleteIfGenerating(ctx context.Context, tx *gorm.DB, id uuid.UUID, stickers datatypes.JSON, generationTimeMs int64) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = gr.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	now := time.Now()
	res := transaction.WithContext(ctx).
		Model(&types.GenerationRecord{}).
		Where("id = ? AND state = ?", id, types.GenerationStateGenerating).
		Updates(map[string]interface{}{
			"state":              types.GenerationStateReady,
			"stickers":           stickers,
			"generation_time_ms": generationTimeMs,
			"completed_at":       now,
			"updated_at":         now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (gr *generationRecordRepo) FailIfGenerating(ctx context.Context, tx *gorm.DB, id uuid.UUID, errMsg string) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = gr.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	now := time.Now()
	res := transaction.WithContext(ctx).
		Model(&types.GenerationRecord{}).
		Where("id = ? AND state = ?", id, types.GenerationStateGenerating).
		Updates(map[string]interface{}{
			"state":        types.GenerationStateFailed,
			"error":        errMsg,
			"completed_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (gr *generationRecordRepo) ListStaleGenerating(ctx context.Context, tx *gorm.DB, startedBefore time.Time, limit int) ([]*types.GenerationRecord, error) {
	transaction := tx
	if transaction == nil {
		transaction = gr.db
	}
	if limit <= 0 {
		limit = 50
	}
	var results []*types.GenerationRecord
	if err := transaction.WithContext(ctx).
		Where("state = ? AND started_at < ?", types.GenerationStateGenerating, startedBefore).
		Order("started_at ASC").
		Limit(limit).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (gr *generationRecordRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = gr.db
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
		Model(&types.GenerationRecord{}).
		Where("id = ?", id).
		Updates(updates).Error
}
