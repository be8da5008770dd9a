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

type WindowSessionRepo interface {
	Create(ctx context.Context, tx *gorm.DB, sessions []*types.WindowSession) ([]*types.WindowSession, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.WindowSession, error)
	GetActiveByUserAndFile(ctx context.Context, tx *gorm.DB, userID, fileID uuid.UUID) (*types.WindowSession, error)
	// LockByID loads the session FOR UPDATE. Must run inside tx; the
	// scheduler serializes window updates against page completions with it.
	LockByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.WindowSession, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	// ExpireIdle marks active sessions untouched since the cutoff as
	// expired and returns how many flipped.
	ExpireIdle(ctx context.Context, tx *gorm.DB, idleBefore time.Time) (int64, error)
}

type windowSessionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewWindowSessionRepo(db *gorm.DB, baseLog *logger.Logger) WindowSessionRepo {
	repoLog := baseLog.With("repo", "WindowSessionRepo")
	return &windowSessionRepo{db: db, log: repoLog}
}

func (wr *windowSessionRepo) Create(ctx context.Context, tx *gorm.DB, sessions []*types.WindowSession) ([]*types.WindowSession, error) {
	transaction := tx
	if transaction == nil {
		transaction = wr.db
	}
	if len(sessions) == 0 {
		return []*types.WindowSession{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func (wr *windowSessionRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.WindowSession, error) {
	transaction := tx
	if transaction == nil {
		transaction = wr.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var session types.WindowSession
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&session).Error
	if err != nil {
		return nil, err
	}
	if session.ID == uuid.Nil {
		return nil, nil
	}
	return &session, nil
}

func (wr *windowSessionRepo) GetActiveByUserAndFile(ctx context.Context, tx *gorm.DB, userID, fileID uuid.UUID) (*types.WindowSession, error) {
	transaction := tx
	if transaction == nil {
		transaction = wr.db
	}
	if userID == uuid.Nil || fileID == uuid.Nil {
		return nil, nil
	}
	var session types.WindowSession
	err := transaction.WithContext(ctx).
		Where("user_id = ? AND file_id = ? AND state = ?", userID, fileID, types.WindowSessionStateActive).
		Limit(1).
		Find(&session).Error
	if err != nil {
		return nil, err
	}
	if session.ID == uuid.Nil {
		return nil, nil
	}
	return &session, nil
}

func (wr *windowSessionRepo) LockByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.WindowSession, error) {
	transaction := tx
	if transaction == nil {
		transaction = wr.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var session types.WindowSession
	err := transaction.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Limit(1).
		Find(&session).Error
	if err != nil {
		return nil, err
	}
	if session.ID == uuid.Nil {
		return nil, nil
	}
	return &session, nil
}

func (wr *windowSessionRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = wr.db
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
		Model(&types.WindowSession{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (wr *windowSessionRepo) ExpireIdle(ctx context.Context, tx *gorm.DB, idleBefore time.Time) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = wr.db
	}
	now := time.Now()
	res := transaction.WithContext(ctx).
		Model(&types.WindowSession{}).
		Where("state = ? AND updated_at < ?", types.WindowSessionStateActive, idleBefore).
		Updates(map[string]interface{}{
			"state":      types.WindowSessionStateExpired,
			"updated_at": now,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
