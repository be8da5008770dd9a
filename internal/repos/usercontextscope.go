package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pagemark/pagemark-backend/internal/logger"
	"github.com/pagemark/pagemark-backend/internal/types"
)

type UserContextScopeRepo interface {
	EnsureExists(ctx context.Context, tx *gorm.DB, userID, courseID uuid.UUID, pdfHash string) error
	ListHashesByUserAndCourse(ctx context.Context, tx *gorm.DB, userID, courseID uuid.UUID) ([]string, error)
}

type userContextScopeRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewUserContextScopeRepo(db *gorm.DB, baseLog *logger.Logger) UserContextScopeRepo {
	repoLog := baseLog.With("repo", "UserContextScopeRepo")
	return &userContextScopeRepo{db: db, log: repoLog}
}

func (usr *userContextScopeRepo) EnsureExists(ctx context.Context, tx *gorm.DB, userID, courseID uuid.UUID, pdfHash string) error {
	transaction := tx
	if transaction == nil {
		transaction = usr.db
	}
	if userID == uuid.Nil || courseID == uuid.Nil || pdfHash == "" {
		return nil
	}
	row := &types.UserContextScope{
		ID:       uuid.New(),
		UserID:   userID,
		CourseID: courseID,
		PDFHash:  pdfHash,
	}
	err := transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "user_id"},
				{Name: "course_id"},
				{Name: "pdf_hash"},
			},
			DoNothing: true,
		}).
		Create(row).Error
	if err != nil && !IsUniqueViolation(err) {
		return err
	}
	return nil
}

func (usr *userContextScopeRepo) ListHashesByUserAndCourse(ctx context.Context, tx *gorm.DB, userID, courseID uuid.UUID) ([]string, error) {
	transaction := tx
	if transaction == nil {
		transaction = usr.db
	}
	var hashes []string
	if userID == uuid.Nil || courseID == uuid.Nil {
		return hashes, nil
	}
	if err := transaction.WithContext(ctx).
		Model(&types.UserContextScope{}).
		Where("user_id = ? AND course_id = ?", userID, courseID).
		Order("created_at ASC").
		Pluck("pdf_hash", &hashes).Error; err != nil {
		return nil, err
	}
	return hashes, nil
}
