package services

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pagemark/pagemark-backend/internal/apierr"
	"github.com/pagemark/pagemark-backend/internal/logger"
	"github.com/pagemark/pagemark-backend/internal/repos"
	"github.com/pagemark/pagemark-backend/internal/types"
)

// CourseService manages the course rows that scope files and context
// retrieval.
type CourseService interface {
	Create(ctx context.Context, userID uuid.UUID, title string) (*types.Course, error)
	List(ctx context.Context, userID uuid.UUID) ([]*types.Course, error)
	Get(ctx context.Context, userID, courseID uuid.UUID) (*types.Course, error)
}

type courseService struct {
	db         *gorm.DB
	log        *logger.Logger
	courseRepo repos.CourseRepo
	fileRepo   repos.FileRepo
}

func NewCourseService(db *gorm.DB, log *logger.Logger, courseRepo repos.CourseRepo, fileRepo repos.FileRepo) CourseService {
	return &courseService{
		db:         db,
		log:        log.With("service", "CourseService"),
		courseRepo: courseRepo,
		fileRepo:   fileRepo,
	}
}

func (cs *courseService) Create(ctx context.Context, userID uuid.UUID, title string) (*types.Course, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, apierr.New(http.StatusBadRequest, apierr.CodeValidation, fmt.Errorf("title required"))
	}
	course := &types.Course{
		ID:     uuid.New(),
		UserID: userID,
		Title:  title,
	}
	created, err := cs.courseRepo.Create(ctx, nil, []*types.Course{course})
	if err != nil {
		return nil, fmt.Errorf("failed to create course: %w", err)
	}
	return created[0], nil
}

func (cs *courseService) List(ctx context.Context, userID uuid.UUID) ([]*types.Course, error) {
	courses, err := cs.courseRepo.ListByUserID(ctx, nil, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list courses: %w", err)
	}
	return courses, nil
}

func (cs *courseService) Get(ctx context.Context, userID, courseID uuid.UUID) (*types.Course, error) {
	courses, err := cs.courseRepo.GetByIDs(ctx, nil, []uuid.UUID{courseID})
	if err != nil {
		return nil, fmt.Errorf("failed to load course: %w", err)
	}
	if len(courses) == 0 || courses[0].UserID != userID {
		return nil, apierr.New(http.StatusNotFound, apierr.CodeNotFound, fmt.Errorf("course not found"))
	}
	return courses[0], nil
}
