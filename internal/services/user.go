package services

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pagemark/pagemark-backend/internal/apierr"
	"github.com/pagemark/pagemark-backend/internal/logger"
	"github.com/pagemark/pagemark-backend/internal/prompts"
	"github.com/pagemark/pagemark-backend/internal/repos"
	"github.com/pagemark/pagemark-backend/internal/types"
)

// ProfileUpdate carries the PATCHable profile fields; nil means leave
// unchanged. ShareToCache opts the user in or out of shared sticker
// generations.
type ProfileUpdate struct {
	DisplayName  *string
	Locale       *string
	ShareToCache *bool
}

type UserService interface {
	GetProfile(ctx context.Context, userID uuid.UUID) (*types.User, error)
	UpdateProfile(ctx context.Context, userID uuid.UUID, update ProfileUpdate) (*types.User, error)
}

type userService struct {
	db       *gorm.DB
	log      *logger.Logger
	userRepo repos.UserRepo
}

func NewUserService(db *gorm.DB, log *logger.Logger, userRepo repos.UserRepo) UserService {
	return &userService{
		db:       db,
		log:      log.With("service", "UserService"),
		userRepo: userRepo,
	}
}

func (us *userService) GetProfile(ctx context.Context, userID uuid.UUID) (*types.User, error) {
	users, err := us.userRepo.GetByIDs(ctx, nil, []uuid.UUID{userID})
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if len(users) == 0 {
		return nil, apierr.New(http.StatusNotFound, apierr.CodeNotFound, fmt.Errorf("user not found"))
	}
	return users[0], nil
}

func (us *userService) UpdateProfile(ctx context.Context, userID uuid.UUID, update ProfileUpdate) (*types.User, error) {
	updates := map[string]interface{}{}
	if update.DisplayName != nil {
		updates["display_name"] = *update.DisplayName
	}
	if update.Locale != nil {
		updates["locale"] = prompts.NormalizeLocale(*update.Locale)
	}
	if update.ShareToCache != nil {
		updates["share_to_cache"] = *update.ShareToCache
	}
	if len(updates) == 0 {
		return us.GetProfile(ctx, userID)
	}

	if err := us.userRepo.UpdateFields(ctx, nil, userID, updates); err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	return us.GetProfile(ctx, userID)
}
