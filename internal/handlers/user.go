package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/pagemark/pagemark-backend/internal/logger"
	"github.com/pagemark/pagemark-backend/internal/services"
	"github.com/pagemark/pagemark-backend/internal/types"
)

type UserHandler struct {
	log   *logger.Logger
	users services.UserService
}

func NewUserHandler(log *logger.Logger, users services.UserService) *UserHandler {
	return &UserHandler{log: log, users: users}
}

func profileView(u *types.User) gin.H {
	return gin.H{
		"id":           u.ID.String(),
		"email":        u.Email,
		"displayName":  u.DisplayName,
		"locale":       u.Locale,
		"shareToCache": u.ShareToCache,
	}
}

// GetMe serves GET /api/me.
func (h *UserHandler) GetMe(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	user, err := h.users.GetProfile(c.Request.Context(), userID)
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, profileView(user))
}

// UpdateMe serves PATCH /api/me. shareToCache=false routes the user's
// future explains through private generations.
func (h *UserHandler) UpdateMe(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req struct {
		DisplayName  *string `json:"displayName"`
		Locale       *string `json:"locale"`
		ShareToCache *bool   `json:"shareToCache"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondValidation(c, "body", "invalid request body")
		return
	}

	user, err := h.users.UpdateProfile(c.Request.Context(), userID, services.ProfileUpdate{
		DisplayName:  req.DisplayName,
		Locale:       req.Locale,
		ShareToCache: req.ShareToCache,
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, profileView(user))
}
