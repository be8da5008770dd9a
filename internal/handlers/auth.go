package handlers

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/pagemark/pagemark-backend/internal/logger"
	"github.com/pagemark/pagemark-backend/internal/services"
	"github.com/pagemark/pagemark-backend/internal/types"
)

type AuthHandler struct {
	log         *logger.Logger
	authService services.AuthService
}

func NewAuthHandler(log *logger.Logger, authService services.AuthService) *AuthHandler {
	return &AuthHandler{log: log, authService: authService}
}

func (h *AuthHandler) Register(c *gin.Context) {
	var req struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
		Locale      string `json:"locale"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondValidation(c, "body", "invalid request body")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" {
		RespondValidation(c, "email", "email is required")
		return
	}
	if len(req.Password) < 8 {
		RespondValidation(c, "password", "password must be at least 8 characters")
		return
	}

	user := &types.User{
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: strings.TrimSpace(req.DisplayName),
		Locale:      req.Locale,
	}
	if err := h.authService.RegisterUser(c.Request.Context(), user); err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{
		"id":     user.ID.String(),
		"email":  user.Email,
		"locale": user.Locale,
	})
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondValidation(c, "body", "invalid request body")
		return
	}

	access, refresh, err := h.authService.LoginUser(c.Request.Context(), strings.TrimSpace(strings.ToLower(req.Email)), req.Password)
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{
		"accessToken":  access,
		"refreshToken": refresh,
		"expiresIn":    int(h.authService.GetAccessTTL().Seconds()),
	})
}

func (h *AuthHandler) Refresh(c *gin.Context) {
	access, refresh, err := h.authService.RefreshUser(c.Request.Context())
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{
		"accessToken":  access,
		"refreshToken": refresh,
		"expiresIn":    int(h.authService.GetAccessTTL().Seconds()),
	})
}

func (h *AuthHandler) Logout(c *gin.Context) {
	if err := h.authService.LogoutUser(c.Request.Context()); err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{"ok": true})
}
