package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pagemark/pagemark-backend/internal/logger"
	"github.com/pagemark/pagemark-backend/internal/services"
	"github.com/pagemark/pagemark-backend/internal/types"
)

type StickerHandler struct {
	log      *logger.Logger
	versions services.StickerVersionService
}

func NewStickerHandler(log *logger.Logger, versions services.StickerVersionService) *StickerHandler {
	return &StickerHandler{log: log, versions: versions}
}

type versionView struct {
	Version   int       `json:"version"`
	Content   string    `json:"contentMarkdown"`
	CreatedAt time.Time `json:"createdAt"`
}

func toVersionViews(versions []*types.StickerVersion) []versionView {
	views := make([]versionView, 0, len(versions))
	for _, v := range versions {
		views = append(views, versionView{
			Version:   v.Version,
			Content:   v.ContentMarkdown,
			CreatedAt: v.CreatedAt,
		})
	}
	return views
}

// Refresh serves POST /api/explain-page/sticker/:id/refresh. The body is
// optional; it may override the locale of the regenerated explanation.
func (h *StickerHandler) Refresh(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	stickerID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	var req struct {
		Locale string `json:"locale"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			RespondValidation(c, "body", "invalid request body")
			return
		}
	}

	result, err := h.versions.Refresh(c.Request.Context(), userID, stickerID, req.Locale)
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{
		"sticker": toStickerView(result.Sticker),
		"version": result.Version,
	})
}

// ListVersions serves GET /api/explain-page/sticker/:id/versions.
func (h *StickerHandler) ListVersions(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	stickerID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	sticker, versions, err := h.versions.ListVersions(c.Request.Context(), userID, stickerID)
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{
		"stickerId":      sticker.ID.String(),
		"currentVersion": sticker.CurrentVersion,
		"versions":       toVersionViews(versions),
	})
}

// SwitchVersion serves PATCH /api/explain-page/sticker/:id/version.
func (h *StickerHandler) SwitchVersion(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	stickerID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	var req struct {
		Version int `json:"version"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondValidation(c, "body", "invalid request body")
		return
	}
	if req.Version < 1 {
		RespondValidation(c, "version", "version must be >= 1")
		return
	}

	result, err := h.versions.Switch(c.Request.Context(), userID, stickerID, req.Version)
	if err != nil {
		RespondError(c, err)
		return
	}
	if result.NoOp {
		RespondOK(c, gin.H{
			"sticker": toStickerView(result.Sticker),
			"version": result.Version,
			"message": "version already current",
		})
		return
	}
	RespondOK(c, gin.H{
		"sticker": toStickerView(result.Sticker),
		"version": result.Version,
	})
}
