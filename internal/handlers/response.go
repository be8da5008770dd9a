package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pagemark/pagemark-backend/internal/apierr"
	"github.com/pagemark/pagemark-backend/internal/requestdata"
	"github.com/pagemark/pagemark-backend/internal/types"
)

type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type ErrorEnvelope struct {
	OK    bool     `json:"ok"`
	Error APIError `json:"error"`
}

// RespondError translates an internal error into the wire envelope.
// apierr values carry their own status and code; anything else is a 500.
func RespondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	apiError := APIError{Code: apierr.CodeInternal, Message: "internal error"}

	var ae *apierr.Error
	if errors.As(err, &ae) {
		status = ae.Status
		apiError.Code = ae.Code
		apiError.Message = ae.Error()
		apiError.Details = ae.Details
	} else if err != nil {
		apiError.Message = err.Error()
	}

	c.JSON(status, ErrorEnvelope{Error: apiError})
}

// RespondValidation is the 400 shorthand carrying the offending field.
func RespondValidation(c *gin.Context, field, message string) {
	c.JSON(http.StatusBadRequest, ErrorEnvelope{
		Error: APIError{
			Code:    apierr.CodeValidation,
			Message: message,
			Details: map[string]any{"field": field},
		},
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

func RespondAccepted(c *gin.Context, payload any) {
	c.JSON(http.StatusAccepted, payload)
}

// currentUserID reads the authenticated user set by the auth middleware.
func currentUserID(c *gin.Context) (uuid.UUID, bool) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil || rd.UserID == uuid.Nil {
		c.JSON(http.StatusUnauthorized, ErrorEnvelope{
			Error: APIError{Code: apierr.CodeUnauthorized, Message: "not authenticated"},
		})
		return uuid.Nil, false
	}
	return rd.UserID, true
}

// stickerView is the wire shape of a sticker.
type stickerView struct {
	ID              string          `json:"id,omitempty"`
	Type            string          `json:"type"`
	Page            int             `json:"page"`
	Anchor          json.RawMessage `json:"anchor"`
	ParentID        *string         `json:"parentId"`
	ContentMarkdown string          `json:"contentMarkdown"`
	Folded          bool            `json:"folded"`
	Depth           int             `json:"depth"`
	CurrentVersion  int             `json:"currentVersion,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

func toStickerView(s *types.Sticker) stickerView {
	view := stickerView{
		ID:              s.ID.String(),
		Type:            s.Kind,
		Page:            s.Page,
		Anchor:          json.RawMessage(s.Anchor),
		ContentMarkdown: s.ContentMarkdown,
		Folded:          s.Folded,
		Depth:           s.Depth,
		CurrentVersion:  s.CurrentVersion,
		CreatedAt:       s.CreatedAt,
	}
	if s.ParentID != nil {
		parent := s.ParentID.String()
		view.ParentID = &parent
	}
	return view
}

func toStickerViews(stickers []*types.Sticker) []stickerView {
	views := make([]stickerView, 0, len(stickers))
	for _, s := range stickers {
		views = append(views, toStickerView(s))
	}
	return views
}

// toGeneratedViews renders shared-cache stickers that have no per-user
// row yet. They carry no id until cloning settles.
func toGeneratedViews(generated []types.GeneratedSticker) []stickerView {
	views := make([]stickerView, 0, len(generated))
	for _, g := range generated {
		anchorRaw, err := json.Marshal(g.Anchor)
		if err != nil {
			continue
		}
		views = append(views, stickerView{
			Type:            types.StickerKindAuto,
			Page:            g.Page,
			Anchor:          anchorRaw,
			ContentMarkdown: g.ContentMarkdown,
		})
	}
	return views
}
