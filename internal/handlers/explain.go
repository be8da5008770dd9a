package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/pagemark/pagemark-backend/internal/apierr"
	"github.com/pagemark/pagemark-backend/internal/fingerprint"
	"github.com/pagemark/pagemark-backend/internal/logger"
	"github.com/pagemark/pagemark-backend/internal/services"
	"github.com/pagemark/pagemark-backend/internal/types"
)

const (
	// Whole multipart upload cap, payload and all image parts together.
	maxExplainUploadBytes = 5 << 20

	effectiveModeWithImages = "with_selected_images"
)

var validPDFTypeTags = map[string]bool{
	"Lecture":  true,
	"Homework": true,
	"Exam":     true,
	"Other":    true,
}

type ExplainHandler struct {
	log     *logger.Logger
	explain services.ExplainService
}

func NewExplainHandler(log *logger.Logger, explain services.ExplainService) *ExplainHandler {
	return &ExplainHandler{log: log, explain: explain}
}

// explainPayload is the request body, either as the JSON body itself or
// as the `payload` field of a multipart form.
type explainPayload struct {
	CourseID             string               `json:"courseId"`
	FileID               string               `json:"fileId"`
	Page                 int                  `json:"page"`
	PDFType              string               `json:"pdfType"`
	Locale               string               `json:"locale"`
	Mode                 string               `json:"mode"`
	Question             string               `json:"question"`
	EffectiveMode        string               `json:"effectiveMode"`
	SelectedImageRegions []fingerprint.Region `json:"selectedImageRegions"`
}

// ExplainPage serves POST /api/explain-page in both JSON and multipart
// forms. Single mode answers 200 when stickers are ready and 202 with a
// generation id otherwise; window mode always answers 202 with the
// session snapshot.
func (h *ExplainHandler) ExplainPage(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var payload explainPayload
	var images [][]byte
	if c.ContentType() == "multipart/form-data" {
		p, imgs, ok := h.readMultipart(c)
		if !ok {
			return
		}
		payload, images = p, imgs
	} else {
		if err := c.ShouldBindJSON(&payload); err != nil {
			RespondValidation(c, "body", "invalid request body")
			return
		}
		if payload.EffectiveMode == effectiveModeWithImages {
			RespondValidation(c, "effectiveMode", "image selections require a multipart upload")
			return
		}
	}

	courseID, err := uuid.Parse(payload.CourseID)
	if err != nil {
		RespondValidation(c, "courseId", "courseId must be a UUID")
		return
	}
	fileID, err := uuid.Parse(payload.FileID)
	if err != nil {
		RespondValidation(c, "fileId", "fileId must be a UUID")
		return
	}
	if payload.Page < 1 {
		RespondValidation(c, "page", "page must be >= 1")
		return
	}
	if !validPDFTypeTags[payload.PDFType] {
		RespondValidation(c, "pdfType", "pdfType must be one of Lecture, Homework, Exam, Other")
		return
	}
	mode := payload.Mode
	if mode == "" {
		mode = services.ExplainModeSingle
	}
	if mode != services.ExplainModeSingle && mode != services.ExplainModeWindow {
		RespondValidation(c, "mode", "mode must be single or window")
		return
	}
	if mode == services.ExplainModeWindow && len(payload.SelectedImageRegions) > 0 {
		RespondValidation(c, "mode", "window mode does not accept image selections")
		return
	}

	req := services.ExplainRequest{
		UserID:     userID,
		CourseID:   courseID,
		FileID:     fileID,
		Page:       payload.Page,
		PDFTypeTag: payload.PDFType,
		Locale:     payload.Locale,
		Question:   payload.Question,
		Regions:    payload.SelectedImageRegions,
		Images:     images,
	}

	if mode == services.ExplainModeWindow {
		session, err := h.explain.StartWindow(c.Request.Context(), req)
		if err != nil {
			RespondError(c, err)
			return
		}
		RespondAccepted(c, gin.H{
			"sessionId":   session.ID.String(),
			"windowStart": session.WindowStart,
			"windowEnd":   session.WindowEnd,
			"pdfType":     session.PDFType,
			"state":       session.State,
		})
		return
	}

	outcome, err := h.explain.ExplainSingle(c.Request.Context(), req)
	if err != nil {
		RespondError(c, err)
		return
	}
	if outcome.Ready {
		RespondOK(c, gin.H{
			"stickers": readyStickerViews(outcome.Stickers, outcome.Generated),
			"cacheHit": outcome.CacheHit,
		})
		return
	}
	RespondAccepted(c, gin.H{
		"generationId":   outcome.GenerationID.String(),
		"pollIntervalMs": outcome.PollIntervalMs,
	})
}

// readMultipart decodes the `payload` JSON field and the image_N file
// parts of a selected-image request. Parts are matched to regions by
// index and the whole body is capped at 5 MB.
func (h *ExplainHandler) readMultipart(c *gin.Context) (explainPayload, [][]byte, bool) {
	var payload explainPayload

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxExplainUploadBytes)
	form, err := c.MultipartForm()
	if err != nil {
		RespondValidation(c, "body", "invalid multipart body (5 MB limit)")
		return payload, nil, false
	}

	raw := form.Value["payload"]
	if len(raw) == 0 || raw[0] == "" {
		RespondValidation(c, "payload", "payload field is required")
		return payload, nil, false
	}
	if err := json.Unmarshal([]byte(raw[0]), &payload); err != nil {
		RespondValidation(c, "payload", "payload must be valid JSON")
		return payload, nil, false
	}
	if payload.EffectiveMode != effectiveModeWithImages {
		RespondValidation(c, "effectiveMode", "multipart uploads require effectiveMode=with_selected_images")
		return payload, nil, false
	}
	if len(payload.SelectedImageRegions) < 1 || len(payload.SelectedImageRegions) > 8 {
		RespondValidation(c, "selectedImageRegions", "between 1 and 8 regions are required")
		return payload, nil, false
	}

	images := make([][]byte, 0, len(payload.SelectedImageRegions))
	for i := range payload.SelectedImageRegions {
		field := fmt.Sprintf("image_%d", i)
		headers := form.File[field]
		if len(headers) == 0 {
			RespondValidation(c, field, "missing image part")
			return payload, nil, false
		}
		part, err := headers[0].Open()
		if err != nil {
			RespondValidation(c, field, "unreadable image part")
			return payload, nil, false
		}
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			RespondValidation(c, field, "unreadable image part")
			return payload, nil, false
		}
		images = append(images, data)
	}
	return payload, images, true
}

// GenerationStatus serves GET /api/explain-page/status/:generationId.
func (h *ExplainHandler) GenerationStatus(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	generationID, ok := pathUUID(c, "generationId")
	if !ok {
		return
	}

	status, err := h.explain.Status(c.Request.Context(), userID, generationID)
	if err != nil {
		RespondError(c, err)
		return
	}
	if status == nil {
		RespondError(c, apierr.New(http.StatusNotFound, apierr.CodeNotFound, errors.New("generation not found")))
		return
	}

	resp := gin.H{"status": status.State}
	switch status.State {
	case types.GenerationStateReady:
		resp["stickers"] = readyStickerViews(status.UserStickers, status.Generated)
		resp["generationTimeMs"] = status.GenerationTimeMs
	case types.GenerationStateFailed:
		resp["error"] = status.Error
	}
	RespondOK(c, resp)
}

// GetSession serves GET /api/explain-page/session/:sessionId.
func (h *ExplainHandler) GetSession(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	sessionID, ok := pathUUID(c, "sessionId")
	if !ok {
		return
	}

	session, err := h.explain.GetSession(c.Request.Context(), userID, sessionID)
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, sessionView(session))
}

// UpdateSession serves PATCH /api/explain-page/session/:sessionId.
func (h *ExplainHandler) UpdateSession(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	sessionID, ok := pathUUID(c, "sessionId")
	if !ok {
		return
	}

	var req struct {
		CurrentPage int    `json:"currentPage"`
		Action      string `json:"action"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondValidation(c, "body", "invalid request body")
		return
	}
	switch req.Action {
	case services.SessionActionExtend, services.SessionActionJump, services.SessionActionCancel:
	default:
		RespondValidation(c, "action", "action must be extend, jump or cancel")
		return
	}
	if req.Action != services.SessionActionCancel && req.CurrentPage < 1 {
		RespondValidation(c, "currentPage", "currentPage must be >= 1")
		return
	}

	update, err := h.explain.UpdateSession(c.Request.Context(), userID, sessionID, req.CurrentPage, req.Action)
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, update)
}

// CancelSession serves DELETE /api/explain-page/session/:sessionId.
func (h *ExplainHandler) CancelSession(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	sessionID, ok := pathUUID(c, "sessionId")
	if !ok {
		return
	}

	update, err := h.explain.CancelSession(c.Request.Context(), userID, sessionID)
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, update)
}

// readyStickerViews prefers the caller's own persisted rows and falls
// back to the shared-cache payload when cloning has not settled yet.
func readyStickerViews(own []*types.Sticker, generated []types.GeneratedSticker) []stickerView {
	if len(own) > 0 {
		return toStickerViews(own)
	}
	return toGeneratedViews(generated)
}

func pathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		RespondValidation(c, name, name+" must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func decodePages(raw datatypes.JSON) []int {
	pages := []int{}
	if len(raw) == 0 {
		return pages
	}
	if err := json.Unmarshal(raw, &pages); err != nil {
		return []int{}
	}
	return pages
}

// sessionView renders a window session snapshot with progress measured
// over the current window.
func sessionView(s *types.WindowSession) gin.H {
	completed := decodePages(s.CompletedPages)
	inProgress := decodePages(s.InProgressPages)
	failed := decodePages(s.FailedPages)

	windowSize := s.WindowEnd - s.WindowStart + 1
	completedInWindow := 0
	for _, p := range completed {
		if p >= s.WindowStart && p <= s.WindowEnd {
			completedInWindow++
		}
	}
	progress := 0
	if windowSize > 0 {
		progress = int(math.Round(float64(completedInWindow) / float64(windowSize) * 100))
	}

	return gin.H{
		"sessionId":       s.ID.String(),
		"fileId":          s.FileID.String(),
		"state":           s.State,
		"pdfType":         s.PDFType,
		"locale":          s.Locale,
		"currentPage":     s.CurrentPage,
		"windowStart":     s.WindowStart,
		"windowEnd":       s.WindowEnd,
		"totalPages":      s.TotalPages,
		"completedPages":  completed,
		"inProgressPages": inProgress,
		"failedPages":     failed,
		"progressPercent": progress,
	}
}
