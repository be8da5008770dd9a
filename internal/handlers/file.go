package handlers

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pagemark/pagemark-backend/internal/logger"
	"github.com/pagemark/pagemark-backend/internal/services"
	"github.com/pagemark/pagemark-backend/internal/types"
)

// Upload cap for PDFs. Large lecture decks fit comfortably; anything
// bigger is almost certainly not a course document.
const maxPDFUploadBytes = 50 << 20

type FileHandler struct {
	log   *logger.Logger
	files services.FileService
}

func NewFileHandler(log *logger.Logger, files services.FileService) *FileHandler {
	return &FileHandler{log: log, files: files}
}

type fileView struct {
	ID           string    `json:"id"`
	CourseID     string    `json:"courseId"`
	OriginalName string    `json:"originalName"`
	Status       string    `json:"status"`
	PageCount    int       `json:"pageCount"`
	PDFType      string    `json:"pdfType"`
	IsScanned    bool      `json:"isScanned"`
	SizeBytes    int64     `json:"sizeBytes"`
	CreatedAt    time.Time `json:"createdAt"`
}

func toFileView(f *types.File) fileView {
	return fileView{
		ID:           f.ID.String(),
		CourseID:     f.CourseID.String(),
		OriginalName: f.OriginalName,
		Status:       f.Status,
		PageCount:    f.PageCount,
		PDFType:      f.PDFType(),
		IsScanned:    f.IsScanned,
		SizeBytes:    f.SizeBytes,
		CreatedAt:    f.CreatedAt,
	}
}

// Upload serves POST /api/files: multipart with a `courseId` field and a
// `file` PDF part. Ingest runs inline; context extraction is enqueued in
// the background by the service.
func (h *FileHandler) Upload(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxPDFUploadBytes)
	courseID, err := uuid.Parse(c.PostForm("courseId"))
	if err != nil {
		RespondValidation(c, "courseId", "courseId must be a UUID")
		return
	}
	header, err := c.FormFile("file")
	if err != nil {
		RespondValidation(c, "file", "file part is required")
		return
	}
	part, err := header.Open()
	if err != nil {
		RespondValidation(c, "file", "unreadable file part")
		return
	}
	data, err := io.ReadAll(part)
	part.Close()
	if err != nil {
		RespondValidation(c, "file", "unreadable file part")
		return
	}

	file, err := h.files.Upload(c.Request.Context(), userID, courseID, header.Filename, data)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toFileView(file))
}

// Get serves GET /api/files/:id.
func (h *FileHandler) Get(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	fileID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	file, err := h.files.Get(c.Request.Context(), userID, fileID)
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, toFileView(file))
}

// ListStickers serves GET /api/files/:id/stickers?page=N. Without the
// query parameter it returns the user's stickers across all pages.
func (h *FileHandler) ListStickers(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	fileID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	page := 0
	if raw := c.Query("page"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			RespondValidation(c, "page", "page must be a positive integer")
			return
		}
		page = parsed
	}

	stickers, err := h.files.ListStickers(c.Request.Context(), userID, fileID, page)
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, gin.H{"stickers": toStickerViews(stickers)})
}

// ContextStatus serves GET /api/files/:id/context.
func (h *FileHandler) ContextStatus(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	fileID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	status, err := h.files.ContextStatus(c.Request.Context(), userID, fileID)
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, status)
}
