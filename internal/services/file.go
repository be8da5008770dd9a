package services

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pagemark/pagemark-backend/internal/apierr"
	"github.com/pagemark/pagemark-backend/internal/clients/gcp"
	"github.com/pagemark/pagemark-backend/internal/fingerprint"
	"github.com/pagemark/pagemark-backend/internal/logger"
	"github.com/pagemark/pagemark-backend/internal/pdftext"
	"github.com/pagemark/pagemark-backend/internal/repos"
	"github.com/pagemark/pagemark-backend/internal/types"
)

const maxUploadBytes = 50 << 20

// FileService owns the ingest pipeline: probe the PDF, store the bytes
// once per content hash, and kick off context extraction.
type FileService interface {
	Upload(ctx context.Context, userID, courseID uuid.UUID, originalName string, data []byte) (*types.File, error)
	// Get returns the file only to its owner; anyone else sees NOT_FOUND.
	Get(ctx context.Context, userID, fileID uuid.UUID) (*types.File, error)
	// ListStickers returns the user's sticker view of a file; page 0
	// means all pages.
	ListStickers(ctx context.Context, userID, fileID uuid.UUID, page int) ([]*types.Sticker, error)
	ContextStatus(ctx context.Context, userID, fileID uuid.UUID) (*ContextStatus, error)
}

type fileService struct {
	db          *gorm.DB
	log         *logger.Logger
	fileRepo    repos.FileRepo
	courseRepo  repos.CourseRepo
	stickerRepo repos.StickerRepo
	scopeRepo   repos.UserContextScopeRepo
	bucket      gcp.BucketService
	contextJobs ContextJobService
}

func NewFileService(
	db *gorm.DB,
	log *logger.Logger,
	fileRepo repos.FileRepo,
	courseRepo repos.CourseRepo,
	stickerRepo repos.StickerRepo,
	scopeRepo repos.UserContextScopeRepo,
	bucket gcp.BucketService,
	contextJobs ContextJobService,
) FileService {
	return &fileService{
		db:          db,
		log:         log.With("service", "FileService"),
		fileRepo:    fileRepo,
		courseRepo:  courseRepo,
		stickerRepo: stickerRepo,
		scopeRepo:   scopeRepo,
		bucket:      bucket,
		contextJobs: contextJobs,
	}
}

func (fs *fileService) Upload(ctx context.Context, userID, courseID uuid.UUID, originalName string, data []byte) (*types.File, error) {
	if len(data) == 0 {
		return nil, apierr.New(http.StatusBadRequest, apierr.CodeValidation, fmt.Errorf("empty upload"))
	}
	if len(data) > maxUploadBytes {
		return nil, apierr.New(http.StatusBadRequest, apierr.CodeValidation,
			fmt.Errorf("upload exceeds %d bytes", maxUploadBytes))
	}

	courses, err := fs.courseRepo.GetByIDs(ctx, nil, []uuid.UUID{courseID})
	if err != nil {
		return nil, fmt.Errorf("failed to load course: %w", err)
	}
	if len(courses) == 0 || courses[0].UserID != userID {
		return nil, apierr.New(http.StatusNotFound, apierr.CodeNotFound, fmt.Errorf("course not found"))
	}

	info, err := pdftext.Probe(data)
	if err != nil {
		return nil, apierr.New(http.StatusBadRequest, apierr.CodeValidation, fmt.Errorf("not a readable PDF: %w", err))
	}
	if info.IsScanned {
		return nil, apierr.New(http.StatusBadRequest, apierr.CodeFileIsScanned,
			fmt.Errorf("scanned documents have no extractable text"))
	}

	contentHash := fingerprint.ContentHash(data)
	// Identical uploads share one object; re-uploading the same content
	// rewrites the same bytes.
	storageKey := fmt.Sprintf("pdfs/%s.pdf", contentHash)
	if err := fs.bucket.UploadFile(ctx, storageKey, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("storage upload failed: %w", err)
	}

	file := &types.File{
		ID:           uuid.New(),
		CourseID:     courseID,
		UserID:       userID,
		OriginalName: originalName,
		StorageKey:   storageKey,
		Status:       types.FileStatusReady,
		PageCount:    info.PageCount,
		IsScanned:    info.IsScanned,
		IsPPT:        info.IsPPT,
		ContentHash:  contentHash,
		SizeBytes:    int64(len(data)),
	}
	if _, err := fs.fileRepo.Create(ctx, nil, []*types.File{file}); err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}

	// The uploader can retrieve this document's context immediately,
	// whether its entries come from their job or an earlier one.
	if err := fs.scopeRepo.EnsureExists(ctx, nil, userID, courseID, contentHash); err != nil {
		fs.log.Warn("context scope write failed", "file_id", file.ID, "error", err)
	}

	enqueued, err := fs.contextJobs.EnqueueForFile(ctx, file)
	if err != nil {
		// Extraction is additive; an exhausted extractions bucket or a
		// queue hiccup never fails the upload.
		fs.log.Warn("context enqueue skipped", "file_id", file.ID, "error", err)
	}

	fs.log.Info("file uploaded",
		"file_id", file.ID, "pdf_hash", contentHash, "pages", info.PageCount,
		"is_ppt", info.IsPPT, "context_enqueued", enqueued)
	return file, nil
}

func (fs *fileService) Get(ctx context.Context, userID, fileID uuid.UUID) (*types.File, error) {
	files, err := fs.fileRepo.GetByIDs(ctx, nil, []uuid.UUID{fileID})
	if err != nil {
		return nil, fmt.Errorf("failed to load file: %w", err)
	}
	if len(files) == 0 || files[0].UserID != userID {
		return nil, apierr.New(http.StatusNotFound, apierr.CodeNotFound, fmt.Errorf("file not found"))
	}
	return files[0], nil
}

func (fs *fileService) ListStickers(ctx context.Context, userID, fileID uuid.UUID, page int) ([]*types.Sticker, error) {
	file, err := fs.Get(ctx, userID, fileID)
	if err != nil {
		return nil, err
	}
	if page > 0 {
		return fs.stickerRepo.ListByUserFilePage(ctx, nil, userID, file.ID, page)
	}
	return fs.stickerRepo.ListByUserAndFile(ctx, nil, userID, file.ID)
}

func (fs *fileService) ContextStatus(ctx context.Context, userID, fileID uuid.UUID) (*ContextStatus, error) {
	file, err := fs.Get(ctx, userID, fileID)
	if err != nil {
		return nil, err
	}
	return fs.contextJobs.Status(ctx, file)
}
