package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/pagemark/pagemark-backend/internal/logger"
	"github.com/pagemark/pagemark-backend/internal/repos"
	"github.com/pagemark/pagemark-backend/internal/types"
)

const (
	contextJobLease      = 5 * time.Minute
	contextJobMaxRetries = 3
)

var contextJobBackoff = []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute}

// BackoffFor returns the delay before the next attempt, given the retry
// count observed at failure time (before the failure increments it).
func BackoffFor(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(contextJobBackoff) {
		return contextJobBackoff[len(contextJobBackoff)-1]
	}
	return contextJobBackoff[retryCount]
}

// ContextJobTerminal reports whether a failure at the given retry count
// exhausts the retry budget.
func ContextJobTerminal(retryCount int) bool {
	return retryCount >= contextJobMaxRetries
}

// ContextStatus is the extraction progress snapshot for one document.
type ContextStatus struct {
	State           string `json:"state"` // none|pending|processing|completed|failed
	CurrentBatch    int    `json:"currentBatch"`
	TotalBatches    int    `json:"totalBatches"`
	EntriesInserted int    `json:"entriesInserted"`
	EntryCount      int64  `json:"entryCount"`
	RetryCount      int    `json:"retryCount"`
	LastError       string `json:"lastError,omitempty"`
}

// ContextJobService owns extraction scheduling policy: enqueue once per
// pdf hash, charge the extractions bucket, and surface progress.
type ContextJobService interface {
	// EnqueueForFile queues extraction for the file's hash unless entries
	// already exist or a live job is queued. Deducts one extractions unit
	// only when this call actually enqueued.
	EnqueueForFile(ctx context.Context, file *types.File) (bool, error)
	Status(ctx context.Context, file *types.File) (*ContextStatus, error)
}

type contextJobService struct {
	db        *gorm.DB
	log       *logger.Logger
	jobRepo   repos.ContextJobRepo
	entryRepo repos.ContextEntryRepo
	quota     QuotaService
}

func NewContextJobService(
	db *gorm.DB,
	log *logger.Logger,
	jobRepo repos.ContextJobRepo,
	entryRepo repos.ContextEntryRepo,
	quota QuotaService,
) ContextJobService {
	return &contextJobService{
		db:        db,
		log:       log.With("service", "ContextJobService"),
		jobRepo:   jobRepo,
		entryRepo: entryRepo,
		quota:     quota,
	}
}

var errJobAlreadyLive = errors.New("context job already live")

func (cjs *contextJobService) EnqueueForFile(ctx context.Context, file *types.File) (bool, error) {
	if file == nil || file.ContentHash == "" {
		return false, nil
	}

	count, err := cjs.entryRepo.CountByHash(ctx, nil, file.ContentHash)
	if err != nil {
		return false, fmt.Errorf("failed to count context entries: %w", err)
	}
	if count > 0 {
		// Already mined, by this user or anyone else.
		return false, nil
	}

	enqueued := false
	err = cjs.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := cjs.quota.Deduct(ctx, tx, file.UserID, types.BucketExtractions, 1); err != nil {
			return err
		}
		job := &types.ContextJob{
			PDFHash: file.ContentHash,
			FileID:  file.ID,
		}
		ok, err := cjs.jobRepo.EnqueueIfAbsent(ctx, tx, job)
		if err != nil {
			return fmt.Errorf("failed to enqueue context job: %w", err)
		}
		if !ok {
			// Rolls back the deduct: someone else's live job covers us.
			return errJobAlreadyLive
		}
		enqueued = true
		return nil
	})
	if errors.Is(err, errJobAlreadyLive) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	cjs.log.Info("context job enqueued", "pdf_hash", file.ContentHash, "file_id", file.ID)
	return enqueued, nil
}

func (cjs *contextJobService) Status(ctx context.Context, file *types.File) (*ContextStatus, error) {
	if file == nil || file.ContentHash == "" {
		return &ContextStatus{State: "none"}, nil
	}

	count, err := cjs.entryRepo.CountByHash(ctx, nil, file.ContentHash)
	if err != nil {
		return nil, fmt.Errorf("failed to count context entries: %w", err)
	}

	job, err := cjs.jobRepo.GetLatestByPDFHash(ctx, nil, file.ContentHash)
	if err != nil {
		return nil, fmt.Errorf("failed to load context job: %w", err)
	}
	if job == nil {
		state := "none"
		if count > 0 {
			state = types.ContextJobStateCompleted
		}
		return &ContextStatus{State: state, EntryCount: count}, nil
	}

	return &ContextStatus{
		State:           job.State,
		CurrentBatch:    job.CurrentBatch,
		TotalBatches:    job.TotalBatches,
		EntriesInserted: job.EntriesInserted,
		EntryCount:      count,
		RetryCount:      job.RetryCount,
		LastError:       job.LastError,
	}, nil
}
