package repos

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pagemark/pagemark-backend/internal/repos/testutil"
	"github.com/pagemark/pagemark-backend/internal/types"
)

func TestContextJobRepo(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	repo := NewContextJobRepo(db, testutil.Logger(t))

	pdfHash := "hash-" + uuid.NewString()
	fileID := uuid.New()

	job := &types.ContextJob{
		ID:      uuid.New(),
		PDFHash: pdfHash,
		FileID:  fileID,
		Locale:  "en",
	}
	enqueued, err := repo.EnqueueIfAbsent(ctx, tx, job)
	if err != nil {
		t.Fatalf("EnqueueIfAbsent #1: %v", err)
	}
	if !enqueued {
		t.Fatalf("EnqueueIfAbsent #1: expected true")
	}

	// A live job for the same hash blocks a second enqueue. The insert
	// runs in a savepoint so the unique violation does not poison tx.
	var second bool
	sErr := tx.Transaction(func(txx *gorm.DB) error {
		var inner error
		second, inner = repo.EnqueueIfAbsent(ctx, txx, &types.ContextJob{
			ID:      uuid.New(),
			PDFHash: pdfHash,
			FileID:  fileID,
			Locale:  "en",
		})
		return inner
	})
	if sErr != nil {
		t.Fatalf("EnqueueIfAbsent #2: %v", sErr)
	}
	if second {
		t.Fatalf("EnqueueIfAbsent #2: expected false while a live job exists")
	}

	claimed, err := repo.ClaimNextRunnable(ctx, tx, 5*time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextRunnable: %v", err)
	}
	if claimed == nil || claimed.ID != job.ID {
		t.Fatalf("ClaimNextRunnable: expected %v got %+v", job.ID, claimed)
	}
	if claimed.LeaseID == "" || claimed.LeaseExpiresAt == nil {
		t.Fatalf("ClaimNextRunnable: expected a fresh lease, got %+v", claimed)
	}

	// Nothing else is runnable while the lease is live.
	again, err := repo.ClaimNextRunnable(ctx, tx, 5*time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextRunnable #2: %v", err)
	}
	if again != nil {
		t.Fatalf("ClaimNextRunnable #2: expected nil, got %+v", again)
	}

	// Checkpoints only apply for the current lease holder.
	ok, err := repo.UpdateLeased(ctx, tx, job.ID, "stale-lease", map[string]interface{}{"processed_pages": 3})
	if err != nil {
		t.Fatalf("UpdateLeased (stale): %v", err)
	}
	if ok {
		t.Fatalf("UpdateLeased (stale): expected false")
	}
	ok, err = repo.UpdateLeased(ctx, tx, job.ID, claimed.LeaseID, map[string]interface{}{
		"processed_pages": 3,
		"processed_words": 2100,
		"current_batch":   1,
		"total_batches":   4,
	})
	if err != nil || !ok {
		t.Fatalf("UpdateLeased: ok=%v err=%v", ok, err)
	}

	ok, err = repo.ExtendLease(ctx, tx, job.ID, claimed.LeaseID, 5*time.Minute)
	if err != nil || !ok {
		t.Fatalf("ExtendLease: ok=%v err=%v", ok, err)
	}

	// Retry path: back to pending with run_after in the future, so it is
	// not claimable until the backoff elapses.
	ok, err = repo.FailJob(ctx, tx, job.ID, claimed.LeaseID, "ai error", time.Now().Add(time.Minute), false)
	if err != nil || !ok {
		t.Fatalf("FailJob (retry): ok=%v err=%v", ok, err)
	}
	notYet, err := repo.ClaimNextRunnable(ctx, tx, 5*time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextRunnable after retry: %v", err)
	}
	if notYet != nil {
		t.Fatalf("ClaimNextRunnable after retry: expected nil before run_after, got %+v", notYet)
	}

	reloaded, err := repo.GetByID(ctx, tx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if reloaded == nil || reloaded.State != types.ContextJobStatePending {
		t.Fatalf("expected pending after retry, got %+v", reloaded)
	}
	if reloaded.RetryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", reloaded.RetryCount)
	}
	if reloaded.ProcessedPages != 3 || reloaded.ProcessedWords != 2100 {
		t.Fatalf("expected checkpoint retained, got %+v", reloaded)
	}

	// Make it runnable now, claim, and finish it.
	if err := tx.Model(&types.ContextJob{}).Where("id = ?", job.ID).
		Update("run_after", time.Now().Add(-time.Second)).Error; err != nil {
		t.Fatalf("rewind run_after: %v", err)
	}
	claimed2, err := repo.ClaimNextRunnable(ctx, tx, 5*time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextRunnable #3: %v", err)
	}
	if claimed2 == nil || claimed2.ID != job.ID {
		t.Fatalf("ClaimNextRunnable #3: expected %v got %+v", job.ID, claimed2)
	}
	ok, err = repo.CompleteJob(ctx, tx, job.ID, claimed2.LeaseID)
	if err != nil || !ok {
		t.Fatalf("CompleteJob: ok=%v err=%v", ok, err)
	}

	// Terminal job frees the hash for a new enqueue.
	enqueued, err = repo.EnqueueIfAbsent(ctx, tx, &types.ContextJob{
		ID:      uuid.New(),
		PDFHash: pdfHash,
		FileID:  fileID,
		Locale:  "en",
	})
	if err != nil {
		t.Fatalf("EnqueueIfAbsent after complete: %v", err)
	}
	if !enqueued {
		t.Fatalf("EnqueueIfAbsent after complete: expected true")
	}

	latest, err := repo.GetLatestByPDFHash(ctx, tx, pdfHash)
	if err != nil {
		t.Fatalf("GetLatestByPDFHash: %v", err)
	}
	if latest == nil || latest.State != types.ContextJobStatePending {
		t.Fatalf("GetLatestByPDFHash: expected fresh pending job, got %+v", latest)
	}
}

func TestContextJobRepoExpiredLeaseRecovery(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	repo := NewContextJobRepo(db, testutil.Logger(t))

	job := &types.ContextJob{
		ID:      uuid.New(),
		PDFHash: "hash-" + uuid.NewString(),
		FileID:  uuid.New(),
		Locale:  "en",
	}
	if _, err := repo.EnqueueIfAbsent(ctx, tx, job); err != nil {
		t.Fatalf("EnqueueIfAbsent: %v", err)
	}

	claimed, err := repo.ClaimNextRunnable(ctx, tx, 5*time.Minute)
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNextRunnable: claimed=%+v err=%v", claimed, err)
	}

	// Simulate a crashed worker by expiring the lease in place.
	if err := tx.Model(&types.ContextJob{}).Where("id = ?", job.ID).
		Update("lease_expires_at", time.Now().Add(-time.Second)).Error; err != nil {
		t.Fatalf("expire lease: %v", err)
	}

	recovered, err := repo.ClaimNextRunnable(ctx, tx, 5*time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextRunnable (recovery): %v", err)
	}
	if recovered == nil || recovered.ID != job.ID {
		t.Fatalf("ClaimNextRunnable (recovery): expected %v got %+v", job.ID, recovered)
	}
	if recovered.LeaseID == claimed.LeaseID {
		t.Fatalf("expected a new lease id after recovery")
	}

	// The old worker's lease no longer writes.
	ok, err := repo.CompleteJob(ctx, tx, job.ID, claimed.LeaseID)
	if err != nil {
		t.Fatalf("CompleteJob (old lease): %v", err)
	}
	if ok {
		t.Fatalf("CompleteJob (old lease): expected false")
	}
}
