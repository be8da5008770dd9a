package repos

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pagemark/pagemark-backend/internal/repos/testutil"
	"github.com/pagemark/pagemark-backend/internal/types"
)

func TestQuotaBucketRepo(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	repo := NewQuotaBucketRepo(db, testutil.Logger(t))

	userID := uuid.New()
	period := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

	row, err := repo.GetOrCreateForUpdate(ctx, tx, userID, types.BucketAutoExplain, 300, period)
	if err != nil {
		t.Fatalf("GetOrCreateForUpdate: %v", err)
	}
	if row == nil || row.Used != 0 || row.LimitValue != 300 {
		t.Fatalf("expected fresh bucket used=0 limit=300, got %+v", row)
	}

	if err := repo.IncrementUsed(ctx, tx, row.ID, 2); err != nil {
		t.Fatalf("IncrementUsed: %v", err)
	}
	row, err = repo.GetOrCreateForUpdate(ctx, tx, userID, types.BucketAutoExplain, 300, period)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if row.Used != 2 {
		t.Fatalf("expected used=2, got %d", row.Used)
	}

	// Refund never drives used below zero.
	if err := repo.RefundUsed(ctx, tx, row.ID, 5); err != nil {
		t.Fatalf("RefundUsed: %v", err)
	}
	row, err = repo.GetOrCreateForUpdate(ctx, tx, userID, types.BucketAutoExplain, 300, period)
	if err != nil {
		t.Fatalf("reload after refund: %v", err)
	}
	if row.Used != 0 {
		t.Fatalf("expected used=0 after over-refund, got %d", row.Used)
	}

	// New month resets the bucket in place.
	if err := repo.IncrementUsed(ctx, tx, row.ID, 7); err != nil {
		t.Fatalf("IncrementUsed pre-rollover: %v", err)
	}
	nextPeriod := time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)
	row, err = repo.GetOrCreateForUpdate(ctx, tx, userID, types.BucketAutoExplain, 300, nextPeriod)
	if err != nil {
		t.Fatalf("rollover: %v", err)
	}
	if row.Used != 0 {
		t.Fatalf("expected used reset on rollover, got %d", row.Used)
	}
	if !row.PeriodStart.Equal(nextPeriod) {
		t.Fatalf("expected period %v, got %v", nextPeriod, row.PeriodStart)
	}

	// Buckets are independent per kind.
	extr, err := repo.GetOrCreateForUpdate(ctx, tx, userID, types.BucketExtractions, 20, nextPeriod)
	if err != nil {
		t.Fatalf("extractions bucket: %v", err)
	}
	if extr.ID == row.ID || extr.LimitValue != 20 {
		t.Fatalf("expected distinct extractions bucket with limit 20, got %+v", extr)
	}
}
