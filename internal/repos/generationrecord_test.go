package repos

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/pagemark/pagemark-backend/internal/repos/testutil"
	"github.com/pagemark/pagemark-backend/internal/types"
)

func TestGenerationRecordRepo(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	repo := NewGenerationRecordRepo(db, testutil.Logger(t))

	userA := uuid.New()
	userB := uuid.New()
	pdfHash := "hash-" + uuid.NewString()

	first := &types.GenerationRecord{
		ID:              uuid.New(),
		PDFHash:         pdfHash,
		Page:            7,
		Locale:          "en",
		Mode:            "text-only",
		SelectionKey:    "",
		State:           types.GenerationStateGenerating,
		ProducingUserID: userA,
		QuotaUnits:      1,
		StartedAt:       time.Now(),
	}
	started, err := repo.TryInsert(ctx, tx, first)
	if err != nil {
		t.Fatalf("TryInsert #1: %v", err)
	}
	if !started {
		t.Fatalf("TryInsert #1: expected started=true")
	}

	// Same fingerprint loses the race.
	dup := &types.GenerationRecord{
		ID:              uuid.New(),
		PDFHash:         pdfHash,
		Page:            7,
		Locale:          "en",
		Mode:            "text-only",
		SelectionKey:    "",
		State:           types.GenerationStateGenerating,
		ProducingUserID: userB,
		QuotaUnits:      1,
		StartedAt:       time.Now(),
	}
	started, err = repo.TryInsert(ctx, tx, dup)
	if err != nil {
		t.Fatalf("TryInsert #2: %v", err)
	}
	if started {
		t.Fatalf("TryInsert #2: expected started=false for duplicate fingerprint")
	}

	// A different locale is a different fingerprint.
	other := &types.GenerationRecord{
		ID:              uuid.New(),
		PDFHash:         pdfHash,
		Page:            7,
		Locale:          "zh-Hans",
		Mode:            "text-only",
		SelectionKey:    "",
		State:           types.GenerationStateGenerating,
		ProducingUserID: userB,
		QuotaUnits:      1,
		StartedAt:       time.Now(),
	}
	started, err = repo.TryInsert(ctx, tx, other)
	if err != nil {
		t.Fatalf("TryInsert #3: %v", err)
	}
	if !started {
		t.Fatalf("TryInsert #3: expected started=true for new locale")
	}

	got, err := repo.GetByFingerprint(ctx, tx, pdfHash, 7, "en", "text-only", "")
	if err != nil {
		t.Fatalf("GetByFingerprint: %v", err)
	}
	if got == nil || got.ID != first.ID {
		t.Fatalf("GetByFingerprint: expected %v got %+v", first.ID, got)
	}

	missing, err := repo.GetByFingerprint(ctx, tx, pdfHash, 8, "en", "text-only", "")
	if err != nil {
		t.Fatalf("GetByFingerprint (missing): %v", err)
	}
	if missing != nil {
		t.Fatalf("GetByFingerprint (missing): expected nil got %+v", missing)
	}

	stickers := datatypes.JSON([]byte(`[{"page":7,"contentMarkdown":"x","anchor":{"textSnippet":"s"}}]`))
	ok, err := repo.CompleteIfGenerating(ctx, tx, first.ID, stickers, 4200)
	if err != nil {
		t.Fatalf("CompleteIfGenerating: %v", err)
	}
	if !ok {
		t.Fatalf("CompleteIfGenerating: expected true")
	}

	// Terminal states stay terminal.
	ok, err = repo.FailIfGenerating(ctx, tx, first.ID, "late failure")
	if err != nil {
		t.Fatalf("FailIfGenerating after ready: %v", err)
	}
	if ok {
		t.Fatalf("FailIfGenerating after ready: expected false")
	}
	ok, err = repo.CompleteIfGenerating(ctx, tx, first.ID, stickers, 1)
	if err != nil {
		t.Fatalf("CompleteIfGenerating twice: %v", err)
	}
	if ok {
		t.Fatalf("CompleteIfGenerating twice: expected false")
	}

	rows, err := repo.GetByIDs(ctx, tx, []uuid.UUID{first.ID})
	if err != nil || len(rows) != 1 {
		t.Fatalf("GetByIDs: err=%v len=%d", err, len(rows))
	}
	if rows[0].State != types.GenerationStateReady {
		t.Fatalf("expected state ready, got %q", rows[0].State)
	}
	if rows[0].GenerationTimeMs != 4200 {
		t.Fatalf("expected generation_time_ms 4200, got %d", rows[0].GenerationTimeMs)
	}
	if rows[0].CompletedAt == nil {
		t.Fatalf("expected completed_at set")
	}

	// Fail the second record, then reclaim it for a retry.
	ok, err = repo.FailIfGenerating(ctx, tx, other.ID, "model timeout")
	if err != nil || !ok {
		t.Fatalf("FailIfGenerating: ok=%v err=%v", ok, err)
	}
	ok, err = repo.ReclaimFailed(ctx, tx, other.ID, userA, 1)
	if err != nil {
		t.Fatalf("ReclaimFailed: %v", err)
	}
	if !ok {
		t.Fatalf("ReclaimFailed: expected true")
	}
	rows, err = repo.GetByIDs(ctx, tx, []uuid.UUID{other.ID})
	if err != nil || len(rows) != 1 {
		t.Fatalf("GetByIDs reclaimed: err=%v len=%d", err, len(rows))
	}
	if rows[0].State != types.GenerationStateGenerating {
		t.Fatalf("expected reclaimed state generating, got %q", rows[0].State)
	}
	if rows[0].ProducingUserID != userA {
		t.Fatalf("expected producer %v, got %v", userA, rows[0].ProducingUserID)
	}
	if rows[0].Error != "" {
		t.Fatalf("expected error cleared, got %q", rows[0].Error)
	}

	// Reclaim only applies to failed records.
	ok, err = repo.ReclaimFailed(ctx, tx, other.ID, userB, 1)
	if err != nil {
		t.Fatalf("ReclaimFailed while generating: %v", err)
	}
	if ok {
		t.Fatalf("ReclaimFailed while generating: expected false")
	}

	stale, err := repo.ListStaleGenerating(ctx, tx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("ListStaleGenerating: %v", err)
	}
	found := false
	for _, r := range stale {
		if r.ID == other.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("ListStaleGenerating: expected reclaimed record, got %d rows", len(stale))
	}
}
