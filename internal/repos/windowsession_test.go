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

func TestWindowSessionRepo(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	repo := NewWindowSessionRepo(db, testutil.Logger(t))

	userID := uuid.New()
	fileID := uuid.New()

	session := &types.WindowSession{
		ID:          uuid.New(),
		UserID:      userID,
		CourseID:    uuid.New(),
		FileID:      fileID,
		PDFHash:     "hash-" + uuid.NewString(),
		PDFType:     types.PDFTypeText,
		Locale:      "en",
		State:       types.WindowSessionStateActive,
		CurrentPage: 5,
		WindowStart: 5,
		WindowEnd:   12,
		TotalPages:  40,
	}
	if _, err := repo.Create(ctx, tx, []*types.WindowSession{session}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	active, err := repo.GetActiveByUserAndFile(ctx, tx, userID, fileID)
	if err != nil {
		t.Fatalf("GetActiveByUserAndFile: %v", err)
	}
	if active == nil || active.ID != session.ID {
		t.Fatalf("GetActiveByUserAndFile: expected %v got %+v", session.ID, active)
	}

	// A second active session for the same user and file violates the
	// partial unique index. Run in a savepoint to keep tx usable.
	dupErr := tx.Transaction(func(txx *gorm.DB) error {
		_, err := repo.Create(ctx, txx, []*types.WindowSession{{
			ID:          uuid.New(),
			UserID:      userID,
			CourseID:    uuid.New(),
			FileID:      fileID,
			PDFHash:     session.PDFHash,
			PDFType:     types.PDFTypeText,
			Locale:      "en",
			State:       types.WindowSessionStateActive,
			CurrentPage: 6,
			WindowStart: 6,
			WindowEnd:   13,
			TotalPages:  40,
		}})
		return err
	})
	if !IsUniqueViolation(dupErr) {
		t.Fatalf("expected unique violation for second active session, got %v", dupErr)
	}

	locked, err := repo.LockByID(ctx, tx, session.ID)
	if err != nil {
		t.Fatalf("LockByID: %v", err)
	}
	if locked == nil || locked.ID != session.ID {
		t.Fatalf("LockByID: expected %v got %+v", session.ID, locked)
	}

	if err := repo.UpdateFields(ctx, tx, session.ID, map[string]interface{}{
		"state": types.WindowSessionStateCompleted,
	}); err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}

	// Completed sessions free the slot for a new active one.
	replacement := &types.WindowSession{
		ID:          uuid.New(),
		UserID:      userID,
		CourseID:    session.CourseID,
		FileID:      fileID,
		PDFHash:     session.PDFHash,
		PDFType:     types.PDFTypeText,
		Locale:      "en",
		State:       types.WindowSessionStateActive,
		CurrentPage: 9,
		WindowStart: 9,
		WindowEnd:   16,
		TotalPages:  40,
	}
	if _, err := repo.Create(ctx, tx, []*types.WindowSession{replacement}); err != nil {
		t.Fatalf("Create replacement: %v", err)
	}

	// Stale sessions expire in bulk.
	if err := tx.Model(&types.WindowSession{}).Where("id = ?", replacement.ID).
		Update("updated_at", time.Now().Add(-2*time.Hour)).Error; err != nil {
		t.Fatalf("age session: %v", err)
	}
	n, err := repo.ExpireIdle(ctx, tx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ExpireIdle: %v", err)
	}
	if n != 1 {
		t.Fatalf("ExpireIdle: expected 1, got %d", n)
	}
	gone, err := repo.GetActiveByUserAndFile(ctx, tx, userID, fileID)
	if err != nil {
		t.Fatalf("GetActiveByUserAndFile after expire: %v", err)
	}
	if gone != nil {
		t.Fatalf("expected no active session after expire, got %+v", gone)
	}
}
