package repos

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/pagemark/pagemark-backend/internal/repos/testutil"
	"github.com/pagemark/pagemark-backend/internal/types"
)

func TestContextEntryRepoUpsertKeepHigher(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	repo := NewContextEntryRepo(db, testutil.Logger(t))

	pdfHash := "hash-" + uuid.NewString()

	base := &types.ContextEntry{
		ID:              uuid.New(),
		PDFHash:         pdfHash,
		NormalizedTitle: "chain rule",
		Title:           "Chain Rule",
		Body:            "d/dx f(g(x)) = f'(g(x)) g'(x)",
		EntryType:       types.ContextEntryFormula,
		Keywords:        datatypes.JSON([]byte(`["derivative","composition"]`)),
		Quality:         0.8,
		SourcePage:      3,
		Language:        "en",
	}
	inserted, replaced, err := repo.UpsertKeepHigher(ctx, tx, base)
	if err != nil {
		t.Fatalf("UpsertKeepHigher #1: %v", err)
	}
	if !inserted || replaced {
		t.Fatalf("UpsertKeepHigher #1: expected inserted, got inserted=%v replaced=%v", inserted, replaced)
	}

	// Lower quality keeps the existing row.
	lower := &types.ContextEntry{
		ID:              uuid.New(),
		PDFHash:         pdfHash,
		NormalizedTitle: "chain rule",
		Title:           "chain rule (weak)",
		Body:            "weaker body",
		EntryType:       types.ContextEntryConcept,
		Quality:         0.75,
		Language:        "en",
	}
	inserted, replaced, err = repo.UpsertKeepHigher(ctx, tx, lower)
	if err != nil {
		t.Fatalf("UpsertKeepHigher #2: %v", err)
	}
	if inserted || replaced {
		t.Fatalf("UpsertKeepHigher #2: expected keep, got inserted=%v replaced=%v", inserted, replaced)
	}

	// Equal quality keeps the earlier row when languages match.
	tie := &types.ContextEntry{
		ID:              uuid.New(),
		PDFHash:         pdfHash,
		NormalizedTitle: "chain rule",
		Title:           "Chain Rule (tie)",
		Body:            "tie body",
		EntryType:       types.ContextEntryFormula,
		Quality:         0.8,
		Language:        "en",
	}
	inserted, replaced, err = repo.UpsertKeepHigher(ctx, tx, tie)
	if err != nil {
		t.Fatalf("UpsertKeepHigher #3: %v", err)
	}
	if inserted || replaced {
		t.Fatalf("UpsertKeepHigher #3: expected keep on tie, got inserted=%v replaced=%v", inserted, replaced)
	}

	// Strictly higher quality replaces.
	higher := &types.ContextEntry{
		ID:              uuid.New(),
		PDFHash:         pdfHash,
		NormalizedTitle: "chain rule",
		Title:           "Chain Rule (better)",
		Body:            "better body",
		EntryType:       types.ContextEntryFormula,
		Keywords:        datatypes.JSON([]byte(`["derivative"]`)),
		Quality:         0.92,
		SourcePage:      4,
		Language:        "en",
	}
	inserted, replaced, err = repo.UpsertKeepHigher(ctx, tx, higher)
	if err != nil {
		t.Fatalf("UpsertKeepHigher #4: %v", err)
	}
	if inserted || !replaced {
		t.Fatalf("UpsertKeepHigher #4: expected replaced, got inserted=%v replaced=%v", inserted, replaced)
	}

	rows, err := repo.ListByHashes(ctx, tx, []string{pdfHash}, 0.7)
	if err != nil {
		t.Fatalf("ListByHashes: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("ListByHashes: expected 1 row, got %d", len(rows))
	}
	if rows[0].Title != "Chain Rule (better)" || rows[0].Quality != 0.92 {
		t.Fatalf("expected replacement to win, got %+v", rows[0])
	}

	// At equal quality an English row replaces a translated one.
	translated := &types.ContextEntry{
		ID:              uuid.New(),
		PDFHash:         pdfHash,
		NormalizedTitle: "mean value theorem",
		Title:           "Mean Value Theorem",
		Body:            "translated body",
		EntryType:       types.ContextEntryTheorem,
		Quality:         0.85,
		Language:        "non-en",
	}
	if _, _, err := repo.UpsertKeepHigher(ctx, tx, translated); err != nil {
		t.Fatalf("seed translated: %v", err)
	}
	english := &types.ContextEntry{
		ID:              uuid.New(),
		PDFHash:         pdfHash,
		NormalizedTitle: "mean value theorem",
		Title:           "Mean Value Theorem",
		Body:            "english body",
		EntryType:       types.ContextEntryTheorem,
		Quality:         0.85,
		Language:        "en",
	}
	inserted, replaced, err = repo.UpsertKeepHigher(ctx, tx, english)
	if err != nil {
		t.Fatalf("UpsertKeepHigher (en tie): %v", err)
	}
	if inserted || !replaced {
		t.Fatalf("UpsertKeepHigher (en tie): expected replaced, got inserted=%v replaced=%v", inserted, replaced)
	}
}

func TestContextEntryRepoSearchByTitle(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	repo := NewContextEntryRepo(db, testutil.Logger(t))

	pdfHash := "hash-" + uuid.NewString()
	seed := []*types.ContextEntry{
		{
			ID:              uuid.New(),
			PDFHash:         pdfHash,
			NormalizedTitle: "fourier transform",
			Title:           "Fourier Transform",
			Body:            "b",
			EntryType:       types.ContextEntryDefinition,
			Quality:         0.9,
			Language:        "en",
		},
		{
			ID:              uuid.New(),
			PDFHash:         pdfHash,
			NormalizedTitle: "laplace transform",
			Title:           "Laplace Transform",
			Body:            "b",
			EntryType:       types.ContextEntryDefinition,
			Quality:         0.8,
			Language:        "en",
		},
		{
			ID:              uuid.New(),
			PDFHash:         pdfHash,
			NormalizedTitle: "eigenvalue",
			Title:           "Eigenvalue",
			Body:            "b",
			EntryType:       types.ContextEntryConcept,
			Quality:         0.85,
			Language:        "en",
		},
	}
	for _, e := range seed {
		if _, _, err := repo.UpsertKeepHigher(ctx, tx, e); err != nil {
			t.Fatalf("seed %s: %v", e.NormalizedTitle, err)
		}
	}

	rows, err := repo.SearchByTitle(ctx, tx, []string{pdfHash}, []string{"transform"}, 10)
	if err != nil {
		t.Fatalf("SearchByTitle: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("SearchByTitle: expected 2 rows, got %d", len(rows))
	}
	if rows[0].Quality < rows[1].Quality {
		t.Fatalf("SearchByTitle: expected quality DESC order")
	}

	none, err := repo.SearchByTitle(ctx, tx, []string{pdfHash}, []string{"nonexistent"}, 10)
	if err != nil {
		t.Fatalf("SearchByTitle (none): %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("SearchByTitle (none): expected 0 rows, got %d", len(none))
	}
}
