package services

import (
	"testing"

	"github.com/pagemark/pagemark-backend/internal/types"
)

func TestConcurrencyFor(t *testing.T) {
	if got := ConcurrencyFor(types.PDFTypePPT); got != 1 {
		t.Fatalf("ppt concurrency = %d, want 1", got)
	}
	if got := ConcurrencyFor(types.PDFTypeText); got != 2 {
		t.Fatalf("text concurrency = %d, want 2", got)
	}
}
