package services

import (
	"errors"
	"net/http"
	"testing"

	"github.com/pagemark/pagemark-backend/internal/apierr"
	"github.com/pagemark/pagemark-backend/internal/fingerprint"
	"github.com/pagemark/pagemark-backend/internal/types"
)

func validationError(t *testing.T, err error) *apierr.Error {
	t.Helper()
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *apierr.Error, got %T: %v", err, err)
	}
	if apiErr.Status != http.StatusBadRequest || apiErr.Code != apierr.CodeValidation {
		t.Fatalf("expected 400 VALIDATION_ERROR, got %d %s", apiErr.Status, apiErr.Code)
	}
	return apiErr
}

func TestBuildFingerprintTextOnly(t *testing.T) {
	file := &types.File{ContentHash: "abc123"}
	req := ExplainRequest{Page: 7}

	fp, units, err := buildFingerprint(file, req, "en")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fp.Mode != fingerprint.ModeTextOnly {
		t.Fatalf("Mode = %q", fp.Mode)
	}
	if fp.PDFHash != "abc123" || fp.Page != 7 || fp.Locale != "en" {
		t.Fatalf("unexpected fingerprint: %+v", fp)
	}
	if fp.SelectionKey != "" {
		t.Fatalf("text-only fingerprint must have no selection key, got %q", fp.SelectionKey)
	}
	if units != 1 {
		t.Fatalf("units = %d, want 1", units)
	}
}

func TestBuildFingerprintTooManyRegions(t *testing.T) {
	file := &types.File{ContentHash: "abc123"}
	req := ExplainRequest{Page: 1}
	for i := 0; i < maxSelectedRegions+1; i++ {
		req.Regions = append(req.Regions, fingerprint.Region{
			Page: 1,
			Rect: fingerprint.Rect{X: 0.01 * float64(i), Y: 0.1, W: 0.05, H: 0.05},
		})
		req.Images = append(req.Images, []byte{0xFF})
	}

	_, _, err := buildFingerprint(file, req, "en")
	validationError(t, err)
}

func TestBuildFingerprintImageCountMismatch(t *testing.T) {
	file := &types.File{ContentHash: "abc123"}
	req := ExplainRequest{
		Page: 1,
		Regions: []fingerprint.Region{
			{Page: 1, Rect: fingerprint.Rect{X: 0.1, Y: 0.1, W: 0.2, H: 0.2}},
			{Page: 1, Rect: fingerprint.Rect{X: 0.5, Y: 0.5, W: 0.2, H: 0.2}},
		},
		Images: [][]byte{{0xFF}},
	}

	_, _, err := buildFingerprint(file, req, "en")
	validationError(t, err)
}

func TestBuildFingerprintInvalidRect(t *testing.T) {
	file := &types.File{ContentHash: "abc123"}
	req := ExplainRequest{
		Page: 1,
		Regions: []fingerprint.Region{
			{Page: 1, Rect: fingerprint.Rect{X: 0.1, Y: 0.1, W: 0.2, H: 0.2}},
			{Page: 1, Rect: fingerprint.Rect{X: 0.9, Y: 0.9, W: 0.5, H: 0.5}},
		},
		Images: [][]byte{{0xFF}, {0xFF}},
	}

	_, _, err := buildFingerprint(file, req, "en")
	apiErr := validationError(t, err)
	if apiErr.Details["field"] != "selectedImageRegions[1].rect" {
		t.Fatalf("details.field = %v", apiErr.Details["field"])
	}
}

func TestBuildFingerprintWithRegions(t *testing.T) {
	file := &types.File{ContentHash: "abc123"}
	regions := []fingerprint.Region{
		{Page: 2, Rect: fingerprint.Rect{X: 0.5, Y: 0.5, W: 0.2, H: 0.2}},
		{Page: 1, Rect: fingerprint.Rect{X: 0.1, Y: 0.1, W: 0.2, H: 0.2}},
		{Page: 1, Rect: fingerprint.Rect{X: 0.3, Y: 0.3, W: 0.1, H: 0.1}},
	}
	req := ExplainRequest{
		Page:    1,
		Regions: regions,
		Images:  [][]byte{{0xFF}, {0xFF}, {0xFF}},
	}

	fp, units, err := buildFingerprint(file, req, "en")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fp.Mode != fingerprint.ModeWithSelectedImages {
		t.Fatalf("Mode = %q", fp.Mode)
	}
	if len(fp.SelectionKey) != 64 {
		t.Fatalf("SelectionKey length = %d, want 64 hex chars", len(fp.SelectionKey))
	}
	if units != 3 {
		t.Fatalf("units = %d, want 3", units)
	}

	// Region order must not change the cache identity.
	reversed := ExplainRequest{
		Page:    1,
		Regions: []fingerprint.Region{regions[2], regions[1], regions[0]},
		Images:  [][]byte{{0xFF}, {0xFF}, {0xFF}},
	}
	fp2, _, err := buildFingerprint(file, reversed, "en")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fp2.SelectionKey != fp.SelectionKey {
		t.Fatalf("selection key changed with region order: %q vs %q", fp.SelectionKey, fp2.SelectionKey)
	}

	// A different locale is a different cache identity.
	fp3, _, err := buildFingerprint(file, req, "zh-Hans")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fp3.SelectionKey == fp.SelectionKey {
		t.Fatal("selection key must differ across locales")
	}
}
