package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
)

const (
	ModeTextOnly           = "text-only"
	ModeWithSelectedImages = "with-selected-images"

	// Tolerance for rect bounds checks on normalized coordinates.
	rectEpsilon = 1e-4
)

type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

type Region struct {
	Page int  `json:"page"`
	Rect Rect `json:"rect"`
}

// ValidRect reports whether r is a normalized page rect: non-negative
// origin, positive extent, and contained in the unit square within tolerance.
func ValidRect(r Rect) bool {
	for _, v := range []float64{r.X, r.Y, r.W, r.H} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	if r.X < 0 || r.Y < 0 {
		return false
	}
	if r.W <= 0 || r.H <= 0 {
		return false
	}
	if r.X+r.W > 1+rectEpsilon || r.Y+r.H > 1+rectEpsilon {
		return false
	}
	return true
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// RoundRect rounds all rect coordinates to 4 decimal places.
func RoundRect(r Rect) Rect {
	return Rect{X: round4(r.X), Y: round4(r.Y), W: round4(r.W), H: round4(r.H)}
}

// AnchorID renders the stable anchor identifier for an image region,
// "page-x-y-w-h" with 4-decimal coordinates.
func AnchorID(page int, r Rect) string {
	r = RoundRect(r)
	return fmt.Sprintf("%d-%.4f-%.4f-%.4f-%.4f", page, r.X, r.Y, r.W, r.H)
}

// SelectionHash produces the canonical 64-hex SHA-256 for a region
// selection. Regions are rounded to 4 decimals and sorted by
// (page, x, y, w, h) before hashing, so region order never changes the
// fingerprint. An empty region list is an error.
func SelectionHash(rootPage int, mode, locale string, regions []Region) (string, error) {
	if len(regions) == 0 {
		return "", fmt.Errorf("selection hash requires at least one region")
	}
	canon := make([]Region, len(regions))
	for i, reg := range regions {
		canon[i] = Region{Page: reg.Page, Rect: RoundRect(reg.Rect)}
	}
	sort.Slice(canon, func(i, j int) bool {
		a, b := canon[i], canon[j]
		if a.Page != b.Page {
			return a.Page < b.Page
		}
		if a.Rect.X != b.Rect.X {
			return a.Rect.X < b.Rect.X
		}
		if a.Rect.Y != b.Rect.Y {
			return a.Rect.Y < b.Rect.Y
		}
		if a.Rect.W != b.Rect.W {
			return a.Rect.W < b.Rect.W
		}
		return a.Rect.H < b.Rect.H
	})

	var sb strings.Builder
	fmt.Fprintf(&sb, "selection:v1|root=%d|mode=%s|locale=%s", rootPage, mode, locale)
	for _, reg := range canon {
		fmt.Fprintf(&sb, "|region=%d,%.4f,%.4f,%.4f,%.4f", reg.Page, reg.Rect.X, reg.Rect.Y, reg.Rect.W, reg.Rect.H)
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:]), nil
}

// ContentHash is the stable digest used as pdf-hash: lowercase hex
// SHA-256 over the raw file bytes.
func ContentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
