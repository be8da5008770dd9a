package pdftext

import (
	"fmt"
	"strings"

	"github.com/gen2brain/go-fitz"
)

const (
	// Slide decks are landscape; anything wider than this ratio is
	// treated as presentation-style.
	pptAspectThreshold = 1.4

	// Pages sampled when probing a document for scanned/PPT traits.
	probePages = 10
)

// Document wraps an open PDF. Pages are addressed 1-based; go-fitz
// itself indexes from zero.
type Document struct {
	doc *fitz.Document
}

func Open(b []byte) (*Document, error) {
	doc, err := fitz.NewFromMemory(b)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	return &Document{doc: doc}, nil
}

func (d *Document) Close() error {
	if d == nil || d.doc == nil {
		return nil
	}
	return d.doc.Close()
}

func (d *Document) PageCount() int {
	if d == nil || d.doc == nil {
		return 0
	}
	return d.doc.NumPage()
}

func (d *Document) PageText(page int) (string, error) {
	if d == nil || d.doc == nil {
		return "", fmt.Errorf("document not open")
	}
	pageIndex := page - 1
	if pageIndex < 0 || pageIndex >= d.doc.NumPage() {
		return "", fmt.Errorf("page %d out of range (document has %d pages)", page, d.doc.NumPage())
	}
	text, err := d.doc.Text(pageIndex)
	if err != nil {
		return "", fmt.Errorf("failed to extract text from page %d: %w", page, err)
	}
	return text, nil
}

// PageAspect returns width divided by height for the given page.
func (d *Document) PageAspect(page int) (float64, error) {
	if d == nil || d.doc == nil {
		return 0, fmt.Errorf("document not open")
	}
	pageIndex := page - 1
	if pageIndex < 0 || pageIndex >= d.doc.NumPage() {
		return 0, fmt.Errorf("page %d out of range (document has %d pages)", page, d.doc.NumPage())
	}
	bounds, err := d.doc.Bound(pageIndex)
	if err != nil {
		return 0, fmt.Errorf("failed to measure page %d: %w", page, err)
	}
	w := float64(bounds.Dx())
	h := float64(bounds.Dy())
	if h == 0 {
		return 0, fmt.Errorf("page %d has zero height", page)
	}
	return w / h, nil
}

// Info summarizes a document at ingest time.
type Info struct {
	PageCount int
	IsScanned bool
	IsPPT     bool
}

// Probe opens the document once and samples the leading pages to decide
// whether it is scanned (no extractable text) and whether it reads like
// a slide deck.
func Probe(b []byte) (Info, error) {
	var info Info

	doc, err := Open(b)
	if err != nil {
		return info, err
	}
	defer doc.Close()

	info.PageCount = doc.PageCount()
	if info.PageCount == 0 {
		info.IsScanned = true
		return info, nil
	}

	sample := info.PageCount
	if sample > probePages {
		sample = probePages
	}
	empty := 0
	for page := 1; page <= sample; page++ {
		text, err := doc.PageText(page)
		if err != nil || strings.TrimSpace(text) == "" {
			empty++
		}
	}
	// Scanned documents extract little to no text on most pages.
	info.IsScanned = empty*2 > sample

	aspect, err := doc.PageAspect(1)
	if err == nil && aspect > pptAspectThreshold {
		info.IsPPT = true
	}

	return info, nil
}
