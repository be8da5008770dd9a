package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	ContextEntryDefinition = "definition"
	ContextEntryFormula    = "formula"
	ContextEntryTheorem    = "theorem"
	ContextEntryConcept    = "concept"
	ContextEntryPrinciple  = "principle"
)

// ContextEntry is one extracted knowledge item from a document.
// NormalizedTitle deduplicates entries within a pdf hash; Keywords is a
// JSON array of lowercase strings used for retrieval overlap.
type ContextEntry struct {
	ID              uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	PDFHash         string         `gorm:"not null;uniqueIndex:idx_context_entry_title;column:pdf_hash" json:"pdf_hash"`
	NormalizedTitle string         `gorm:"not null;uniqueIndex:idx_context_entry_title;column:normalized_title" json:"normalized_title"`
	Title           string         `gorm:"not null;column:title" json:"title"`
	Body            string         `gorm:"not null;column:body" json:"body"`
	EntryType       string         `gorm:"not null;index;column:entry_type" json:"entry_type"` // definition|formula|theorem|concept|principle
	Keywords        datatypes.JSON `gorm:"type:jsonb;column:keywords" json:"keywords,omitempty"`
	Quality         float64        `gorm:"not null;column:quality" json:"quality"`
	SourcePage      int            `gorm:"not null;default:0;column:source_page" json:"source_page"`
	Language        string         `gorm:"not null;default:'en';column:language" json:"language"` // en|non-en
	CreatedAt       time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (ContextEntry) TableName() string {
	return "context_entry"
}
