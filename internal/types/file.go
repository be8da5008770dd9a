package types

import (
	"time"

	"github.com/google/uuid"
)

const (
	FileStatusUploaded = "uploaded"
	FileStatusReady    = "ready"
	FileStatusFailed   = "failed"

	PDFTypePPT  = "ppt"
	PDFTypeText = "text"
)

type File struct {
	ID           uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	CourseID     uuid.UUID `gorm:"type:uuid;not null;index" json:"course_id"`
	UserID       uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`
	OriginalName string    `gorm:"not null;column:original_name" json:"original_name"`
	StorageKey   string    `gorm:"not null;column:storage_key" json:"storage_key"`
	Status       string    `gorm:"not null;default:'uploaded';index;column:status" json:"status"`
	PageCount    int       `gorm:"not null;default:0;column:page_count" json:"page_count"`
	IsScanned    bool      `gorm:"not null;default:false;column:is_scanned" json:"is_scanned"`
	IsPPT        bool      `gorm:"not null;default:false;column:is_ppt" json:"is_ppt"`
	ContentHash  string    `gorm:"index;column:content_hash" json:"content_hash"`
	SizeBytes    int64     `gorm:"not null;default:0;column:size_bytes" json:"size_bytes"`
	CreatedAt    time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt    time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (File) TableName() string {
	return "file"
}

// PDFType maps the ingest-time layout detection onto the tag the window
// scheduler keys its lookahead and anchoring style on.
func (f *File) PDFType() string {
	if f.IsPPT {
		return PDFTypePPT
	}
	return PDFTypeText
}
