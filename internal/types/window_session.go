package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	WindowSessionStateActive    = "active"
	WindowSessionStateCompleted = "completed"
	WindowSessionStateCanceled  = "canceled"
	WindowSessionStateExpired   = "expired"
)

// WindowSession tracks one sliding-window pre-generation session.
// CompletedPages and InProgressPages are JSON arrays of page numbers;
// only one active session per (user, file) is allowed, enforced by a
// partial unique index created during migration.
type WindowSession struct {
	ID              uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	UserID          uuid.UUID      `gorm:"type:uuid;not null;index;column:user_id" json:"user_id"`
	CourseID        uuid.UUID      `gorm:"type:uuid;not null;column:course_id" json:"course_id"`
	FileID          uuid.UUID      `gorm:"type:uuid;not null;index;column:file_id" json:"file_id"`
	PDFHash         string         `gorm:"not null;column:pdf_hash" json:"pdf_hash"`
	PDFType         string         `gorm:"not null;column:pdf_type" json:"pdf_type"` // ppt|text
	Locale          string         `gorm:"not null;column:locale" json:"locale"`
	State           string         `gorm:"not null;default:'active';index;column:state" json:"state"`
	CurrentPage     int            `gorm:"not null;column:current_page" json:"current_page"`
	WindowStart     int            `gorm:"not null;column:window_start" json:"window_start"`
	WindowEnd       int            `gorm:"not null;column:window_end" json:"window_end"`
	TotalPages      int            `gorm:"not null;column:total_pages" json:"total_pages"`
	CompletedPages  datatypes.JSON `gorm:"type:jsonb;column:completed_pages" json:"completed_pages,omitempty"`
	InProgressPages datatypes.JSON `gorm:"type:jsonb;column:in_progress_pages" json:"in_progress_pages,omitempty"`
	FailedPages     datatypes.JSON `gorm:"type:jsonb;column:failed_pages" json:"failed_pages,omitempty"`
	CompletedAt     *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt       time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (WindowSession) TableName() string {
	return "window_session"
}
