package types

import (
	"time"

	"github.com/google/uuid"
)

const (
	ContextJobStatePending    = "pending"
	ContextJobStateProcessing = "processing"
	ContextJobStateCompleted  = "completed"
	ContextJobStateFailed     = "failed"
)

// ContextJob is one queued extraction of context entries for a document.
// At most one non-terminal job exists per pdf hash, enforced by a partial
// unique index created during migration. Checkpoint fields let a
// re-claimed job resume mid-document instead of restarting.
type ContextJob struct {
	ID              uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	PDFHash         string     `gorm:"not null;index;column:pdf_hash" json:"pdf_hash"`
	FileID          uuid.UUID  `gorm:"type:uuid;not null;column:file_id" json:"file_id"`
	Locale          string     `gorm:"not null;default:'en';column:locale" json:"locale"`
	State           string     `gorm:"not null;default:'pending';index;column:state" json:"state"`
	RetryCount      int        `gorm:"not null;default:0;column:retry_count" json:"retry_count"`
	RunAfter        time.Time  `gorm:"not null;default:now();index;column:run_after" json:"run_after"`
	LeaseID         string     `gorm:"not null;default:'';column:lease_id" json:"lease_id"`
	LeaseExpiresAt  *time.Time `gorm:"column:lease_expires_at" json:"lease_expires_at,omitempty"`
	ProcessedPages  int        `gorm:"not null;default:0;column:processed_pages" json:"processed_pages"`
	ProcessedWords  int        `gorm:"not null;default:0;column:processed_words" json:"processed_words"`
	CurrentBatch    int        `gorm:"not null;default:0;column:current_batch" json:"current_batch"`
	TotalBatches    int        `gorm:"not null;default:0;column:total_batches" json:"total_batches"`
	EntriesInserted int        `gorm:"not null;default:0;column:entries_inserted" json:"entries_inserted"`
	LastError       string     `gorm:"column:last_error" json:"last_error,omitempty"`
	CompletedAt     *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt       time.Time  `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"not null;default:now()" json:"updated_at"`
}

func (ContextJob) TableName() string {
	return "context_job"
}
