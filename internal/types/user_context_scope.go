package types

import (
	"time"

	"github.com/google/uuid"
)

// UserContextScope links a user and course to a pdf hash whose context
// entries may be retrieved for that user's questions. One row per
// (user, course, pdf hash).
type UserContextScope struct {
	ID        uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	UserID    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_user_context_scope;column:user_id" json:"user_id"`
	CourseID  uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_user_context_scope;column:course_id" json:"course_id"`
	PDFHash   string    `gorm:"not null;uniqueIndex:idx_user_context_scope;column:pdf_hash" json:"pdf_hash"`
	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (UserContextScope) TableName() string {
	return "user_context_scope"
}
