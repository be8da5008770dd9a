package types

import (
	"time"

	"github.com/google/uuid"
)

const (
	BucketAutoExplain          = "auto_explain"
	BucketExtractions          = "extractions"
	BucketLearningInteractions = "learning_interactions"
)

// QuotaBucket counts one user's usage of one bucket within a monthly
// period. PeriodStart is the first instant of the UTC month; rows are
// lazily reset in place when a new month begins.
type QuotaBucket struct {
	ID          uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	UserID      uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_quota_bucket;column:user_id" json:"user_id"`
	Bucket      string    `gorm:"not null;uniqueIndex:idx_quota_bucket;column:bucket" json:"bucket"`
	PeriodStart time.Time `gorm:"not null;column:period_start" json:"period_start"`
	Used        int       `gorm:"not null;default:0;column:used" json:"used"`
	LimitValue  int       `gorm:"not null;column:limit_value" json:"limit_value"`
	CreatedAt   time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt   time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (QuotaBucket) TableName() string {
	return "quota_bucket"
}
