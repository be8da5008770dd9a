package types

import (
	"time"

	"github.com/google/uuid"
)

// LatencySample records how long one explain request took end to end,
// including cache hits, for capacity tuning.
type LatencySample struct {
	ID        uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	PDFHash   string    `gorm:"index;column:pdf_hash" json:"pdf_hash,omitempty"`
	Page      int       `gorm:"not null;column:page" json:"page"`
	Locale    string    `gorm:"not null;column:locale" json:"locale"`
	Mode      string    `gorm:"not null;column:mode" json:"mode"`
	LatencyMs int64     `gorm:"not null;column:latency_ms" json:"latency_ms"`
	CacheHit  bool      `gorm:"not null;default:false;column:cache_hit" json:"cache_hit"`
	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
}

func (LatencySample) TableName() string {
	return "latency_sample"
}
