package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	GenerationStateGenerating = "generating"
	GenerationStateReady      = "ready"
	GenerationStateFailed     = "failed"
)

// GeneratedSticker is the canonical sticker payload stored on a
// Generation Record and cloned into per-user rows on cache hits.
type GeneratedSticker struct {
	Page            int           `json:"page"`
	Anchor          StickerAnchor `json:"anchor"`
	ContentMarkdown string        `json:"contentMarkdown"`
}

// GenerationRecord coordinates one shared sticker generation per
// fingerprint. SelectionKey carries the selection hash, or the empty
// string for text-only fingerprints, so the uniqueness constraint covers
// both shapes with a single index.
type GenerationRecord struct {
	ID                   uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	PDFHash              string         `gorm:"not null;uniqueIndex:idx_generation_fingerprint;column:pdf_hash" json:"pdf_hash"`
	Page                 int            `gorm:"not null;uniqueIndex:idx_generation_fingerprint;column:page" json:"page"`
	Locale               string         `gorm:"not null;uniqueIndex:idx_generation_fingerprint;column:locale" json:"locale"`
	Mode                 string         `gorm:"not null;uniqueIndex:idx_generation_fingerprint;column:mode" json:"mode"` // text-only|with-selected-images
	SelectionKey         string         `gorm:"not null;default:'';uniqueIndex:idx_generation_fingerprint;column:selection_key" json:"selection_key"`
	State                string         `gorm:"not null;index;column:state" json:"state"` // generating|ready|failed
	ProducingUserID      uuid.UUID      `gorm:"type:uuid;not null;column:producing_user_id" json:"producing_user_id"`
	QuotaUnits           int            `gorm:"not null;default:1;column:quota_units" json:"quota_units"`
	ImagesCount          int            `gorm:"not null;default:0;column:images_count" json:"images_count"`
	SelectedImageRegions datatypes.JSON `gorm:"type:jsonb;column:selected_image_regions" json:"selected_image_regions,omitempty"`
	Stickers             datatypes.JSON `gorm:"type:jsonb;column:stickers" json:"stickers,omitempty"`
	Error                string         `gorm:"column:error" json:"error,omitempty"`
	GenerationTimeMs     int64          `gorm:"not null;default:0;column:generation_time_ms" json:"generation_time_ms"`
	StartedAt            time.Time      `gorm:"not null;default:now();column:started_at" json:"started_at"`
	CompletedAt          *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt            time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt            time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (GenerationRecord) TableName() string {
	return "generation_record"
}
