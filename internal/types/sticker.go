package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	StickerKindAuto   = "auto"
	StickerKindManual = "manual"

	AnchorTypeText  = "text"
	AnchorTypeImage = "image"
)

// StickerRect is a normalized page rect with coordinates in [0,1].
type StickerRect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// StickerAnchorItem is one element of a multi-anchor list: either a text
// snippet or an image region with a stable "page-x-y-w-h" id.
type StickerAnchorItem struct {
	ID          string       `json:"id"`
	Type        string       `json:"type"`
	Page        int          `json:"page,omitempty"`
	TextSnippet string       `json:"textSnippet,omitempty"`
	Rect        *StickerRect `json:"rect,omitempty"`
}

// StickerAnchor is the anchor payload persisted on a sticker and echoed
// verbatim in API responses.
type StickerAnchor struct {
	TextSnippet string              `json:"textSnippet"`
	Rect        *StickerRect        `json:"rect,omitempty"`
	IsFullPage  bool                `json:"isFullPage,omitempty"`
	Anchors     []StickerAnchorItem `json:"anchors,omitempty"`
}

type Sticker struct {
	ID              uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	UserID          uuid.UUID      `gorm:"type:uuid;not null;index" json:"user_id"`
	CourseID        uuid.UUID      `gorm:"type:uuid;not null;index" json:"course_id"`
	FileID          uuid.UUID      `gorm:"type:uuid;not null;index:idx_sticker_file_page" json:"file_id"`
	Page            int            `gorm:"not null;index:idx_sticker_file_page;column:page" json:"page"`
	Kind            string         `gorm:"not null;column:kind" json:"kind"` // auto|manual
	Anchor          datatypes.JSON `gorm:"type:jsonb;column:anchor" json:"anchor"`
	ParentID        *uuid.UUID     `gorm:"type:uuid;index;column:parent_id" json:"parent_id,omitempty"`
	SourceRecordID  *uuid.UUID     `gorm:"type:uuid;index;column:source_record_id" json:"source_record_id,omitempty"`
	ContentMarkdown string         `gorm:"not null;column:content_markdown" json:"content_markdown"`
	Folded          bool           `gorm:"not null;default:false;column:folded" json:"folded"`
	Depth           int            `gorm:"not null;default:0;column:depth" json:"depth"`
	CurrentVersion  int            `gorm:"not null;default:1;column:current_version" json:"current_version"`
	CreatedAt       time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (Sticker) TableName() string {
	return "sticker"
}

// StickerVersion keeps every content revision of a sticker so refresh can
// regenerate without losing what the user already read.
type StickerVersion struct {
	ID              uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	StickerID       uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_sticker_version" json:"sticker_id"`
	Version         int       `gorm:"not null;uniqueIndex:idx_sticker_version;column:version" json:"version"`
	ContentMarkdown string    `gorm:"not null;column:content_markdown" json:"content_markdown"`
	CreatedAt       time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (StickerVersion) TableName() string {
	return "sticker_version"
}
