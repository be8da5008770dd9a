package types

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID           uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Email        string    `gorm:"uniqueIndex;not null;column:email" json:"email"`
	Password     string    `gorm:"not null;column:password" json:"-"`
	DisplayName  string    `gorm:"not null;column:display_name" json:"display_name"`
	Locale       string    `gorm:"not null;default:'en';column:locale" json:"locale"`
	ShareToCache bool      `gorm:"not null;default:true;column:share_to_cache" json:"share_to_cache"`
	CreatedAt    time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt    time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (User) TableName() string {
	return "user"
}
