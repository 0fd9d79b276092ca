package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Teacher carries the settlement-relevant profile: whether the platform may
// pay the teacher out automatically, and when it last did.
type Teacher struct {
	UserID            uuid.UUID  `gorm:"type:uuid;primary_key" json:"user_id"`
	Status            string     `gorm:"size:20;not null;default:'pending'" json:"status"`
	AutoPayoutEnabled bool       `gorm:"not null;default:false" json:"auto_payout_enabled"`
	LastAutoPayoutAt  *time.Time `json:"last_auto_payout_at"`

	User User `gorm:"foreignkey:UserID" json:"user"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

func (t *Teacher) BeforeCreate(tx *gorm.DB) error {
	if t.UserID == uuid.Nil {
		t.UserID = uuid.New()
	}
	return nil
}
