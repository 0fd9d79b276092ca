package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Wallet holds the cached balance for one payable principal (student or
// teacher). The balance is only ever written together with a LedgerEntry and
// must equal the signed sum of that wallet's entries.
type Wallet struct {
	ID           uuid.UUID `gorm:"type:uuid;primary_key"`
	OwnerID      uuid.UUID `gorm:"type:uuid;not null;unique"`
	BalanceMinor int64     `gorm:"not null;default:0"`
	Currency     string    `gorm:"size:3;not null"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (w *Wallet) BeforeCreate(tx *gorm.DB) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	return nil
}
