package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Payout statuses: pending -> approved -> processing -> (completed | failed).
const (
	PayoutStatusPending    = "pending"
	PayoutStatusApproved   = "approved"
	PayoutStatusProcessing = "processing"
	PayoutStatusCompleted  = "completed"
	PayoutStatusFailed     = "failed"
)

// Payout is one attempted transfer of accumulated teacher earnings out of
// the platform. Payouts are never deleted, only transitioned; a failed
// payout keeps its ledger debit until an admin reverses it explicitly.
type Payout struct {
	ID              uuid.UUID `gorm:"type:uuid;primary_key"`
	TeacherID       uuid.UUID `gorm:"type:uuid;not null;index"`
	AmountMinor     int64     `gorm:"not null"`
	Currency        string    `gorm:"size:3;not null"`
	PaymentMethodID uuid.UUID `gorm:"type:uuid;not null"`

	Status        string     `gorm:"size:20;not null;default:'pending';index"`
	GatewayRef    *string    `gorm:"size:255"`
	FailureReason *string    `gorm:"size:255"`
	ApprovedBy    *uuid.UUID `gorm:"type:uuid"` // nil means system-approved

	RequestedAt time.Time `gorm:"not null"`
	ApprovedAt  *time.Time
	ProcessedAt *time.Time
	CompletedAt *time.Time
	FailedAt    *time.Time

	Teacher       User          `gorm:"foreignkey:TeacherID"`
	PaymentMethod PaymentMethod `gorm:"foreignkey:PaymentMethodID"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (p *Payout) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// InFlightStatuses are the payout states that block a new payout for the
// same teacher.
var InFlightStatuses = []string{PayoutStatusPending, PayoutStatusApproved, PayoutStatusProcessing}
