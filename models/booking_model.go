package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Booking statuses. Transitions are driven by the booking payment service,
// admin actions, or the expiration sweeper; cancelled and completed are
// terminal.
const (
	BookingStatusAwaitingPayment  = "awaiting_payment"
	BookingStatusAwaitingApproval = "awaiting_approval"
	BookingStatusConfirmed        = "confirmed"
	BookingStatusRescheduling     = "rescheduling"
	BookingStatusCompleted        = "completed"
	BookingStatusCancelled        = "cancelled"
)

// Cancellation reasons surfaced to students.
const (
	CancelReasonInsufficientFunds  = "Insufficient wallet balance"
	CancelReasonGracePeriodExpired = "payment grace period expired"
)

type Booking struct {
	ID        uuid.UUID `gorm:"type:uuid;primary_key"`
	StudentID uuid.UUID `gorm:"type:uuid;not null;index"`
	TeacherID uuid.UUID `gorm:"type:uuid;not null;index"`

	StartTime time.Time `gorm:"not null"`
	EndTime   time.Time `gorm:"not null"`

	PriceMinor int64  `gorm:"not null"`
	Currency   string `gorm:"size:3;not null"`

	Status             string  `gorm:"size:20;not null;default:'awaiting_payment';index"`
	CancellationReason *string `gorm:"size:255"`

	Student User `gorm:"foreignkey:StudentID"`
	Teacher User `gorm:"foreignkey:TeacherID"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (b *Booking) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

// Terminal reports whether the booking may no longer change status.
func (b *Booking) Terminal() bool {
	return b.Status == BookingStatusCancelled || b.Status == BookingStatusCompleted
}
