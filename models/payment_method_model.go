package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Payment method types, one per supported gateway.
const (
	PaymentMethodBankAccount = "bank_account"
	PaymentMethodPayPal      = "paypal"
)

// PaymentMethod is a teacher's payout destination. An unverified method is
// never eligible for payouts; at most one preferred method is used per
// automatic payout attempt.
type PaymentMethod struct {
	ID        uuid.UUID `gorm:"type:uuid;primary_key"`
	TeacherID uuid.UUID `gorm:"type:uuid;not null;index"`
	Type      string    `gorm:"size:20;not null"`

	IsVerified  bool `gorm:"not null;default:false"`
	IsPreferred bool `gorm:"not null;default:false"`

	// Provider-specific references.
	RecipientCode *string `gorm:"size:255"` // card/bank processor transfer recipient
	AccountNumber *string `gorm:"size:50"`
	BankCode      *string `gorm:"size:20"`
	AccountName   *string `gorm:"size:255"`
	PaypalEmail   *string `gorm:"size:255"`

	Teacher User `gorm:"foreignkey:TeacherID"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (m *PaymentMethod) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

// Gateway returns the gateway identifier that can pay to this method.
func (m *PaymentMethod) Gateway() string {
	if m.Type == PaymentMethodPayPal {
		return "paypal"
	}
	return "paystack"
}
