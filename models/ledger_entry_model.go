package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Ledger entry reason codes.
const (
	LedgerReasonBookingPayment = "booking_payment"
	LedgerReasonBookingRefund  = "booking_refund"
	LedgerReasonWalletTopup    = "wallet_topup"
	LedgerReasonLessonEarnings = "lesson_earnings"
	LedgerReasonPayout         = "payout"
	LedgerReasonPayoutReversal = "payout_reversal"
	LedgerReasonAdminCredit    = "admin_credit"
)

// LedgerEntry is one immutable, signed balance change. Entries are
// append-only; a reversal is a new entry with the opposite sign pointing at
// the original via ReversalOfID. The idempotency key is unique per logical
// operation so replays from the task queue never double-apply.
type LedgerEntry struct {
	ID             uuid.UUID      `gorm:"type:uuid;primary_key"`
	WalletID       uuid.UUID      `gorm:"type:uuid;not null;index"`
	AmountMinor    int64          `gorm:"not null"`
	Reason         string         `gorm:"size:50;not null"`
	IdempotencyKey string         `gorm:"size:255;not null;unique"`
	ReversalOfID   *uuid.UUID     `gorm:"type:uuid"`
	Metadata       datatypes.JSON `gorm:"type:jsonb"`

	Wallet Wallet `gorm:"foreignkey:WalletID"`

	CreatedAt time.Time
}

func (e *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
