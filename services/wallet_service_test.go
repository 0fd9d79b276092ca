package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/somatutor/settlement/models"
)

func TestBalanceEqualsEntrySum(t *testing.T) {
	db := newTestDB(t)
	wallets := NewWalletService(db)
	ctx := context.Background()
	owner := uuid.New()

	if _, err := wallets.Credit(ctx, owner, 10000, models.LedgerReasonWalletTopup, "topup-1", "KES", nil); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := wallets.Debit(ctx, owner, 3000, models.LedgerReasonBookingPayment, "debit-1", "KES", nil); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if _, err := wallets.Credit(ctx, owner, 500, models.LedgerReasonAdminCredit, "credit-2", "KES", nil); err != nil {
		t.Fatalf("second credit: %v", err)
	}

	balance, err := wallets.AvailableBalance(ctx, owner)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 7500 {
		t.Fatalf("balance = %d, want 7500", balance)
	}

	var wallet models.Wallet
	if err := db.Where("owner_id = ?", owner).First(&wallet).Error; err != nil {
		t.Fatalf("load wallet: %v", err)
	}
	if sum := entrySum(t, db, wallet.ID); sum != balance {
		t.Fatalf("entry sum %d does not match cached balance %d", sum, balance)
	}
}

func TestDebitReplayReturnsOriginalEntry(t *testing.T) {
	db := newTestDB(t)
	wallets := NewWalletService(db)
	ctx := context.Background()
	owner := uuid.New()

	if _, err := wallets.Credit(ctx, owner, 10000, models.LedgerReasonWalletTopup, "topup-1", "KES", nil); err != nil {
		t.Fatalf("credit: %v", err)
	}

	first, err := wallets.Debit(ctx, owner, 4000, models.LedgerReasonBookingPayment, "booking_payment:abc", "KES", nil)
	if err != nil {
		t.Fatalf("first debit: %v", err)
	}
	second, err := wallets.Debit(ctx, owner, 4000, models.LedgerReasonBookingPayment, "booking_payment:abc", "KES", nil)
	if err != nil {
		t.Fatalf("replayed debit: %v", err)
	}

	if first.ID != second.ID {
		t.Fatalf("replay created a new entry: %s vs %s", first.ID, second.ID)
	}
	balance, _ := wallets.AvailableBalance(ctx, owner)
	if balance != 6000 {
		t.Fatalf("balance = %d, want 6000 (debit applied once)", balance)
	}
	if count := entryCount(t, db); count != 2 {
		t.Fatalf("entry count = %d, want 2", count)
	}
}

func TestDebitInsufficientFunds(t *testing.T) {
	db := newTestDB(t)
	wallets := NewWalletService(db)
	ctx := context.Background()
	owner := uuid.New()

	if _, err := wallets.Credit(ctx, owner, 3000, models.LedgerReasonWalletTopup, "topup-1", "KES", nil); err != nil {
		t.Fatalf("credit: %v", err)
	}

	_, err := wallets.Debit(ctx, owner, 7000, models.LedgerReasonBookingPayment, "debit-1", "KES", nil)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}

	balance, _ := wallets.AvailableBalance(ctx, owner)
	if balance != 3000 {
		t.Fatalf("balance = %d, want untouched 3000", balance)
	}
	if count := entryCount(t, db); count != 1 {
		t.Fatalf("entry count = %d, want 1 (no debit entry)", count)
	}
}

func TestNonPositiveAmountsRejected(t *testing.T) {
	db := newTestDB(t)
	wallets := NewWalletService(db)
	ctx := context.Background()
	owner := uuid.New()

	for _, amount := range []int64{0, -500} {
		if _, err := wallets.Debit(ctx, owner, amount, models.LedgerReasonBookingPayment, "d", "KES", nil); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Debit(%d) err = %v, want ErrInvalidAmount", amount, err)
		}
		if _, err := wallets.Credit(ctx, owner, amount, models.LedgerReasonWalletTopup, "c", "KES", nil); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Credit(%d) err = %v, want ErrInvalidAmount", amount, err)
		}
	}
}

func TestConcurrentSameKeyDebitAppliesOnce(t *testing.T) {
	db := newTestDB(t)
	wallets := NewWalletService(db)
	ctx := context.Background()
	owner := uuid.New()

	if _, err := wallets.Credit(ctx, owner, 10000, models.LedgerReasonWalletTopup, "topup-1", "KES", nil); err != nil {
		t.Fatalf("credit: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := wallets.Debit(ctx, owner, 4000, models.LedgerReasonBookingPayment, "booking_payment:shared", "KES", nil); err != nil {
				t.Errorf("debit: %v", err)
			}
		}()
	}
	wg.Wait()

	balance, _ := wallets.AvailableBalance(ctx, owner)
	if balance != 6000 {
		t.Fatalf("balance = %d, want 6000 (single debit across replays)", balance)
	}

	var count int64
	db.Model(&models.LedgerEntry{}).Where("idempotency_key = ?", "booking_payment:shared").Count(&count)
	if count != 1 {
		t.Fatalf("entries for key = %d, want exactly 1", count)
	}
}

func TestConcurrentDebitsNeverOverspend(t *testing.T) {
	db := newTestDB(t)
	wallets := NewWalletService(db)
	ctx := context.Background()
	owner := uuid.New()

	if _, err := wallets.Credit(ctx, owner, 5000, models.LedgerReasonWalletTopup, "topup-1", "KES", nil); err != nil {
		t.Fatalf("credit: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := wallets.Debit(ctx, owner, 4000, models.LedgerReasonBookingPayment,
				"debit-"+uuid.NewString(), "KES", nil)
			switch {
			case err == nil:
				mu.Lock()
				succeeded++
				mu.Unlock()
			case errors.Is(err, ErrInsufficientFunds):
			default:
				t.Errorf("debit %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if succeeded != 1 {
		t.Fatalf("successful debits = %d, want exactly 1", succeeded)
	}
	balance, _ := wallets.AvailableBalance(ctx, owner)
	if balance != 1000 {
		t.Fatalf("balance = %d, want 1000", balance)
	}
}

func TestReverseRestoresBalance(t *testing.T) {
	db := newTestDB(t)
	wallets := NewWalletService(db)
	ctx := context.Background()
	owner := uuid.New()

	if _, err := wallets.Credit(ctx, owner, 10000, models.LedgerReasonWalletTopup, "topup-1", "KES", nil); err != nil {
		t.Fatalf("credit: %v", err)
	}
	debit, err := wallets.Debit(ctx, owner, 7000, models.LedgerReasonBookingPayment, "debit-1", "KES", nil)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}

	var reversal *models.LedgerEntry
	err = db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		reversal, txErr = wallets.ReverseTx(tx, debit.ID, models.LedgerReasonBookingRefund, "refund-1", nil)
		return txErr
	})
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}

	if reversal.AmountMinor != 7000 {
		t.Fatalf("reversal amount = %d, want +7000", reversal.AmountMinor)
	}
	if reversal.ReversalOfID == nil || *reversal.ReversalOfID != debit.ID {
		t.Fatalf("reversal does not point at original entry")
	}

	balance, _ := wallets.AvailableBalance(ctx, owner)
	if balance != 10000 {
		t.Fatalf("balance = %d, want restored 10000", balance)
	}

	// Replaying the reversal must not double-credit.
	err = db.Transaction(func(tx *gorm.DB) error {
		again, txErr := wallets.ReverseTx(tx, debit.ID, models.LedgerReasonBookingRefund, "refund-1", nil)
		if txErr != nil {
			return txErr
		}
		if again.ID != reversal.ID {
			t.Errorf("replayed reversal created a new entry")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("replayed reverse: %v", err)
	}
	balance, _ = wallets.AvailableBalance(ctx, owner)
	if balance != 10000 {
		t.Fatalf("balance = %d after replay, want 10000", balance)
	}
}
