package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/somatutor/settlement/models"
)

const pgUniqueViolationCode = "23505"

// WalletService is the only component permitted to mutate balances. Every
// mutation runs in one transaction: lock the wallet row, re-validate,
// append a ledger entry, update the cached balance. No network calls happen
// here.
type WalletService struct {
	db *gorm.DB
}

func NewWalletService(db *gorm.DB) *WalletService {
	return &WalletService{db: db}
}

// lockForUpdate adds a row-level exclusive lock on Postgres. SQLite has no
// FOR UPDATE; its single-writer transactions give the same serialization.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolationCode {
		return true
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == 19
	}
	return false
}

// LockWallet loads the owner's wallet under an exclusive row lock, creating
// it lazily on first use. Must be called inside a transaction.
func (s *WalletService) LockWallet(tx *gorm.DB, ownerID uuid.UUID, currency string) (*models.Wallet, error) {
	var wallet models.Wallet
	err := lockForUpdate(tx).Where("owner_id = ?", ownerID).First(&wallet).Error
	if err == nil {
		return &wallet, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	wallet = models.Wallet{OwnerID: ownerID, Currency: currency}
	if createErr := tx.Create(&wallet).Error; createErr != nil {
		if !isDuplicateKey(createErr) {
			return nil, createErr
		}
		// Lost a lazy-create race; the row exists now, lock it.
		if err := lockForUpdate(tx).Where("owner_id = ?", ownerID).First(&wallet).Error; err != nil {
			return nil, err
		}
	}
	return &wallet, nil
}

// CanDebit reports whether the current balance covers amount. The read is a
// snapshot only; Debit re-checks under lock and stays authoritative.
func (s *WalletService) CanDebit(ctx context.Context, ownerID uuid.UUID, amount int64) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}
	balance, err := s.AvailableBalance(ctx, ownerID)
	if err != nil {
		return false, err
	}
	return balance >= amount, nil
}

// AvailableBalance returns the wallet's current balance, zero for a wallet
// that does not exist yet.
func (s *WalletService) AvailableBalance(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	var wallet models.Wallet
	err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).First(&wallet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return wallet.BalanceMinor, nil
}

// Debit appends a negative ledger entry in its own transaction. Replays of
// the same idempotency key return the original entry without a second
// balance change.
func (s *WalletService) Debit(ctx context.Context, ownerID uuid.UUID, amount int64, reason, idempotencyKey, currency string, metadata map[string]any) (*models.LedgerEntry, error) {
	var entry *models.LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		entry, txErr = s.DebitTx(tx, ownerID, amount, reason, idempotencyKey, currency, metadata)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// DebitTx is Debit inside a caller-owned transaction, so an orchestrator can
// commit the debit atomically with its own state transition.
func (s *WalletService) DebitTx(tx *gorm.DB, ownerID uuid.UUID, amount int64, reason, idempotencyKey, currency string, metadata map[string]any) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: debit of %d", ErrInvalidAmount, amount)
	}
	if existing, err := s.findByKey(tx, idempotencyKey); err != nil {
		return nil, err
	} else if existing != nil {
		logrus.WithField("idempotency_key", idempotencyKey).Info("debit replayed, returning original entry")
		return existing, nil
	}

	wallet, err := s.LockWallet(tx, ownerID, currency)
	if err != nil {
		return nil, err
	}
	if wallet.BalanceMinor < amount {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, wallet.BalanceMinor, amount)
	}
	return s.appendEntry(tx, wallet, -amount, reason, idempotencyKey, nil, metadata)
}

// Credit appends a positive ledger entry; no sufficiency check applies.
func (s *WalletService) Credit(ctx context.Context, ownerID uuid.UUID, amount int64, reason, idempotencyKey, currency string, metadata map[string]any) (*models.LedgerEntry, error) {
	var entry *models.LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		entry, txErr = s.CreditTx(tx, ownerID, amount, reason, idempotencyKey, currency, metadata)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// CreditTx is Credit inside a caller-owned transaction.
func (s *WalletService) CreditTx(tx *gorm.DB, ownerID uuid.UUID, amount int64, reason, idempotencyKey, currency string, metadata map[string]any) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: credit of %d", ErrInvalidAmount, amount)
	}
	if existing, err := s.findByKey(tx, idempotencyKey); err != nil {
		return nil, err
	} else if existing != nil {
		logrus.WithField("idempotency_key", idempotencyKey).Info("credit replayed, returning original entry")
		return existing, nil
	}

	wallet, err := s.LockWallet(tx, ownerID, currency)
	if err != nil {
		return nil, err
	}
	return s.appendEntry(tx, wallet, amount, reason, idempotencyKey, nil, metadata)
}

// ReverseTx appends the opposite-sign entry for an earlier one. Entries are
// never updated or deleted; this is the only way funds move back.
func (s *WalletService) ReverseTx(tx *gorm.DB, originalID uuid.UUID, reason, idempotencyKey string, metadata map[string]any) (*models.LedgerEntry, error) {
	if existing, err := s.findByKey(tx, idempotencyKey); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	var original models.LedgerEntry
	if err := tx.First(&original, "id = ?", originalID).Error; err != nil {
		return nil, err
	}
	var wallet models.Wallet
	if err := lockForUpdate(tx).First(&wallet, "id = ?", original.WalletID).Error; err != nil {
		return nil, err
	}
	return s.appendEntry(tx, &wallet, -original.AmountMinor, reason, idempotencyKey, &original.ID, metadata)
}

// FindEntryByKey returns the entry for a logical operation, nil when none
// exists yet.
func (s *WalletService) FindEntryByKey(ctx context.Context, idempotencyKey string) (*models.LedgerEntry, error) {
	return s.findByKey(s.db.WithContext(ctx), idempotencyKey)
}

func (s *WalletService) findByKey(tx *gorm.DB, idempotencyKey string) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	err := tx.Where("idempotency_key = ?", idempotencyKey).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *WalletService) appendEntry(tx *gorm.DB, wallet *models.Wallet, signedAmount int64, reason, idempotencyKey string, reversalOf *uuid.UUID, metadata map[string]any) (*models.LedgerEntry, error) {
	entry := models.LedgerEntry{
		WalletID:       wallet.ID,
		AmountMinor:    signedAmount,
		Reason:         reason,
		IdempotencyKey: idempotencyKey,
		ReversalOfID:   reversalOf,
	}
	if metadata != nil {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal entry metadata: %w", err)
		}
		entry.Metadata = datatypes.JSON(raw)
	}

	if err := tx.Create(&entry).Error; err != nil {
		if isDuplicateKey(err) {
			// Concurrent replay slipped past the pre-check; the unique
			// constraint is the backstop. Return the winner's entry.
			return s.findByKey(tx, idempotencyKey)
		}
		return nil, err
	}

	if err := tx.Model(&models.Wallet{}).Where("id = ?", wallet.ID).
		Update("balance_minor", gorm.Expr("balance_minor + ?", signedAmount)).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}
