package services

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	config "github.com/somatutor/settlement/configs"
	"github.com/somatutor/settlement/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap test database: %v", err)
	}
	// A single connection keeps the in-memory database alive and serializes
	// writers the way production Postgres row locks do.
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&models.User{},
		&models.Teacher{},
		&models.Wallet{},
		&models.LedgerEntry{},
		&models.Booking{},
		&models.PaymentMethod{},
		&models.Payout{},
	)
	if err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	return db
}

func testSettings() config.Settings {
	return config.Settings{
		DefaultCurrency:          "KES",
		MinimumWithdrawalMinor:   10000,
		AutoPayoutThresholdMinor: 50000,
		PayoutCooldown:           24 * time.Hour,
		PaymentGraceWindow:       time.Hour,
		PayoutRetrySchedule:      []time.Duration{time.Millisecond, time.Millisecond},
		CurrencyBands:            map[string]config.CurrencyBand{},
	}
}

func entrySum(t *testing.T, db *gorm.DB, walletID any) int64 {
	t.Helper()
	var sum *int64
	if err := db.Model(&models.LedgerEntry{}).
		Where("wallet_id = ?", walletID).
		Select("SUM(amount_minor)").Scan(&sum).Error; err != nil {
		t.Fatalf("sum ledger entries: %v", err)
	}
	if sum == nil {
		return 0
	}
	return *sum
}

func entryCount(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&models.LedgerEntry{}).Count(&count).Error; err != nil {
		t.Fatalf("count ledger entries: %v", err)
	}
	return count
}
