package database

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	config "github.com/somatutor/settlement/configs"
	"github.com/somatutor/settlement/models"
)

var DB *gorm.DB

func ConnectDB() {
	var err error
	dsn := config.Config("DATABASE_URL")

	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		PrepareStmt:                              false,
		SkipDefaultTransaction:                   true,
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		logrus.Fatalf("🔥 Failed to connect to database: %v", err)
	}

	logrus.Info("✅ Database connected successfully")
}

func Migrate() {
	err := DB.AutoMigrate(
		&models.User{},
		&models.Teacher{},
		&models.Wallet{},
		&models.LedgerEntry{},
		&models.Booking{},
		&models.PaymentMethod{},
		&models.Payout{},
	)
	if err != nil {
		logrus.Fatalf("🔥 Failed to migrate database: %v", err)
	}
	logrus.Info("✅ Database migration successful")
}

func SeedAdmin() {
	adminEmail := config.Config("ADMIN_EMAIL")
	adminPassword := config.Config("ADMIN_PASSWORD")

	var count int64
	err := DB.Model(&models.User{}).Where("email = ?", adminEmail).Count(&count).Error
	if err != nil {
		logrus.Fatalf("🔥 Failed to check for admin user: %v", err)
		return
	}

	if count > 0 {
		logrus.Info("Admin user already exists.")
		return
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.DefaultCost)
	if err != nil {
		logrus.Fatalf("🔥 Failed to hash admin password: %v", err)
		return
	}

	adminUser := models.User{
		FullName: config.Config("ADMIN_FULL_NAME"),
		Email:    adminEmail,
		Password: string(hashedPassword),
		Role:     "admin",
	}

	if err := DB.Create(&adminUser).Error; err != nil {
		logrus.Fatalf("🔥 Failed to seed admin user: %v", err)
		return
	}

	logrus.Info("✅ Admin user seeded successfully")
}
