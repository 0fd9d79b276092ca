package handlers

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	config "github.com/somatutor/settlement/configs"
	"github.com/somatutor/settlement/database"
	"github.com/somatutor/settlement/models"
	"github.com/somatutor/settlement/payments"
	"github.com/somatutor/settlement/services"
)

// GetMyBalance returns the caller's wallet balance in minor units.
func GetMyBalance(c *fiber.Ctx) error {
	userID, err := currentUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token subject"})
	}

	wallets := services.NewWalletService(database.DB)
	balance, err := wallets.AvailableBalance(c.Context(), userID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to read balance"})
	}
	return c.JSON(fiber.Map{"balance_minor": balance})
}

// GetMyStatement lists the caller's ledger entries, newest first.
func GetMyStatement(c *fiber.Ctx) error {
	userID, err := currentUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token subject"})
	}

	var wallet models.Wallet
	if err := database.DB.Where("owner_id = ?", userID).First(&wallet).Error; err != nil {
		return c.JSON(fiber.Map{"entries": []models.LedgerEntry{}})
	}

	var entries []models.LedgerEntry
	if err := database.DB.Where("wallet_id = ?", wallet.ID).
		Order("created_at DESC").Limit(100).Find(&entries).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to load statement"})
	}
	return c.JSON(fiber.Map{"entries": entries})
}

type TopupRequest struct {
	AmountMinor int64  `json:"amount_minor" validate:"required,gt=0"`
	Gateway     string `json:"gateway" validate:"required,oneof=paystack paypal"`
}

// InitiateTopup starts a gateway charge that, once the provider's webhook
// confirms it, credits the student's wallet.
func InitiateTopup(c *fiber.Ctx) error {
	userID, err := currentUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token subject"})
	}

	var req TopupRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Cannot parse JSON"})
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	settings := config.LoadSettings()
	if req.AmountMinor < settings.MinTopupFor(settings.DefaultCurrency) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Amount below minimum top-up"})
	}

	var user models.User
	if err := database.DB.First(&user, "id = ?", userID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "User not found"})
	}

	gw, err := payments.New(req.Gateway)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Unknown payment gateway"})
	}

	// The reference carries the owner so the webhook can route the credit.
	reference := fmt.Sprintf("topup:%s:%s", userID, uuid.NewString())
	init, err := gw.InitializeCharge(c.Context(), payments.ChargeRequest{
		Email:       user.Email,
		AmountMinor: req.AmountMinor,
		Currency:    settings.DefaultCurrency,
		Reference:   reference,
		CallbackURL: config.Config("WEBHOOK_BASE_URL") + "/api/v1/payments/topup-complete",
	})
	if err != nil {
		logrus.WithError(err).Error("🔥 Top-up initialization failed")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "Payment provider unavailable"})
	}
	if !init.OK {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": init.Message})
	}

	return c.JSON(fiber.Map{
		"authorization_url": init.AuthorizationURL,
		"reference":         init.Reference,
	})
}

type AdminCreditRequest struct {
	OwnerID        string `json:"owner_id" validate:"required,uuid"`
	AmountMinor    int64  `json:"amount_minor" validate:"required,gt=0"`
	IdempotencyKey string `json:"idempotency_key" validate:"required"`
	Note           string `json:"note"`
}

// AdminCreditWallet lets an administrator credit a wallet directly, e.g. for
// goodwill adjustments. The caller supplies the idempotency key so a
// retried request never double-credits.
func AdminCreditWallet(c *fiber.Ctx) error {
	var req AdminCreditRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Cannot parse JSON"})
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	ownerID, _ := uuid.Parse(req.OwnerID)

	settings := config.LoadSettings()
	wallets := services.NewWalletService(database.DB)
	entry, err := wallets.Credit(c.Context(), ownerID, req.AmountMinor,
		models.LedgerReasonAdminCredit, "admin_credit:"+req.IdempotencyKey,
		settings.DefaultCurrency, map[string]any{"note": req.Note})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to credit wallet"})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"entry_id": entry.ID})
}
