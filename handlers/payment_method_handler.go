package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	config "github.com/somatutor/settlement/configs"
	"github.com/somatutor/settlement/database"
	"github.com/somatutor/settlement/models"
	"github.com/somatutor/settlement/payments"
)

type AddPaymentMethodRequest struct {
	Type          string `json:"type" validate:"required,oneof=bank_account paypal"`
	AccountNumber string `json:"account_number"`
	BankCode      string `json:"bank_code"`
	PaypalEmail   string `json:"paypal_email"`
	Preferred     bool   `json:"preferred"`
}

// AddPaymentMethod registers a payout destination for the calling teacher.
// Bank accounts are resolved and registered as transfer recipients with the
// card/bank processor before the method is marked verified.
func AddPaymentMethod(c *fiber.Ctx) error {
	teacherID, err := currentUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token subject"})
	}

	var req AddPaymentMethodRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Cannot parse JSON"})
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	method := models.PaymentMethod{
		TeacherID:   teacherID,
		Type:        req.Type,
		IsPreferred: req.Preferred,
	}

	switch req.Type {
	case models.PaymentMethodBankAccount:
		if req.AccountNumber == "" || req.BankCode == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "account_number and bank_code are required"})
		}

		gw, err := payments.New(payments.GatewayPaystack)
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Bank payouts are not currently available"})
		}

		settings := config.LoadSettings()
		resolution, err := gw.ResolveBankAccount(c.Context(), req.AccountNumber, req.BankCode)
		if err != nil {
			logrus.WithError(err).Error("🔥 Bank account resolution failed")
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "Payment provider unavailable"})
		}
		if !resolution.OK {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Could not verify bank account: " + resolution.Message})
		}

		recipient, err := gw.CreateTransferRecipient(c.Context(), payments.RecipientRequest{
			Name:          resolution.AccountName,
			AccountNumber: req.AccountNumber,
			BankCode:      req.BankCode,
			Currency:      settings.DefaultCurrency,
		})
		if err != nil {
			logrus.WithError(err).Error("🔥 Transfer recipient creation failed")
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "Payment provider unavailable"})
		}
		if !recipient.OK {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Could not register payout destination: " + recipient.Message})
		}

		method.AccountNumber = &req.AccountNumber
		method.BankCode = &req.BankCode
		method.AccountName = &resolution.AccountName
		method.RecipientCode = &recipient.RecipientCode
		method.IsVerified = true

	case models.PaymentMethodPayPal:
		if req.PaypalEmail == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "paypal_email is required"})
		}
		method.PaypalEmail = &req.PaypalEmail
		method.IsVerified = true
	}

	if method.IsPreferred {
		// Only one preferred destination per teacher.
		if err := database.DB.Model(&models.PaymentMethod{}).
			Where("teacher_id = ?", teacherID).
			Update("is_preferred", false).Error; err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to update payment methods"})
		}
	}

	if err := database.DB.Create(&method).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to save payment method"})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"payment_method_id": method.ID, "verified": method.IsVerified})
}

// GetMyPaymentMethods lists the caller's payout destinations.
func GetMyPaymentMethods(c *fiber.Ctx) error {
	teacherID, err := currentUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token subject"})
	}

	var methods []models.PaymentMethod
	if err := database.DB.Where("teacher_id = ?", teacherID).Find(&methods).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to load payment methods"})
	}
	return c.JSON(fiber.Map{"payment_methods": methods})
}

// ListBanks proxies the card/bank processor's bank directory for the
// add-payment-method form.
func ListBanks(c *fiber.Ctx) error {
	gw, err := payments.New(payments.GatewayPaystack)
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Bank payouts are not currently available"})
	}

	banks, err := gw.ListBanks(c.Context())
	if err != nil {
		logrus.WithError(err).Error("🔥 Bank list fetch failed")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "Payment provider unavailable"})
	}
	if !banks.OK {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": banks.Message})
	}
	return c.JSON(fiber.Map{"banks": banks.Banks})
}
