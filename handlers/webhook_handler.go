package handlers

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	config "github.com/somatutor/settlement/configs"
	"github.com/somatutor/settlement/database"
	"github.com/somatutor/settlement/models"
	"github.com/somatutor/settlement/notifications"
	"github.com/somatutor/settlement/payments"
	"github.com/somatutor/settlement/services"
)

type paystackWebhookEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference    string `json:"reference"`
		Amount       int64  `json:"amount"`
		Currency     string `json:"currency"`
		Status       string `json:"status"`
		Reason       string `json:"reason"`
		TransferCode string `json:"transfer_code"`
	} `json:"data"`
}

// PaystackWebhook handles provider notifications for charges and transfers.
// The raw body signature is checked before anything is parsed; an invalid
// signature is rejected outright.
func PaystackWebhook(c *fiber.Ctx) error {
	gw, err := payments.New(payments.GatewayPaystack)
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Gateway not configured"})
	}

	body := c.Body()
	verification := gw.VerifyWebhook(c.Get("x-paystack-signature"), body)
	if !verification.OK {
		logrus.Warn("⚠️ Rejected webhook with invalid signature")
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid signature"})
	}

	var event paystackWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Cannot parse payload"})
	}

	switch event.Event {
	case "charge.success":
		return handleTopupSuccess(c, event)
	case "transfer.success":
		return handleTransferSuccess(c, event)
	case "transfer.failed", "transfer.reversed":
		return handleTransferFailure(c, event)
	default:
		// Unhandled event types are acknowledged so the provider stops
		// redelivering them.
		return c.SendStatus(fiber.StatusOK)
	}
}

// handleTopupSuccess credits the wallet named in the charge reference. The
// reference was minted by InitiateTopup as topup:{ownerID}:{nonce}, and the
// full reference doubles as the idempotency key so redeliveries are no-ops.
func handleTopupSuccess(c *fiber.Ctx, event paystackWebhookEvent) error {
	parts := strings.Split(event.Data.Reference, ":")
	if len(parts) != 3 || parts[0] != "topup" {
		logrus.WithField("reference", event.Data.Reference).Warn("⚠️ Ignoring charge with unrecognized reference")
		return c.SendStatus(fiber.StatusOK)
	}
	ownerID, err := uuid.Parse(parts[1])
	if err != nil {
		logrus.WithField("reference", event.Data.Reference).Warn("⚠️ Ignoring charge with malformed owner")
		return c.SendStatus(fiber.StatusOK)
	}

	currency := event.Data.Currency
	if currency == "" {
		currency = config.LoadSettings().DefaultCurrency
	}

	wallets := services.NewWalletService(database.DB)
	entry, err := wallets.Credit(c.Context(), ownerID, event.Data.Amount,
		models.LedgerReasonWalletTopup, "wallet_topup:"+event.Data.Reference,
		currency, map[string]any{"gateway": payments.GatewayPaystack})
	if err != nil {
		logrus.WithError(err).WithField("reference", event.Data.Reference).Error("🔥 Failed to credit top-up")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to process charge"})
	}

	notifications.NewEmailEvents(database.DB).WalletCredited(ownerID, event.Data.Amount, "wallet top-up")
	return c.JSON(fiber.Map{"entry_id": entry.ID})
}

// handleTransferSuccess confirms a payout the gateway completed. The normal
// path already marks the payout completed when the submission call returns;
// this covers transfers that were accepted asynchronously.
func handleTransferSuccess(c *fiber.Ctx, event paystackWebhookEvent) error {
	payout := payoutFromReference(event.Data.Reference)
	if payout == nil {
		return c.SendStatus(fiber.StatusOK)
	}
	if payout.Status == models.PayoutStatusCompleted {
		return c.SendStatus(fiber.StatusOK)
	}
	if payout.Status != models.PayoutStatusProcessing {
		logrus.WithField("payout_id", payout.ID).WithField("status", payout.Status).
			Warn("⚠️ Transfer success for payout not in processing")
		return c.SendStatus(fiber.StatusOK)
	}

	if err := payoutService().ConfirmCompleted(c.Context(), payout.ID, event.Data.TransferCode); err != nil {
		logrus.WithError(err).WithField("payout_id", payout.ID).Error("🔥 Failed to confirm payout")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to confirm payout"})
	}
	return c.SendStatus(fiber.StatusOK)
}

// handleTransferFailure marks the payout failed so an operator can reverse
// the held funds. Redeliveries are no-ops because MarkFailed skips payouts
// already in a terminal state.
func handleTransferFailure(c *fiber.Ctx, event paystackWebhookEvent) error {
	payout := payoutFromReference(event.Data.Reference)
	if payout == nil {
		return c.SendStatus(fiber.StatusOK)
	}
	if payout.Status == models.PayoutStatusCompleted {
		// A failure report for a payout we already saw complete needs an
		// operator's eyes, not an automatic reversal. Acknowledge so the
		// provider stops redelivering.
		logrus.WithFields(logrus.Fields{
			"payout_id": payout.ID,
			"event":     event.Event,
		}).Warn("⚠️ Transfer failure reported for completed payout, ignoring")
		return c.SendStatus(fiber.StatusOK)
	}

	reason := event.Data.Reason
	if reason == "" {
		reason = "transfer " + strings.TrimPrefix(event.Event, "transfer.") + " at gateway"
	}
	svc := payoutService()
	if payout.Status != models.PayoutStatusFailed {
		if err := svc.MarkFailed(c.Context(), payout.ID, reason); err != nil {
			logrus.WithError(err).WithField("payout_id", payout.ID).Error("🔥 Failed to mark payout failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to update payout"})
		}
	}

	// The provider confirmed no money moved, so the held funds go back to the
	// teacher right away. Idempotent under webhook redelivery.
	if _, err := svc.ReverseFailed(c.Context(), payout.ID); err != nil {
		if errors.Is(err, services.ErrInvalidTransition) {
			// Settled by a concurrent worker between our status read and the
			// reversal; nothing left to reverse.
			return c.SendStatus(fiber.StatusOK)
		}
		logrus.WithError(err).WithField("payout_id", payout.ID).Error("🔥 Failed to reverse failed payout")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to update payout"})
	}
	return c.SendStatus(fiber.StatusOK)
}

// payoutFromReference resolves a transfer reference of the form
// payout:{payoutID}, nil for foreign references and unknown payouts. Those
// deliveries are acknowledged without processing.
func payoutFromReference(reference string) *models.Payout {
	parts := strings.Split(reference, ":")
	if len(parts) != 2 || parts[0] != "payout" {
		logrus.WithField("reference", reference).Warn("⚠️ Ignoring transfer with unrecognized reference")
		return nil
	}
	payoutID, err := uuid.Parse(parts[1])
	if err != nil {
		return nil
	}

	var payout models.Payout
	if err := database.DB.First(&payout, "id = ?", payoutID).Error; err != nil {
		logrus.WithError(err).WithField("reference", reference).Warn("⚠️ Transfer references unknown payout")
		return nil
	}
	return &payout
}

// PayPalWebhook rejects every delivery. Wallet-to-email transfers report
// their outcome synchronously, and without transmission-level verification a
// webhook cannot be trusted, so nothing is processed from this endpoint.
func PayPalWebhook(c *fiber.Ctx) error {
	gw, err := payments.New(payments.GatewayPayPal)
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Gateway not configured"})
	}

	verification := gw.VerifyWebhook(c.Get("paypal-transmission-sig"), c.Body())
	if !verification.OK {
		logrus.Warn("⚠️ Rejected unverifiable wallet-transfer webhook")
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Webhook verification unavailable"})
	}
	return c.SendStatus(fiber.StatusOK)
}
