package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	config "github.com/somatutor/settlement/configs"
	"github.com/somatutor/settlement/database"
	"github.com/somatutor/settlement/jobs"
	"github.com/somatutor/settlement/models"
	"github.com/somatutor/settlement/notifications"
	"github.com/somatutor/settlement/payments"
	"github.com/somatutor/settlement/queue"
	"github.com/somatutor/settlement/services"
)

func payoutService() *services.PayoutService {
	wallets := services.NewWalletService(database.DB)
	return services.NewPayoutService(database.DB, wallets, payments.New, notifications.NewEmailEvents(database.DB))
}

type RequestPayoutBody struct {
	AmountMinor     int64  `json:"amount_minor" validate:"required,gt=0"`
	PaymentMethodID string `json:"payment_method_id" validate:"required,uuid"`
}

// RequestPayout records a teacher's withdrawal request for admin review.
func RequestPayout(c *fiber.Ctx) error {
	teacherID, err := currentUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token subject"})
	}

	var req RequestPayoutBody
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Cannot parse JSON"})
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	methodID, _ := uuid.Parse(req.PaymentMethodID)

	payout, err := payoutService().RequestManual(c.Context(), teacherID, req.AmountMinor, methodID, config.LoadSettings())
	if err != nil {
		if services.IsBusinessFailure(err) {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": payoutFailureMessage(err)})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to create payout request"})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message":   "Payout request submitted successfully.",
		"payout_id": payout.ID,
	})
}

// GetMyPayouts lists the caller's payouts, newest first.
func GetMyPayouts(c *fiber.Ctx) error {
	teacherID, err := currentUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token subject"})
	}

	var payouts []models.Payout
	if err := database.DB.Where("teacher_id = ?", teacherID).
		Order("requested_at DESC").Find(&payouts).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to load payouts"})
	}
	return c.JSON(fiber.Map{"payouts": payouts})
}

// ListPayouts lists payouts for admins, optionally filtered by status.
func ListPayouts(c *fiber.Ctx) error {
	query := database.DB.Order("requested_at DESC")
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var payouts []models.Payout
	if err := query.Preload("Teacher").Find(&payouts).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to load payouts"})
	}
	return c.JSON(fiber.Map{"payouts": payouts})
}

type ProcessPayoutBody struct {
	Decision   string `json:"decision" validate:"required,oneof=approve reject"`
	AdminNotes string `json:"admin_notes"`
}

// ProcessPayout applies an admin decision to a pending payout. Approval
// debits the wallet and hands the gateway submission to the task queue.
func ProcessPayout(c *fiber.Ctx) error {
	adminID, err := currentUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token subject"})
	}
	payoutID, err := uuid.Parse(c.Params("payoutId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid payout ID format"})
	}

	var req ProcessPayoutBody
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Cannot parse JSON"})
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	svc := payoutService()

	if req.Decision == "reject" {
		payout, err := svc.RejectManual(c.Context(), payoutID, adminID, req.AdminNotes)
		if err != nil {
			return payoutTransitionError(c, err)
		}
		return c.JSON(fiber.Map{"payout_id": payout.ID, "status": payout.Status})
	}

	payout, err := svc.ApproveManual(c.Context(), payoutID, adminID)
	if err != nil {
		if errors.Is(err, services.ErrInsufficientFunds) {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "Insufficient balance for this payout request"})
		}
		return payoutTransitionError(c, err)
	}

	if tasks != nil {
		if err := tasks.Publish(c.Context(), queue.Task{Kind: queue.TaskPayoutSubmit, PayoutID: payout.ID}); err != nil {
			logrus.WithError(err).WithField("payout_id", payout.ID).Error("🔥 Failed to enqueue payout submission")
		}
	} else {
		go func() {
			if err := jobs.SubmitWithRetry(context.Background(), svc, payout.ID, config.LoadSettings()); err != nil {
				logrus.WithError(err).WithField("payout_id", payout.ID).Error("🔥 Payout submission failed")
			}
		}()
	}

	return c.JSON(fiber.Map{"payout_id": payout.ID, "status": payout.Status})
}

// ReverseFailedPayout writes the compensating wallet credit for a failed
// payout, returning the funds to the teacher explicitly.
func ReverseFailedPayout(c *fiber.Ctx) error {
	payoutID, err := uuid.Parse(c.Params("payoutId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid payout ID format"})
	}

	entry, err := payoutService().ReverseFailed(c.Context(), payoutID)
	if err != nil {
		return payoutTransitionError(c, err)
	}
	if entry == nil {
		return c.JSON(fiber.Map{"message": "Nothing to reverse; no funds were debited for this payout."})
	}
	return c.JSON(fiber.Map{"message": "Payout reversed.", "entry_id": entry.ID})
}

func payoutTransitionError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Payout not found"})
	case errors.Is(err, services.ErrInvalidTransition):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "Payout is not in a state that allows this action"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to update payout"})
	}
}

func payoutFailureMessage(err error) string {
	switch {
	case errors.Is(err, services.ErrInsufficientFunds):
		return "Insufficient balance for this payout request"
	case errors.Is(err, services.ErrPayoutInFlight):
		return "A payout is already in progress"
	case errors.Is(err, services.ErrBelowMinimum):
		return "Amount is below the minimum withdrawal"
	case errors.Is(err, services.ErrNoVerifiedMethod):
		return "No verified payment method on file"
	default:
		return err.Error()
	}
}
