package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	config "github.com/somatutor/settlement/configs"
	"github.com/somatutor/settlement/database"
	"github.com/somatutor/settlement/models"
	"github.com/somatutor/settlement/notifications"
	"github.com/somatutor/settlement/queue"
	"github.com/somatutor/settlement/services"
)

func bookingService() *services.BookingPaymentService {
	wallets := services.NewWalletService(database.DB)
	return services.NewBookingPaymentService(database.DB, wallets, notifications.NewEmailEvents(database.DB))
}

type CreateBookingRequest struct {
	TeacherID  string `json:"teacher_id" validate:"required,uuid"`
	StartTime  string `json:"start_time" validate:"required"`
	EndTime    string `json:"end_time" validate:"required"`
	PriceMinor int64  `json:"price_minor" validate:"required,gt=0"`
}

// CreateBooking records the session request and enqueues its payment task.
// The wallet is not touched here; the payment worker owns the debit.
func CreateBooking(c *fiber.Ctx) error {
	studentID, err := currentUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token subject"})
	}

	var req CreateBookingRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Cannot parse JSON"})
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	teacherID, _ := uuid.Parse(req.TeacherID)
	start, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid start_time"})
	}
	end, err := time.Parse(time.RFC3339, req.EndTime)
	if err != nil || !end.After(start) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid end_time"})
	}

	var teacher models.Teacher
	if err := database.DB.First(&teacher, "user_id = ?", teacherID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Teacher not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Database error"})
	}

	settings := config.LoadSettings()
	booking := models.Booking{
		StudentID:  studentID,
		TeacherID:  teacherID,
		StartTime:  start,
		EndTime:    end,
		PriceMinor: req.PriceMinor,
		Currency:   settings.DefaultCurrency,
		Status:     models.BookingStatusAwaitingPayment,
	}
	if err := database.DB.Create(&booking).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to create booking"})
	}

	if tasks != nil {
		err = tasks.Publish(c.Context(), queue.Task{Kind: queue.TaskBookingPayment, BookingID: booking.ID})
		if err != nil {
			logrus.WithError(err).WithField("booking_id", booking.ID).Error("🔥 Failed to enqueue payment task")
		}
	} else {
		if err := bookingService().ProcessPaymentTask(c.Context(), booking.ID); err != nil {
			logrus.WithError(err).WithField("booking_id", booking.ID).Error("🔥 Payment processing failed")
		}
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"booking_id": booking.ID, "status": booking.Status})
}

// GetMyBookings lists the caller's bookings as student or teacher.
func GetMyBookings(c *fiber.Ctx) error {
	userID, err := currentUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token subject"})
	}

	var bookings []models.Booking
	if err := database.DB.
		Where("student_id = ? OR teacher_id = ?", userID, userID).
		Order("created_at DESC").Find(&bookings).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to load bookings"})
	}
	return c.JSON(fiber.Map{"bookings": bookings})
}

// ApproveBooking confirms a paid booking (teacher action).
func ApproveBooking(c *fiber.Ctx) error {
	bookingID, err := uuid.Parse(c.Params("bookingId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid booking ID format"})
	}

	booking, err := bookingService().Approve(c.Context(), bookingID)
	if err != nil {
		return bookingTransitionError(c, err)
	}
	return c.JSON(fiber.Map{"booking_id": booking.ID, "status": booking.Status})
}

type RescheduleRequest struct {
	StartTime string `json:"start_time" validate:"required"`
	EndTime   string `json:"end_time" validate:"required"`
}

// RequestReschedule moves a paid booking into rescheduling with a proposed
// new time window (teacher action). Funds stay held until the booking is
// confirmed or cancelled.
func RequestReschedule(c *fiber.Ctx) error {
	bookingID, err := uuid.Parse(c.Params("bookingId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid booking ID format"})
	}

	var req RescheduleRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Cannot parse JSON"})
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	start, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid start_time"})
	}
	end, err := time.Parse(time.RFC3339, req.EndTime)
	if err != nil || !end.After(start) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid end_time"})
	}

	booking, err := bookingService().Reschedule(c.Context(), bookingID, start, end)
	if err != nil {
		return bookingTransitionError(c, err)
	}
	return c.JSON(fiber.Map{"booking_id": booking.ID, "status": booking.Status})
}

// MarkBookingAsComplete finishes a confirmed session and releases the
// teacher's earnings.
func MarkBookingAsComplete(c *fiber.Ctx) error {
	bookingID, err := uuid.Parse(c.Params("bookingId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid booking ID format"})
	}

	booking, err := bookingService().Complete(c.Context(), bookingID)
	if err != nil {
		return bookingTransitionError(c, err)
	}
	return c.JSON(fiber.Map{"booking_id": booking.ID, "status": booking.Status})
}

type CancelBookingRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// CancelBooking cancels a not-yet-confirmed booking, refunding the debit
// when payment already happened.
func CancelBooking(c *fiber.Ctx) error {
	bookingID, err := uuid.Parse(c.Params("bookingId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid booking ID format"})
	}

	var req CancelBookingRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Cannot parse JSON"})
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	booking, err := bookingService().Cancel(c.Context(), bookingID, req.Reason)
	if err != nil {
		return bookingTransitionError(c, err)
	}
	return c.JSON(fiber.Map{"booking_id": booking.ID, "status": booking.Status})
}

func bookingTransitionError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Booking not found"})
	case errors.Is(err, services.ErrInvalidTransition):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "Booking is not in a state that allows this action"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to update booking"})
	}
}
