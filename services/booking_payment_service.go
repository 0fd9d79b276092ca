package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/somatutor/settlement/models"
)

// BookingPaymentService drives a booking through its payment-relevant state
// machine: awaiting_payment -> awaiting_approval -> (confirmed |
// rescheduling) -> completed, with cancelled reachable from the first two.
type BookingPaymentService struct {
	db      *gorm.DB
	wallets *WalletService
	events  EventSink
}

func NewBookingPaymentService(db *gorm.DB, wallets *WalletService, events EventSink) *BookingPaymentService {
	if events == nil {
		events = NopEvents{}
	}
	return &BookingPaymentService{db: db, wallets: wallets, events: events}
}

// BookingPaymentKey derives the idempotency key for a booking's debit, so a
// retried payment task never double-charges.
func BookingPaymentKey(bookingID uuid.UUID) string {
	return "booking_payment:" + bookingID.String()
}

// BookingRefundKey derives the idempotency key for a booking's refund.
func BookingRefundKey(bookingID uuid.UUID) string {
	return "booking_refund:" + bookingID.String()
}

// ProcessPaymentTask attempts to collect a booking's price from the student
// wallet. Redelivered tasks are no-ops: the booking row is re-checked under
// lock and the debit is idempotent per booking id. Insufficient funds cancel
// the booking and are not an error (retrying cannot change the outcome).
func (s *BookingPaymentService) ProcessPaymentTask(ctx context.Context, bookingID uuid.UUID) error {
	sufficient := true
	if booking, err := s.loadBooking(ctx, bookingID); err != nil {
		return err
	} else if booking.Status == models.BookingStatusAwaitingPayment {
		can, err := s.wallets.CanDebit(ctx, booking.StudentID, booking.PriceMinor)
		if err != nil {
			return err
		}
		sufficient = can
	}

	var outcome models.Booking
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var booking models.Booking
		if err := lockForUpdate(tx).First(&booking, "id = ?", bookingID).Error; err != nil {
			return err
		}
		if booking.Status != models.BookingStatusAwaitingPayment {
			logrus.WithFields(logrus.Fields{
				"booking_id": booking.ID,
				"status":     booking.Status,
			}).Info("payment task redelivered for settled booking, skipping")
			outcome = booking
			return nil
		}

		if sufficient {
			_, err := s.wallets.DebitTx(tx, booking.StudentID, booking.PriceMinor,
				models.LedgerReasonBookingPayment, BookingPaymentKey(booking.ID),
				booking.Currency, map[string]any{"booking_id": booking.ID.String()})
			switch {
			case err == nil:
				booking.Status = models.BookingStatusAwaitingApproval
			case errors.Is(err, ErrInsufficientFunds):
				// A concurrent spend exhausted the balance between the
				// snapshot check and the debit.
				sufficient = false
			default:
				return err
			}
		}

		if !sufficient {
			reason := models.CancelReasonInsufficientFunds
			booking.Status = models.BookingStatusCancelled
			booking.CancellationReason = &reason
		}
		if err := tx.Save(&booking).Error; err != nil {
			return err
		}
		outcome = booking
		return nil
	})
	if err != nil {
		return err
	}

	switch outcome.Status {
	case models.BookingStatusAwaitingApproval:
		s.events.BookingAwaitingApproval(&outcome)
	case models.BookingStatusCancelled:
		s.events.BookingCancelled(&outcome)
	}
	return nil
}

// Approve moves a paid booking to confirmed.
func (s *BookingPaymentService) Approve(ctx context.Context, bookingID uuid.UUID) (*models.Booking, error) {
	booking, err := s.transition(ctx, bookingID,
		[]string{models.BookingStatusAwaitingApproval, models.BookingStatusRescheduling},
		models.BookingStatusConfirmed, nil)
	if err != nil {
		return nil, err
	}
	s.events.BookingConfirmed(booking)
	return booking, nil
}

// Reschedule parks a paid booking while a new time window is negotiated.
func (s *BookingPaymentService) Reschedule(ctx context.Context, bookingID uuid.UUID, start, end time.Time) (*models.Booking, error) {
	return s.transition(ctx, bookingID,
		[]string{models.BookingStatusAwaitingApproval, models.BookingStatusConfirmed},
		models.BookingStatusRescheduling, func(tx *gorm.DB, booking *models.Booking) error {
			booking.StartTime = start
			booking.EndTime = end
			return nil
		})
}

// Complete finishes a confirmed booking and credits the teacher's earnings
// in the same transaction.
func (s *BookingPaymentService) Complete(ctx context.Context, bookingID uuid.UUID) (*models.Booking, error) {
	booking, err := s.transition(ctx, bookingID,
		[]string{models.BookingStatusConfirmed},
		models.BookingStatusCompleted, func(tx *gorm.DB, booking *models.Booking) error {
			_, err := s.wallets.CreditTx(tx, booking.TeacherID, booking.PriceMinor,
				models.LedgerReasonLessonEarnings, "lesson_earnings:"+booking.ID.String(),
				booking.Currency, map[string]any{"booking_id": booking.ID.String()})
			return err
		})
	if err != nil {
		return nil, err
	}
	s.events.BookingCompleted(booking)
	return booking, nil
}

// Cancel cancels a booking. A booking cancelled after payment gets its debit
// reversed; one cancelled before payment has nothing to reverse.
func (s *BookingPaymentService) Cancel(ctx context.Context, bookingID uuid.UUID, reason string) (*models.Booking, error) {
	booking, err := s.transition(ctx, bookingID,
		[]string{models.BookingStatusAwaitingPayment, models.BookingStatusAwaitingApproval},
		models.BookingStatusCancelled, func(tx *gorm.DB, booking *models.Booking) error {
			booking.CancellationReason = &reason
			if booking.Status != models.BookingStatusAwaitingApproval {
				return nil
			}
			original, err := s.wallets.findByKey(tx, BookingPaymentKey(booking.ID))
			if err != nil {
				return err
			}
			if original == nil {
				return nil
			}
			_, err = s.wallets.ReverseTx(tx, original.ID, models.LedgerReasonBookingRefund,
				BookingRefundKey(booking.ID), map[string]any{"booking_id": booking.ID.String()})
			return err
		})
	if err != nil {
		return nil, err
	}
	s.events.BookingCancelled(booking)
	return booking, nil
}

// CancelIfUnpaid cancels the booking only if it is still awaiting payment,
// re-checking the status under the row lock. Used by the expiration sweeper
// so a booking that completes payment between selection and cancellation is
// left alone. Returns the booking and whether this call cancelled it.
func (s *BookingPaymentService) CancelIfUnpaid(ctx context.Context, bookingID uuid.UUID, reason string) (*models.Booking, bool, error) {
	cancelled := false
	var outcome models.Booking
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var booking models.Booking
		if err := lockForUpdate(tx).First(&booking, "id = ?", bookingID).Error; err != nil {
			return err
		}
		if booking.Status != models.BookingStatusAwaitingPayment {
			outcome = booking
			return nil
		}
		booking.Status = models.BookingStatusCancelled
		booking.CancellationReason = &reason
		if err := tx.Save(&booking).Error; err != nil {
			return err
		}
		cancelled = true
		outcome = booking
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if cancelled {
		s.events.BookingCancelled(&outcome)
	}
	return &outcome, cancelled, nil
}

func (s *BookingPaymentService) loadBooking(ctx context.Context, bookingID uuid.UUID) (*models.Booking, error) {
	var booking models.Booking
	if err := s.db.WithContext(ctx).First(&booking, "id = ?", bookingID).Error; err != nil {
		return nil, err
	}
	return &booking, nil
}

// transition applies one guarded status change under the booking's row lock.
func (s *BookingPaymentService) transition(ctx context.Context, bookingID uuid.UUID, from []string, to string, mutate func(tx *gorm.DB, booking *models.Booking) error) (*models.Booking, error) {
	var outcome models.Booking
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var booking models.Booking
		if err := lockForUpdate(tx).First(&booking, "id = ?", bookingID).Error; err != nil {
			return err
		}
		allowed := false
		for _, status := range from {
			if booking.Status == status {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, booking.Status, to)
		}
		if mutate != nil {
			if err := mutate(tx, &booking); err != nil {
				return err
			}
		}
		booking.Status = to
		if err := tx.Save(&booking).Error; err != nil {
			return err
		}
		outcome = booking
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &outcome, nil
}
