package jobs

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	config "github.com/somatutor/settlement/configs"
	"github.com/somatutor/settlement/models"
	"github.com/somatutor/settlement/services"
)

// CancelExpiredBookings cancels bookings stuck in awaiting_payment past the
// grace window. It never touches the ledger: no debit happened for these
// bookings, so there is nothing to reverse. Safe to run concurrently with
// itself and with the payment workers; the status is re-checked under the
// booking's row lock right before the transition.
func CancelExpiredBookings(ctx context.Context, db *gorm.DB, bookings *services.BookingPaymentService, settings config.Settings) {
	logrus.Info("Running job: CancelExpiredBookings...")

	cutoff := time.Now().Add(-settings.PaymentGraceWindow)

	var stale []models.Booking
	err := db.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.BookingStatusAwaitingPayment, cutoff).
		Find(&stale).Error
	if err != nil {
		logrus.WithError(err).Error("error selecting expired bookings")
		return
	}
	if len(stale) == 0 {
		logrus.Info("no expired bookings found")
		return
	}

	cancelled := 0
	for _, booking := range stale {
		_, didCancel, err := bookings.CancelIfUnpaid(ctx, booking.ID, models.CancelReasonGracePeriodExpired)
		if err != nil {
			logrus.WithError(err).WithField("booking_id", booking.ID).Error("error cancelling expired booking")
			continue
		}
		if didCancel {
			cancelled++
		}
	}

	logrus.Infof("cancelled %d expired booking(s)", cancelled)
}
