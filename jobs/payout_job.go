package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	config "github.com/somatutor/settlement/configs"
	"github.com/somatutor/settlement/models"
	"github.com/somatutor/settlement/services"
)

// EnqueueAutomaticPayouts scans teachers with automatic payouts enabled and
// hands each one to enqueue (normally the task-queue publisher). The scan is
// fire-and-forget: eligibility is decided later, under the teacher's lock,
// by the payout service.
func EnqueueAutomaticPayouts(ctx context.Context, db *gorm.DB, enqueue func(teacherID uuid.UUID) error) {
	logrus.Info("Running job: EnqueueAutomaticPayouts...")

	var teachers []models.Teacher
	err := db.WithContext(ctx).
		Where("auto_payout_enabled = ?", true).
		Find(&teachers).Error
	if err != nil {
		logrus.WithError(err).Error("error selecting teachers for automatic payout")
		return
	}

	for _, teacher := range teachers {
		if err := enqueue(teacher.UserID); err != nil {
			logrus.WithError(err).WithField("teacher_id", teacher.UserID).Error("error enqueueing payout task")
		}
	}

	logrus.Infof("enqueued payout evaluation for %d teacher(s)", len(teachers))
}

// ProcessPayoutTask is the worker-side handler for one payout task:
// evaluate eligibility, and when a payout was created, drive its gateway
// submission with bounded backoff. Ineligibility is a normal outcome, not
// an error.
func ProcessPayoutTask(ctx context.Context, payouts *services.PayoutService, teacherID uuid.UUID, settings config.Settings) error {
	payout, err := payouts.EvaluateAutomatic(ctx, teacherID, settings)
	if err != nil {
		if services.IsBusinessFailure(err) {
			logrus.WithFields(logrus.Fields{
				"teacher_id": teacherID,
				"reason":     err.Error(),
			}).Info("teacher not eligible for automatic payout")
			return nil
		}
		return err
	}
	return SubmitWithRetry(ctx, payouts, payout.ID, settings)
}

// SubmitWithRetry drives a payout's gateway submission, retrying transient
// failures per the backoff schedule. Exhausting the budget marks the payout
// failed and raises the operator alert; the payout is never silently
// dropped.
func SubmitWithRetry(ctx context.Context, payouts *services.PayoutService, payoutID uuid.UUID, settings config.Settings) error {
	var lastErr error
	attempts := len(settings.PayoutRetrySchedule) + 1

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := settings.PayoutRetrySchedule[attempt-1]
			logrus.WithFields(logrus.Fields{
				"payout_id": payoutID,
				"attempt":   attempt + 1,
				"delay":     delay,
			}).Warn("retrying payout submission")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = payouts.Submit(ctx, payoutID)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, services.ErrInvalidTransition) {
			// Already settled by a concurrent worker or operator.
			return nil
		}
		logrus.WithError(lastErr).WithField("payout_id", payoutID).Warn("payout submission failed")
	}

	return payouts.MarkFailed(ctx, payoutID, "gateway submission retries exhausted: "+lastErr.Error())
}
