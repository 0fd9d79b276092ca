package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	config "github.com/somatutor/settlement/configs"
	"github.com/somatutor/settlement/models"
	"github.com/somatutor/settlement/payments"
)

// GatewayResolver turns a gateway identifier into its backend. Injected so
// tests can substitute a fake provider.
type GatewayResolver func(name string) (payments.Gateway, error)

// PayoutService evaluates payout eligibility, creates payout records, and
// drives them through approval and gateway submission. Eligibility and
// creation run under the teacher's wallet row lock; the gateway round-trip
// never holds a ledger lock.
type PayoutService struct {
	db       *gorm.DB
	wallets  *WalletService
	gateways GatewayResolver
	events   EventSink
}

func NewPayoutService(db *gorm.DB, wallets *WalletService, gateways GatewayResolver, events EventSink) *PayoutService {
	if gateways == nil {
		gateways = payments.New
	}
	if events == nil {
		events = NopEvents{}
	}
	return &PayoutService{db: db, wallets: wallets, gateways: gateways, events: events}
}

// PayoutKey derives the idempotency key for a payout's wallet debit.
func PayoutKey(payoutID uuid.UUID) string {
	return "payout:" + payoutID.String()
}

// PayoutReversalKey derives the idempotency key for reversing a failed
// payout's debit.
func PayoutReversalKey(payoutID uuid.UUID) string {
	return "payout_reversal:" + payoutID.String()
}

// EvaluateAutomatic checks every automatic-payout gate for a teacher and,
// when all hold, creates a system-approved payout in processing with its
// wallet debit committed atomically. Ineligibility comes back as a
// business-rule error; the caller logs it and moves on.
func (s *PayoutService) EvaluateAutomatic(ctx context.Context, teacherID uuid.UUID, settings config.Settings) (*models.Payout, error) {
	var payout models.Payout
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var teacher models.Teacher
		if err := tx.First(&teacher, "user_id = ?", teacherID).Error; err != nil {
			return err
		}
		if !teacher.AutoPayoutEnabled {
			return ErrAutoPayoutOff
		}

		// The wallet row lock serializes concurrent evaluations for the
		// same teacher; everything below reads under that lock.
		wallet, err := s.wallets.LockWallet(tx, teacherID, settings.DefaultCurrency)
		if err != nil {
			return err
		}

		var inFlight int64
		if err := tx.Model(&models.Payout{}).
			Where("teacher_id = ? AND status IN ?", teacherID, models.InFlightStatuses).
			Count(&inFlight).Error; err != nil {
			return err
		}
		if inFlight > 0 {
			return ErrPayoutInFlight
		}

		// Cooldown runs from the last payout *request*, not completion.
		var last models.Payout
		err = tx.Where("teacher_id = ?", teacherID).Order("requested_at DESC").First(&last).Error
		if err == nil && time.Since(last.RequestedAt) < settings.PayoutCooldown {
			return ErrCooldownActive
		}
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		available := wallet.BalanceMinor
		if available < settings.MinWithdrawalFor(wallet.Currency) {
			return ErrBelowMinimum
		}
		if available < settings.AutoPayoutThresholdMinor {
			return ErrBelowThreshold
		}

		method, err := s.verifiedMethod(tx, teacherID)
		if err != nil {
			return err
		}

		now := time.Now()
		payout = models.Payout{
			TeacherID:       teacherID,
			AmountMinor:     available,
			Currency:        wallet.Currency,
			PaymentMethodID: method.ID,
			Status:          models.PayoutStatusPending,
			RequestedAt:     now,
		}
		if err := tx.Create(&payout).Error; err != nil {
			return err
		}

		// System approval: no human reviewer id.
		payout.Status = models.PayoutStatusApproved
		payout.ApprovedAt = &now
		payout.Status = models.PayoutStatusProcessing
		payout.ProcessedAt = &now

		if _, err := s.wallets.DebitTx(tx, teacherID, payout.AmountMinor,
			models.LedgerReasonPayout, PayoutKey(payout.ID), wallet.Currency,
			map[string]any{"payout_id": payout.ID.String()}); err != nil {
			return err
		}
		return tx.Save(&payout).Error
	})
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"payout_id":  payout.ID,
		"teacher_id": teacherID,
		"amount":     payout.AmountMinor,
	}).Info("automatic payout created")
	return &payout, nil
}

// RequestManual records a teacher-requested payout awaiting admin review.
// No funds move until an admin approves it.
func (s *PayoutService) RequestManual(ctx context.Context, teacherID uuid.UUID, amountMinor int64, methodID uuid.UUID, settings config.Settings) (*models.Payout, error) {
	if amountMinor <= 0 {
		return nil, fmt.Errorf("%w: payout of %d", ErrInvalidAmount, amountMinor)
	}
	var payout models.Payout
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := s.wallets.LockWallet(tx, teacherID, settings.DefaultCurrency)
		if err != nil {
			return err
		}

		var inFlight int64
		if err := tx.Model(&models.Payout{}).
			Where("teacher_id = ? AND status IN ?", teacherID, models.InFlightStatuses).
			Count(&inFlight).Error; err != nil {
			return err
		}
		if inFlight > 0 {
			return ErrPayoutInFlight
		}
		if amountMinor > wallet.BalanceMinor {
			return fmt.Errorf("%w: have %d, requested %d", ErrInsufficientFunds, wallet.BalanceMinor, amountMinor)
		}
		if amountMinor < settings.MinWithdrawalFor(wallet.Currency) {
			return ErrBelowMinimum
		}

		var method models.PaymentMethod
		if err := tx.Where("id = ? AND teacher_id = ?", methodID, teacherID).First(&method).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNoVerifiedMethod
			}
			return err
		}
		if !method.IsVerified {
			return ErrNoVerifiedMethod
		}

		payout = models.Payout{
			TeacherID:       teacherID,
			AmountMinor:     amountMinor,
			Currency:        wallet.Currency,
			PaymentMethodID: method.ID,
			Status:          models.PayoutStatusPending,
			RequestedAt:     time.Now(),
		}
		return tx.Create(&payout).Error
	})
	if err != nil {
		return nil, err
	}
	return &payout, nil
}

// ApproveManual moves a pending payout to processing under admin authority
// and debits the teacher wallet. Sufficiency is re-validated at lock time;
// the admin's discretion substitutes for the automatic-eligibility gate.
func (s *PayoutService) ApproveManual(ctx context.Context, payoutID, adminID uuid.UUID) (*models.Payout, error) {
	var payout models.Payout
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockForUpdate(tx).First(&payout, "id = ?", payoutID).Error; err != nil {
			return err
		}
		if payout.Status != models.PayoutStatusPending {
			return fmt.Errorf("%w: %s -> approved", ErrInvalidTransition, payout.Status)
		}

		now := time.Now()
		payout.Status = models.PayoutStatusApproved
		payout.ApprovedAt = &now
		payout.ApprovedBy = &adminID
		payout.Status = models.PayoutStatusProcessing
		payout.ProcessedAt = &now

		if _, err := s.wallets.DebitTx(tx, payout.TeacherID, payout.AmountMinor,
			models.LedgerReasonPayout, PayoutKey(payout.ID), payout.Currency,
			map[string]any{"payout_id": payout.ID.String(), "approved_by": adminID.String()}); err != nil {
			return err
		}
		return tx.Save(&payout).Error
	})
	if err != nil {
		return nil, err
	}
	return &payout, nil
}

// RejectManual fails a pending payout without touching the ledger; nothing
// was debited yet.
func (s *PayoutService) RejectManual(ctx context.Context, payoutID, adminID uuid.UUID, note string) (*models.Payout, error) {
	var payout models.Payout
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockForUpdate(tx).First(&payout, "id = ?", payoutID).Error; err != nil {
			return err
		}
		if payout.Status != models.PayoutStatusPending {
			return fmt.Errorf("%w: %s -> failed", ErrInvalidTransition, payout.Status)
		}
		now := time.Now()
		reason := "rejected by administrator"
		if note != "" {
			reason = reason + ": " + note
		}
		payout.Status = models.PayoutStatusFailed
		payout.FailedAt = &now
		payout.FailureReason = &reason
		payout.ApprovedBy = &adminID
		return tx.Save(&payout).Error
	})
	if err != nil {
		return nil, err
	}
	s.events.PayoutFailed(&payout)
	return &payout, nil
}

// Submit sends a processing payout to its gateway. It holds no ledger lock
// across the round-trip. A transport fault or a provider rejection comes
// back as an error for the job layer to retry; a completed payout is a
// no-op so redelivered tasks are safe.
func (s *PayoutService) Submit(ctx context.Context, payoutID uuid.UUID) error {
	var payout models.Payout
	if err := s.db.WithContext(ctx).Preload("PaymentMethod").Preload("Teacher").
		First(&payout, "id = ?", payoutID).Error; err != nil {
		return err
	}

	switch payout.Status {
	case models.PayoutStatusCompleted:
		return nil
	case models.PayoutStatusProcessing:
	default:
		return fmt.Errorf("%w: submit from %s", ErrInvalidTransition, payout.Status)
	}

	gw, err := s.gateways(payout.PaymentMethod.Gateway())
	if err != nil {
		// Unknown or disabled gateway cannot heal on retry.
		_, mfErr := s.markFailed(ctx, &payout, err.Error())
		return mfErr
	}

	recipient := ""
	if payout.PaymentMethod.RecipientCode != nil {
		recipient = *payout.PaymentMethod.RecipientCode
	} else if payout.PaymentMethod.PaypalEmail != nil {
		recipient = *payout.PaymentMethod.PaypalEmail
	}

	transfer, err := gw.SubmitTransfer(ctx, payments.TransferRequest{
		AmountMinor:   payout.AmountMinor,
		Currency:      payout.Currency,
		RecipientCode: recipient,
		Reference:     PayoutKey(payout.ID),
		Reason:        "Tutor earnings payout",
	})
	if err != nil {
		return fmt.Errorf("payout %s gateway call: %w", payout.ID, err)
	}
	if !transfer.OK {
		return fmt.Errorf("payout %s rejected by %s: %s", payout.ID, gw.Name(), transfer.Message)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		payout.Status = models.PayoutStatusCompleted
		payout.CompletedAt = &now
		payout.GatewayRef = &transfer.TransferCode
		if err := tx.Save(&payout).Error; err != nil {
			return err
		}
		return tx.Model(&models.Teacher{}).Where("user_id = ?", payout.TeacherID).
			Update("last_auto_payout_at", now).Error
	})
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"payout_id":   payout.ID,
		"gateway":     gw.Name(),
		"gateway_ref": transfer.TransferCode,
	}).Info("payout completed")
	s.events.PayoutCompleted(&payout)
	return nil
}

// ConfirmCompleted finalizes a processing payout that the gateway reported
// complete asynchronously. Already-completed payouts are a no-op so webhook
// redeliveries are safe.
func (s *PayoutService) ConfirmCompleted(ctx context.Context, payoutID uuid.UUID, gatewayRef string) error {
	var payout models.Payout
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockForUpdate(tx).First(&payout, "id = ?", payoutID).Error; err != nil {
			return err
		}
		switch payout.Status {
		case models.PayoutStatusCompleted:
			return nil
		case models.PayoutStatusProcessing:
		default:
			return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, payout.Status)
		}
		now := time.Now()
		payout.Status = models.PayoutStatusCompleted
		payout.CompletedAt = &now
		if gatewayRef != "" {
			payout.GatewayRef = &gatewayRef
		}
		if err := tx.Save(&payout).Error; err != nil {
			return err
		}
		return tx.Model(&models.Teacher{}).Where("user_id = ?", payout.TeacherID).
			Update("last_auto_payout_at", now).Error
	})
	if err != nil {
		return err
	}
	s.events.PayoutCompleted(&payout)
	return nil
}

// MarkFailed records a permanent submission failure. The payout and its
// ledger debit stay visible for manual follow-up; nothing is silently
// dropped or silently refunded.
func (s *PayoutService) MarkFailed(ctx context.Context, payoutID uuid.UUID, reason string) error {
	var payout models.Payout
	if err := s.db.WithContext(ctx).First(&payout, "id = ?", payoutID).Error; err != nil {
		return err
	}
	_, err := s.markFailed(ctx, &payout, reason)
	return err
}

// markFailed reports whether this call performed the transition. A payout
// already in a terminal state is left alone and raises no events, so a late
// or redelivered failure report never alerts anyone twice.
func (s *PayoutService) markFailed(ctx context.Context, payout *models.Payout, reason string) (bool, error) {
	transitioned := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockForUpdate(tx).First(payout, "id = ?", payout.ID).Error; err != nil {
			return err
		}
		if payout.Status == models.PayoutStatusFailed || payout.Status == models.PayoutStatusCompleted {
			return nil
		}
		now := time.Now()
		payout.Status = models.PayoutStatusFailed
		payout.FailedAt = &now
		payout.FailureReason = &reason
		if err := tx.Save(payout).Error; err != nil {
			return err
		}
		transitioned = true
		return nil
	})
	if err != nil || !transitioned {
		return false, err
	}
	s.events.PayoutFailed(payout)
	s.events.OperatorAlert("payout failed",
		fmt.Sprintf("payout %s for teacher %s failed: %s", payout.ID, payout.TeacherID, reason))
	return true, nil
}

// ReverseFailed writes the compensating credit for a failed payout's debit.
// Admin-triggered; idempotent via the reversal key.
func (s *PayoutService) ReverseFailed(ctx context.Context, payoutID uuid.UUID) (*models.LedgerEntry, error) {
	var entry *models.LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var payout models.Payout
		if err := lockForUpdate(tx).First(&payout, "id = ?", payoutID).Error; err != nil {
			return err
		}
		if payout.Status != models.PayoutStatusFailed {
			return fmt.Errorf("%w: reverse from %s", ErrInvalidTransition, payout.Status)
		}
		original, err := s.wallets.findByKey(tx, PayoutKey(payout.ID))
		if err != nil {
			return err
		}
		if original == nil {
			// Rejected before approval: nothing was ever debited.
			return nil
		}
		entry, err = s.wallets.ReverseTx(tx, original.ID, models.LedgerReasonPayoutReversal,
			PayoutReversalKey(payout.ID), map[string]any{"payout_id": payout.ID.String()})
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *PayoutService) verifiedMethod(tx *gorm.DB, teacherID uuid.UUID) (*models.PaymentMethod, error) {
	var method models.PaymentMethod
	err := tx.Where("teacher_id = ? AND is_verified = ? AND is_preferred = ?", teacherID, true, true).
		First(&method).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = tx.Where("teacher_id = ? AND is_verified = ?", teacherID, true).First(&method).Error
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoVerifiedMethod
	}
	if err != nil {
		return nil, err
	}
	return &method, nil
}
