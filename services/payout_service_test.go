package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/somatutor/settlement/models"
	"github.com/somatutor/settlement/payments"
)

// fakeGateway answers transfer submissions from memory: the first
// failTransport calls return a transport error, then every call is either
// rejected or accepted wholesale.
type fakeGateway struct {
	mu            sync.Mutex
	calls         int
	failTransport int
	reject        bool
}

func (f *fakeGateway) Name() string { return "fake" }

func (f *fakeGateway) SubmitTransfer(ctx context.Context, req payments.TransferRequest) (*payments.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failTransport {
		return nil, errors.New("connection reset by peer")
	}
	if f.reject {
		return &payments.Transfer{Result: payments.Result{OK: false, Message: "insufficient provider balance"}}, nil
	}
	return &payments.Transfer{
		Result:       payments.Result{OK: true, Message: "Transfer queued"},
		TransferCode: "TRF_fake",
		Reference:    req.Reference,
		Status:       "success",
	}, nil
}

func (f *fakeGateway) InitializeCharge(context.Context, payments.ChargeRequest) (*payments.ChargeInit, error) {
	return &payments.ChargeInit{Result: payments.Result{OK: true}}, nil
}
func (f *fakeGateway) VerifyCharge(context.Context, string) (*payments.ChargeStatus, error) {
	return &payments.ChargeStatus{Result: payments.Result{OK: true}}, nil
}
func (f *fakeGateway) ChargeAuthorization(context.Context, payments.AuthorizationChargeRequest) (*payments.ChargeStatus, error) {
	return &payments.ChargeStatus{Result: payments.Result{OK: true}}, nil
}
func (f *fakeGateway) ResolveBankAccount(context.Context, string, string) (*payments.AccountResolution, error) {
	return &payments.AccountResolution{Result: payments.Result{OK: true}}, nil
}
func (f *fakeGateway) CreateTransferRecipient(context.Context, payments.RecipientRequest) (*payments.Recipient, error) {
	return &payments.Recipient{Result: payments.Result{OK: true}}, nil
}
func (f *fakeGateway) ListBanks(context.Context) (*payments.BankList, error) {
	return &payments.BankList{Result: payments.Result{OK: true}}, nil
}
func (f *fakeGateway) VerifyWebhook(string, []byte) *payments.WebhookVerification {
	return &payments.WebhookVerification{Result: payments.Result{OK: true}}
}

func fakeResolver(gw payments.Gateway) GatewayResolver {
	return func(string) (payments.Gateway, error) { return gw, nil }
}

// countingEvents records how often each payout event fired.
type countingEvents struct {
	mu        sync.Mutex
	failed    int
	completed int
	alerts    int
}

func (c *countingEvents) BookingAwaitingApproval(*models.Booking) {}
func (c *countingEvents) BookingConfirmed(*models.Booking)        {}
func (c *countingEvents) BookingCancelled(*models.Booking)        {}
func (c *countingEvents) BookingCompleted(*models.Booking)        {}
func (c *countingEvents) WalletCredited(uuid.UUID, int64, string) {}

func (c *countingEvents) PayoutCompleted(*models.Payout) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed++
}

func (c *countingEvents) PayoutFailed(*models.Payout) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed++
}

func (c *countingEvents) OperatorAlert(string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts++
}

// seedEligibleTeacher creates a teacher with automatic payouts on, a verified
// bank method and the given wallet balance.
func seedEligibleTeacher(t *testing.T, db *gorm.DB, wallets *WalletService, balance int64) uuid.UUID {
	t.Helper()
	teacher := models.Teacher{Status: "approved", AutoPayoutEnabled: true}
	if err := db.Create(&teacher).Error; err != nil {
		t.Fatalf("create teacher: %v", err)
	}
	code := "RCP_" + teacher.UserID.String()[:8]
	method := models.PaymentMethod{
		TeacherID:     teacher.UserID,
		Type:          models.PaymentMethodBankAccount,
		IsVerified:    true,
		IsPreferred:   true,
		RecipientCode: &code,
	}
	if err := db.Create(&method).Error; err != nil {
		t.Fatalf("create payment method: %v", err)
	}
	if balance > 0 {
		if _, err := wallets.Credit(context.Background(), teacher.UserID, balance,
			models.LedgerReasonLessonEarnings, "seed:"+teacher.UserID.String(), "KES", nil); err != nil {
			t.Fatalf("seed balance: %v", err)
		}
	}
	return teacher.UserID
}

func TestEvaluateAutomaticCreatesProcessingPayout(t *testing.T) {
	db := newTestDB(t)
	wallets := NewWalletService(db)
	payouts := NewPayoutService(db, wallets, fakeResolver(&fakeGateway{}), nil)
	ctx := context.Background()

	teacherID := seedEligibleTeacher(t, db, wallets, 60000)

	payout, err := payouts.EvaluateAutomatic(ctx, teacherID, testSettings())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if payout.Status != models.PayoutStatusProcessing {
		t.Fatalf("status = %q, want processing", payout.Status)
	}
	if payout.AmountMinor != 60000 {
		t.Fatalf("amount = %d, want full balance 60000", payout.AmountMinor)
	}
	if payout.ApprovedBy != nil {
		t.Fatalf("system payout has a human approver")
	}

	balance, _ := wallets.AvailableBalance(ctx, teacherID)
	if balance != 0 {
		t.Fatalf("balance = %d, want 0 after debit", balance)
	}
	entry, _ := wallets.FindEntryByKey(ctx, PayoutKey(payout.ID))
	if entry == nil || entry.AmountMinor != -60000 {
		t.Fatalf("payout debit entry missing or wrong: %+v", entry)
	}
}

func TestEvaluateAutomaticGates(t *testing.T) {
	db := newTestDB(t)
	wallets := NewWalletService(db)
	payouts := NewPayoutService(db, wallets, fakeResolver(&fakeGateway{}), nil)
	ctx := context.Background()
	settings := testSettings()

	t.Run("auto payout disabled", func(t *testing.T) {
		teacher := models.Teacher{Status: "approved", AutoPayoutEnabled: false}
		if err := db.Create(&teacher).Error; err != nil {
			t.Fatalf("create teacher: %v", err)
		}
		if _, err := payouts.EvaluateAutomatic(ctx, teacher.UserID, settings); !errors.Is(err, ErrAutoPayoutOff) {
			t.Fatalf("err = %v, want ErrAutoPayoutOff", err)
		}
	})

	t.Run("below threshold", func(t *testing.T) {
		teacherID := seedEligibleTeacher(t, db, wallets, 30000)
		if _, err := payouts.EvaluateAutomatic(ctx, teacherID, settings); !errors.Is(err, ErrBelowThreshold) {
			t.Fatalf("err = %v, want ErrBelowThreshold", err)
		}
	})

	t.Run("below minimum", func(t *testing.T) {
		teacherID := seedEligibleTeacher(t, db, wallets, 5000)
		if _, err := payouts.EvaluateAutomatic(ctx, teacherID, settings); !errors.Is(err, ErrBelowMinimum) {
			t.Fatalf("err = %v, want ErrBelowMinimum", err)
		}
	})

	t.Run("no verified method", func(t *testing.T) {
		teacher := models.Teacher{Status: "approved", AutoPayoutEnabled: true}
		if err := db.Create(&teacher).Error; err != nil {
			t.Fatalf("create teacher: %v", err)
		}
		if _, err := wallets.Credit(ctx, teacher.UserID, 60000,
			models.LedgerReasonLessonEarnings, "seed:"+teacher.UserID.String(), "KES", nil); err != nil {
			t.Fatalf("seed balance: %v", err)
		}
		if _, err := payouts.EvaluateAutomatic(ctx, teacher.UserID, settings); !errors.Is(err, ErrNoVerifiedMethod) {
			t.Fatalf("err = %v, want ErrNoVerifiedMethod", err)
		}
	})

	t.Run("payout in flight", func(t *testing.T) {
		teacherID := seedEligibleTeacher(t, db, wallets, 120000)
		if _, err := payouts.EvaluateAutomatic(ctx, teacherID, settings); err != nil {
			t.Fatalf("first evaluate: %v", err)
		}
		if _, err := wallets.Credit(ctx, teacherID, 60000,
			models.LedgerReasonLessonEarnings, "seed2:"+teacherID.String(), "KES", nil); err != nil {
			t.Fatalf("second seed: %v", err)
		}
		if _, err := payouts.EvaluateAutomatic(ctx, teacherID, settings); !errors.Is(err, ErrPayoutInFlight) {
			t.Fatalf("err = %v, want ErrPayoutInFlight", err)
		}
	})

	t.Run("cooldown since last request", func(t *testing.T) {
		teacherID := seedEligibleTeacher(t, db, wallets, 60000)
		// A completed payout requested an hour ago still holds the cooldown.
		previous := models.Payout{
			TeacherID:       teacherID,
			AmountMinor:     50000,
			Currency:        "KES",
			PaymentMethodID: uuid.New(),
			Status:          models.PayoutStatusCompleted,
			RequestedAt:     time.Now().Add(-time.Hour),
		}
		if err := db.Create(&previous).Error; err != nil {
			t.Fatalf("create previous payout: %v", err)
		}
		if _, err := payouts.EvaluateAutomatic(ctx, teacherID, settings); !errors.Is(err, ErrCooldownActive) {
			t.Fatalf("err = %v, want ErrCooldownActive", err)
		}
	})
}

func TestConcurrentEvaluationCreatesOnePayout(t *testing.T) {
	db := newTestDB(t)
	wallets := NewWalletService(db)
	payouts := NewPayoutService(db, wallets, fakeResolver(&fakeGateway{}), nil)
	ctx := context.Background()

	teacherID := seedEligibleTeacher(t, db, wallets, 60000)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := payouts.EvaluateAutomatic(ctx, teacherID, testSettings())
			if err != nil && !IsBusinessFailure(err) {
				t.Errorf("evaluate: %v", err)
			}
		}()
	}
	wg.Wait()

	var count int64
	db.Model(&models.Payout{}).Where("teacher_id = ?", teacherID).Count(&count)
	if count != 1 {
		t.Fatalf("payout count = %d, want exactly 1", count)
	}
	balance, _ := wallets.AvailableBalance(ctx, teacherID)
	if balance != 0 {
		t.Fatalf("balance = %d, want 0 (debited once)", balance)
	}
}

func TestSubmitCompletesPayout(t *testing.T) {
	db := newTestDB(t)
	wallets := NewWalletService(db)
	gw := &fakeGateway{}
	payouts := NewPayoutService(db, wallets, fakeResolver(gw), nil)
	ctx := context.Background()

	teacherID := seedEligibleTeacher(t, db, wallets, 60000)
	payout, err := payouts.EvaluateAutomatic(ctx, teacherID, testSettings())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	if err := payouts.Submit(ctx, payout.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}

	var got models.Payout
	db.First(&got, "id = ?", payout.ID)
	if got.Status != models.PayoutStatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if got.GatewayRef == nil || *got.GatewayRef != "TRF_fake" {
		t.Fatalf("gateway ref = %v, want TRF_fake", got.GatewayRef)
	}

	var teacher models.Teacher
	db.First(&teacher, "user_id = ?", teacherID)
	if teacher.LastAutoPayoutAt == nil {
		t.Fatalf("last auto payout timestamp not recorded")
	}

	// Redelivered submission is a no-op, not a second transfer.
	if err := payouts.Submit(ctx, payout.ID); err != nil {
		t.Fatalf("redelivered submit: %v", err)
	}
	if gw.calls != 1 {
		t.Fatalf("gateway calls = %d, want 1", gw.calls)
	}
}

func TestSubmitRejectionAndTransportFaultAreRetryable(t *testing.T) {
	db := newTestDB(t)
	wallets := NewWalletService(db)
	ctx := context.Background()

	teacherID := seedEligibleTeacher(t, db, wallets, 60000)

	reject := &fakeGateway{reject: true}
	payouts := NewPayoutService(db, wallets, fakeResolver(reject), nil)
	payout, err := payouts.EvaluateAutomatic(ctx, teacherID, testSettings())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	if err := payouts.Submit(ctx, payout.ID); err == nil {
		t.Fatalf("rejected transfer did not surface as error")
	}
	var got models.Payout
	db.First(&got, "id = ?", payout.ID)
	if got.Status != models.PayoutStatusProcessing {
		t.Fatalf("status = %q, want still processing for retry", got.Status)
	}

	flaky := &fakeGateway{failTransport: 1}
	payouts = NewPayoutService(db, wallets, fakeResolver(flaky), nil)
	if err := payouts.Submit(ctx, payout.ID); err == nil {
		t.Fatalf("transport fault did not surface as error")
	}
	if err := payouts.Submit(ctx, payout.ID); err != nil {
		t.Fatalf("retry after transport fault: %v", err)
	}
}

func TestMarkFailedAndReverse(t *testing.T) {
	db := newTestDB(t)
	wallets := NewWalletService(db)
	payouts := NewPayoutService(db, wallets, fakeResolver(&fakeGateway{}), nil)
	ctx := context.Background()

	teacherID := seedEligibleTeacher(t, db, wallets, 60000)
	payout, err := payouts.EvaluateAutomatic(ctx, teacherID, testSettings())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	if err := payouts.MarkFailed(ctx, payout.ID, "recipient account closed"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	// The debit stays until an operator reverses it explicitly.
	balance, _ := wallets.AvailableBalance(ctx, teacherID)
	if balance != 0 {
		t.Fatalf("balance = %d, want 0 before reversal", balance)
	}

	entry, err := payouts.ReverseFailed(ctx, payout.ID)
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if entry == nil || entry.AmountMinor != 60000 {
		t.Fatalf("reversal entry missing or wrong: %+v", entry)
	}
	balance, _ = wallets.AvailableBalance(ctx, teacherID)
	if balance != 60000 {
		t.Fatalf("balance = %d, want restored 60000", balance)
	}

	// Replayed reversal must not double-credit.
	if _, err := payouts.ReverseFailed(ctx, payout.ID); err != nil {
		t.Fatalf("replayed reverse: %v", err)
	}
	balance, _ = wallets.AvailableBalance(ctx, teacherID)
	if balance != 60000 {
		t.Fatalf("balance = %d after replay, want 60000", balance)
	}
}

func TestMarkFailedAfterCompletionIsNoop(t *testing.T) {
	db := newTestDB(t)
	wallets := NewWalletService(db)
	events := &countingEvents{}
	payouts := NewPayoutService(db, wallets, fakeResolver(&fakeGateway{}), events)
	ctx := context.Background()

	teacherID := seedEligibleTeacher(t, db, wallets, 60000)
	payout, err := payouts.EvaluateAutomatic(ctx, teacherID, testSettings())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if err := payouts.Submit(ctx, payout.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// A late failure report for a payout that already completed must change
	// nothing and alert no one.
	if err := payouts.MarkFailed(ctx, payout.ID, "late failure report"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	var got models.Payout
	db.First(&got, "id = ?", payout.ID)
	if got.Status != models.PayoutStatusCompleted {
		t.Fatalf("status = %q, want still completed", got.Status)
	}
	if got.FailureReason != nil {
		t.Fatalf("failure reason = %q on completed payout", *got.FailureReason)
	}
	if events.failed != 0 || events.alerts != 0 {
		t.Fatalf("events fired for no-op: failed = %d, alerts = %d, want 0/0", events.failed, events.alerts)
	}

	if _, err := payouts.ReverseFailed(ctx, payout.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("reverse completed payout err = %v, want ErrInvalidTransition", err)
	}
	balance, _ := wallets.AvailableBalance(ctx, teacherID)
	if balance != 0 {
		t.Fatalf("balance = %d, want 0 (no spurious reversal credit)", balance)
	}
}

func TestMarkFailedEmitsEventsOnce(t *testing.T) {
	db := newTestDB(t)
	wallets := NewWalletService(db)
	events := &countingEvents{}
	payouts := NewPayoutService(db, wallets, fakeResolver(&fakeGateway{}), events)
	ctx := context.Background()

	teacherID := seedEligibleTeacher(t, db, wallets, 60000)
	payout, err := payouts.EvaluateAutomatic(ctx, teacherID, testSettings())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := payouts.MarkFailed(ctx, payout.ID, "recipient account closed"); err != nil {
			t.Fatalf("mark failed %d: %v", i+1, err)
		}
	}
	if events.failed != 1 || events.alerts != 1 {
		t.Fatalf("events: failed = %d, alerts = %d, want exactly 1/1 across redeliveries", events.failed, events.alerts)
	}
}

func TestManualPayoutLifecycle(t *testing.T) {
	db := newTestDB(t)
	wallets := NewWalletService(db)
	payouts := NewPayoutService(db, wallets, fakeResolver(&fakeGateway{}), nil)
	ctx := context.Background()
	adminID := uuid.New()

	teacherID := seedEligibleTeacher(t, db, wallets, 60000)

	var method models.PaymentMethod
	db.First(&method, "teacher_id = ?", teacherID)

	payout, err := payouts.RequestManual(ctx, teacherID, 20000, method.ID, testSettings())
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if payout.Status != models.PayoutStatusPending {
		t.Fatalf("status = %q, want pending", payout.Status)
	}
	// Nothing is debited until approval.
	balance, _ := wallets.AvailableBalance(ctx, teacherID)
	if balance != 60000 {
		t.Fatalf("balance = %d, want untouched 60000", balance)
	}

	approved, err := payouts.ApproveManual(ctx, payout.ID, adminID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != models.PayoutStatusProcessing {
		t.Fatalf("status = %q, want processing", approved.Status)
	}
	if approved.ApprovedBy == nil || *approved.ApprovedBy != adminID {
		t.Fatalf("approver not recorded")
	}
	balance, _ = wallets.AvailableBalance(ctx, teacherID)
	if balance != 40000 {
		t.Fatalf("balance = %d, want 40000 after approval debit", balance)
	}

	if _, err := payouts.ApproveManual(ctx, payout.ID, adminID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second approve err = %v, want ErrInvalidTransition", err)
	}
}

func TestRejectManualLeavesLedgerAlone(t *testing.T) {
	db := newTestDB(t)
	wallets := NewWalletService(db)
	payouts := NewPayoutService(db, wallets, fakeResolver(&fakeGateway{}), nil)
	ctx := context.Background()

	teacherID := seedEligibleTeacher(t, db, wallets, 60000)
	var method models.PaymentMethod
	db.First(&method, "teacher_id = ?", teacherID)

	payout, err := payouts.RequestManual(ctx, teacherID, 20000, method.ID, testSettings())
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	rejected, err := payouts.RejectManual(ctx, payout.ID, uuid.New(), "amount disputed")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != models.PayoutStatusFailed {
		t.Fatalf("status = %q, want failed", rejected.Status)
	}

	balance, _ := wallets.AvailableBalance(ctx, teacherID)
	if balance != 60000 {
		t.Fatalf("balance = %d, want untouched 60000", balance)
	}

	// Reversing a rejected payout finds no debit and does nothing.
	entry, err := payouts.ReverseFailed(ctx, payout.ID)
	if err != nil {
		t.Fatalf("reverse rejected: %v", err)
	}
	if entry != nil {
		t.Fatalf("unexpected reversal entry for rejected payout")
	}
}
