package notifications

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	config "github.com/somatutor/settlement/configs"
	"github.com/somatutor/settlement/models"
)

// EmailEvents turns settlement events into Brevo emails. The orchestrators
// only say what happened; all wording lives here.
type EmailEvents struct {
	db *gorm.DB
}

func NewEmailEvents(db *gorm.DB) *EmailEvents {
	return &EmailEvents{db: db}
}

func (e *EmailEvents) user(id uuid.UUID) (*models.User, bool) {
	var user models.User
	if err := e.db.First(&user, "id = ?", id).Error; err != nil {
		logrus.WithError(err).WithField("user_id", id).Warn("could not load user for notification")
		return nil, false
	}
	return &user, true
}

func (e *EmailEvents) BookingAwaitingApproval(booking *models.Booking) {
	if student, ok := e.user(booking.StudentID); ok {
		go SendEmail(student.FullName, student.Email,
			"Payment Received for Your Booking",
			"<h1>Payment Received</h1><p>Your wallet was charged for your session and the booking is awaiting teacher approval. We will let you know once it is confirmed.</p>")
	}
	if teacher, ok := e.user(booking.TeacherID); ok {
		go SendEmail(teacher.FullName, teacher.Email,
			"You Have a New Booking Request!",
			"<h1>New Booking</h1><p>A student has paid for a session with you. Please review and approve it.</p>")
	}
}

func (e *EmailEvents) BookingConfirmed(booking *models.Booking) {
	if student, ok := e.user(booking.StudentID); ok {
		go SendEmail(student.FullName, student.Email,
			"Your Booking is Confirmed!",
			"<h1>Booking Confirmed</h1><p>Your class is confirmed. You will receive the meeting details shortly.</p>")
	}
}

func (e *EmailEvents) BookingCancelled(booking *models.Booking) {
	reason := ""
	if booking.CancellationReason != nil {
		reason = *booking.CancellationReason
	}
	if student, ok := e.user(booking.StudentID); ok {
		go SendEmail(student.FullName, student.Email,
			"Your Booking Was Cancelled",
			fmt.Sprintf("<h1>Booking Cancelled</h1><p>Your booking was cancelled: %s.</p>", reason))
	}
}

func (e *EmailEvents) BookingCompleted(booking *models.Booking) {
	if teacher, ok := e.user(booking.TeacherID); ok {
		go SendEmail(teacher.FullName, teacher.Email,
			"Session Completed",
			"<h1>Session Completed</h1><p>Your session earnings have been added to your wallet balance.</p>")
	}
}

func (e *EmailEvents) WalletCredited(ownerID uuid.UUID, amountMinor int64, reason string) {
	if owner, ok := e.user(ownerID); ok {
		go SendEmail(owner.FullName, owner.Email,
			"Your Wallet Was Credited",
			fmt.Sprintf("<h1>Wallet Credited</h1><p>Hello %s,</p><p>%.2f was added to your wallet (%s).</p>", owner.FullName, float64(amountMinor)/100, reason))
	}
}

func (e *EmailEvents) PayoutCompleted(payout *models.Payout) {
	if teacher, ok := e.user(payout.TeacherID); ok {
		go SendEmail(teacher.FullName, teacher.Email,
			"Your Payout Has Been Processed",
			fmt.Sprintf("<h1>Payout Processed</h1><p>Hello %s,</p><p>Your payout for the amount of %.2f has been sent.</p>", teacher.FullName, float64(payout.AmountMinor)/100))
	}
}

// PayoutFailed deliberately does not email the teacher: failed payouts are
// an operator concern until someone resolves them.
func (e *EmailEvents) PayoutFailed(payout *models.Payout) {
	logrus.WithFields(logrus.Fields{
		"payout_id":  payout.ID,
		"teacher_id": payout.TeacherID,
	}).Warn("payout failed, awaiting manual follow-up")
}

func (e *EmailEvents) OperatorAlert(subject, detail string) {
	logrus.WithField("subject", subject).Error(detail)
	operatorEmail := config.Config("OPERATOR_EMAIL")
	if operatorEmail == "" {
		return
	}
	go SendEmail("Operations", operatorEmail,
		"[settlement alert] "+subject,
		fmt.Sprintf("<h1>Settlement Alert</h1><p>%s</p>", detail))
}
