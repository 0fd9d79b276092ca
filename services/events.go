package services

import (
	"github.com/google/uuid"

	"github.com/somatutor/settlement/models"
)

// EventSink receives notification-worthy settlement events. Orchestrators
// emit these on every transition; formatting and delivery belong to the
// notifications collaborator, never to the orchestrators.
type EventSink interface {
	BookingAwaitingApproval(booking *models.Booking)
	BookingConfirmed(booking *models.Booking)
	BookingCancelled(booking *models.Booking)
	BookingCompleted(booking *models.Booking)

	WalletCredited(ownerID uuid.UUID, amountMinor int64, reason string)

	PayoutCompleted(payout *models.Payout)
	PayoutFailed(payout *models.Payout)

	// OperatorAlert surfaces permanent integration failures to operators,
	// never to end users.
	OperatorAlert(subject, detail string)
}

// NopEvents discards every event. Used by tests and as the default sink.
type NopEvents struct{}

func (NopEvents) BookingAwaitingApproval(*models.Booking)          {}
func (NopEvents) BookingConfirmed(*models.Booking)                 {}
func (NopEvents) BookingCancelled(*models.Booking)                 {}
func (NopEvents) BookingCompleted(*models.Booking)                 {}
func (NopEvents) WalletCredited(uuid.UUID, int64, string)          {}
func (NopEvents) PayoutCompleted(*models.Payout)                   {}
func (NopEvents) PayoutFailed(*models.Payout)                      {}
func (NopEvents) OperatorAlert(string, string)                     {}
