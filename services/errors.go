package services

import "errors"

// Business-rule failures. These are terminal for the attempt that hit them
// and must not be retried by the job layer; transient infrastructure errors
// travel as ordinary wrapped errors instead.
var (
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidTransition = errors.New("invalid status transition")

	ErrPayoutInFlight   = errors.New("payout already in flight")
	ErrCooldownActive   = errors.New("payout cooldown still active")
	ErrBelowMinimum     = errors.New("balance below withdrawal minimum")
	ErrBelowThreshold   = errors.New("balance below auto-payout threshold")
	ErrAutoPayoutOff    = errors.New("automatic payouts disabled")
	ErrNoVerifiedMethod = errors.New("no verified payment method")
)

// IsBusinessFailure reports whether err is terminal for the current attempt
// (retrying cannot change the outcome).
func IsBusinessFailure(err error) bool {
	for _, known := range []error{
		ErrInvalidAmount, ErrInsufficientFunds, ErrInvalidTransition,
		ErrPayoutInFlight, ErrCooldownActive, ErrBelowMinimum,
		ErrBelowThreshold, ErrAutoPayoutOff, ErrNoVerifiedMethod,
	} {
		if errors.Is(err, known) {
			return true
		}
	}
	return false
}
