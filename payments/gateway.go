package payments

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	config "github.com/somatutor/settlement/configs"
)

// Gateway identifiers. The set is closed: adding a provider means adding a
// backend here, not touching call sites.
const (
	GatewayPaystack = "paystack"
	GatewayPayPal   = "paypal"
)

var ErrUnknownGateway = errors.New("unknown payment gateway")

// Result is the tag every provider call carries back across the abstraction
// boundary. Callers branch on OK; provider rejections never surface as Go
// errors. Transport faults (network unreachable, non-parsable response) are
// the only thing returned as errors, for the job boundary to retry.
type Result struct {
	OK      bool
	Message string
}

func failure(format string, args ...any) Result {
	return Result{OK: false, Message: fmt.Sprintf(format, args...)}
}

func success(message string) Result {
	return Result{OK: true, Message: message}
}

type ChargeRequest struct {
	Email       string
	AmountMinor int64
	Currency    string
	Reference   string
	CallbackURL string
}

type ChargeInit struct {
	Result
	AuthorizationURL string
	AccessCode       string
	Reference        string
}

type ChargeStatus struct {
	Result
	Reference         string
	AmountMinor       int64
	Currency          string
	Paid              bool
	AuthorizationCode string
	Channel           string
}

type AuthorizationChargeRequest struct {
	Email             string
	AmountMinor       int64
	Currency          string
	Reference         string
	AuthorizationCode string
}

type AccountResolution struct {
	Result
	AccountNumber string
	AccountName   string
}

type RecipientRequest struct {
	Name          string
	AccountNumber string
	BankCode      string
	Email         string
	Currency      string
}

type Recipient struct {
	Result
	RecipientCode string
}

type TransferRequest struct {
	AmountMinor   int64
	Currency      string
	RecipientCode string
	Reference     string
	Reason        string
}

type Transfer struct {
	Result
	TransferCode string
	Reference    string
	Status       string
}

type Bank struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

type BankList struct {
	Result
	Banks []Bank
}

type WebhookVerification struct {
	Result
}

// Gateway is the uniform capability over one provider backend. Monetary
// amounts cross this boundary in the system's minor units; each backend
// converts to its provider's own unit at the HTTP edge.
type Gateway interface {
	Name() string
	InitializeCharge(ctx context.Context, req ChargeRequest) (*ChargeInit, error)
	VerifyCharge(ctx context.Context, reference string) (*ChargeStatus, error)
	ChargeAuthorization(ctx context.Context, req AuthorizationChargeRequest) (*ChargeStatus, error)
	ResolveBankAccount(ctx context.Context, accountNumber, bankCode string) (*AccountResolution, error)
	CreateTransferRecipient(ctx context.Context, req RecipientRequest) (*Recipient, error)
	SubmitTransfer(ctx context.Context, req TransferRequest) (*Transfer, error)
	ListBanks(ctx context.Context) (*BankList, error)
	VerifyWebhook(signature string, body []byte) *WebhookVerification
}

// New resolves a gateway identifier to its backend, reading credentials from
// the environment. Unknown or disabled identifiers are rejected
// synchronously.
func New(name string) (Gateway, error) {
	switch name {
	case GatewayPaystack:
		if config.Config("PAYSTACK_ENABLED") == "false" {
			return nil, fmt.Errorf("%w: paystack disabled", ErrUnknownGateway)
		}
		return NewPaystackService(config.Config("PAYSTACK_SECRET_KEY")), nil
	case GatewayPayPal:
		if config.Config("PAYPAL_ENABLED") == "false" {
			return nil, fmt.Errorf("%w: paypal disabled", ErrUnknownGateway)
		}
		return NewPayPalService(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownGateway, name)
	}
}

// Enabled reports which gateways are currently configured, without leaking
// credentials.
func Enabled() []string {
	var enabled []string
	if config.Config("PAYSTACK_SECRET_KEY") != "" && config.Config("PAYSTACK_ENABLED") != "false" {
		enabled = append(enabled, GatewayPaystack)
	}
	if config.Config("PAYPAL_CLIENT_ID") != "" && config.Config("PAYPAL_ENABLED") != "false" {
		enabled = append(enabled, GatewayPayPal)
	}
	return enabled
}

// minorToMajorString renders minor units as a major-unit decimal string for
// providers that refuse integer minor units (PayPal).
func minorToMajorString(amountMinor int64) string {
	return strconv.FormatFloat(float64(amountMinor)/100, 'f', 2, 64)
}

// majorStringToMinor parses a provider's major-unit decimal back into minor
// units, the only representation the rest of the system holds.
func majorStringToMinor(value string) (int64, error) {
	major, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", value, err)
	}
	return int64(math.Round(major * 100)), nil
}
