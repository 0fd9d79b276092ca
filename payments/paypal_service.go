package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	config "github.com/somatutor/settlement/configs"
)

// PayPalService is the wallet-to-email processor backend: checkout orders
// for inbound money and payouts for outbound money.
type PayPalService struct {
	BaseURL string
	client  *http.Client
}

func NewPayPalService() *PayPalService {
	return &PayPalService{
		BaseURL: config.Config("PAYPAL_API_BASE_URL"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *PayPalService) Name() string { return GatewayPayPal }

type paypalOrder struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		Amount struct {
			CurrencyCode string `json:"currency_code"`
			Value        string `json:"value"`
		} `json:"amount"`
	} `json:"purchase_units"`
	Links []struct {
		Href string `json:"href"`
		Rel  string `json:"rel"`
	} `json:"links"`
}

// call performs one authenticated PayPal round-trip. wantStatus is the
// expected HTTP status; any other 4xx becomes a tagged rejection, transport
// trouble an error.
func (s *PayPalService) call(ctx context.Context, method, path string, payload any, wantStatus int, out any) (bool, string, error) {
	accessToken, err := getPayPalAccessToken()
	if err != nil {
		return false, "", fmt.Errorf("failed to get PayPal access token: %w", err)
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return false, "", fmt.Errorf("failed to marshal PayPal payload: %w", err)
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.BaseURL+path, body)
	if err != nil {
		return false, "", fmt.Errorf("failed to create PayPal request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return false, "", fmt.Errorf("PayPal request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, "", fmt.Errorf("failed to read PayPal response: %w", err)
	}

	if resp.StatusCode != wantStatus {
		if resp.StatusCode >= http.StatusInternalServerError {
			return false, "", fmt.Errorf("PayPal returned status %d: %s", resp.StatusCode, string(respBody))
		}
		return false, string(respBody), nil
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return false, "", fmt.Errorf("failed to unmarshal PayPal response: %w", err)
		}
	}
	return true, "", nil
}

func (s *PayPalService) InitializeCharge(ctx context.Context, req ChargeRequest) (*ChargeInit, error) {
	payload := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{
			{
				"reference_id": req.Reference,
				"amount": map[string]string{
					"currency_code": req.Currency,
					"value":         minorToMajorString(req.AmountMinor),
				},
			},
		},
	}

	var order paypalOrder
	ok, message, err := s.call(ctx, http.MethodPost, "/v2/checkout/orders", payload, http.StatusCreated, &order)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &ChargeInit{Result: failure("failed to create order: %s", message)}, nil
	}

	var approveURL string
	for _, link := range order.Links {
		if link.Rel == "approve" {
			approveURL = link.Href
			break
		}
	}
	return &ChargeInit{
		Result:           success("order created"),
		AuthorizationURL: approveURL,
		Reference:        order.ID,
	}, nil
}

func (s *PayPalService) VerifyCharge(ctx context.Context, reference string) (*ChargeStatus, error) {
	var order paypalOrder
	ok, message, err := s.call(ctx, http.MethodGet, "/v2/checkout/orders/"+reference, nil, http.StatusOK, &order)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &ChargeStatus{Result: failure("failed to get order: %s", message)}, nil
	}
	return s.orderStatus(&order)
}

// ChargeAuthorization captures an approved order; the authorization code is
// the order id the buyer approved.
func (s *PayPalService) ChargeAuthorization(ctx context.Context, req AuthorizationChargeRequest) (*ChargeStatus, error) {
	var order paypalOrder
	ok, message, err := s.call(ctx, http.MethodPost, "/v2/checkout/orders/"+req.AuthorizationCode+"/capture", nil, http.StatusCreated, &order)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &ChargeStatus{Result: failure("failed to capture order: %s", message)}, nil
	}
	return s.orderStatus(&order)
}

func (s *PayPalService) orderStatus(order *paypalOrder) (*ChargeStatus, error) {
	status := &ChargeStatus{
		Result:    success("order " + order.Status),
		Reference: order.ID,
		Paid:      order.Status == "COMPLETED",
	}
	if len(order.PurchaseUnits) > 0 {
		amount := order.PurchaseUnits[0].Amount
		minor, err := majorStringToMinor(amount.Value)
		if err != nil {
			return nil, err
		}
		status.AmountMinor = minor
		status.Currency = amount.CurrencyCode
	}
	return status, nil
}

func (s *PayPalService) ResolveBankAccount(ctx context.Context, accountNumber, bankCode string) (*AccountResolution, error) {
	return &AccountResolution{Result: failure("bank account resolution is not supported by paypal")}, nil
}

// CreateTransferRecipient records the receiver email; PayPal payouts need
// nothing more than the address.
func (s *PayPalService) CreateTransferRecipient(ctx context.Context, req RecipientRequest) (*Recipient, error) {
	if req.Email == "" {
		return &Recipient{Result: failure("paypal recipient requires an email address")}, nil
	}
	return &Recipient{Result: success("recipient recorded"), RecipientCode: req.Email}, nil
}

func (s *PayPalService) SubmitTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	payload := map[string]any{
		"sender_batch_header": map[string]any{
			// sender_batch_id dedupes retried submissions provider-side
			"sender_batch_id": req.Reference,
			"email_subject":   "You have a payout",
		},
		"items": []map[string]any{
			{
				"recipient_type": "EMAIL",
				"receiver":       req.RecipientCode,
				"note":           req.Reason,
				"sender_item_id": req.Reference,
				"amount": map[string]string{
					"currency": req.Currency,
					"value":    minorToMajorString(req.AmountMinor),
				},
			},
		},
	}

	var data struct {
		BatchHeader struct {
			PayoutBatchID string `json:"payout_batch_id"`
			BatchStatus   string `json:"batch_status"`
		} `json:"batch_header"`
	}
	ok, message, err := s.call(ctx, http.MethodPost, "/v1/payments/payouts", payload, http.StatusCreated, &data)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Transfer{Result: failure("failed to create payout: %s", message)}, nil
	}
	return &Transfer{
		Result:       success("payout created"),
		TransferCode: data.BatchHeader.PayoutBatchID,
		Reference:    req.Reference,
		Status:       data.BatchHeader.BatchStatus,
	}, nil
}

func (s *PayPalService) ListBanks(ctx context.Context) (*BankList, error) {
	return &BankList{Result: failure("bank listing is not supported by paypal")}, nil
}

// VerifyWebhook has no real signature check yet. Until one ships, every
// PayPal webhook is treated as untrusted and rejected outright.
func (s *PayPalService) VerifyWebhook(signature string, body []byte) *WebhookVerification {
	return &WebhookVerification{Result: failure("paypal webhook verification is not implemented; payload rejected")}
}
