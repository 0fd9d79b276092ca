package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
)

const paystackBaseURL = "https://api.paystack.co"

// PaystackService is the card/bank processor backend: charges, bank account
// resolution, transfer recipients and transfers.
type PaystackService struct {
	SecretKey string
	BaseURL   string
	client    *http.Client
}

func NewPaystackService(secretKey string) *PaystackService {
	return &PaystackService{
		SecretKey: secretKey,
		BaseURL:   paystackBaseURL,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *PaystackService) Name() string { return GatewayPaystack }

// paystackEnvelope wraps every Paystack response.
type paystackEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// call performs one Paystack API round-trip. A transport fault or an
// unparsable body comes back as an error; a provider rejection comes back as
// a false envelope status with its message.
func (s *PaystackService) call(ctx context.Context, method, path string, payload any, out any) (bool, string, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return false, "", fmt.Errorf("failed to marshal paystack payload: %w", err)
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.BaseURL+path, body)
	if err != nil {
		return false, "", fmt.Errorf("failed to create paystack request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.SecretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return false, "", fmt.Errorf("paystack request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, "", fmt.Errorf("failed to read paystack response: %w", err)
	}

	var envelope paystackEnvelope
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		logrus.WithFields(logrus.Fields{
			"path":   path,
			"status": resp.StatusCode,
		}).Error("unparsable paystack response")
		return false, "", fmt.Errorf("paystack returned unparsable response (status %d)", resp.StatusCode)
	}
	if !envelope.Status {
		return false, envelope.Message, nil
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return false, "", fmt.Errorf("failed to unmarshal paystack data: %w", err)
		}
	}
	return true, envelope.Message, nil
}

func (s *PaystackService) InitializeCharge(ctx context.Context, req ChargeRequest) (*ChargeInit, error) {
	payload := map[string]any{
		"email":     req.Email,
		"amount":    req.AmountMinor, // paystack takes minor units directly
		"currency":  req.Currency,
		"reference": req.Reference,
	}
	if req.CallbackURL != "" {
		payload["callback_url"] = req.CallbackURL
	}

	var data struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	}
	ok, message, err := s.call(ctx, http.MethodPost, "/transaction/initialize", payload, &data)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &ChargeInit{Result: failure("%s", message)}, nil
	}
	return &ChargeInit{
		Result:           success(message),
		AuthorizationURL: data.AuthorizationURL,
		AccessCode:       data.AccessCode,
		Reference:        data.Reference,
	}, nil
}

func (s *PaystackService) VerifyCharge(ctx context.Context, reference string) (*ChargeStatus, error) {
	var data struct {
		Status        string `json:"status"`
		Reference     string `json:"reference"`
		Amount        int64  `json:"amount"`
		Currency      string `json:"currency"`
		Channel       string `json:"channel"`
		Authorization struct {
			AuthorizationCode string `json:"authorization_code"`
		} `json:"authorization"`
	}
	ok, message, err := s.call(ctx, http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil, &data)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &ChargeStatus{Result: failure("%s", message)}, nil
	}
	return &ChargeStatus{
		Result:            success(message),
		Reference:         data.Reference,
		AmountMinor:       data.Amount,
		Currency:          data.Currency,
		Paid:              data.Status == "success",
		AuthorizationCode: data.Authorization.AuthorizationCode,
		Channel:           data.Channel,
	}, nil
}

func (s *PaystackService) ChargeAuthorization(ctx context.Context, req AuthorizationChargeRequest) (*ChargeStatus, error) {
	payload := map[string]any{
		"email":              req.Email,
		"amount":             req.AmountMinor,
		"currency":           req.Currency,
		"reference":          req.Reference,
		"authorization_code": req.AuthorizationCode,
	}
	var data struct {
		Status    string `json:"status"`
		Reference string `json:"reference"`
		Amount    int64  `json:"amount"`
		Currency  string `json:"currency"`
		Channel   string `json:"channel"`
	}
	ok, message, err := s.call(ctx, http.MethodPost, "/transaction/charge_authorization", payload, &data)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &ChargeStatus{Result: failure("%s", message)}, nil
	}
	return &ChargeStatus{
		Result:      success(message),
		Reference:   data.Reference,
		AmountMinor: data.Amount,
		Currency:    data.Currency,
		Paid:        data.Status == "success",
		Channel:     data.Channel,
	}, nil
}

func (s *PaystackService) ResolveBankAccount(ctx context.Context, accountNumber, bankCode string) (*AccountResolution, error) {
	query := url.Values{"account_number": {accountNumber}, "bank_code": {bankCode}}
	var data struct {
		AccountNumber string `json:"account_number"`
		AccountName   string `json:"account_name"`
	}
	ok, message, err := s.call(ctx, http.MethodGet, "/bank/resolve?"+query.Encode(), nil, &data)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &AccountResolution{Result: failure("%s", message)}, nil
	}
	return &AccountResolution{
		Result:        success(message),
		AccountNumber: data.AccountNumber,
		AccountName:   data.AccountName,
	}, nil
}

func (s *PaystackService) CreateTransferRecipient(ctx context.Context, req RecipientRequest) (*Recipient, error) {
	payload := map[string]any{
		"type":           "nuban",
		"name":           req.Name,
		"account_number": req.AccountNumber,
		"bank_code":      req.BankCode,
		"currency":       req.Currency,
	}
	var data struct {
		RecipientCode string `json:"recipient_code"`
	}
	ok, message, err := s.call(ctx, http.MethodPost, "/transferrecipient", payload, &data)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Recipient{Result: failure("%s", message)}, nil
	}
	return &Recipient{Result: success(message), RecipientCode: data.RecipientCode}, nil
}

func (s *PaystackService) SubmitTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	payload := map[string]any{
		"source":    "balance",
		"amount":    req.AmountMinor,
		"currency":  req.Currency,
		"recipient": req.RecipientCode,
		"reference": req.Reference, // makes retried submissions idempotent provider-side
		"reason":    req.Reason,
	}
	var data struct {
		TransferCode string `json:"transfer_code"`
		Reference    string `json:"reference"`
		Status       string `json:"status"`
	}
	ok, message, err := s.call(ctx, http.MethodPost, "/transfer", payload, &data)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Transfer{Result: failure("%s", message)}, nil
	}
	return &Transfer{
		Result:       success(message),
		TransferCode: data.TransferCode,
		Reference:    data.Reference,
		Status:       data.Status,
	}, nil
}

func (s *PaystackService) ListBanks(ctx context.Context) (*BankList, error) {
	var banks []Bank
	ok, message, err := s.call(ctx, http.MethodGet, "/bank", nil, &banks)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &BankList{Result: failure("%s", message)}, nil
	}
	return &BankList{Result: success(message), Banks: banks}, nil
}

// VerifyWebhook checks the x-paystack-signature header: an HMAC-SHA512 of
// the raw body keyed with the secret key.
func (s *PaystackService) VerifyWebhook(signature string, body []byte) *WebhookVerification {
	mac := hmac.New(sha512.New, []byte(s.SecretKey))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return &WebhookVerification{Result: failure("invalid webhook signature")}
	}
	return &WebhookVerification{Result: success("signature verified")}
}
