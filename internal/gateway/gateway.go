package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kevrith/kastra-pay/internal/util"
)

// VerificationStatus is the normalized outcome of a provider-side status
// query. "pending" means ask again later, not failed.
type VerificationStatus string

const (
	VerifyCompleted VerificationStatus = "completed"
	VerifyPending   VerificationStatus = "pending"
	VerifyFailed    VerificationStatus = "failed"
	// VerifyCancelled is declared by the contract but no provider path
	// produces it today.
	VerifyCancelled VerificationStatus = "cancelled"
)

// InitiateParams carries everything an adapter needs to start a payment.
type InitiateParams struct {
	Amount         decimal.Decimal
	Currency       string
	CustomerPhone  string
	CustomerEmail  string
	CustomerName   string
	MerchantID     string
	IdempotencyKey string
	Description    string
	CallbackURL    string
	Metadata       map[string]interface{}
}

type InitiateResult struct {
	Success           bool
	ProviderRef       string
	CheckoutRequestID string
	RedirectURL       string
	Error             string
}

type VerificationResult struct {
	Success       bool
	Status        VerificationStatus
	ProviderRef   string
	ReceiptNumber string
	Amount        *decimal.Decimal
	Error         string
}

type RefundParams struct {
	TransactionID string
	ProviderRef   string
	Amount        decimal.Decimal
	Reason        string
}

type RefundResult struct {
	Success     bool
	ProviderRef string
	Error       string
}

// Gateway is the uniform capability contract over payment providers.
// Initiate and Refund report provider failures, including transport errors,
// as a result with Success=false and a diagnostic message. Verify is
// stricter: the result carries only outcomes the provider actually reported,
// while transport, decode, and auth failures come back as the error so the
// caller leaves the transaction untouched and asks again later.
type Gateway interface {
	Provider() string
	Initiate(ctx context.Context, params InitiateParams) (InitiateResult, error)
	Verify(ctx context.Context, providerRef string) (VerificationResult, error)
	Refund(ctx context.Context, params RefundParams) (RefundResult, error)
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// doJSON performs a JSON request against a provider endpoint and decodes the
// response body into out regardless of the HTTP status: provider APIs report
// failures in the body, and the adapters normalize from there.
func doJSON(ctx context.Context, client *http.Client, provider, operation, method, url string, headers map[string]string, body, out interface{}) error {
	start := time.Now()
	defer func() {
		util.ProviderRequestDuration.WithLabelValues(provider, operation).Observe(time.Since(start).Seconds())
	}()

	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s %s request: %w", provider, operation, err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build %s %s request: %w", provider, operation, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s request failed: %w", provider, operation, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s %s response: %w", provider, operation, err)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode %s %s response (status %d): %w", provider, operation, resp.StatusCode, err)
		}
	}
	return nil
}
