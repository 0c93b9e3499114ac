package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kevrith/kastra-pay/config"
)

// FlutterwaveGateway drives Flutterwave's hosted payment flow. The tx_ref is
// the idempotency key, so webhook correlation works without storing any
// provider-side id at initiate time. Amounts are decimal major units.
type FlutterwaveGateway struct {
	cfg    config.FlutterwaveConfig
	client *http.Client
}

func NewFlutterwaveGateway(cfg config.FlutterwaveConfig, timeout time.Duration) *FlutterwaveGateway {
	return &FlutterwaveGateway{cfg: cfg, client: newHTTPClient(timeout)}
}

func (g *FlutterwaveGateway) Provider() string { return "flutterwave" }

func (g *FlutterwaveGateway) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + g.cfg.SecretKey}
}

type flutterwaveInitiateResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Link string `json:"link"`
	} `json:"data"`
}

func (g *FlutterwaveGateway) Initiate(ctx context.Context, params InitiateParams) (InitiateResult, error) {
	email := params.CustomerEmail
	if email == "" {
		email = "customer@example.com"
	}
	description := params.Description
	if description == "" {
		description = "Payment"
	}

	body := map[string]interface{}{
		"tx_ref":       params.IdempotencyKey,
		"amount":       params.Amount,
		"currency":     params.Currency,
		"redirect_url": params.CallbackURL,
		"customer": map[string]interface{}{
			"email":       email,
			"phonenumber": params.CustomerPhone,
			"name":        params.CustomerName,
		},
		"customizations": map[string]interface{}{
			"title":       "Kastra Pay",
			"description": description,
		},
		"meta": params.Metadata,
	}

	var resp flutterwaveInitiateResponse
	err := doJSON(ctx, g.client, "flutterwave", "initiate", http.MethodPost,
		g.cfg.BaseURL+"/payments", g.headers(), body, &resp)
	if err != nil {
		return InitiateResult{Success: false, Error: err.Error()}, nil
	}

	if resp.Status != "success" {
		msg := resp.Message
		if msg == "" {
			msg = "Failed to initiate Flutterwave payment"
		}
		return InitiateResult{Success: false, Error: msg}, nil
	}

	return InitiateResult{
		Success:     true,
		ProviderRef: params.IdempotencyKey,
		RedirectURL: resp.Data.Link,
	}, nil
}

type flutterwaveVerifyResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    *struct {
		ID                json.Number     `json:"id"`
		Status            string          `json:"status"`
		Amount            decimal.Decimal `json:"amount"`
		ProcessorResponse string          `json:"processor_response"`
	} `json:"data"`
}

func (g *FlutterwaveGateway) Verify(ctx context.Context, txRef string) (VerificationResult, error) {
	endpoint := g.cfg.BaseURL + "/transactions/verify_by_reference?tx_ref=" + url.QueryEscape(txRef)

	var resp flutterwaveVerifyResponse
	err := doJSON(ctx, g.client, "flutterwave", "verify", http.MethodGet,
		endpoint, g.headers(), nil, &resp)
	if err != nil {
		// The transaction's real outcome is unknown here; the caller retries.
		return VerificationResult{}, err
	}

	if resp.Status != "success" || resp.Data == nil {
		msg := resp.Message
		if msg == "" {
			msg = "Verification failed"
		}
		return VerificationResult{Success: false, Status: VerifyFailed, Error: msg}, nil
	}

	data := resp.Data
	switch data.Status {
	case "successful":
		amount := data.Amount
		return VerificationResult{
			Success:     true,
			Status:      VerifyCompleted,
			ProviderRef: data.ID.String(),
			Amount:      &amount,
		}, nil
	case "pending":
		return VerificationResult{
			Success:     true,
			Status:      VerifyPending,
			ProviderRef: data.ID.String(),
		}, nil
	}

	msg := data.ProcessorResponse
	if msg == "" {
		msg = "Payment failed"
	}
	return VerificationResult{
		Success:     false,
		Status:      VerifyFailed,
		ProviderRef: data.ID.String(),
		Error:       msg,
	}, nil
}

type flutterwaveRefundResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		ID json.Number `json:"id"`
	} `json:"data"`
}

func (g *FlutterwaveGateway) Refund(ctx context.Context, params RefundParams) (RefundResult, error) {
	reason := params.Reason
	if reason == "" {
		reason = "Refund"
	}

	body := map[string]interface{}{
		"amount":   params.Amount,
		"comments": reason,
	}

	var resp flutterwaveRefundResponse
	err := doJSON(ctx, g.client, "flutterwave", "refund", http.MethodPost,
		g.cfg.BaseURL+"/transactions/"+url.PathEscape(params.ProviderRef)+"/refund",
		g.headers(), body, &resp)
	if err != nil {
		return RefundResult{Success: false, Error: err.Error()}, nil
	}

	if resp.Status != "success" {
		msg := resp.Message
		if msg == "" {
			msg = "Refund failed"
		}
		return RefundResult{Success: false, Error: msg}, nil
	}

	return RefundResult{Success: true, ProviderRef: resp.Data.ID.String()}, nil
}
