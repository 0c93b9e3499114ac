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

var subunitFactor = decimal.NewFromInt(100)

// PaystackGateway drives Paystack's transaction API. Paystack operates in the
// currency's smallest unit (kobo/cents); the x100 encode on the way out and
// the /100 decode on the way back both live at this boundary so the rest of
// the system works in decimal currency units.
type PaystackGateway struct {
	cfg    config.PaystackConfig
	client *http.Client
}

func NewPaystackGateway(cfg config.PaystackConfig, timeout time.Duration) *PaystackGateway {
	return &PaystackGateway{cfg: cfg, client: newHTTPClient(timeout)}
}

func (g *PaystackGateway) Provider() string { return "paystack" }

func (g *PaystackGateway) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + g.cfg.SecretKey}
}

// ToSubunit converts a decimal major-unit amount to the integer smallest
// unit, rounding to the nearest subunit.
func ToSubunit(amount decimal.Decimal) int64 {
	return amount.Mul(subunitFactor).Round(0).IntPart()
}

// FromSubunit converts an integer smallest-unit amount back to decimal major
// units.
func FromSubunit(subunits int64) decimal.Decimal {
	return decimal.NewFromInt(subunits).Div(subunitFactor)
}

type paystackInitiateResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		AuthorizationURL string `json:"authorization_url"`
		Reference        string `json:"reference"`
	} `json:"data"`
}

func (g *PaystackGateway) Initiate(ctx context.Context, params InitiateParams) (InitiateResult, error) {
	email := params.CustomerEmail
	if email == "" {
		email = "customer@example.com"
	}

	metadata := map[string]interface{}{
		"merchantId":    params.MerchantID,
		"customerPhone": params.CustomerPhone,
		"customerName":  params.CustomerName,
	}
	for k, v := range params.Metadata {
		metadata[k] = v
	}

	body := map[string]interface{}{
		"email":        email,
		"amount":       ToSubunit(params.Amount),
		"currency":     params.Currency,
		"reference":    params.IdempotencyKey,
		"callback_url": params.CallbackURL,
		"metadata":     metadata,
	}

	var resp paystackInitiateResponse
	err := doJSON(ctx, g.client, "paystack", "initiate", http.MethodPost,
		g.cfg.BaseURL+"/transaction/initialize", g.headers(), body, &resp)
	if err != nil {
		return InitiateResult{Success: false, Error: err.Error()}, nil
	}

	if !resp.Status {
		msg := resp.Message
		if msg == "" {
			msg = "Failed to initiate Paystack payment"
		}
		return InitiateResult{Success: false, Error: msg}, nil
	}

	return InitiateResult{
		Success:     true,
		ProviderRef: resp.Data.Reference,
		RedirectURL: resp.Data.AuthorizationURL,
	}, nil
}

type paystackVerifyResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    *struct {
		Status          string `json:"status"`
		Reference       string `json:"reference"`
		Amount          int64  `json:"amount"`
		GatewayResponse string `json:"gateway_response"`
	} `json:"data"`
}

func (g *PaystackGateway) Verify(ctx context.Context, reference string) (VerificationResult, error) {
	var resp paystackVerifyResponse
	err := doJSON(ctx, g.client, "paystack", "verify", http.MethodGet,
		g.cfg.BaseURL+"/transaction/verify/"+url.PathEscape(reference),
		g.headers(), nil, &resp)
	if err != nil {
		// The transaction's real outcome is unknown here; the caller retries.
		return VerificationResult{}, err
	}

	if !resp.Status || resp.Data == nil {
		msg := resp.Message
		if msg == "" {
			msg = "Verification failed"
		}
		return VerificationResult{Success: false, Status: VerifyFailed, Error: msg}, nil
	}

	data := resp.Data
	switch data.Status {
	case "success":
		amount := FromSubunit(data.Amount)
		return VerificationResult{
			Success:     true,
			Status:      VerifyCompleted,
			ProviderRef: data.Reference,
			Amount:      &amount,
		}, nil
	case "pending", "ongoing":
		return VerificationResult{
			Success:     true,
			Status:      VerifyPending,
			ProviderRef: data.Reference,
		}, nil
	}

	msg := data.GatewayResponse
	if msg == "" {
		msg = "Payment failed"
	}
	return VerificationResult{
		Success:     false,
		Status:      VerifyFailed,
		ProviderRef: data.Reference,
		Error:       msg,
	}, nil
}

type paystackRefundResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		ID json.Number `json:"id"`
	} `json:"data"`
}

func (g *PaystackGateway) Refund(ctx context.Context, params RefundParams) (RefundResult, error) {
	reason := params.Reason
	if reason == "" {
		reason = "Refund"
	}

	body := map[string]interface{}{
		"transaction":   params.ProviderRef,
		"amount":        ToSubunit(params.Amount),
		"merchant_note": reason,
	}

	var resp paystackRefundResponse
	err := doJSON(ctx, g.client, "paystack", "refund", http.MethodPost,
		g.cfg.BaseURL+"/refund", g.headers(), body, &resp)
	if err != nil {
		return RefundResult{Success: false, Error: err.Error()}, nil
	}

	if !resp.Status {
		msg := resp.Message
		if msg == "" {
			msg = "Refund failed"
		}
		return RefundResult{Success: false, Error: msg}, nil
	}

	return RefundResult{Success: true, ProviderRef: resp.Data.ID.String()}, nil
}
