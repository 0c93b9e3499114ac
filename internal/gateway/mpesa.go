package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kevrith/kastra-pay/config"
)

// stkPendingErrorCode is Daraja's "request is being processed" error from the
// stkpushquery endpoint. It means not yet resolved, not failed.
const stkPendingErrorCode = "500.001.1001"

// MpesaGateway drives Safaricom Daraja STK push. Amounts go over the wire in
// whole currency units; the rounding at this boundary is deliberate.
type MpesaGateway struct {
	cfg          config.MpesaConfig
	callbackBase string
	client       *http.Client
	tokens       *TokenCache
}

func NewMpesaGateway(cfg config.MpesaConfig, callbackBase string, timeout time.Duration) *MpesaGateway {
	return &MpesaGateway{
		cfg:          cfg,
		callbackBase: callbackBase,
		client:       newHTTPClient(timeout),
		tokens:       NewTokenCache(),
	}
}

func (g *MpesaGateway) Provider() string { return "mpesa" }

type mpesaTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

func (g *MpesaGateway) accessToken(ctx context.Context) (string, error) {
	return g.tokens.Get(ctx, func(ctx context.Context) (string, time.Duration, error) {
		credentials := base64.StdEncoding.EncodeToString(
			[]byte(g.cfg.ConsumerKey + ":" + g.cfg.ConsumerSecret))

		var resp mpesaTokenResponse
		err := doJSON(ctx, g.client, "mpesa", "token", http.MethodGet,
			g.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials",
			map[string]string{"Authorization": "Basic " + credentials}, nil, &resp)
		if err != nil {
			return "", 0, err
		}
		if resp.AccessToken == "" {
			return "", 0, fmt.Errorf("failed to get M-Pesa access token")
		}

		lifetime := 3599 * time.Second
		if secs, err := strconv.Atoi(resp.ExpiresIn); err == nil && secs > 0 {
			lifetime = time.Duration(secs) * time.Second
		}
		return resp.AccessToken, lifetime, nil
	})
}

func (g *MpesaGateway) timestamp() string {
	return time.Now().Format("20060102150405")
}

func (g *MpesaGateway) password(timestamp string) string {
	return base64.StdEncoding.EncodeToString(
		[]byte(g.cfg.ShortCode + g.cfg.Passkey + timestamp))
}

// FormatPhone normalizes a Kenyan MSISDN to the 254XXXXXXXXX form Daraja
// expects.
func FormatPhone(phone string) string {
	cleaned := strings.ReplaceAll(phone, " ", "")
	cleaned = strings.ReplaceAll(cleaned, "-", "")
	cleaned = strings.TrimPrefix(cleaned, "+")
	if strings.HasPrefix(cleaned, "0") {
		cleaned = "254" + cleaned[1:]
	}
	return cleaned
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
}

func (g *MpesaGateway) Initiate(ctx context.Context, params InitiateParams) (InitiateResult, error) {
	if params.CustomerPhone == "" {
		return InitiateResult{
			Success: false,
			Error:   "Phone number is required for M-Pesa payments",
		}, nil
	}

	token, err := g.accessToken(ctx)
	if err != nil {
		return InitiateResult{Success: false, Error: err.Error()}, nil
	}

	timestamp := g.timestamp()
	accountRef := params.IdempotencyKey
	if len(accountRef) > 12 {
		accountRef = accountRef[:12]
	}
	description := params.Description
	if description == "" {
		description = "Payment"
	}

	body := map[string]interface{}{
		"BusinessShortCode": g.cfg.ShortCode,
		"Password":          g.password(timestamp),
		"Timestamp":         timestamp,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            params.Amount.Round(0).IntPart(),
		"PartyA":            FormatPhone(params.CustomerPhone),
		"PartyB":            g.cfg.ShortCode,
		"PhoneNumber":       FormatPhone(params.CustomerPhone),
		"CallBackURL":       params.CallbackURL,
		"AccountReference":  accountRef,
		"TransactionDesc":   description,
	}

	var resp stkPushResponse
	err = doJSON(ctx, g.client, "mpesa", "initiate", http.MethodPost,
		g.cfg.BaseURL+"/mpesa/stkpush/v1/processrequest",
		map[string]string{"Authorization": "Bearer " + token}, body, &resp)
	if err != nil {
		return InitiateResult{Success: false, Error: err.Error()}, nil
	}

	if resp.ResponseCode != "0" {
		msg := resp.ResponseDescription
		if msg == "" {
			msg = "STK Push failed"
		}
		return InitiateResult{Success: false, Error: msg}, nil
	}

	return InitiateResult{
		Success:           true,
		ProviderRef:       resp.MerchantRequestID,
		CheckoutRequestID: resp.CheckoutRequestID,
	}, nil
}

type stkQueryResponse struct {
	ResultCode         json.Number `json:"ResultCode"`
	ResultDesc         string      `json:"ResultDesc"`
	ErrorCode          string      `json:"errorCode"`
	MpesaReceiptNumber string      `json:"MpesaReceiptNumber"`
}

// Verify queries STK push status by CheckoutRequestID. Idempotent and
// read-only against the provider.
func (g *MpesaGateway) Verify(ctx context.Context, checkoutRequestID string) (VerificationResult, error) {
	token, err := g.accessToken(ctx)
	if err != nil {
		// An OAuth outage says nothing about the payment; the caller retries.
		return VerificationResult{}, err
	}

	timestamp := g.timestamp()
	body := map[string]interface{}{
		"BusinessShortCode": g.cfg.ShortCode,
		"Password":          g.password(timestamp),
		"Timestamp":         timestamp,
		"CheckoutRequestID": checkoutRequestID,
	}

	var resp stkQueryResponse
	err = doJSON(ctx, g.client, "mpesa", "verify", http.MethodPost,
		g.cfg.BaseURL+"/mpesa/stkpushquery/v1/query",
		map[string]string{"Authorization": "Bearer " + token}, body, &resp)
	if err != nil {
		return VerificationResult{}, err
	}

	if resp.ResultCode.String() == "0" {
		return VerificationResult{
			Success:       true,
			Status:        VerifyCompleted,
			ProviderRef:   checkoutRequestID,
			ReceiptNumber: resp.MpesaReceiptNumber,
		}, nil
	}

	if resp.ErrorCode == stkPendingErrorCode {
		return VerificationResult{
			Success:     true,
			Status:      VerifyPending,
			ProviderRef: checkoutRequestID,
		}, nil
	}

	msg := resp.ResultDesc
	if msg == "" {
		msg = "Payment verification failed"
	}
	return VerificationResult{
		Success:     false,
		Status:      VerifyFailed,
		ProviderRef: checkoutRequestID,
		Error:       msg,
	}, nil
}

type reversalResponse struct {
	ConversationID      string `json:"ConversationID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
}

func (g *MpesaGateway) Refund(ctx context.Context, params RefundParams) (RefundResult, error) {
	token, err := g.accessToken(ctx)
	if err != nil {
		return RefundResult{Success: false, Error: err.Error()}, nil
	}

	reason := params.Reason
	if reason == "" {
		reason = "Refund"
	}

	body := map[string]interface{}{
		"Initiator":              "apitest",
		"SecurityCredential":     g.cfg.SecurityCredential,
		"CommandID":              "TransactionReversal",
		"TransactionID":          params.ProviderRef,
		"Amount":                 params.Amount.Round(0).IntPart(),
		"ReceiverParty":          g.cfg.ShortCode,
		"RecieverIdentifierType": "11",
		"ResultURL":              g.callbackBase + "/api/v1/webhooks/mpesa",
		"QueueTimeOutURL":        g.callbackBase + "/api/v1/webhooks/mpesa",
		"Remarks":                reason,
		"Occasion":               "Refund",
	}

	var resp reversalResponse
	err = doJSON(ctx, g.client, "mpesa", "refund", http.MethodPost,
		g.cfg.BaseURL+"/mpesa/reversal/v1/request",
		map[string]string{"Authorization": "Bearer " + token}, body, &resp)
	if err != nil {
		return RefundResult{Success: false, Error: err.Error()}, nil
	}

	if resp.ResponseCode == "0" {
		return RefundResult{Success: true, ProviderRef: resp.ConversationID}, nil
	}

	msg := resp.ResponseDescription
	if msg == "" {
		msg = "Reversal request failed"
	}
	return RefundResult{Success: false, Error: msg}, nil
}
