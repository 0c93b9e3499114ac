package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevrith/kastra-pay/config"
)

func TestFormatPhone(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"0712345678", "254712345678"},
		{"+254712345678", "254712345678"},
		{"254712345678", "254712345678"},
		{"0712 345 678", "254712345678"},
		{"0712-345-678", "254712345678"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, FormatPhone(tc.in), "input %q", tc.in)
	}
}

func newMpesaTestServer(t *testing.T, stkHandler http.HandlerFunc) (*httptest.Server, *int) {
	t.Helper()
	tokenRequests := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		tokenRequests++
		json.NewEncoder(w).Encode(map[string]string{
			"access_token": "test-token",
			"expires_in":   "3599",
		})
	})
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", stkHandler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &tokenRequests
}

func newTestMpesaGateway(baseURL string) *MpesaGateway {
	return NewMpesaGateway(config.MpesaConfig{
		BaseURL:        baseURL,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		ShortCode:      "174379",
		Passkey:        "passkey",
	}, "https://pay.example.com", 5*time.Second)
}

func TestMpesaInitiateSendsWholeUnits(t *testing.T) {
	var captured map[string]interface{}
	srv, _ := newMpesaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(map[string]string{
			"MerchantRequestID": "mr-1",
			"CheckoutRequestID": "ws_CO_123",
			"ResponseCode":      "0",
		})
	})
	g := newTestMpesaGateway(srv.URL)

	result, err := g.Initiate(context.Background(), InitiateParams{
		Amount:         decimal.RequireFromString("100.75"),
		Currency:       "KES",
		CustomerPhone:  "0712345678",
		IdempotencyKey: "order-abc-123-very-long-key",
	})
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)
	assert.Equal(t, "ws_CO_123", result.CheckoutRequestID)
	assert.Equal(t, "mr-1", result.ProviderRef)

	// Daraja takes whole currency units only.
	assert.Equal(t, float64(101), captured["Amount"])
	assert.Equal(t, "254712345678", captured["PhoneNumber"])
	// AccountReference is capped at 12 characters.
	assert.Equal(t, "order-abc-12", captured["AccountReference"])
}

func TestMpesaInitiateRequiresPhone(t *testing.T) {
	g := newTestMpesaGateway("http://unused")

	result, err := g.Initiate(context.Background(), InitiateParams{
		Amount:         decimal.NewFromInt(100),
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "Phone number")
}

func TestMpesaTokenCachedAcrossCalls(t *testing.T) {
	srv, tokenRequests := newMpesaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"MerchantRequestID": "mr-1",
			"CheckoutRequestID": "ws_CO_123",
			"ResponseCode":      "0",
		})
	})
	g := newTestMpesaGateway(srv.URL)

	for i := 0; i < 3; i++ {
		result, err := g.Initiate(context.Background(), InitiateParams{
			Amount:         decimal.NewFromInt(50),
			CustomerPhone:  "0712345678",
			IdempotencyKey: "key-1",
		})
		require.NoError(t, err)
		require.True(t, result.Success)
	}
	assert.Equal(t, 1, *tokenRequests)
}

func TestMpesaVerifyTokenOutageIsError(t *testing.T) {
	// A Daraja OAuth outage leaves the payment outcome unknown; Verify must
	// not report it as a failed payment.
	g := newTestMpesaGateway("http://127.0.0.1:1")

	result, err := g.Verify(context.Background(), "ws_CO_123")
	require.Error(t, err)
	assert.NotEqual(t, VerifyFailed, result.Status)
}

func TestMpesaVerifyStatuses(t *testing.T) {
	cases := []struct {
		name       string
		response   map[string]interface{}
		wantStatus VerificationStatus
		wantOK     bool
	}{
		{
			name: "completed",
			response: map[string]interface{}{
				"ResultCode":         0,
				"MpesaReceiptNumber": "QK12XYZ",
			},
			wantStatus: VerifyCompleted,
			wantOK:     true,
		},
		{
			name: "still processing",
			response: map[string]interface{}{
				"errorCode":    "500.001.1001",
				"errorMessage": "The transaction is being processed",
			},
			wantStatus: VerifyPending,
			wantOK:     true,
		},
		{
			name: "cancelled by user",
			response: map[string]interface{}{
				"ResultCode": 1032,
				"ResultDesc": "Request cancelled by user",
			},
			wantStatus: VerifyFailed,
			wantOK:     false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]string{"access_token": "test-token", "expires_in": "3599"})
			})
			mux.HandleFunc("/mpesa/stkpushquery/v1/query", func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(tc.response)
			})
			srv := httptest.NewServer(mux)
			defer srv.Close()

			g := newTestMpesaGateway(srv.URL)
			result, err := g.Verify(context.Background(), "ws_CO_123")
			require.NoError(t, err)
			assert.Equal(t, tc.wantOK, result.Success)
			assert.Equal(t, tc.wantStatus, result.Status)
			if tc.wantStatus == VerifyCompleted {
				assert.Equal(t, "QK12XYZ", result.ReceiptNumber)
			}
		})
	}
}
