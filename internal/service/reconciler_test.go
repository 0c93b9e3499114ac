package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevrith/kastra-pay/config"
	"github.com/kevrith/kastra-pay/internal/models"
)

func newTestReconciler(st *fakeStore, pub Publisher, cfg config.ProvidersConfig) *Reconciler {
	return NewReconciler(st, pub, cfg)
}

// seedProcessing creates a merchant and a PROCESSING transaction ready for
// reconciliation.
func seedProcessing(t *testing.T, st *fakeStore, method models.PaymentMethod, key, checkoutRequestID string) *models.Transaction {
	t.Helper()
	merchant := st.addMerchant(models.MerchantActive)
	txn := &models.Transaction{
		MerchantID:     merchant.ID,
		IdempotencyKey: key,
		Amount:         decimal.NewFromInt(500),
		Currency:       "KES",
		PaymentMethod:  method,
		Status:         models.StatusPending,
	}
	require.NoError(t, st.CreateTransaction(context.Background(), txn))
	var checkout *string
	if checkoutRequestID != "" {
		checkout = &checkoutRequestID
	}
	applied, err := st.MarkTransactionProcessing(context.Background(), txn.ID, nil, checkout)
	require.NoError(t, err)
	require.True(t, applied)
	loaded, err := st.GetTransactionByID(context.Background(), txn.ID)
	require.NoError(t, err)
	return loaded
}

func mpesaSuccessBody(checkoutRequestID string) []byte {
	return []byte(fmt.Sprintf(`{
		"Body": {"stkCallback": {
			"MerchantRequestID": "mr-1",
			"CheckoutRequestID": %q,
			"ResultCode": 0,
			"ResultDesc": "The service request is processed successfully.",
			"CallbackMetadata": {"Item": [
				{"Name": "Amount", "Value": 500.0},
				{"Name": "MpesaReceiptNumber", "Value": "QK12XYZ"},
				{"Name": "PhoneNumber", "Value": 254712345678}
			]}
		}}
	}`, checkoutRequestID))
}

func TestMpesaWebhookCompletesTransaction(t *testing.T) {
	st := newFakeStore()
	pub := &fakePublisher{}
	r := newTestReconciler(st, pub, config.ProvidersConfig{})

	txn := seedProcessing(t, st, models.MethodMpesaSTK, "key-1", "ws_CO_123")

	err := r.HandleMpesaWebhook(context.Background(), mpesaSuccessBody("ws_CO_123"), http.Header{})
	require.NoError(t, err)

	updated, err := st.GetTransactionByID(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, updated.Status)
	require.NotNil(t, updated.MpesaReceipt)
	assert.Equal(t, "QK12XYZ", *updated.MpesaReceipt)
	require.NotNil(t, updated.CustomerPhone)
	assert.Equal(t, "254712345678", *updated.CustomerPhone)

	require.Len(t, pub.completed, 1)
	assert.Equal(t, "QK12XYZ", pub.completed[0].ReceiptNumber)
}

func TestMpesaWebhookFailureRecordsReason(t *testing.T) {
	st := newFakeStore()
	pub := &fakePublisher{}
	r := newTestReconciler(st, pub, config.ProvidersConfig{})

	txn := seedProcessing(t, st, models.MethodMpesaSTK, "key-2", "ws_CO_456")

	body := []byte(`{"Body": {"stkCallback": {
		"CheckoutRequestID": "ws_CO_456",
		"ResultCode": 1032,
		"ResultDesc": "Request cancelled by user"
	}}}`)
	require.NoError(t, r.HandleMpesaWebhook(context.Background(), body, http.Header{}))

	updated, err := st.GetTransactionByID(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, updated.Status)
	require.NotNil(t, updated.FailureReason)
	assert.Equal(t, "Request cancelled by user", *updated.FailureReason)
	require.Len(t, pub.failed, 1)
}

func TestMpesaWebhookDuplicateDeliveryIsIdempotent(t *testing.T) {
	st := newFakeStore()
	pub := &fakePublisher{}
	r := newTestReconciler(st, pub, config.ProvidersConfig{})

	seedProcessing(t, st, models.MethodMpesaSTK, "key-3", "ws_CO_789")

	body := mpesaSuccessBody("ws_CO_789")
	require.NoError(t, r.HandleMpesaWebhook(context.Background(), body, http.Header{}))
	require.NoError(t, r.HandleMpesaWebhook(context.Background(), body, http.Header{}))

	// One completion event despite two deliveries.
	assert.Len(t, pub.completed, 1)
}

func TestMpesaWebhookSignatureEnforcedWhenConfigured(t *testing.T) {
	st := newFakeStore()
	cfg := config.ProvidersConfig{}
	cfg.Mpesa.WebhookSecret = "shh"
	r := newTestReconciler(st, &fakePublisher{}, cfg)

	err := r.HandleMpesaWebhook(context.Background(), mpesaSuccessBody("ws_CO_1"), http.Header{})
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestMpesaWebhookUnknownCheckoutRequestIgnored(t *testing.T) {
	st := newFakeStore()
	pub := &fakePublisher{}
	r := newTestReconciler(st, pub, config.ProvidersConfig{})

	err := r.HandleMpesaWebhook(context.Background(), mpesaSuccessBody("ws_CO_nope"), http.Header{})
	require.NoError(t, err)
	assert.Empty(t, pub.completed)
}

func paystackSign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestPaystackWebhookVerifiesSignatureAndCompletes(t *testing.T) {
	st := newFakeStore()
	pub := &fakePublisher{}
	cfg := config.ProvidersConfig{}
	cfg.Paystack.SecretKey = "sk_test_abc"
	r := newTestReconciler(st, pub, cfg)

	txn := seedProcessing(t, st, models.MethodPaystackCard, "key-ps", "")

	body := []byte(`{"event": "charge.success", "data": {
		"id": 4242,
		"reference": "key-ps",
		"status": "success",
		"amount": 50000,
		"fees": 750,
		"customer": {"email": "jane@example.com"}
	}}`)

	headers := http.Header{}
	headers.Set("x-paystack-signature", paystackSign("sk_test_abc", body))
	require.NoError(t, r.HandlePaystackWebhook(context.Background(), body, headers))

	updated, err := st.GetTransactionByID(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, updated.Status)
	require.NotNil(t, updated.NetAmount)
	// Paystack reports in subunits; back in major units here.
	assert.True(t, updated.NetAmount.Equal(decimal.NewFromInt(500)))
	require.NotNil(t, updated.ProviderFee)
	assert.True(t, updated.ProviderFee.Equal(decimal.RequireFromString("7.50")))
	require.Len(t, pub.completed, 1)
}

func TestPaystackWebhookRejectsBadSignature(t *testing.T) {
	st := newFakeStore()
	cfg := config.ProvidersConfig{}
	cfg.Paystack.SecretKey = "sk_test_abc"
	r := newTestReconciler(st, &fakePublisher{}, cfg)

	body := []byte(`{"event": "charge.success", "data": {"reference": "key-ps"}}`)
	headers := http.Header{}
	headers.Set("x-paystack-signature", "deadbeef")

	err := r.HandlePaystackWebhook(context.Background(), body, headers)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestFlutterwaveWebhookVerifHashAndCompletion(t *testing.T) {
	st := newFakeStore()
	pub := &fakePublisher{}
	cfg := config.ProvidersConfig{}
	cfg.Flutterwave.WebhookSecret = "flw-secret"
	r := newTestReconciler(st, pub, cfg)

	txn := seedProcessing(t, st, models.MethodFlutterwaveCard, "key-flw", "")

	body := []byte(`{"event": "charge.completed", "data": {
		"id": 98765,
		"tx_ref": "key-flw",
		"status": "successful",
		"amount": 500,
		"app_fee": 14.5,
		"amount_settled": 485.5,
		"customer": {"email": "jane@example.com", "name": "Jane"}
	}}`)

	headers := http.Header{}
	headers.Set("verif-hash", "flw-secret")
	require.NoError(t, r.HandleFlutterwaveWebhook(context.Background(), body, headers))

	updated, err := st.GetTransactionByID(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, updated.Status)
	require.NotNil(t, updated.NetAmount)
	assert.True(t, updated.NetAmount.Equal(decimal.RequireFromString("485.5")))
	require.NotNil(t, updated.ProviderRef)
	assert.Equal(t, "98765", *updated.ProviderRef)
	require.Len(t, pub.completed, 1)

	headers.Set("verif-hash", "wrong")
	err = r.HandleFlutterwaveWebhook(context.Background(), body, headers)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestWebhookDoesNotOverrideCompletedTransaction(t *testing.T) {
	st := newFakeStore()
	pub := &fakePublisher{}
	r := newTestReconciler(st, pub, config.ProvidersConfig{})

	txn := seedProcessing(t, st, models.MethodMpesaSTK, "key-late", "ws_CO_late")
	applied, err := st.CompleteTransaction(context.Background(), txn.ID, completionWithReceipt("QK00FIRST"))
	require.NoError(t, err)
	require.True(t, applied)

	// A late failure callback must not flip a completed transaction.
	body := []byte(`{"Body": {"stkCallback": {
		"CheckoutRequestID": "ws_CO_late",
		"ResultCode": 1037,
		"ResultDesc": "DS timeout"
	}}}`)
	require.NoError(t, r.HandleMpesaWebhook(context.Background(), body, http.Header{}))

	updated, err := st.GetTransactionByID(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, updated.Status)
	assert.Empty(t, pub.failed)
}
