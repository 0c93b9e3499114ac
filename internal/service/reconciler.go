package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kevrith/kastra-pay/config"
	"github.com/kevrith/kastra-pay/internal/models"
	"github.com/kevrith/kastra-pay/internal/store"
	"github.com/kevrith/kastra-pay/internal/util"
)

// Reconciler applies inbound provider webhooks to transactions. Each handler
// authenticates the delivery, persists the raw event before any business
// logic, correlates it to a transaction, and applies a terminal-guarded
// transition. Handlers never surface internal failures to the provider: the
// caller always acks, because a provider retry storm is worse than a missed
// reconciliation the poll path can still catch.
type Reconciler struct {
	store     Store
	publisher Publisher
	cfg       config.ProvidersConfig
	logger    *zap.Logger
}

func NewReconciler(st Store, publisher Publisher, cfg config.ProvidersConfig) *Reconciler {
	return &Reconciler{
		store:     st,
		publisher: publisher,
		cfg:       cfg,
		logger:    util.GetLogger(),
	}
}

func headersJSON(headers http.Header) json.RawMessage {
	flat := make(map[string]string, len(headers))
	for k := range headers {
		flat[k] = headers.Get(k)
	}
	raw, err := json.Marshal(flat)
	if err != nil {
		return nil
	}
	return raw
}

func (r *Reconciler) storeEvent(ctx context.Context, provider, eventType string, rawBody []byte, headers http.Header) *models.WebhookEvent {
	event := &models.WebhookEvent{
		Provider:  provider,
		EventType: eventType,
		Payload:   json.RawMessage(rawBody),
		Headers:   headersJSON(headers),
	}
	if err := r.store.CreateWebhookEvent(ctx, event); err != nil {
		// The audit insert failing must not block reconciliation.
		r.logger.Error("Failed to persist webhook event",
			zap.String("provider", provider),
			zap.Error(err))
		return nil
	}
	return event
}

// finishEvent stamps the audit row: processed and linked when the transition
// write went through, failed when it errored out.
func (r *Reconciler) finishEvent(ctx context.Context, event *models.WebhookEvent, txn *models.Transaction, applyErr error) {
	if event == nil || txn == nil {
		return
	}
	var err error
	if applyErr != nil {
		err = r.store.MarkWebhookFailed(ctx, event.ID)
	} else {
		err = r.store.MarkWebhookProcessed(ctx, event.ID, txn.ID, txn.MerchantID)
	}
	if err != nil {
		r.logger.Error("Failed to update webhook event status",
			zap.String("event_id", event.ID.String()),
			zap.Error(err))
	}
}

// applyCompleted runs the success-side transition. The store's conditional
// update is the terminal-state guard: a duplicate or replayed delivery sees
// zero rows affected and writes nothing.
func (r *Reconciler) applyCompleted(ctx context.Context, txn *models.Transaction, c store.TransactionCompletion, provider string) error {
	applied, err := r.store.CompleteTransaction(ctx, txn.ID, c)
	if err != nil {
		util.WebhookProcessingErrors.WithLabelValues(provider).Inc()
		r.logger.Error("Failed to complete transaction from webhook",
			zap.String("transaction_id", txn.ID.String()),
			zap.Error(err))
		return err
	}
	if !applied {
		r.logger.Info("Webhook ignored by terminal-state guard",
			zap.String("transaction_id", txn.ID.String()),
			zap.String("provider", provider))
		return nil
	}

	util.PaymentsCompletedTotal.WithLabelValues(string(txn.PaymentMethod), "webhook").Inc()
	receipt := ""
	if c.ReceiptNumber != nil {
		receipt = *c.ReceiptNumber
	}
	publishPaymentCompleted(ctx, r.publisher, r.logger, txn, receipt)
	return nil
}

func (r *Reconciler) applyFailed(ctx context.Context, txn *models.Transaction, reason string, providerRef *string, raw json.RawMessage, provider string) error {
	applied, err := r.store.FailTransaction(ctx, txn.ID, reason, providerRef, raw)
	if err != nil {
		util.WebhookProcessingErrors.WithLabelValues(provider).Inc()
		r.logger.Error("Failed to mark transaction failed from webhook",
			zap.String("transaction_id", txn.ID.String()),
			zap.Error(err))
		return err
	}
	if !applied {
		return nil
	}
	util.PaymentsFailedTotal.WithLabelValues(string(txn.PaymentMethod), "webhook").Inc()
	publishPaymentFailed(ctx, r.publisher, r.logger, txn, reason)
	return nil
}

// --- M-Pesa ---

type mpesaCallbackItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value"`
}

type mpesaCallback struct {
	Body struct {
		StkCallback *struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []mpesaCallbackItem `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

func metadataString(items []mpesaCallbackItem, name string) *string {
	for _, item := range items {
		if item.Name == name && item.Value != nil {
			switch v := item.Value.(type) {
			case string:
				return &v
			case float64:
				s := decimal.NewFromFloat(v).String()
				return &s
			}
		}
	}
	return nil
}

func metadataDecimal(items []mpesaCallbackItem, name string) *decimal.Decimal {
	for _, item := range items {
		if item.Name == name {
			if v, ok := item.Value.(float64); ok {
				d := decimal.NewFromFloat(v)
				return &d
			}
		}
	}
	return nil
}

// HandleMpesaWebhook reconciles a Daraja STK callback. The source system
// accepted these unauthenticated; here a shared-secret HMAC-SHA256 over the
// raw body is required whenever a secret is configured.
func (r *Reconciler) HandleMpesaWebhook(ctx context.Context, rawBody []byte, headers http.Header) error {
	ctx, span := util.StartSpan(ctx, "Reconciler.HandleMpesaWebhook")
	defer span.End()

	util.WebhooksReceivedTotal.WithLabelValues("mpesa").Inc()

	if secret := r.cfg.Mpesa.WebhookSecret; secret != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(rawBody)
		expected := hex.EncodeToString(mac.Sum(nil))
		signature := headers.Get("X-Mpesa-Signature")
		if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
			util.WebhookSignatureFailures.WithLabelValues("mpesa").Inc()
			return ErrInvalidSignature
		}
	}

	event := r.storeEvent(ctx, "mpesa", "stkpush_callback", rawBody, headers)

	var payload mpesaCallback
	if err := json.Unmarshal(rawBody, &payload); err != nil || payload.Body.StkCallback == nil {
		return nil
	}
	callback := payload.Body.StkCallback

	txn, err := r.store.GetTransactionByCheckoutRequestID(ctx, callback.CheckoutRequestID)
	if err != nil {
		util.WebhookProcessingErrors.WithLabelValues("mpesa").Inc()
		r.logger.Error("Failed to look up transaction for M-Pesa callback", zap.Error(err))
		return nil
	}
	if txn == nil {
		r.logger.Warn("No transaction for CheckoutRequestID",
			zap.String("checkout_request_id", callback.CheckoutRequestID))
		return nil
	}

	if txn.Status.IsTerminal() {
		r.finishEvent(ctx, event, txn, nil)
		return nil
	}

	var applyErr error
	if callback.ResultCode == 0 {
		items := callback.CallbackMetadata.Item
		completion := store.TransactionCompletion{
			ReceiptNumber:    metadataString(items, "MpesaReceiptNumber"),
			CustomerPhone:    metadataString(items, "PhoneNumber"),
			NetAmount:        metadataDecimal(items, "Amount"),
			ProviderResponse: json.RawMessage(rawBody),
		}
		applyErr = r.applyCompleted(ctx, txn, completion, "mpesa")
	} else {
		reason := callback.ResultDesc
		if reason == "" {
			reason = "Payment failed"
		}
		applyErr = r.applyFailed(ctx, txn, reason, nil, json.RawMessage(rawBody), "mpesa")
	}

	r.finishEvent(ctx, event, txn, applyErr)
	return nil
}

// --- Paystack ---

type paystackWebhook struct {
	Event string `json:"event"`
	Data  *struct {
		ID              json.Number `json:"id"`
		Reference       string      `json:"reference"`
		Status          string      `json:"status"`
		Amount          int64       `json:"amount"`
		Fees            int64       `json:"fees"`
		GatewayResponse string      `json:"gateway_response"`
		Customer        struct {
			Email string `json:"email"`
		} `json:"customer"`
	} `json:"data"`
}

// HandlePaystackWebhook authenticates with HMAC-SHA512 over the raw body
// keyed by the secret key, then reconciles charge.success deliveries by
// reference (the idempotency key).
func (r *Reconciler) HandlePaystackWebhook(ctx context.Context, rawBody []byte, headers http.Header) error {
	ctx, span := util.StartSpan(ctx, "Reconciler.HandlePaystackWebhook")
	defer span.End()

	util.WebhooksReceivedTotal.WithLabelValues("paystack").Inc()

	if secret := r.cfg.Paystack.SecretKey; secret != "" {
		mac := hmac.New(sha512.New, []byte(secret))
		mac.Write(rawBody)
		expected := hex.EncodeToString(mac.Sum(nil))
		signature := headers.Get("x-paystack-signature")
		if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
			util.WebhookSignatureFailures.WithLabelValues("paystack").Inc()
			return ErrInvalidSignature
		}
	}

	var payload paystackWebhook
	parseErr := json.Unmarshal(rawBody, &payload)
	eventType := payload.Event
	if eventType == "" {
		eventType = "unknown"
	}

	event := r.storeEvent(ctx, "paystack", eventType, rawBody, headers)
	if parseErr != nil {
		return nil
	}

	if payload.Event != "charge.success" || payload.Data == nil || payload.Data.Reference == "" {
		return nil
	}
	data := payload.Data

	txn, err := r.store.GetTransactionByIdempotencyKey(ctx, data.Reference)
	if err != nil {
		util.WebhookProcessingErrors.WithLabelValues("paystack").Inc()
		r.logger.Error("Failed to look up transaction for Paystack webhook", zap.Error(err))
		return nil
	}
	if txn == nil {
		r.logger.Warn("No transaction for Paystack reference",
			zap.String("reference", data.Reference))
		return nil
	}

	if txn.Status.IsTerminal() {
		r.finishEvent(ctx, event, txn, nil)
		return nil
	}

	providerRef := data.ID.String()
	var applyErr error
	if data.Status == "success" {
		net := gatewayFromSubunit(data.Amount)
		fee := gatewayFromSubunit(data.Fees)
		completion := store.TransactionCompletion{
			ProviderRef:      &providerRef,
			NetAmount:        &net,
			ProviderFee:      &fee,
			CustomerEmail:    optional(data.Customer.Email),
			ProviderResponse: json.RawMessage(rawBody),
		}
		applyErr = r.applyCompleted(ctx, txn, completion, "paystack")
	} else {
		reason := data.GatewayResponse
		if reason == "" {
			reason = "Payment failed"
		}
		applyErr = r.applyFailed(ctx, txn, reason, &providerRef, json.RawMessage(rawBody), "paystack")
	}

	r.finishEvent(ctx, event, txn, applyErr)
	return nil
}

// --- Flutterwave ---

type flutterwaveWebhook struct {
	Event string `json:"event"`
	Data  *struct {
		ID                json.Number      `json:"id"`
		TxRef             string           `json:"tx_ref"`
		Status            string           `json:"status"`
		Amount            decimal.Decimal  `json:"amount"`
		AppFee            *decimal.Decimal `json:"app_fee"`
		AmountSettled     *decimal.Decimal `json:"amount_settled"`
		ProcessorResponse string           `json:"processor_response"`
		Customer          struct {
			Email string `json:"email"`
			Name  string `json:"name"`
		} `json:"customer"`
	} `json:"data"`
}

// HandleFlutterwaveWebhook authenticates by constant-time comparison of the
// verif-hash header against the configured webhook secret, then reconciles
// by tx_ref (the idempotency key).
func (r *Reconciler) HandleFlutterwaveWebhook(ctx context.Context, rawBody []byte, headers http.Header) error {
	ctx, span := util.StartSpan(ctx, "Reconciler.HandleFlutterwaveWebhook")
	defer span.End()

	util.WebhooksReceivedTotal.WithLabelValues("flutterwave").Inc()

	if secret := r.cfg.Flutterwave.WebhookSecret; secret != "" {
		signature := headers.Get("verif-hash")
		if subtle.ConstantTimeCompare([]byte(secret), []byte(signature)) != 1 {
			util.WebhookSignatureFailures.WithLabelValues("flutterwave").Inc()
			return ErrInvalidSignature
		}
	}

	var payload flutterwaveWebhook
	parseErr := json.Unmarshal(rawBody, &payload)
	eventType := payload.Event
	if eventType == "" {
		eventType = "unknown"
	}

	event := r.storeEvent(ctx, "flutterwave", eventType, rawBody, headers)
	if parseErr != nil {
		return nil
	}

	if payload.Data == nil || payload.Data.TxRef == "" {
		return nil
	}
	data := payload.Data

	txn, err := r.store.GetTransactionByIdempotencyKey(ctx, data.TxRef)
	if err != nil {
		util.WebhookProcessingErrors.WithLabelValues("flutterwave").Inc()
		r.logger.Error("Failed to look up transaction for Flutterwave webhook", zap.Error(err))
		return nil
	}
	if txn == nil {
		r.logger.Warn("No transaction for tx_ref", zap.String("tx_ref", data.TxRef))
		return nil
	}

	if txn.Status.IsTerminal() {
		r.finishEvent(ctx, event, txn, nil)
		return nil
	}

	providerRef := data.ID.String()
	var applyErr error
	if data.Status == "successful" {
		net := data.Amount
		if data.AmountSettled != nil {
			net = *data.AmountSettled
		}
		completion := store.TransactionCompletion{
			ProviderRef:      &providerRef,
			NetAmount:        &net,
			ProviderFee:      data.AppFee,
			CustomerEmail:    optional(data.Customer.Email),
			CustomerName:     optional(data.Customer.Name),
			ProviderResponse: json.RawMessage(rawBody),
		}
		applyErr = r.applyCompleted(ctx, txn, completion, "flutterwave")
	} else {
		reason := data.ProcessorResponse
		if reason == "" {
			reason = "Payment failed"
		}
		applyErr = r.applyFailed(ctx, txn, reason, &providerRef, json.RawMessage(rawBody), "flutterwave")
	}

	r.finishEvent(ctx, event, txn, applyErr)
	return nil
}

func gatewayFromSubunit(subunits int64) decimal.Decimal {
	return decimal.NewFromInt(subunits).Div(decimal.NewFromInt(100))
}
