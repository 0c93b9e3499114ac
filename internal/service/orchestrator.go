package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kevrith/kastra-pay/config"
	"github.com/kevrith/kastra-pay/internal/gateway"
	"github.com/kevrith/kastra-pay/internal/models"
	"github.com/kevrith/kastra-pay/internal/store"
	"github.com/kevrith/kastra-pay/internal/util"
)

// Store is the persistence surface the payment services depend on,
// implemented by *store.Store.
type Store interface {
	CreateTransaction(ctx context.Context, txn *models.Transaction) error
	GetTransactionByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	GetTransactionByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error)
	GetTransactionByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*models.Transaction, error)
	MarkTransactionProcessing(ctx context.Context, id uuid.UUID, providerRef, checkoutRequestID *string) (bool, error)
	CompleteTransaction(ctx context.Context, id uuid.UUID, c store.TransactionCompletion) (bool, error)
	FailTransaction(ctx context.Context, id uuid.UUID, reason string, providerRef *string, providerResponse json.RawMessage) (bool, error)
	ReverseTransaction(ctx context.Context, id uuid.UUID) (bool, error)

	GetMerchantByID(ctx context.Context, id uuid.UUID) (*models.Merchant, error)

	CreateRefund(ctx context.Context, refund *models.Refund) error
	CompleteRefund(ctx context.Context, id uuid.UUID, providerRef string, completedAt time.Time) error
	FailRefund(ctx context.Context, id uuid.UUID) error
	SumActiveRefunds(ctx context.Context, transactionID uuid.UUID) (decimal.Decimal, error)

	CreateWebhookEvent(ctx context.Context, event *models.WebhookEvent) error
	MarkWebhookProcessed(ctx context.Context, id uuid.UUID, transactionID, merchantID uuid.UUID) error
	MarkWebhookFailed(ctx context.Context, id uuid.UUID) error
}

// Publisher is the event-publishing surface, implemented by
// *broker.EventPublisher.
type Publisher interface {
	PublishPaymentCompleted(ctx context.Context, event *models.PaymentCompletedEvent) error
	PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error
	PublishRefundCompleted(ctx context.Context, event *models.RefundCompletedEvent) error
}

// NewGatewayRegistry builds the closed method-to-gateway dispatch table. Both
// M-Pesa methods share one gateway instance (and therefore one token cache);
// same for the card providers' channel pairs.
func NewGatewayRegistry(cfg config.ProvidersConfig) map[models.PaymentMethod]gateway.Gateway {
	mpesa := gateway.NewMpesaGateway(cfg.Mpesa, cfg.CallbackBaseURL, cfg.HTTPTimeout)
	flutterwave := gateway.NewFlutterwaveGateway(cfg.Flutterwave, cfg.HTTPTimeout)
	paystack := gateway.NewPaystackGateway(cfg.Paystack, cfg.HTTPTimeout)

	return map[models.PaymentMethod]gateway.Gateway{
		models.MethodMpesaSTK:               mpesa,
		models.MethodMpesaC2B:               mpesa,
		models.MethodFlutterwaveCard:        flutterwave,
		models.MethodFlutterwaveMobileMoney: flutterwave,
		models.MethodPaystackCard:           paystack,
		models.MethodPaystackMobileMoney:    paystack,
	}
}

// PaymentOrchestrator coordinates payment initiation and the poll-side
// verification path.
type PaymentOrchestrator struct {
	store        Store
	gateways     map[models.PaymentMethod]gateway.Gateway
	publisher    Publisher
	callbackBase string
	logger       *zap.Logger
}

// NewPaymentOrchestrator validates at startup that every supported method
// resolves to a gateway, so an unsupported method at request time can only
// mean a method outside the closed set.
func NewPaymentOrchestrator(
	st Store,
	gateways map[models.PaymentMethod]gateway.Gateway,
	publisher Publisher,
	callbackBase string,
) (*PaymentOrchestrator, error) {
	for _, method := range models.PaymentMethods {
		if _, ok := gateways[method]; !ok {
			return nil, fmt.Errorf("no gateway registered for payment method %s", method)
		}
	}

	return &PaymentOrchestrator{
		store:        st,
		gateways:     gateways,
		publisher:    publisher,
		callbackBase: callbackBase,
		logger:       util.GetLogger(),
	}, nil
}

// InitiatePaymentRequest is the inbound initiation payload.
type InitiatePaymentRequest struct {
	Method         models.PaymentMethod   `json:"method" binding:"required"`
	Amount         decimal.Decimal        `json:"amount" binding:"required"`
	Currency       string                 `json:"currency"`
	MerchantID     uuid.UUID              `json:"merchantId" binding:"required"`
	IdempotencyKey string                 `json:"idempotencyKey" binding:"required"`
	CustomerPhone  string                 `json:"customerPhone,omitempty"`
	CustomerEmail  string                 `json:"customerEmail,omitempty"`
	CustomerName   string                 `json:"customerName,omitempty"`
	Description    string                 `json:"description,omitempty"`
	PaymentLinkID  *uuid.UUID             `json:"paymentLinkId,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// InitiatePaymentResponse carries the created (or replayed) transaction plus
// whatever the client needs to continue: a redirect URL for hosted flows or
// the checkout request id for STK polling.
type InitiatePaymentResponse struct {
	Transaction       *models.Transaction
	RedirectURL       string
	CheckoutRequestID string
}

// InitiatePayment runs the initiation flow: idempotency replay, merchant
// validation, method dispatch, PENDING record, provider call, and the
// PENDING->PROCESSING (or ->FAILED) transition.
func (o *PaymentOrchestrator) InitiatePayment(ctx context.Context, req *InitiatePaymentRequest) (*InitiatePaymentResponse, error) {
	ctx, span := util.StartSpan(ctx, "PaymentOrchestrator.InitiatePayment")
	defer span.End()

	if req.IdempotencyKey == "" {
		return nil, ValidationError("Idempotency key is required")
	}
	if !req.Amount.IsPositive() {
		return nil, ValidationError("Amount must be positive")
	}
	if req.Currency == "" {
		req.Currency = "KES"
	}

	// Idempotency replay: the sole defense against duplicate submissions
	// from client retries or double-clicks.
	existing, err := o.store.GetTransactionByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	if existing != nil {
		util.DuplicateInitiationsTotal.Inc()
		o.logger.Info("Duplicate initiation request",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.String("transaction_id", existing.ID.String()))
		return o.replayResponse(existing), nil
	}

	merchant, err := o.store.GetMerchantByID(ctx, req.MerchantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load merchant: %w", err)
	}
	if merchant == nil || merchant.Status != models.MerchantActive {
		return nil, ProviderError("platform", "Merchant is not active or does not exist")
	}

	gw, ok := o.gateways[req.Method]
	if !ok {
		return nil, ProviderError("platform", fmt.Sprintf("Unsupported payment method: %s", req.Method))
	}

	txn := &models.Transaction{
		MerchantID:     req.MerchantID,
		PaymentLinkID:  req.PaymentLinkID,
		IdempotencyKey: req.IdempotencyKey,
		Amount:         req.Amount,
		Currency:       req.Currency,
		PaymentMethod:  req.Method,
		Status:         models.StatusPending,
	}
	txn.CustomerPhone = optional(req.CustomerPhone)
	txn.CustomerEmail = optional(req.CustomerEmail)
	txn.CustomerName = optional(req.CustomerName)
	txn.Description = optional(req.Description)
	if len(req.Metadata) > 0 {
		raw, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, ValidationError("Invalid metadata: %v", err)
		}
		txn.Metadata = raw
	}

	// The PENDING row persists before the provider call so a crash between
	// here and the initiate leaves a recoverable record, not a lost attempt.
	if err := o.store.CreateTransaction(ctx, txn); err != nil {
		if err == store.ErrDuplicateIdempotencyKey {
			// A concurrent request with the same key won the insert; the
			// unique constraint broke the check-then-act race. Serve the
			// winner's row.
			winner, readErr := o.store.GetTransactionByIdempotencyKey(ctx, req.IdempotencyKey)
			if readErr != nil {
				return nil, fmt.Errorf("failed to read existing transaction: %w", readErr)
			}
			if winner != nil {
				util.DuplicateInitiationsTotal.Inc()
				return o.replayResponse(winner), nil
			}
		}
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	result, err := gw.Initiate(ctx, gateway.InitiateParams{
		Amount:         req.Amount,
		Currency:       req.Currency,
		CustomerPhone:  req.CustomerPhone,
		CustomerEmail:  req.CustomerEmail,
		CustomerName:   req.CustomerName,
		MerchantID:     req.MerchantID.String(),
		IdempotencyKey: req.IdempotencyKey,
		Description:    req.Description,
		CallbackURL:    o.callbackURL(req.Method, req.IdempotencyKey),
		Metadata:       req.Metadata,
	})
	if err != nil {
		result = gateway.InitiateResult{Success: false, Error: err.Error()}
	}

	if !result.Success {
		reason := result.Error
		if reason == "" {
			reason = "Payment initiation failed"
		}
		if _, failErr := o.store.FailTransaction(ctx, txn.ID, reason, nil, nil); failErr != nil {
			o.logger.Error("Failed to mark transaction failed",
				zap.String("transaction_id", txn.ID.String()),
				zap.Error(failErr))
		}
		util.PaymentsFailedTotal.WithLabelValues(string(req.Method), "initiation").Inc()
		return nil, ProviderError(gw.Provider(), reason)
	}

	providerRef := optional(result.ProviderRef)
	checkoutRequestID := optional(result.CheckoutRequestID)
	if _, err := o.store.MarkTransactionProcessing(ctx, txn.ID, providerRef, checkoutRequestID); err != nil {
		return nil, fmt.Errorf("failed to mark transaction processing: %w", err)
	}

	util.PaymentsInitiatedTotal.WithLabelValues(string(req.Method)).Inc()
	o.logger.Info("Payment initiated",
		zap.String("transaction_id", txn.ID.String()),
		zap.String("method", string(req.Method)),
		zap.String("provider", gw.Provider()))

	updated, err := o.store.GetTransactionByID(ctx, txn.ID)
	if err != nil || updated == nil {
		updated = txn
		updated.Status = models.StatusProcessing
		updated.ProviderRef = providerRef
		updated.CheckoutRequestID = checkoutRequestID
	}

	return &InitiatePaymentResponse{
		Transaction:       updated,
		RedirectURL:       result.RedirectURL,
		CheckoutRequestID: result.CheckoutRequestID,
	}, nil
}

// callbackURL gives push-payment methods a server-to-server webhook URL and
// redirect methods a browser-return URL carrying the idempotency key as the
// correlation token.
func (o *PaymentOrchestrator) callbackURL(method models.PaymentMethod, idempotencyKey string) string {
	switch method {
	case models.MethodMpesaSTK, models.MethodMpesaC2B:
		return o.callbackBase + "/api/v1/webhooks/mpesa"
	}
	return o.callbackBase + "/checkout/success?reference=" + idempotencyKey
}

func (o *PaymentOrchestrator) replayResponse(txn *models.Transaction) *InitiatePaymentResponse {
	resp := &InitiatePaymentResponse{Transaction: txn}
	if txn.CheckoutRequestID != nil {
		resp.CheckoutRequestID = *txn.CheckoutRequestID
	}
	return resp
}

// VerifyPayment is a thin passthrough to the resolved gateway's Verify.
func (o *PaymentOrchestrator) VerifyPayment(ctx context.Context, method models.PaymentMethod, providerRef string) (gateway.VerificationResult, error) {
	gw, ok := o.gateways[method]
	if !ok {
		return gateway.VerificationResult{}, ProviderError("platform", fmt.Sprintf("Unsupported payment method: %s", method))
	}
	return gw.Verify(ctx, providerRef)
}

// PollTransaction serves the client poll/verify path. When the transaction is
// still in flight it re-queries the provider synchronously and applies the
// same guarded transitions the webhook path uses; the two writers race
// safely because the store's conditional updates enforce the terminal-state
// guard.
func (o *PaymentOrchestrator) PollTransaction(ctx context.Context, transactionID *uuid.UUID, checkoutRequestID string) (*models.Transaction, error) {
	ctx, span := util.StartSpan(ctx, "PaymentOrchestrator.PollTransaction")
	defer span.End()

	var txn *models.Transaction
	var err error
	switch {
	case transactionID != nil:
		txn, err = o.store.GetTransactionByID(ctx, *transactionID)
	case checkoutRequestID != "":
		txn, err = o.store.GetTransactionByCheckoutRequestID(ctx, checkoutRequestID)
	default:
		return nil, ValidationError("transactionId or checkoutRequestId is required")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}
	if txn == nil {
		return nil, NotFoundError("Transaction not found")
	}

	if txn.Status != models.StatusPending && txn.Status != models.StatusProcessing {
		return txn, nil
	}

	providerRef := ""
	if txn.CheckoutRequestID != nil {
		providerRef = *txn.CheckoutRequestID
	} else if txn.ProviderRef != nil {
		providerRef = *txn.ProviderRef
	}
	if providerRef == "" {
		return txn, nil
	}

	result, err := o.VerifyPayment(ctx, txn.PaymentMethod, providerRef)
	if err != nil {
		// Verification trouble is not a payment failure: report the current
		// snapshot and let the client ask again.
		o.logger.Warn("Poll-side verify failed",
			zap.String("transaction_id", txn.ID.String()),
			zap.Error(err))
		return txn, nil
	}

	switch result.Status {
	case gateway.VerifyCompleted:
		applied, err := o.store.CompleteTransaction(ctx, txn.ID, store.TransactionCompletion{
			ProviderRef:   optional(result.ProviderRef),
			ReceiptNumber: optional(result.ReceiptNumber),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to complete transaction: %w", err)
		}
		if applied {
			util.PaymentsCompletedTotal.WithLabelValues(string(txn.PaymentMethod), "poll").Inc()
			o.publishCompleted(ctx, txn, result.ReceiptNumber)
		}
	case gateway.VerifyFailed:
		reason := result.Error
		if reason == "" {
			reason = "Payment failed"
		}
		applied, err := o.store.FailTransaction(ctx, txn.ID, reason, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to mark transaction failed: %w", err)
		}
		if applied {
			util.PaymentsFailedTotal.WithLabelValues(string(txn.PaymentMethod), "verify").Inc()
			o.publishFailed(ctx, txn, reason)
		}
	}

	refreshed, err := o.store.GetTransactionByID(ctx, txn.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload transaction: %w", err)
	}
	if refreshed == nil {
		return txn, nil
	}
	return refreshed, nil
}

func (o *PaymentOrchestrator) publishCompleted(ctx context.Context, txn *models.Transaction, receipt string) {
	publishPaymentCompleted(ctx, o.publisher, o.logger, txn, receipt)
}

func (o *PaymentOrchestrator) publishFailed(ctx context.Context, txn *models.Transaction, reason string) {
	publishPaymentFailed(ctx, o.publisher, o.logger, txn, reason)
}

func publishPaymentCompleted(ctx context.Context, publisher Publisher, logger *zap.Logger, txn *models.Transaction, receipt string) {
	providerRef := ""
	if txn.ProviderRef != nil {
		providerRef = *txn.ProviderRef
	}
	event := &models.PaymentCompletedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypePaymentCompleted,
			Timestamp: time.Now(),
		},
		TransactionID: txn.ID.String(),
		MerchantID:    txn.MerchantID.String(),
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		PaymentMethod: txn.PaymentMethod,
		ProviderRef:   providerRef,
		ReceiptNumber: receipt,
	}
	if err := publisher.PublishPaymentCompleted(ctx, event); err != nil {
		logger.Error("Failed to publish PaymentCompleted event", zap.Error(err))
	}
}

func publishPaymentFailed(ctx context.Context, publisher Publisher, logger *zap.Logger, txn *models.Transaction, reason string) {
	event := &models.PaymentFailedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypePaymentFailed,
			Timestamp: time.Now(),
		},
		TransactionID: txn.ID.String(),
		MerchantID:    txn.MerchantID.String(),
		PaymentMethod: txn.PaymentMethod,
		Reason:        reason,
	}
	if err := publisher.PublishPaymentFailed(ctx, event); err != nil {
		logger.Error("Failed to publish PaymentFailed event", zap.Error(err))
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
