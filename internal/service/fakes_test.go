package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kevrith/kastra-pay/internal/gateway"
	"github.com/kevrith/kastra-pay/internal/models"
	"github.com/kevrith/kastra-pay/internal/store"
)

// fakeStore is an in-memory Store that honors the same conditional-update
// semantics as the SQL implementation, so transition guards are exercised
// for real.
type fakeStore struct {
	mu            sync.Mutex
	transactions  map[uuid.UUID]*models.Transaction
	merchants     map[uuid.UUID]*models.Merchant
	refunds       map[uuid.UUID]*models.Refund
	webhookEvents map[uuid.UUID]*models.WebhookEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		transactions:  make(map[uuid.UUID]*models.Transaction),
		merchants:     make(map[uuid.UUID]*models.Merchant),
		refunds:       make(map[uuid.UUID]*models.Refund),
		webhookEvents: make(map[uuid.UUID]*models.WebhookEvent),
	}
}

func (f *fakeStore) addMerchant(status string) *models.Merchant {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := &models.Merchant{ID: uuid.New(), BusinessName: "Test Shop", Status: status}
	f.merchants[m.ID] = m
	return m
}

func (f *fakeStore) CreateTransaction(ctx context.Context, txn *models.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.transactions {
		if existing.IdempotencyKey == txn.IdempotencyKey {
			return store.ErrDuplicateIdempotencyKey
		}
	}
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	txn.CreatedAt = time.Now()
	txn.UpdatedAt = txn.CreatedAt
	clone := *txn
	f.transactions[txn.ID] = &clone
	return nil
}

func (f *fakeStore) GetTransactionByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	txn, ok := f.transactions[id]
	if !ok {
		return nil, nil
	}
	clone := *txn
	return &clone, nil
}

func (f *fakeStore) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, txn := range f.transactions {
		if txn.IdempotencyKey == key {
			clone := *txn
			return &clone, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) GetTransactionByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, txn := range f.transactions {
		if txn.CheckoutRequestID != nil && *txn.CheckoutRequestID == checkoutRequestID {
			clone := *txn
			return &clone, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) MarkTransactionProcessing(ctx context.Context, id uuid.UUID, providerRef, checkoutRequestID *string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	txn, ok := f.transactions[id]
	if !ok || txn.Status != models.StatusPending {
		return false, nil
	}
	txn.Status = models.StatusProcessing
	txn.ProviderRef = providerRef
	txn.CheckoutRequestID = checkoutRequestID
	return true, nil
}

func (f *fakeStore) CompleteTransaction(ctx context.Context, id uuid.UUID, c store.TransactionCompletion) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	txn, ok := f.transactions[id]
	if !ok {
		return false, nil
	}
	if txn.Status != models.StatusPending && txn.Status != models.StatusProcessing {
		return false, nil
	}
	txn.Status = models.StatusCompleted
	now := time.Now()
	txn.CompletedAt = &now
	if c.ProviderRef != nil {
		txn.ProviderRef = c.ProviderRef
	}
	if c.ReceiptNumber != nil {
		txn.MpesaReceipt = c.ReceiptNumber
	}
	txn.NetAmount = c.NetAmount
	txn.ProviderFee = c.ProviderFee
	if c.CustomerPhone != nil {
		txn.CustomerPhone = c.CustomerPhone
	}
	if c.CustomerEmail != nil {
		txn.CustomerEmail = c.CustomerEmail
	}
	if c.CustomerName != nil {
		txn.CustomerName = c.CustomerName
	}
	return true, nil
}

func (f *fakeStore) FailTransaction(ctx context.Context, id uuid.UUID, reason string, providerRef *string, providerResponse json.RawMessage) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	txn, ok := f.transactions[id]
	if !ok {
		return false, nil
	}
	if txn.Status != models.StatusPending && txn.Status != models.StatusProcessing {
		return false, nil
	}
	txn.Status = models.StatusFailed
	txn.FailureReason = &reason
	if providerRef != nil {
		txn.ProviderRef = providerRef
	}
	return true, nil
}

func (f *fakeStore) ReverseTransaction(ctx context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	txn, ok := f.transactions[id]
	if !ok || txn.Status != models.StatusCompleted {
		return false, nil
	}
	txn.Status = models.StatusReversed
	return true, nil
}

func (f *fakeStore) GetMerchantByID(ctx context.Context, id uuid.UUID) (*models.Merchant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.merchants[id]
	if !ok {
		return nil, nil
	}
	clone := *m
	return &clone, nil
}

func (f *fakeStore) CreateRefund(ctx context.Context, refund *models.Refund) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if refund.ID == uuid.Nil {
		refund.ID = uuid.New()
	}
	refund.CreatedAt = time.Now()
	clone := *refund
	f.refunds[refund.ID] = &clone
	return nil
}

func (f *fakeStore) CompleteRefund(ctx context.Context, id uuid.UUID, providerRef string, completedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.refunds[id]; ok {
		r.Status = models.RefundCompleted
		r.ProviderRef = &providerRef
		r.CompletedAt = &completedAt
	}
	return nil
}

func (f *fakeStore) FailRefund(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.refunds[id]; ok {
		r.Status = models.RefundFailed
	}
	return nil
}

func (f *fakeStore) SumActiveRefunds(ctx context.Context, transactionID uuid.UUID) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sum := decimal.Zero
	for _, r := range f.refunds {
		if r.TransactionID != transactionID {
			continue
		}
		switch r.Status {
		case models.RefundCompleted, models.RefundPending, models.RefundProcessing:
			sum = sum.Add(r.Amount)
		}
	}
	return sum, nil
}

func (f *fakeStore) CreateWebhookEvent(ctx context.Context, event *models.WebhookEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Status == "" {
		event.Status = models.WebhookStatusReceived
	}
	event.CreatedAt = time.Now()
	clone := *event
	f.webhookEvents[event.ID] = &clone
	return nil
}

func (f *fakeStore) MarkWebhookProcessed(ctx context.Context, id uuid.UUID, transactionID, merchantID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.webhookEvents[id]; ok {
		e.Status = models.WebhookStatusProcessed
		e.TransactionID = &transactionID
		e.MerchantID = &merchantID
		now := time.Now()
		e.ProcessedAt = &now
	}
	return nil
}

func (f *fakeStore) MarkWebhookFailed(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.webhookEvents[id]; ok {
		e.Status = models.WebhookStatusFailed
	}
	return nil
}

func completionWithReceipt(receipt string) store.TransactionCompletion {
	return store.TransactionCompletion{ReceiptNumber: &receipt}
}

// fakePublisher records published events.
type fakePublisher struct {
	mu        sync.Mutex
	completed []*models.PaymentCompletedEvent
	failed    []*models.PaymentFailedEvent
	refunded  []*models.RefundCompletedEvent
}

func (p *fakePublisher) PublishPaymentCompleted(ctx context.Context, event *models.PaymentCompletedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed = append(p.completed, event)
	return nil
}

func (p *fakePublisher) PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = append(p.failed, event)
	return nil
}

func (p *fakePublisher) PublishRefundCompleted(ctx context.Context, event *models.RefundCompletedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunded = append(p.refunded, event)
	return nil
}

// fakeGateway returns scripted results.
type fakeGateway struct {
	provider       string
	initiateResult gateway.InitiateResult
	verifyResult   gateway.VerificationResult
	verifyErr      error
	refundResult   gateway.RefundResult
	initiateCalls  int
	verifyCalls    int
	refundCalls    int
}

func (g *fakeGateway) Provider() string { return g.provider }

func (g *fakeGateway) Initiate(ctx context.Context, params gateway.InitiateParams) (gateway.InitiateResult, error) {
	g.initiateCalls++
	return g.initiateResult, nil
}

func (g *fakeGateway) Verify(ctx context.Context, providerRef string) (gateway.VerificationResult, error) {
	g.verifyCalls++
	if g.verifyErr != nil {
		return gateway.VerificationResult{}, g.verifyErr
	}
	return g.verifyResult, nil
}

func (g *fakeGateway) Refund(ctx context.Context, params gateway.RefundParams) (gateway.RefundResult, error) {
	g.refundCalls++
	return g.refundResult, nil
}

func allMethods(g gateway.Gateway) map[models.PaymentMethod]gateway.Gateway {
	registry := make(map[models.PaymentMethod]gateway.Gateway, len(models.PaymentMethods))
	for _, method := range models.PaymentMethods {
		registry[method] = g
	}
	return registry
}

// fakeLocker grants locks unless told otherwise.
type fakeLocker struct {
	mu       sync.Mutex
	denied   bool
	acquired []string
	released []string
}

func (l *fakeLocker) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.denied {
		return false, nil
	}
	l.acquired = append(l.acquired, lockKey)
	return true, nil
}

func (l *fakeLocker) ReleaseLock(ctx context.Context, lockKey string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, lockKey)
	return nil
}
