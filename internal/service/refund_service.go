package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kevrith/kastra-pay/internal/gateway"
	"github.com/kevrith/kastra-pay/internal/models"
	"github.com/kevrith/kastra-pay/internal/util"
)

const refundLockTTL = 30 * time.Second

// Locker serializes refund ledger checks per transaction, implemented by
// *redisclient.Client.
type Locker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string) error
}

// RefundService runs the refund flow: validate ownership and refundability,
// enforce the ledger invariant under a per-transaction lock, then execute
// against the provider.
type RefundService struct {
	store     Store
	gateways  map[models.PaymentMethod]gateway.Gateway
	publisher Publisher
	locker    Locker
	logger    *zap.Logger
}

func NewRefundService(
	st Store,
	gateways map[models.PaymentMethod]gateway.Gateway,
	publisher Publisher,
	locker Locker,
) *RefundService {
	return &RefundService{
		store:     st,
		gateways:  gateways,
		publisher: publisher,
		locker:    locker,
		logger:    util.GetLogger(),
	}
}

// RefundRequest is the inbound refund payload. Amount left zero means a full
// refund of whatever remains unrefunded.
type RefundRequest struct {
	TransactionID uuid.UUID       `json:"transactionId" binding:"required"`
	MerchantID    uuid.UUID       `json:"merchantId" binding:"required"`
	Amount        decimal.Decimal `json:"amount"`
	Reason        string          `json:"reason"`
}

// Refund creates and executes a refund against a completed transaction.
// The sum of refunds in {COMPLETED, PENDING, PROCESSING} never exceeds the
// transaction amount; the redis lock closes the check-then-insert race
// between concurrent refund requests for the same transaction.
func (s *RefundService) Refund(ctx context.Context, req RefundRequest) (*models.Refund, error) {
	ctx, span := util.StartSpan(ctx, "RefundService.Refund")
	defer span.End()

	txn, err := s.store.GetTransactionByID(ctx, req.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}
	if txn == nil {
		return nil, NotFoundError("transaction %s not found", req.TransactionID)
	}
	if txn.MerchantID != req.MerchantID {
		return nil, AuthorizationError("transaction does not belong to merchant")
	}
	if txn.Status != models.StatusCompleted {
		return nil, ConflictError("transaction is %s, only COMPLETED transactions can be refunded", txn.Status)
	}

	lockKey := fmt.Sprintf("refund:%s", txn.ID)
	acquired, err := s.locker.AcquireLock(ctx, lockKey, refundLockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire refund lock: %w", err)
	}
	if !acquired {
		return nil, ConflictError("a refund for this transaction is already in progress")
	}
	defer func() {
		if err := s.locker.ReleaseLock(context.Background(), lockKey); err != nil {
			s.logger.Warn("Failed to release refund lock",
				zap.String("lock_key", lockKey),
				zap.Error(err))
		}
	}()

	refunded, err := s.store.SumActiveRefunds(ctx, txn.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to sum refunds: %w", err)
	}
	remaining := txn.Amount.Sub(refunded)

	amount := req.Amount
	if amount.IsZero() {
		amount = remaining
	}
	if amount.IsNegative() || amount.IsZero() {
		return nil, ValidationError("refund amount must be positive")
	}
	if amount.GreaterThan(remaining) {
		return nil, ValidationError(
			"refund amount %s exceeds remaining refundable amount %s",
			amount, remaining)
	}

	reason := req.Reason
	if reason == "" {
		reason = "Merchant requested refund"
	}
	refund := &models.Refund{
		ID:            uuid.New(),
		TransactionID: txn.ID,
		MerchantID:    txn.MerchantID,
		Amount:        amount,
		Reason:        reason,
		Status:        models.RefundProcessing,
	}
	if err := s.store.CreateRefund(ctx, refund); err != nil {
		return nil, fmt.Errorf("failed to create refund: %w", err)
	}

	gw, ok := s.gateways[txn.PaymentMethod]
	if !ok {
		s.failRefund(ctx, refund)
		return nil, ValidationError("unsupported payment method: %s", txn.PaymentMethod)
	}

	providerRef := ""
	if txn.ProviderRef != nil {
		providerRef = *txn.ProviderRef
	}
	result, err := gw.Refund(ctx, gateway.RefundParams{
		TransactionID: txn.ID.String(),
		ProviderRef:   providerRef,
		Amount:        amount,
		Reason:        reason,
	})
	if err != nil {
		s.failRefund(ctx, refund)
		return nil, fmt.Errorf("refund request failed: %w", err)
	}
	if !result.Success {
		s.failRefund(ctx, refund)
		return nil, ProviderError(gw.Provider(), result.Error)
	}

	now := time.Now()
	if err := s.store.CompleteRefund(ctx, refund.ID, result.ProviderRef, now); err != nil {
		return nil, fmt.Errorf("failed to mark refund completed: %w", err)
	}
	refund.Status = models.RefundCompleted
	refund.ProviderRef = optional(result.ProviderRef)
	refund.CompletedAt = &now
	util.RefundsTotal.WithLabelValues(string(models.RefundCompleted)).Inc()

	reversed := false
	if refunded.Add(amount).Equal(txn.Amount) {
		applied, err := s.store.ReverseTransaction(ctx, txn.ID)
		if err != nil {
			s.logger.Error("Failed to reverse fully refunded transaction",
				zap.String("transaction_id", txn.ID.String()),
				zap.Error(err))
		} else if applied {
			reversed = true
			util.TransactionsReversedTotal.Inc()
		}
	}

	s.publishRefundCompleted(ctx, txn, refund, reversed)
	return refund, nil
}

func (s *RefundService) failRefund(ctx context.Context, refund *models.Refund) {
	if err := s.store.FailRefund(ctx, refund.ID); err != nil {
		s.logger.Error("Failed to mark refund failed",
			zap.String("refund_id", refund.ID.String()),
			zap.Error(err))
	}
	refund.Status = models.RefundFailed
	util.RefundsTotal.WithLabelValues(string(models.RefundFailed)).Inc()
}

func (s *RefundService) publishRefundCompleted(ctx context.Context, txn *models.Transaction, refund *models.Refund, reversed bool) {
	event := &models.RefundCompletedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeRefundCompleted,
			Timestamp: time.Now(),
		},
		RefundID:      refund.ID.String(),
		TransactionID: txn.ID.String(),
		MerchantID:    txn.MerchantID.String(),
		Amount:        refund.Amount,
		Reversed:      reversed,
	}
	if err := s.publisher.PublishRefundCompleted(ctx, event); err != nil {
		s.logger.Error("Failed to publish RefundCompleted event", zap.Error(err))
	}
}
