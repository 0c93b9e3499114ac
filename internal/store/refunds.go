package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kevrith/kastra-pay/internal/models"
)

// CreateRefund inserts a refund ledger entry
func (s *Store) CreateRefund(ctx context.Context, refund *models.Refund) error {
	query := `
		INSERT INTO refunds (id, transaction_id, merchant_id, amount, reason, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`

	if refund.ID == uuid.Nil {
		refund.ID = uuid.New()
	}

	return s.db.QueryRowxContext(ctx, query,
		refund.ID, refund.TransactionID, refund.MerchantID,
		refund.Amount, refund.Reason, refund.Status).
		Scan(&refund.CreatedAt, &refund.UpdatedAt)
}

// CompleteRefund marks a refund COMPLETED with the provider's reference
func (s *Store) CompleteRefund(ctx context.Context, id uuid.UUID, providerRef string, completedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE refunds
		SET status = $1, provider_ref = $2, completed_at = $3, updated_at = NOW()
		WHERE id = $4`,
		models.RefundCompleted, providerRef, completedAt, id)
	return err
}

// FailRefund marks a refund FAILED
func (s *Store) FailRefund(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE refunds SET status = $1, updated_at = NOW() WHERE id = $2",
		models.RefundFailed, id)
	return err
}

// SumActiveRefunds returns the cumulative refunded amount for a transaction
// across refunds in COMPLETED, PENDING and PROCESSING. FAILED refunds do not
// count against the refundable balance.
func (s *Store) SumActiveRefunds(ctx context.Context, transactionID uuid.UUID) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := s.db.GetContext(ctx, &sum, `
		SELECT COALESCE(SUM(amount), 0)
		FROM refunds
		WHERE transaction_id = $1 AND status IN ($2, $3, $4)`,
		transactionID, models.RefundCompleted, models.RefundPending, models.RefundProcessing)
	if err != nil {
		return decimal.Zero, err
	}
	return sum, nil
}

// GetRefundsByTransaction retrieves all refunds for a transaction
func (s *Store) GetRefundsByTransaction(ctx context.Context, transactionID uuid.UUID) ([]models.Refund, error) {
	var refunds []models.Refund
	err := s.db.SelectContext(ctx, &refunds,
		"SELECT * FROM refunds WHERE transaction_id = $1 ORDER BY created_at", transactionID)
	return refunds, err
}
