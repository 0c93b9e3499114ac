package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kevrith/kastra-pay/internal/models"
)

// CreateTransaction inserts a PENDING transaction. A unique-constraint hit on
// idempotency_key comes back as ErrDuplicateIdempotencyKey so the caller can
// re-read the winner's row instead of creating a duplicate.
func (s *Store) CreateTransaction(ctx context.Context, txn *models.Transaction) error {
	query := `
		INSERT INTO transactions (
			id, merchant_id, payment_link_id, idempotency_key, amount, currency,
			payment_method, status, customer_phone, customer_email, customer_name,
			description, metadata
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at`

	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}

	err := s.db.QueryRowxContext(ctx, query,
		txn.ID, txn.MerchantID, txn.PaymentLinkID, txn.IdempotencyKey,
		txn.Amount, txn.Currency, txn.PaymentMethod, txn.Status,
		txn.CustomerPhone, txn.CustomerEmail, txn.CustomerName,
		txn.Description, txn.Metadata).
		Scan(&txn.CreatedAt, &txn.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateIdempotencyKey
	}
	return err
}

// GetTransactionByID retrieves a transaction by ID
func (s *Store) GetTransactionByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	var txn models.Transaction
	err := s.db.GetContext(ctx, &txn, "SELECT * FROM transactions WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// GetTransactionByIdempotencyKey retrieves a transaction by idempotency key
func (s *Store) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	var txn models.Transaction
	err := s.db.GetContext(ctx, &txn, "SELECT * FROM transactions WHERE idempotency_key = $1", key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// GetTransactionByCheckoutRequestID retrieves a transaction by the provider's
// secondary push-payment reference
func (s *Store) GetTransactionByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*models.Transaction, error) {
	var txn models.Transaction
	err := s.db.GetContext(ctx, &txn,
		"SELECT * FROM transactions WHERE checkout_request_id = $1", checkoutRequestID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// MarkTransactionProcessing moves a PENDING transaction to PROCESSING and
// stamps the provider references. Guarded on the current status so the
// references are set at most once.
func (s *Store) MarkTransactionProcessing(ctx context.Context, id uuid.UUID, providerRef, checkoutRequestID *string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = $1, provider_ref = $2, checkout_request_id = $3, updated_at = NOW()
		WHERE id = $4 AND status = $5`,
		models.StatusProcessing, providerRef, checkoutRequestID, id, models.StatusPending)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

// TransactionCompletion carries the provider-reported settlement fields
// stamped when a transaction reaches COMPLETED.
type TransactionCompletion struct {
	ProviderRef      *string
	ReceiptNumber    *string
	ProviderResponse json.RawMessage
	NetAmount        *decimal.Decimal
	ProviderFee      *decimal.Decimal
	CustomerPhone    *string
	CustomerEmail    *string
	CustomerName     *string
}

// CompleteTransaction applies the terminal COMPLETED transition as a single
// conditional write. The WHERE clause is the terminal-state guard: a
// duplicate webhook or a concurrent poll sees zero rows affected and applies
// nothing. Customer fields only backfill when the provider supplied them.
func (s *Store) CompleteTransaction(ctx context.Context, id uuid.UUID, c TransactionCompletion) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = $1,
		    provider_ref = COALESCE($2, provider_ref),
		    mpesa_receipt_number = COALESCE($3, mpesa_receipt_number),
		    provider_response = COALESCE($4, provider_response),
		    net_amount = COALESCE($5, net_amount),
		    provider_fee = COALESCE($6, provider_fee),
		    customer_phone = COALESCE($7, customer_phone),
		    customer_email = COALESCE($8, customer_email),
		    customer_name = COALESCE($9, customer_name),
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $10 AND status IN ($11, $12)`,
		models.StatusCompleted,
		c.ProviderRef, c.ReceiptNumber, c.ProviderResponse,
		c.NetAmount, c.ProviderFee,
		c.CustomerPhone, c.CustomerEmail, c.CustomerName,
		id, models.StatusPending, models.StatusProcessing)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

// FailTransaction applies the terminal FAILED transition with the same
// conditional guard as CompleteTransaction.
func (s *Store) FailTransaction(ctx context.Context, id uuid.UUID, reason string, providerRef *string, providerResponse json.RawMessage) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = $1,
		    failure_reason = $2,
		    provider_ref = COALESCE($3, provider_ref),
		    provider_response = COALESCE($4, provider_response),
		    updated_at = NOW()
		WHERE id = $5 AND status IN ($6, $7)`,
		models.StatusFailed, reason, providerRef, providerResponse,
		id, models.StatusPending, models.StatusProcessing)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

// ReverseTransaction flips a fully refunded transaction from COMPLETED to
// REVERSED. Only reachable from COMPLETED.
func (s *Store) ReverseTransaction(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`,
		models.StatusReversed, id, models.StatusCompleted)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

// GetTransactionsByMerchant retrieves recent transactions for a merchant
func (s *Store) GetTransactionsByMerchant(ctx context.Context, merchantID uuid.UUID, limit int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	var txns []models.Transaction
	err := s.db.SelectContext(ctx, &txns,
		"SELECT * FROM transactions WHERE merchant_id = $1 ORDER BY created_at DESC LIMIT $2",
		merchantID, limit)
	return txns, err
}
