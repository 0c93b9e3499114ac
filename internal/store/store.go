package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/kevrith/kastra-pay/internal/models"
)

// ErrDuplicateIdempotencyKey is returned when an insert hits the unique
// constraint on transactions.idempotency_key. The unique index is the actual
// race-breaker for concurrent initiations; callers fall back to reading the
// existing row.
var ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

const uniqueViolation = pq.ErrorCode("23505")

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// GetMerchantByID retrieves a merchant by ID
func (s *Store) GetMerchantByID(ctx context.Context, id uuid.UUID) (*models.Merchant, error) {
	var merchant models.Merchant
	err := s.db.GetContext(ctx, &merchant, "SELECT * FROM merchants WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &merchant, nil
}

// CreatePaymentLink creates a new payment link
func (s *Store) CreatePaymentLink(ctx context.Context, link *models.PaymentLink) error {
	query := `
		INSERT INTO payment_links (id, merchant_id, code, title, amount, currency, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`

	if link.ID == uuid.Nil {
		link.ID = uuid.New()
	}

	err := s.db.QueryRowxContext(ctx, query,
		link.ID, link.MerchantID, link.Code, link.Title, link.Amount, link.Currency, link.Active).
		Scan(&link.CreatedAt, &link.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("payment link code already exists: %s", link.Code)
	}
	return err
}

// GetPaymentLinkByCode retrieves an active payment link by its public code
func (s *Store) GetPaymentLinkByCode(ctx context.Context, code string) (*models.PaymentLink, error) {
	var link models.PaymentLink
	err := s.db.GetContext(ctx, &link, "SELECT * FROM payment_links WHERE code = $1 AND active = TRUE", code)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &link, nil
}

// GetPaymentLinksByMerchant retrieves all payment links for a merchant
func (s *Store) GetPaymentLinksByMerchant(ctx context.Context, merchantID uuid.UUID) ([]models.PaymentLink, error) {
	var links []models.PaymentLink
	err := s.db.SelectContext(ctx, &links,
		"SELECT * FROM payment_links WHERE merchant_id = $1 ORDER BY created_at DESC", merchantID)
	return links, err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	return false
}
