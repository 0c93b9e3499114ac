package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentMethod identifies a provider+channel pair.
type PaymentMethod string

const (
	MethodMpesaSTK               PaymentMethod = "MPESA_STK"
	MethodMpesaC2B               PaymentMethod = "MPESA_C2B"
	MethodFlutterwaveCard        PaymentMethod = "FLUTTERWAVE_CARD"
	MethodFlutterwaveMobileMoney PaymentMethod = "FLUTTERWAVE_MOBILE_MONEY"
	MethodPaystackCard           PaymentMethod = "PAYSTACK_CARD"
	MethodPaystackMobileMoney    PaymentMethod = "PAYSTACK_MOBILE_MONEY"
)

// PaymentMethods is the closed set of supported methods, used to validate
// gateway dispatch at startup.
var PaymentMethods = []PaymentMethod{
	MethodMpesaSTK,
	MethodMpesaC2B,
	MethodFlutterwaveCard,
	MethodFlutterwaveMobileMoney,
	MethodPaystackCard,
	MethodPaystackMobileMoney,
}

// TransactionStatus represents transaction states
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "PENDING"
	StatusProcessing TransactionStatus = "PROCESSING"
	StatusCompleted  TransactionStatus = "COMPLETED"
	StatusFailed     TransactionStatus = "FAILED"
	StatusCancelled  TransactionStatus = "CANCELLED"
	StatusReversed   TransactionStatus = "REVERSED"
)

// transitions is the transaction state machine. Terminal states have no
// outgoing edges except COMPLETED -> REVERSED via the refund flow.
// CANCELLED exists in the schema but nothing transitions into it yet.
var transitions = map[TransactionStatus][]TransactionStatus{
	StatusPending:    {StatusProcessing, StatusCompleted, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusCompleted:  {StatusReversed},
	StatusFailed:     {},
	StatusCancelled:  {},
	StatusReversed:   {},
}

// IsValidTransition reports whether a status transition is allowed.
func IsValidTransition(from, to TransactionStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether provider-driven mutation of the transaction is
// permitted. COMPLETED counts as terminal here: only the refund flow may
// move it on, and it does so through its own guarded update.
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusReversed:
		return true
	}
	return false
}

// Transaction is the central payment record. idempotency_key carries a
// unique constraint; the insert conflict on it is the race-breaker for
// duplicate initiations.
type Transaction struct {
	ID                uuid.UUID         `db:"id" json:"id"`
	MerchantID        uuid.UUID         `db:"merchant_id" json:"merchant_id"`
	PaymentLinkID     *uuid.UUID        `db:"payment_link_id" json:"payment_link_id,omitempty"`
	IdempotencyKey    string            `db:"idempotency_key" json:"idempotency_key"`
	Amount            decimal.Decimal   `db:"amount" json:"amount"`
	Currency          string            `db:"currency" json:"currency"`
	PaymentMethod     PaymentMethod     `db:"payment_method" json:"payment_method"`
	Status            TransactionStatus `db:"status" json:"status"`
	CustomerPhone     *string           `db:"customer_phone" json:"customer_phone,omitempty"`
	CustomerEmail     *string           `db:"customer_email" json:"customer_email,omitempty"`
	CustomerName      *string           `db:"customer_name" json:"customer_name,omitempty"`
	Description       *string           `db:"description" json:"description,omitempty"`
	ProviderRef       *string           `db:"provider_ref" json:"provider_ref,omitempty"`
	CheckoutRequestID *string           `db:"checkout_request_id" json:"checkout_request_id,omitempty"`
	MpesaReceipt      *string           `db:"mpesa_receipt_number" json:"mpesa_receipt_number,omitempty"`
	FailureReason     *string           `db:"failure_reason" json:"failure_reason,omitempty"`
	ProviderResponse  json.RawMessage   `db:"provider_response" json:"-"`
	NetAmount         *decimal.Decimal  `db:"net_amount" json:"net_amount,omitempty"`
	ProviderFee       *decimal.Decimal  `db:"provider_fee" json:"provider_fee,omitempty"`
	Metadata          json.RawMessage   `db:"metadata" json:"metadata,omitempty"`
	CompletedAt       *time.Time        `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt         time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updated_at"`
}

// RefundStatus represents refund states
type RefundStatus string

const (
	RefundPending    RefundStatus = "PENDING"
	RefundProcessing RefundStatus = "PROCESSING"
	RefundCompleted  RefundStatus = "COMPLETED"
	RefundFailed     RefundStatus = "FAILED"
)

// Refund is a value-bearing ledger entry against a transaction. The sum of
// amounts over refunds in {COMPLETED, PENDING, PROCESSING} must never exceed
// the transaction amount.
type Refund struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	TransactionID uuid.UUID       `db:"transaction_id" json:"transaction_id"`
	MerchantID    uuid.UUID       `db:"merchant_id" json:"merchant_id"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	Reason        string          `db:"reason" json:"reason"`
	Status        RefundStatus    `db:"status" json:"status"`
	ProviderRef   *string         `db:"provider_ref" json:"provider_ref,omitempty"`
	CompletedAt   *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// WebhookEvent statuses
const (
	WebhookStatusReceived  = "received"
	WebhookStatusProcessed = "processed"
	WebhookStatusFailed    = "failed"
)

// WebhookEvent is an append-only audit record of every inbound provider
// callback, persisted before any business logic runs.
type WebhookEvent struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	Provider      string          `db:"provider" json:"provider"`
	EventType     string          `db:"event_type" json:"event_type"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	Headers       json.RawMessage `db:"headers" json:"headers"`
	Status        string          `db:"status" json:"status"`
	TransactionID *uuid.UUID      `db:"transaction_id" json:"transaction_id,omitempty"`
	MerchantID    *uuid.UUID      `db:"merchant_id" json:"merchant_id,omitempty"`
	ProcessedAt   *time.Time      `db:"processed_at" json:"processed_at,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// Merchant statuses
const (
	MerchantActive    = "ACTIVE"
	MerchantSuspended = "SUSPENDED"
	MerchantPending   = "PENDING"
)

// Merchant is the multi-tenant owner of transactions and payment links.
type Merchant struct {
	ID            uuid.UUID `db:"id" json:"id"`
	BusinessName  string    `db:"business_name" json:"business_name"`
	Status        string    `db:"status" json:"status"`
	WebhookURL    *string   `db:"webhook_url" json:"webhook_url,omitempty"`
	WebhookSecret *string   `db:"webhook_secret" json:"-"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// PaymentLink is a shareable checkout entry point for a merchant.
type PaymentLink struct {
	ID         uuid.UUID        `db:"id" json:"id"`
	MerchantID uuid.UUID        `db:"merchant_id" json:"merchant_id"`
	Code       string           `db:"code" json:"code"`
	Title      string           `db:"title" json:"title"`
	Amount     *decimal.Decimal `db:"amount" json:"amount,omitempty"`
	Currency   string           `db:"currency" json:"currency"`
	Active     bool             `db:"active" json:"active"`
	CreatedAt  time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time        `db:"updated_at" json:"updated_at"`
}
