package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypePaymentCompleted = "PAYMENT_COMPLETED"
	EventTypePaymentFailed    = "PAYMENT_FAILED"
	EventTypeRefundCompleted  = "REFUND_COMPLETED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// PaymentCompletedEvent published when a transaction reaches COMPLETED
type PaymentCompletedEvent struct {
	BaseEvent
	TransactionID string          `json:"transaction_id"`
	MerchantID    string          `json:"merchant_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	ProviderRef   string          `json:"provider_ref,omitempty"`
	ReceiptNumber string          `json:"receipt_number,omitempty"`
}

// PaymentFailedEvent published when a transaction reaches FAILED
type PaymentFailedEvent struct {
	BaseEvent
	TransactionID string        `json:"transaction_id"`
	MerchantID    string        `json:"merchant_id"`
	PaymentMethod PaymentMethod `json:"payment_method"`
	Reason        string        `json:"reason"`
}

// RefundCompletedEvent published when a refund reaches COMPLETED
type RefundCompletedEvent struct {
	BaseEvent
	RefundID      string          `json:"refund_id"`
	TransactionID string          `json:"transaction_id"`
	MerchantID    string          `json:"merchant_id"`
	Amount        decimal.Decimal `json:"amount"`
	Reversed      bool            `json:"reversed"`
}
