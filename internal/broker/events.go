package broker

import (
	"context"

	"github.com/kevrith/kastra-pay/internal/models"
)

// EventPublisher handles publishing payment domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishPaymentCompleted publishes PaymentCompleted event keyed by transaction
func (ep *EventPublisher) PublishPaymentCompleted(ctx context.Context, event *models.PaymentCompletedEvent) error {
	return ep.producer.PublishEvent(ctx, "txn-"+event.TransactionID, event)
}

// PublishPaymentFailed publishes PaymentFailed event
func (ep *EventPublisher) PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	return ep.producer.PublishEvent(ctx, "txn-"+event.TransactionID, event)
}

// PublishRefundCompleted publishes RefundCompleted event
func (ep *EventPublisher) PublishRefundCompleted(ctx context.Context, event *models.RefundCompletedEvent) error {
	return ep.producer.PublishEvent(ctx, "txn-"+event.TransactionID, event)
}
