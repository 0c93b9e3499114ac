package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/kevrith/kastra-pay/internal/models"
)

// CreateWebhookEvent persists an inbound provider callback. Called before any
// business processing so the audit record survives downstream failures.
func (s *Store) CreateWebhookEvent(ctx context.Context, event *models.WebhookEvent) error {
	query := `
		INSERT INTO webhook_events (id, provider, event_type, payload, headers, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Status == "" {
		event.Status = models.WebhookStatusReceived
	}

	return s.db.QueryRowxContext(ctx, query,
		event.ID, event.Provider, event.EventType, event.Payload, event.Headers, event.Status).
		Scan(&event.CreatedAt)
}

// MarkWebhookProcessed stamps processed status and links the resolved
// transaction.
func (s *Store) MarkWebhookProcessed(ctx context.Context, id uuid.UUID, transactionID, merchantID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = $1, transaction_id = $2, merchant_id = $3, processed_at = NOW()
		WHERE id = $4`,
		models.WebhookStatusProcessed, transactionID, merchantID, id)
	return err
}

// MarkWebhookFailed stamps failed status on a webhook event
func (s *Store) MarkWebhookFailed(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE webhook_events SET status = $1, processed_at = NOW() WHERE id = $2",
		models.WebhookStatusFailed, id)
	return err
}

// GetWebhookEventsByTransaction retrieves the audit trail for a transaction
func (s *Store) GetWebhookEventsByTransaction(ctx context.Context, transactionID uuid.UUID) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	err := s.db.SelectContext(ctx, &events,
		"SELECT * FROM webhook_events WHERE transaction_id = $1 ORDER BY created_at", transactionID)
	return events, err
}
