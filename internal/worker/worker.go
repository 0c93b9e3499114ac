package worker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/kevrith/kastra-pay/internal/broker"
	"github.com/kevrith/kastra-pay/internal/models"
	"github.com/kevrith/kastra-pay/internal/util"
)

// MerchantSource resolves event payloads to merchant webhook endpoints,
// implemented by *store.Store.
type MerchantSource interface {
	GetMerchantByID(ctx context.Context, id uuid.UUID) (*models.Merchant, error)
}

// NotificationWorker consumes payment events and forwards them to merchant
// webhook URLs. Deliveries are signed with the merchant's webhook secret so
// merchants can authenticate the callback the same way this service
// authenticates provider webhooks.
type NotificationWorker struct {
	consumer  *broker.Consumer
	merchants MerchantSource
	client    *http.Client
	logger    *zap.Logger
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(consumer *broker.Consumer, merchants MerchantSource) *NotificationWorker {
	return &NotificationWorker{
		consumer:  consumer,
		merchants: merchants,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    util.GetLogger(),
	}
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	return w.consumer.StartConsuming(ctx, w.handleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker")
	return w.consumer.Close()
}

type merchantEnvelope struct {
	models.BaseEvent
	MerchantID string `json:"merchant_id"`
}

func (w *NotificationWorker) handleMessage(ctx context.Context, msg kafka.Message) error {
	var envelope merchantEnvelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		w.logger.Error("Failed to unmarshal event", zap.Error(err))
		return nil
	}

	switch envelope.EventType {
	case models.EventTypePaymentCompleted, models.EventTypePaymentFailed, models.EventTypeRefundCompleted:
	default:
		return nil
	}

	merchantID, err := uuid.Parse(envelope.MerchantID)
	if err != nil {
		w.logger.Error("Event carries invalid merchant id",
			zap.String("event_id", envelope.EventID),
			zap.String("merchant_id", envelope.MerchantID))
		return nil
	}

	merchant, err := w.merchants.GetMerchantByID(ctx, merchantID)
	if err != nil {
		// Returning the error leaves the offset uncommitted so the
		// delivery is retried once the store recovers.
		return fmt.Errorf("failed to load merchant %s: %w", merchantID, err)
	}
	if merchant == nil || merchant.WebhookURL == nil || *merchant.WebhookURL == "" {
		util.NotificationsDeliveredTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	if err := w.deliver(ctx, merchant, msg.Value); err != nil {
		util.NotificationsDeliveredTotal.WithLabelValues("failed").Inc()
		w.logger.Warn("Webhook notification failed",
			zap.String("merchant_id", merchant.ID.String()),
			zap.String("event_type", envelope.EventType),
			zap.Error(err))
		return nil
	}

	util.NotificationsDeliveredTotal.WithLabelValues("delivered").Inc()
	w.logger.Info("Webhook notification delivered",
		zap.String("merchant_id", merchant.ID.String()),
		zap.String("event_type", envelope.EventType))
	return nil
}

func (w *NotificationWorker) deliver(ctx context.Context, merchant *models.Merchant, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *merchant.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if merchant.WebhookSecret != nil && *merchant.WebhookSecret != "" {
		mac := hmac.New(sha256.New, []byte(*merchant.WebhookSecret))
		mac.Write(payload)
		req.Header.Set("X-Kastra-Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("merchant endpoint returned %d", resp.StatusCode)
	}
	return nil
}
