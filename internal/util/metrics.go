package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PaymentsInitiatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_initiated_total",
		Help: "Total number of payment initiations accepted by a provider",
	}, []string{"method"})

	PaymentsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_completed_total",
		Help: "Total number of transactions reaching COMPLETED",
	}, []string{"method", "source"})

	PaymentsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_failed_total",
		Help: "Total number of transactions reaching FAILED",
	}, []string{"method", "reason"})

	DuplicateInitiationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_duplicate_initiations_total",
		Help: "Initiation requests answered from an existing idempotency key",
	})

	ProviderRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "provider_request_duration_seconds",
		Help:    "Latency of outbound provider HTTP calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "operation"})

	WebhooksReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhooks_received_total",
		Help: "Total number of inbound provider webhooks",
	}, []string{"provider"})

	WebhookSignatureFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_signature_failures_total",
		Help: "Inbound webhooks rejected for a bad signature",
	}, []string{"provider"})

	WebhookProcessingErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_processing_errors_total",
		Help: "Webhooks acknowledged but not fully processed",
	}, []string{"provider"})

	RefundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refunds_total",
		Help: "Total number of refund attempts by outcome",
	}, []string{"status"})

	TransactionsReversedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transactions_reversed_total",
		Help: "Transactions fully refunded and flipped to REVERSED",
	})

	NotificationsDeliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "merchant_notifications_delivered_total",
		Help: "Merchant webhook notification deliveries by outcome",
	}, []string{"outcome"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rate_limited_requests_total",
		Help: "Requests rejected by the rate-limit gate",
	})
)
