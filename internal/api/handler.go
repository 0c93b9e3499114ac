package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kevrith/kastra-pay/config"
	"github.com/kevrith/kastra-pay/internal/models"
	"github.com/kevrith/kastra-pay/internal/service"
	"github.com/kevrith/kastra-pay/internal/store"
	"github.com/kevrith/kastra-pay/internal/util"
)

// RateLimiter is the fixed-window counter behind the rate limit middleware,
// implemented by *redisclient.Client.
type RateLimiter interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Handler contains HTTP handlers
type Handler struct {
	orchestrator *service.PaymentOrchestrator
	reconciler   *service.Reconciler
	refunds      *service.RefundService
	store        *store.Store
	limiter      RateLimiter
	rateLimit    config.RateLimitConfig
}

// NewHandler creates a new HTTP handler
func NewHandler(
	orchestrator *service.PaymentOrchestrator,
	reconciler *service.Reconciler,
	refunds *service.RefundService,
	st *store.Store,
	limiter RateLimiter,
	rateLimit config.RateLimitConfig,
) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		reconciler:   reconciler,
		refunds:      refunds,
		store:        st,
		limiter:      limiter,
		rateLimit:    rateLimit,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		payments := v1.Group("/payments")
		payments.Use(h.rateLimitMiddleware())
		payments.POST("/initiate", h.initiatePayment)
		payments.GET("/verify", h.verifyPayment)
		payments.GET("/:id", h.getTransaction)
		payments.GET("/:id/refunds", h.listRefunds)
		payments.GET("/:id/webhooks", h.listWebhookEvents)
		payments.POST("/refund", h.refundPayment)

		v1.GET("/transactions", h.listTransactions)

		links := v1.Group("/payment-links")
		links.POST("", h.createPaymentLink)
		links.GET("", h.listPaymentLinks)
		links.GET("/:code", h.getPaymentLink)

		v1.POST("/webhooks/mpesa", h.mpesaWebhook)
		v1.POST("/webhooks/paystack", h.paystackWebhook)
		v1.POST("/webhooks/flutterwave", h.flutterwaveWebhook)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	if err := h.store.GetDB().PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// initiatePayment handles payment initiation
func (h *Handler) initiatePayment(c *gin.Context) {
	var req service.InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	resp, err := h.orchestrator.InitiatePayment(c.Request.Context(), &req)
	if err != nil {
		h.renderError(c, err)
		return
	}

	body := gin.H{"transaction": resp.Transaction}
	if resp.RedirectURL != "" {
		body["redirect_url"] = resp.RedirectURL
	}
	if resp.CheckoutRequestID != "" {
		body["checkout_request_id"] = resp.CheckoutRequestID
	}
	c.JSON(http.StatusCreated, body)
}

// verifyPayment serves the client poll path, by transaction id or by
// M-Pesa checkout request id.
func (h *Handler) verifyPayment(c *gin.Context) {
	idStr := c.Query("transactionId")
	checkoutRequestID := c.Query("checkoutRequestId")

	var transactionID *uuid.UUID
	if idStr != "" {
		id, err := uuid.Parse(idStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid transaction ID"})
			return
		}
		transactionID = &id
	}
	if transactionID == nil && checkoutRequestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "transactionId or checkoutRequestId is required",
		})
		return
	}

	txn, err := h.orchestrator.PollTransaction(c.Request.Context(), transactionID, checkoutRequestID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// getTransaction handles get transaction by ID
func (h *Handler) getTransaction(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid transaction ID"})
		return
	}

	txn, err := h.store.GetTransactionByID(c.Request.Context(), id)
	if err != nil {
		h.renderError(c, err)
		return
	}
	if txn == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Transaction not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

func (h *Handler) listTransactions(c *gin.Context) {
	merchantID, ok := h.merchantID(c)
	if !ok {
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	txns, err := h.store.GetTransactionsByMerchant(c.Request.Context(), merchantID, limit)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns})
}

func (h *Handler) listRefunds(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid transaction ID"})
		return
	}
	refunds, err := h.store.GetRefundsByTransaction(c.Request.Context(), id)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refunds": refunds})
}

// listWebhookEvents returns the provider notification audit trail for a
// transaction, useful when reconciling disputed payments.
func (h *Handler) listWebhookEvents(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid transaction ID"})
		return
	}
	events, err := h.store.GetWebhookEventsByTransaction(c.Request.Context(), id)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// refundPayment handles merchant-initiated refunds. The merchant identity
// comes from the X-Merchant-ID header and must match the transaction owner.
func (h *Handler) refundPayment(c *gin.Context) {
	merchantID, ok := h.merchantID(c)
	if !ok {
		return
	}

	var req service.RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	req.MerchantID = merchantID

	refund, err := h.refunds.Refund(c.Request.Context(), req)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"refund": refund})
}

// createPaymentLink handles payment link creation
func (h *Handler) createPaymentLink(c *gin.Context) {
	merchantID, ok := h.merchantID(c)
	if !ok {
		return
	}

	var link models.PaymentLink
	if err := c.ShouldBindJSON(&link); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	link.MerchantID = merchantID

	if err := h.store.CreatePaymentLink(c.Request.Context(), &link); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payment_link": link})
}

func (h *Handler) listPaymentLinks(c *gin.Context) {
	merchantID, ok := h.merchantID(c)
	if !ok {
		return
	}
	links, err := h.store.GetPaymentLinksByMerchant(c.Request.Context(), merchantID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment_links": links})
}

func (h *Handler) getPaymentLink(c *gin.Context) {
	link, err := h.store.GetPaymentLinkByCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	if link == nil || !link.Active {
		c.JSON(http.StatusNotFound, gin.H{"error": "Payment link not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment_link": link})
}

// webhook handlers read the raw body because signature verification must run
// over the exact bytes the provider signed. A bad signature is the only
// failure surfaced to the provider; everything else acks 200 so providers do
// not retry deliveries the poll path can reconcile anyway.

func (h *Handler) mpesaWebhook(c *gin.Context) {
	h.handleWebhook(c, h.reconciler.HandleMpesaWebhook)
}

func (h *Handler) paystackWebhook(c *gin.Context) {
	h.handleWebhook(c, h.reconciler.HandlePaystackWebhook)
}

func (h *Handler) flutterwaveWebhook(c *gin.Context) {
	h.handleWebhook(c, h.reconciler.HandleFlutterwaveWebhook)
}

func (h *Handler) handleWebhook(c *gin.Context, handle func(ctx context.Context, rawBody []byte, headers http.Header) error) {
	rawBody, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}

	if err := handle(c.Request.Context(), rawBody, c.Request.Header); err != nil {
		if errors.Is(err, service.ErrInvalidSignature) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid signature"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "received"})
}

func (h *Handler) merchantID(c *gin.Context) (uuid.UUID, bool) {
	raw := c.GetHeader("X-Merchant-ID")
	if raw == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "X-Merchant-ID header is required"})
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid X-Merchant-ID header"})
		return uuid.Nil, false
	}
	return id, true
}

// renderError maps the service error taxonomy onto HTTP statuses.
func (h *Handler) renderError(c *gin.Context, err error) {
	if appErr, ok := service.AsAppError(err); ok {
		body := gin.H{"error": appErr.Message, "code": appErr.Code}
		if appErr.Provider != "" {
			body["provider"] = appErr.Provider
		}
		c.JSON(statusFor(appErr.Code), body)
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": "Internal server error",
		"code":  service.ErrCodeInternal,
	})
}

func statusFor(code service.ErrorCode) int {
	switch code {
	case service.ErrCodeValidation:
		return http.StatusBadRequest
	case service.ErrCodeAuthorization:
		return http.StatusForbidden
	case service.ErrCodeNotFound:
		return http.StatusNotFound
	case service.ErrCodeConflict:
		return http.StatusConflict
	case service.ErrCodeRateLimit:
		return http.StatusTooManyRequests
	case service.ErrCodeProvider:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// rateLimitMiddleware applies a fixed-window limit keyed by merchant when the
// header is present, otherwise by client IP. Redis failures let the request
// through: availability over strictness.
func (h *Handler) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.limiter == nil || h.rateLimit.RequestsPerWindow <= 0 {
			c.Next()
			return
		}

		key := c.GetHeader("X-Merchant-ID")
		if key == "" {
			key = c.ClientIP()
		}

		count, err := h.limiter.IncrWindow(c.Request.Context(), key, h.rateLimit.Window)
		if err == nil && count > int64(h.rateLimit.RequestsPerWindow) {
			util.RateLimitedTotal.Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
				"code":  service.ErrCodeRateLimit,
			})
			return
		}
		c.Next()
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
