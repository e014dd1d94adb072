package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gravadormedico/checkout-api/internal/gateway"
	"github.com/gravadormedico/checkout-api/internal/models"
)

const (
	// Bounded correlation retry: a webhook can legitimately arrive before
	// the synchronous checkout path commits the sale row.
	correlationMaxRetries = 5
	correlationRetryDelay = 2 * time.Second
)

// PaymentFetcher fetches the authoritative payment state from the primary
// gateway; the webhook body is never trusted as complete.
type PaymentFetcher interface {
	FetchPayment(ctx context.Context, paymentID string) (*gateway.MPPayment, error)
}

// WebhookService reconciles asynchronous gateway notifications against the
// locally-known sales. Every raw payload is logged before any business
// logic runs.
type WebhookService struct {
	db          *gorm.DB
	redisClient *redis.Client
	payments    PaymentFetcher
	logger      *zap.Logger

	maxRetries int
	retryDelay time.Duration
	sleep      func(time.Duration)
}

// NewWebhookService creates the reconciler. redisClient may be nil, which
// disables the cross-delivery dedup guard; the database-level transitions
// stay idempotent either way.
func NewWebhookService(db *gorm.DB, redisClient *redis.Client, payments PaymentFetcher, logger *zap.Logger) *WebhookService {
	return &WebhookService{
		db:          db,
		redisClient: redisClient,
		payments:    payments,
		logger:      logger,
		maxRetries:  correlationMaxRetries,
		retryDelay:  correlationRetryDelay,
		sleep:       time.Sleep,
	}
}

type mpWebhookBody struct {
	Action string `json:"action"`
	Type   string `json:"type"`
	Data   struct {
		ID json.Number `json:"id"`
	} `json:"data"`
}

// HandleMercadoPagoWebhook processes a Mercado Pago payment notification:
// log first, enrich from the gateway, correlate with bounded retry, update
// the sale, and enqueue provisioning when the payment is confirmed.
func (s *WebhookService) HandleMercadoPagoWebhook(c *gin.Context) {
	ctx := c.Request.Context()

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read_failed"})
		return
	}

	var body mpWebhookBody
	if err := json.Unmarshal(raw, &body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}

	topic := body.Action
	if topic == "" {
		topic = body.Type
	}
	paymentID := body.Data.ID.String()

	logEntry, err := s.logWebhook(models.GatewayMercadoPago, topic, paymentID, raw)
	if err != nil {
		// Without a durable log the notification could be silently lost;
		// refuse receipt so the gateway redelivers.
		s.logger.Error("Failed to persist webhook log", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "log_failed"})
		return
	}

	if s.isDuplicateDelivery(ctx, models.GatewayMercadoPago, topic, paymentID) {
		s.markDuplicate(logEntry)
		c.JSON(http.StatusOK, gin.H{"status": "duplicate_ignored"})
		return
	}

	if !strings.Contains(topic, "payment") || paymentID == "" {
		s.markProcessed(logEntry, 0)
		c.JSON(http.StatusOK, gin.H{"received": true, "action": "none"})
		return
	}

	payment, err := s.payments.FetchPayment(ctx, paymentID)
	if err != nil {
		s.logger.Warn("Payment enrichment failed",
			zap.String("payment_id", paymentID),
			zap.Error(err))
		s.markUnprocessed(logEntry, logEntry.RetryCount+1, fmt.Sprintf("enrichment failed: %v", err))
		s.releaseDelivery(ctx, models.GatewayMercadoPago, topic, paymentID)
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "error": "enrichment_failed"})
		return
	}

	sale, retries := s.findSaleWithRetry(ctx, paymentID)
	if sale == nil {
		s.logger.Warn("Sale not found after bounded retries",
			zap.String("payment_id", paymentID),
			zap.Int("retries", retries))
		s.markUnprocessed(logEntry, retries, "sale not found after bounded retries")
		s.releaseDelivery(ctx, models.GatewayMercadoPago, topic, paymentID)
		c.JSON(http.StatusAccepted, gin.H{
			"status":  "accepted",
			"message": "sale not created yet, awaiting redelivery",
		})
		return
	}

	mapped := MapMercadoPagoStatus(payment.Status)
	if err := s.applyStatus(ctx, sale, mapped, "", payment.Raw); err != nil {
		s.logger.Error("Failed to update sale from webhook",
			zap.String("sale_id", sale.ID.String()),
			zap.Error(err))
		s.markUnprocessed(logEntry, logEntry.RetryCount+1, err.Error())
		s.releaseDelivery(ctx, models.GatewayMercadoPago, topic, paymentID)
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "error": "update_failed"})
		return
	}

	if mapped == models.SaleStatusPaid {
		if err := s.enqueueProvisioning(ctx, sale); err != nil {
			s.logger.Error("Failed to enqueue provisioning",
				zap.String("sale_id", sale.ID.String()),
				zap.Error(err))
		}
	}

	s.markProcessed(logEntry, retries)
	c.JSON(http.StatusOK, gin.H{"received": true})
}

// appmaxEventMapping maps Appmax webhook event names to the local sale
// status vocabulary.
var appmaxEventMapping = map[string]struct {
	Status        string
	FailureReason string
}{
	"Pedido aprovado":                      {Status: models.SaleStatusApproved},
	"Pedido autorizado":                    {Status: models.SaleStatusApproved},
	"Pedido integrado":                     {Status: models.SaleStatusApproved},
	"Pedido Autorizado com atraso (60min)": {Status: models.SaleStatusApproved},
	"Pedido Chargeback Ganho":              {Status: models.SaleStatusApproved},
	"Boleto Gerado":                        {Status: models.SaleStatusPending},
	"Pedido pendente de integracao":        {Status: models.SaleStatusPending},
	"Pix Gerado":                           {Status: models.SaleStatusPending},
	"Pedido pago":                          {Status: models.SaleStatusPaid},
	"Upsell pago":                          {Status: models.SaleStatusPaid},
	"Pix Pago":                             {Status: models.SaleStatusPaid},
	"Pedido Estornado":                     {Status: models.SaleStatusRefunded, FailureReason: "Estornado"},
	"Pix Expirado":                         {Status: models.SaleStatusExpired, FailureReason: "PIX Expirado"},
	"Pedido com boleto vencido":            {Status: models.SaleStatusExpired, FailureReason: "Boleto Vencido"},
	"Pedido Chargeback em Tratamento":      {Status: models.SaleStatusChargeback, FailureReason: "Chargeback em Análise"},
}

type appmaxWebhookBody struct {
	Event         string      `json:"event"`
	OrderID       json.Number `json:"order_id"`
	CustomerEmail string      `json:"customer_email"`
	CustomerName  string      `json:"customer_name"`
	TotalAmount   float64     `json:"total_amount"`
	PaymentMethod string      `json:"payment_method"`
}

// HandleAppmaxWebhook processes an Appmax order status notification. The
// payload carries the full event, so no enrichment call is needed; a paid
// event with no matching sale creates one (redirected checkouts never hit
// the synchronous path).
func (s *WebhookService) HandleAppmaxWebhook(c *gin.Context) {
	ctx := c.Request.Context()

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read_failed"})
		return
	}

	var body appmaxWebhookBody
	if err := json.Unmarshal(raw, &body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}
	if body.Event == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_event"})
		return
	}

	orderID := body.OrderID.String()

	logEntry, err := s.logWebhook(models.GatewayAppmax, body.Event, orderID, raw)
	if err != nil {
		s.logger.Error("Failed to persist webhook log", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "log_failed"})
		return
	}

	mapping, ok := appmaxEventMapping[body.Event]
	if !ok {
		s.logger.Warn("Unmapped Appmax event", zap.String("event", body.Event))
		s.markProcessed(logEntry, 0)
		// 200 so the gateway stops redelivering an event we will never map.
		c.JSON(http.StatusOK, gin.H{"message": "event received but not processed", "event": body.Event})
		return
	}

	if s.isDuplicateDelivery(ctx, models.GatewayAppmax, body.Event, orderID) {
		s.markDuplicate(logEntry)
		c.JSON(http.StatusOK, gin.H{"status": "duplicate_ignored"})
		return
	}

	if orderID != "" {
		var sale models.Sale
		err := s.db.WithContext(ctx).Where("gateway_payment_id = ?", orderID).First(&sale).Error
		switch {
		case err == nil:
			if err := s.applyStatus(ctx, &sale, mapping.Status, mapping.FailureReason, raw); err != nil {
				s.logger.Error("Failed to update sale from Appmax webhook",
					zap.String("order_id", orderID), zap.Error(err))
				s.markUnprocessed(logEntry, logEntry.RetryCount+1, err.Error())
				s.releaseDelivery(ctx, models.GatewayAppmax, body.Event, orderID)
				c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "error": "update_failed"})
				return
			}
			if mapping.Status == models.SaleStatusPaid {
				if err := s.enqueueProvisioning(ctx, &sale); err != nil {
					s.logger.Error("Failed to enqueue provisioning",
						zap.String("sale_id", sale.ID.String()), zap.Error(err))
				}
			}
			s.markProcessed(logEntry, 0)
			c.JSON(http.StatusOK, gin.H{"success": true, "status": mapping.Status})
			return
		case !errors.Is(err, gorm.ErrRecordNotFound):
			s.markUnprocessed(logEntry, logEntry.RetryCount+1, err.Error())
			s.releaseDelivery(ctx, models.GatewayAppmax, body.Event, orderID)
			c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "error": "lookup_failed"})
			return
		}
	}

	// No local sale: create one for paid events so a redirected checkout
	// still ends up recorded and provisioned.
	if body.CustomerEmail != "" && mapping.Status == models.SaleStatusPaid {
		sale := &models.Sale{
			CustomerName:     body.CustomerName,
			CustomerEmail:    body.CustomerEmail,
			AmountCents:      int64(math.Round(body.TotalAmount * 100)),
			Status:           mapping.Status,
			PaymentGateway:   models.GatewayAppmax,
			GatewayPaymentID: orderID,
			GatewayAttempts:  models.MarshalAttempts(nil),
			PaymentDetails:   datatypesJSON(raw),
		}
		if err := s.db.WithContext(ctx).Create(sale).Error; err != nil {
			s.logger.Error("Failed to create sale from Appmax webhook",
				zap.String("order_id", orderID), zap.Error(err))
			s.markUnprocessed(logEntry, logEntry.RetryCount+1, err.Error())
			s.releaseDelivery(ctx, models.GatewayAppmax, body.Event, orderID)
			c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "error": "create_failed"})
			return
		}
		if err := s.enqueueProvisioning(ctx, sale); err != nil {
			s.logger.Error("Failed to enqueue provisioning",
				zap.String("sale_id", sale.ID.String()), zap.Error(err))
		}
		s.markProcessed(logEntry, 0)
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "sale created"})
		return
	}

	s.markProcessed(logEntry, 0)
	c.JSON(http.StatusOK, gin.H{"success": true, "action": "none"})
}

// logWebhook appends the raw payload before any processing, outside any
// later transaction, so a downstream failure cannot roll it back.
func (s *WebhookService) logWebhook(gatewayName, topic, eventID string, raw []byte) (*models.WebhookLogEntry, error) {
	entry := &models.WebhookLogEntry{
		Gateway:    gatewayName,
		Topic:      topic,
		EventID:    eventID,
		RawPayload: datatypesJSON(raw),
	}
	// Background context: the write must land even if the request is
	// abandoned mid-flight.
	if err := s.db.WithContext(context.Background()).Create(entry).Error; err != nil {
		return nil, err
	}
	return entry, nil
}

// isDuplicateDelivery is a best-effort cross-delivery guard. Redis being
// down or absent only means redeliveries fall through to the idempotent
// database transitions.
func (s *WebhookService) isDuplicateDelivery(ctx context.Context, gatewayName, topic, eventID string) bool {
	if s.redisClient == nil || eventID == "" {
		return false
	}
	wasSet, err := s.redisClient.SetNX(ctx, dedupKey(gatewayName, topic, eventID), "processing", 24*time.Hour).Result()
	if err != nil {
		return false
	}
	return !wasSet
}

// releaseDelivery drops the dedup key claimed by isDuplicateDelivery. Every
// 202 response depends on the gateway redelivering the notification, so the
// claim must not outlive a failed processing attempt.
func (s *WebhookService) releaseDelivery(ctx context.Context, gatewayName, topic, eventID string) {
	if s.redisClient == nil || eventID == "" {
		return
	}
	if err := s.redisClient.Del(ctx, dedupKey(gatewayName, topic, eventID)).Err(); err != nil {
		s.logger.Warn("Failed to release webhook dedup key",
			zap.String("event_id", eventID), zap.Error(err))
	}
}

func dedupKey(gatewayName, topic, eventID string) string {
	return fmt.Sprintf("processed_event:%s:%s:%s", gatewayName, topic, eventID)
}

// findSaleWithRetry looks the sale up by its gateway payment id, retrying
// with a fixed delay because the webhook may outrun the checkout write.
func (s *WebhookService) findSaleWithRetry(ctx context.Context, paymentID string) (*models.Sale, int) {
	retries := 0
	for {
		var sale models.Sale
		err := s.db.WithContext(ctx).Where("gateway_payment_id = ?", paymentID).First(&sale).Error
		if err == nil {
			return &sale, retries
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Error("Sale lookup failed", zap.String("payment_id", paymentID), zap.Error(err))
		}

		retries++
		if retries >= s.maxRetries {
			return nil, retries
		}
		s.sleep(s.retryDelay)
	}
}

// applyStatus transitions the sale to the mapped status and attaches the
// enriched payload. Re-applying the same transition is a no-op, and a sale
// already past "paid" in the provisioning state machine is never regressed.
func (s *WebhookService) applyStatus(ctx context.Context, sale *models.Sale, status, failureReason string, enriched []byte) error {
	switch sale.Status {
	case models.SaleStatusProvisioning, models.SaleStatusActive, models.SaleStatusProvisioningFailed:
		if status == models.SaleStatusPaid || status == models.SaleStatusApproved {
			return nil
		}
	}
	if sale.Status == status {
		return nil
	}

	updates := map[string]interface{}{
		"status":          status,
		"payment_details": datatypesJSON(enriched),
	}
	if failureReason != "" {
		updates["failure_reason"] = failureReason
	}
	if err := s.db.WithContext(ctx).Model(&models.Sale{}).Where("id = ?", sale.ID).Updates(updates).Error; err != nil {
		return err
	}
	sale.Status = status
	return nil
}

// enqueueProvisioning creates the queue item for a paid sale exactly once;
// redelivered webhooks find the existing row and change nothing.
func (s *WebhookService) enqueueProvisioning(ctx context.Context, sale *models.Sale) error {
	switch sale.Status {
	case models.SaleStatusActive, models.SaleStatusProvisioningFailed:
		return nil
	}
	item := models.ProvisioningQueueItem{SaleID: sale.ID}
	return s.db.WithContext(ctx).
		Where(models.ProvisioningQueueItem{SaleID: sale.ID}).
		FirstOrCreate(&item).Error
}

func (s *WebhookService) markProcessed(entry *models.WebhookLogEntry, retries int) {
	now := time.Now().UTC()
	s.db.Model(entry).Updates(map[string]interface{}{
		"processed":    true,
		"processed_at": now,
		"retry_count":  retries,
	})
}

// markDuplicate closes out the log row for a delivery the dedup guard
// rejected, so duplicates never count toward the unprocessed backlog.
func (s *WebhookService) markDuplicate(entry *models.WebhookLogEntry) {
	now := time.Now().UTC()
	s.db.Model(entry).Updates(map[string]interface{}{
		"processed":    true,
		"processed_at": now,
		"last_error":   "duplicate delivery",
	})
}

func (s *WebhookService) markUnprocessed(entry *models.WebhookLogEntry, retries int, lastError string) {
	s.db.Model(entry).Updates(map[string]interface{}{
		"processed":   false,
		"retry_count": retries,
		"last_error":  lastError,
	})
}

// MapMercadoPagoStatus maps the gateway's native payment status vocabulary
// into the local sale status enum.
func MapMercadoPagoStatus(mpStatus string) string {
	switch mpStatus {
	case "approved":
		return models.SaleStatusPaid
	case "pending", "in_process":
		return models.SaleStatusPending
	case "rejected":
		return models.SaleStatusRefused
	case "cancelled":
		return models.SaleStatusCancelled
	case "refunded":
		return models.SaleStatusRefunded
	default:
		return models.SaleStatusPending
	}
}
