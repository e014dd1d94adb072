package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gravadormedico/checkout-api/internal/config"
	"github.com/gravadormedico/checkout-api/internal/gateway"
	"github.com/gravadormedico/checkout-api/internal/services"
)

// Handlers contains all the API handlers with their dependencies
type Handlers struct {
	checkoutService     *services.CheckoutService
	provisioningService *services.ProvisioningService
	cfg                 *config.Config
	logger              *zap.Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(
	checkoutService *services.CheckoutService,
	provisioningService *services.ProvisioningService,
	cfg *config.Config,
	logger *zap.Logger,
) *Handlers {
	return &Handlers{
		checkoutService:     checkoutService,
		provisioningService: provisioningService,
		cfg:                 cfg,
		logger:              logger,
	}
}

type customerPayload struct {
	Name  string `json:"name" binding:"required"`
	Email string `json:"email" binding:"required,email"`
	Phone string `json:"phone"`
	CPF   string `json:"cpf"`
}

type appmaxPayload struct {
	PaymentMethod string              `json:"payment_method"`
	CardData      *gateway.CardData   `json:"card_data"`
	OrderBumps    []gateway.OrderBump `json:"order_bumps"`
}

type checkoutRequest struct {
	Customer      customerPayload `json:"customer" binding:"required"`
	AmountCents   int64           `json:"amount_cents" binding:"required,gt=0"`
	PaymentMethod string          `json:"payment_method" binding:"required"`
	MPToken       string          `json:"mp_token"`
	AppmaxData    *appmaxPayload  `json:"appmax_data"`
}

// ProcessCheckout runs the payment cascade for one checkout request.
func (h *Handlers) ProcessCheckout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Dados obrigatórios faltando (customer, amount_cents, payment_method)",
		})
		return
	}

	instrument := gateway.Instrument(req.PaymentMethod)
	if instrument != gateway.InstrumentPix && instrument != gateway.InstrumentCreditCard {
		c.JSON(http.StatusNotImplemented, gin.H{
			"success": false,
			"error":   "payment method not supported: " + req.PaymentMethod,
		})
		return
	}

	paymentReq := gateway.PaymentRequest{
		Customer: gateway.Customer{
			Name:  req.Customer.Name,
			Email: req.Customer.Email,
			Phone: req.Customer.Phone,
			CPF:   req.Customer.CPF,
		},
		AmountCents: req.AmountCents,
		Instrument:  instrument,
		CardToken:   req.MPToken,
	}
	if req.AppmaxData != nil {
		paymentReq.AppmaxCard = req.AppmaxData.CardData
		paymentReq.OrderBumps = req.AppmaxData.OrderBumps
	}

	result, err := h.checkoutService.Process(c.Request.Context(), paymentReq)
	if err != nil {
		// Internal detail stays server-side; the client gets a generic
		// failure.
		h.logger.Error("Checkout processing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "Erro inesperado ao processar pagamento. Tente novamente.",
		})
		return
	}

	c.JSON(result.HTTPStatus, result)
}

// CheckoutHealth reports whether the gateway credentials are configured,
// for deploy-time smoke checks.
func (h *Handlers) CheckoutHealth(c *gin.Context) {
	checks := gin.H{
		"mercadopago_token_configured": h.cfg.MercadoPago.AccessToken != "",
		"appmax_token_configured":      h.cfg.Appmax.Token != "",
		"lovable_configured":           h.cfg.Lovable.APIKey != "",
	}
	allConfigured := h.cfg.MercadoPago.AccessToken != "" &&
		h.cfg.Appmax.Token != "" &&
		h.cfg.Lovable.APIKey != ""

	status := http.StatusOK
	state := "ok"
	if !allConfigured {
		status = http.StatusServiceUnavailable
		state = "misconfigured"
	}
	c.JSON(status, gin.H{"status": state, "checks": checks})
}

// ProcessProvisioningCron triggers one provisioning worker pass. The caller
// must present the shared cron secret or the trusted scheduler user agent.
func (h *Handlers) ProcessProvisioningCron(c *gin.Context) {
	if !h.cronAuthorized(c) {
		h.logger.Warn("Unauthorized cron invocation",
			zap.String("remote_addr", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthorized"})
		return
	}

	start := time.Now()
	report, err := h.provisioningService.ProcessQueue(c.Request.Context())
	duration := time.Since(start)

	if err != nil {
		h.logger.Error("Provisioning pass failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"success":     false,
			"error":       err.Error(),
			"duration_ms": duration.Milliseconds(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"processed":   report.Processed,
		"failed":      report.Failed,
		"skipped":     report.Skipped,
		"errors":      report.Errors,
		"duration_ms": duration.Milliseconds(),
		"timestamp":   time.Now().UTC(),
	})
}

// ProvisioningCronLiveness answers HEAD probes from the scheduler.
func (h *Handlers) ProvisioningCronLiveness(c *gin.Context) {
	c.Header("X-Cron-Status", "ok")
	c.Header("X-Cron-Timestamp", time.Now().UTC().Format(time.RFC3339))
	c.Status(http.StatusOK)
}

// ReprocessOrder is the operator path: reset a sale's provisioning queue
// item and run one worker pass now.
func (h *Handlers) ReprocessOrder(c *gin.Context) {
	saleID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid sale id"})
		return
	}

	report, err := h.provisioningService.ReprocessOrder(c.Request.Context(), saleID)
	if err != nil {
		h.logger.Error("Manual reprocess failed",
			zap.String("sale_id", saleID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   report.Processed > 0,
		"processed": report.Processed,
		"failed":    report.Failed,
	})
}

func (h *Handlers) cronAuthorized(c *gin.Context) bool {
	if ua := h.cfg.Cron.TrustedUserAgent; ua != "" &&
		strings.Contains(c.GetHeader("User-Agent"), ua) {
		return true
	}
	if h.cfg.Cron.Secret == "" {
		return false
	}
	return c.GetHeader("Authorization") == "Bearer "+h.cfg.Cron.Secret
}
