package services

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gravadormedico/checkout-api/internal/gateway"
	"github.com/gravadormedico/checkout-api/internal/models"
)

// CheckoutService sequences the payment gateway cascade: primary first,
// fallback only when the decline classifier allows it. Gateways are always
// attempted sequentially; a charge attempt can move money, so speculative
// parallel dispatch would risk double-charging.
type CheckoutService struct {
	db        *gorm.DB
	primary   gateway.Adapter
	secondary gateway.Adapter
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewCheckoutService creates the cascade orchestrator.
func NewCheckoutService(db *gorm.DB, primary, secondary gateway.Adapter, logger *zap.Logger) *CheckoutService {
	return &CheckoutService{
		db:        db,
		primary:   primary,
		secondary: secondary,
		logger:    logger,
		tracer:    otel.Tracer("checkout-cascade"),
		now:       time.Now,
	}
}

// CheckoutResult is the outcome of one checkout request, carrying the full
// attempt history for diagnostics. HTTPStatus is the status the handler
// should respond with.
type CheckoutResult struct {
	Success      bool                    `json:"success"`
	HTTPStatus   int                     `json:"-"`
	SaleID       string                  `json:"sale_id,omitempty"`
	PaymentID    string                  `json:"payment_id,omitempty"`
	GatewayUsed  string                  `json:"gateway_used,omitempty"`
	FallbackUsed bool                    `json:"fallback_used"`
	Status       string                  `json:"status,omitempty"`
	QRCode       string                  `json:"qr_code,omitempty"`
	QRCodeBase64 string                  `json:"qr_code_base64,omitempty"`
	Error        string                  `json:"error,omitempty"`
	ErrorCode    string                  `json:"error_code,omitempty"`
	Attempts     []models.GatewayAttempt `json:"attempts,omitempty"`
}

// Process runs the cascade for one checkout request. It returns an error
// only for failures the caller must treat as internal (for example the sale
// write failing after an approval); every gateway decline is expressed in
// the result instead.
func (s *CheckoutService) Process(ctx context.Context, req gateway.PaymentRequest) (*CheckoutResult, error) {
	ctx, span := s.tracer.Start(ctx, "checkout_cascade")
	defer span.End()
	span.SetAttributes(
		attribute.String("instrument", string(req.Instrument)),
		attribute.Int64("amount_cents", req.AmountCents),
	)

	switch req.Instrument {
	case gateway.InstrumentPix:
		return s.processPix(ctx, req)
	case gateway.InstrumentCreditCard:
		return s.processCard(ctx, req)
	default:
		return &CheckoutResult{
			Success:    false,
			HTTPStatus: http.StatusNotImplemented,
			Error:      fmt.Sprintf("payment method %q is not supported", req.Instrument),
		}, nil
	}
}

// processPix attempts the primary gateway only. PIX QR codes are
// gateway-specific, so a declined PIX is never cascaded to the fallback.
func (s *CheckoutService) processPix(ctx context.Context, req gateway.PaymentRequest) (*CheckoutResult, error) {
	var attempts []models.GatewayAttempt

	outcome, attempt := s.attemptGateway(ctx, s.primary, req)
	attempts = append(attempts, attempt)

	if outcome == nil || (!outcome.Approved && outcome.Status != "pending" && outcome.Status != "in_process") {
		s.recordExhaustedCascade(ctx, req, attempts)
		return &CheckoutResult{
			Success:    false,
			HTTPStatus: http.StatusPaymentRequired,
			Error:      "Não foi possível gerar o PIX. Tente novamente.",
			Attempts:   attempts,
		}, nil
	}

	sale, err := s.persistSale(ctx, req, outcome, s.primary.Name(), false, attempts)
	if err != nil {
		return nil, err
	}

	return &CheckoutResult{
		Success:      true,
		HTTPStatus:   http.StatusOK,
		SaleID:       sale.ID.String(),
		PaymentID:    outcome.PaymentID,
		GatewayUsed:  s.primary.Name(),
		FallbackUsed: false,
		Status:       outcome.Status,
		QRCode:       outcome.QRCode,
		QRCodeBase64: outcome.QRCodeBase64,
		Attempts:     attempts,
	}, nil
}

// processCard runs the full cascade for credit card charges.
func (s *CheckoutService) processCard(ctx context.Context, req gateway.PaymentRequest) (*CheckoutResult, error) {
	var attempts []models.GatewayAttempt

	// Primary gateway needs a client-side token; without one the request
	// goes straight to the fallback's direct integration.
	if req.CardToken != "" {
		outcome, attempt := s.attemptGateway(ctx, s.primary, req)
		attempts = append(attempts, attempt)

		if outcome != nil && outcome.Approved {
			sale, err := s.persistSale(ctx, req, outcome, s.primary.Name(), false, attempts)
			if err != nil {
				return nil, err
			}
			return &CheckoutResult{
				Success:     true,
				HTTPStatus:  http.StatusOK,
				SaleID:      sale.ID.String(),
				PaymentID:   outcome.PaymentID,
				GatewayUsed: s.primary.Name(),
				Status:      "approved",
				Attempts:    attempts,
			}, nil
		}

		if outcome != nil {
			cls := gateway.Classify(outcome.StatusDetail)
			s.logger.Info("Primary gateway declined",
				zap.String("status_detail", outcome.StatusDetail),
				zap.String("classification", cls.String()))

			if cls == gateway.TerminalClientError {
				// Retrying on another gateway cannot fix the customer's
				// own card data.
				return &CheckoutResult{
					Success:    false,
					HTTPStatus: http.StatusBadRequest,
					Error:      "Verifique os dados do cartão e tente novamente",
					ErrorCode:  outcome.StatusDetail,
					Attempts:   attempts,
				}, nil
			}
		}
	}

	// Fallback: Appmax, only when the client supplied its direct payload.
	if req.AppmaxCard != nil {
		outcome, attempt := s.attemptGateway(ctx, s.secondary, req)
		attempts = append(attempts, attempt)

		if outcome != nil && outcome.Approved {
			sale, err := s.persistSale(ctx, req, outcome, s.secondary.Name(), true, attempts)
			if err != nil {
				return nil, err
			}
			s.logger.Info("Sale rescued by fallback gateway",
				zap.String("sale_id", sale.ID.String()),
				zap.String("order_id", outcome.PaymentID))
			return &CheckoutResult{
				Success:      true,
				HTTPStatus:   http.StatusOK,
				SaleID:       sale.ID.String(),
				PaymentID:    outcome.PaymentID,
				GatewayUsed:  s.secondary.Name(),
				FallbackUsed: true,
				Status:       outcome.Status,
				QRCode:       outcome.QRCode,
				QRCodeBase64: outcome.QRCodeBase64,
				Attempts:     attempts,
			}, nil
		}
	}

	s.recordExhaustedCascade(ctx, req, attempts)

	return &CheckoutResult{
		Success:    false,
		HTTPStatus: http.StatusPaymentRequired,
		Error:      "Pagamento recusado. Tente outro cartão ou entre em contato com seu banco.",
		Attempts:   attempts,
	}, nil
}

// attemptGateway invokes one adapter and converts whatever happened into a
// GatewayAttempt record. Adapter errors never propagate past this boundary
// uncaught.
func (s *CheckoutService) attemptGateway(ctx context.Context, adapter gateway.Adapter, req gateway.PaymentRequest) (*gateway.Outcome, models.GatewayAttempt) {
	start := s.now()
	outcome, err := adapter.Attempt(ctx, req)
	elapsed := s.now().Sub(start)

	attempt := models.GatewayAttempt{
		Gateway:        adapter.Name(),
		ResponseTimeMs: elapsed.Milliseconds(),
		AttemptedAt:    start.UTC(),
	}

	if outcome != nil {
		attempt.Success = outcome.Approved
		attempt.Status = outcome.Status
		attempt.StatusDetail = outcome.StatusDetail
	}
	if err != nil {
		attempt.Success = false
		if attempt.Status == "" {
			attempt.Status = "error"
		}
		attempt.Error = err.Error()
		s.logger.Warn("Gateway attempt failed",
			zap.String("gateway", adapter.Name()),
			zap.Error(err))
	}

	return outcome, attempt
}

// persistSale writes the durable sale record for an approved (or pending)
// charge. A write failure here means money moved without a local record, so
// it is escalated instead of swallowed.
func (s *CheckoutService) persistSale(ctx context.Context, req gateway.PaymentRequest, outcome *gateway.Outcome, gatewayName string, fallback bool, attempts []models.GatewayAttempt) (*models.Sale, error) {
	sale := &models.Sale{
		CustomerName:     req.Customer.Name,
		CustomerEmail:    req.Customer.Email,
		CustomerPhone:    req.Customer.Phone,
		CustomerCPF:      req.Customer.CPF,
		AmountCents:      req.AmountCents,
		Status:           saleStatusFromOutcome(outcome),
		PaymentGateway:   gatewayName,
		GatewayPaymentID: outcome.PaymentID,
		FallbackUsed:     fallback,
		GatewayAttempts:  models.MarshalAttempts(attempts),
		PaymentDetails:   datatypesJSON(outcome.RawResponse),
	}

	if err := s.db.WithContext(ctx).Create(sale).Error; err != nil {
		s.logger.Error("CRITICAL: payment approved but sale write failed",
			zap.String("gateway", gatewayName),
			zap.String("gateway_payment_id", outcome.PaymentID),
			zap.String("customer_email", req.Customer.Email),
			zap.Int64("amount_cents", req.AmountCents),
			zap.Error(err))
		return nil, fmt.Errorf("payment approved but sale persistence failed: %w", err)
	}

	return sale, nil
}

// recordExhaustedCascade writes the failed-attempt audit row. No sale exists
// for an exhausted cascade, but the attempt history must survive for ops.
func (s *CheckoutService) recordExhaustedCascade(ctx context.Context, req gateway.PaymentRequest, attempts []models.GatewayAttempt) {
	audit := &models.PaymentAttemptAudit{
		CustomerEmail:   req.Customer.Email,
		AmountCents:     req.AmountCents,
		GatewayAttempts: models.MarshalAttempts(attempts),
		FinalStatus:     "rejected",
		Error:           "Recusado por todos os gateways",
	}
	if err := s.db.WithContext(ctx).Create(audit).Error; err != nil {
		s.logger.Error("Failed to record exhausted cascade audit",
			zap.String("customer_email", req.Customer.Email),
			zap.Error(err))
	}
}

func saleStatusFromOutcome(outcome *gateway.Outcome) string {
	switch outcome.Status {
	case "approved", "paid":
		return models.SaleStatusPaid
	default:
		// PIX and boleto stay pending until the webhook confirms.
		return models.SaleStatusPending
	}
}
