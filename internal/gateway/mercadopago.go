package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gravadormedico/checkout-api/internal/config"
	"github.com/gravadormedico/checkout-api/internal/models"
)

const mpRequestTimeout = 30 * time.Second

// MercadoPagoClient is the primary gateway adapter. Card charges require a
// client-side token; this adapter never accepts raw card data.
type MercadoPagoClient struct {
	cfg        config.MercadoPagoConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// NewMercadoPagoClient creates the Mercado Pago adapter.
func NewMercadoPagoClient(cfg config.MercadoPagoConfig, logger *zap.Logger) *MercadoPagoClient {
	return &MercadoPagoClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: mpRequestTimeout},
		logger:     logger,
	}
}

// Name returns the gateway identifier used in attempt logs and sales.
func (m *MercadoPagoClient) Name() string { return models.GatewayMercadoPago }

type mpIdentification struct {
	Type   string `json:"type"`
	Number string `json:"number"`
}

type mpPayer struct {
	Email          string            `json:"email"`
	FirstName      string            `json:"first_name,omitempty"`
	LastName       string            `json:"last_name,omitempty"`
	Identification *mpIdentification `json:"identification,omitempty"`
}

type mpPaymentBody struct {
	Token               string      `json:"token,omitempty"`
	TransactionAmount   json.Number `json:"transaction_amount"`
	Description         string      `json:"description"`
	PaymentMethodID     string      `json:"payment_method_id"`
	Installments        int         `json:"installments,omitempty"`
	Payer               mpPayer     `json:"payer"`
	NotificationURL     string      `json:"notification_url,omitempty"`
	StatementDescriptor string      `json:"statement_descriptor,omitempty"`
	ExternalReference   string      `json:"external_reference,omitempty"`
}

type mpPaymentResponse struct {
	ID                 json.Number `json:"id"`
	Status             string      `json:"status"`
	StatusDetail       string      `json:"status_detail"`
	Message            string      `json:"message"`
	PointOfInteraction struct {
		TransactionData struct {
			QRCode       string `json:"qr_code"`
			QRCodeBase64 string `json:"qr_code_base64"`
		} `json:"transaction_data"`
	} `json:"point_of_interaction"`
}

// Attempt charges the request against Mercado Pago's synchronous payments
// endpoint. A non-nil Outcome is returned for every response the gateway
// produced, approved or not.
func (m *MercadoPagoClient) Attempt(ctx context.Context, req PaymentRequest) (*Outcome, error) {
	switch req.Instrument {
	case InstrumentPix:
		return m.charge(ctx, m.pixBody(req), "pix")
	case InstrumentCreditCard:
		if req.CardToken == "" {
			return nil, fmt.Errorf("mercadopago: credit card charge requires a card token")
		}
		return m.charge(ctx, m.cardBody(req), "card")
	default:
		return nil, fmt.Errorf("mercadopago: unsupported instrument %q", req.Instrument)
	}
}

func (m *MercadoPagoClient) pixBody(req PaymentRequest) mpPaymentBody {
	first, last := splitName(req.Customer.Name)
	return mpPaymentBody{
		TransactionAmount: centsToAmount(req.AmountCents),
		Description:       m.cfg.Description,
		PaymentMethodID:   "pix",
		Payer: mpPayer{
			Email:     req.Customer.Email,
			FirstName: first,
			LastName:  last,
			Identification: &mpIdentification{
				Type:   "CPF",
				Number: digitsOnly(req.Customer.CPF),
			},
		},
		NotificationURL:     m.cfg.NotificationURL,
		StatementDescriptor: m.cfg.StatementDescriptor,
		ExternalReference:   fmt.Sprintf("MP-%d", time.Now().UnixMilli()),
	}
}

func (m *MercadoPagoClient) cardBody(req PaymentRequest) mpPaymentBody {
	return mpPaymentBody{
		Token:             req.CardToken,
		TransactionAmount: centsToAmount(req.AmountCents),
		Description:       m.cfg.Description,
		PaymentMethodID:   "credit_card",
		Installments:      1,
		Payer: mpPayer{
			Email: req.Customer.Email,
			Identification: &mpIdentification{
				Type:   "CPF",
				Number: digitsOnly(req.Customer.CPF),
			},
		},
		NotificationURL:     m.cfg.NotificationURL,
		StatementDescriptor: m.cfg.StatementDescriptor,
		ExternalReference:   fmt.Sprintf("MP-%d", time.Now().UnixMilli()),
	}
}

func (m *MercadoPagoClient) charge(ctx context.Context, body mpPaymentBody, kind string) (*Outcome, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("mercadopago: marshal payment body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+"/v1/payments", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("mercadopago: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+m.cfg.AccessToken)
	httpReq.Header.Set("X-Idempotency-Key", idempotencyKey(kind, body.Payer.Email))

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("mercadopago: payment request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("mercadopago: read response: %w", err)
	}

	var payment mpPaymentResponse
	if err := json.Unmarshal(raw, &payment); err != nil {
		return nil, fmt.Errorf("mercadopago: decode response: %w", err)
	}

	outcome := &Outcome{
		Approved:     payment.Status == "approved",
		PaymentID:    payment.ID.String(),
		Status:       payment.Status,
		StatusDetail: payment.StatusDetail,
		RawResponse:  json.RawMessage(raw),
		QRCode:       payment.PointOfInteraction.TransactionData.QRCode,
		QRCodeBase64: payment.PointOfInteraction.TransactionData.QRCodeBase64,
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if outcome.Status == "" {
			outcome.Status = "error"
		}
		if outcome.StatusDetail == "" {
			outcome.StatusDetail = payment.Message
		}
		return outcome, fmt.Errorf("mercadopago: payment endpoint returned %d: %s", resp.StatusCode, payment.Message)
	}

	return outcome, nil
}

// MPPayment is the authoritative payment state fetched for webhook
// enrichment; the webhook body itself is never trusted as complete.
type MPPayment struct {
	ID           string
	Status       string
	StatusDetail string
	Raw          json.RawMessage
}

// FetchPayment retrieves the full payment object by id.
func (m *MercadoPagoClient) FetchPayment(ctx context.Context, paymentID string) (*MPPayment, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.BaseURL+"/v1/payments/"+paymentID, nil)
	if err != nil {
		return nil, fmt.Errorf("mercadopago: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+m.cfg.AccessToken)

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("mercadopago: fetch payment %s: %w", paymentID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("mercadopago: read payment %s: %w", paymentID, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mercadopago: fetch payment %s returned %d", paymentID, resp.StatusCode)
	}

	var payment mpPaymentResponse
	if err := json.Unmarshal(raw, &payment); err != nil {
		return nil, fmt.Errorf("mercadopago: decode payment %s: %w", paymentID, err)
	}

	return &MPPayment{
		ID:           payment.ID.String(),
		Status:       payment.Status,
		StatusDetail: payment.StatusDetail,
		Raw:          json.RawMessage(raw),
	}, nil
}

// centsToAmount renders integer cents as a fixed two-decimal JSON number,
// keeping floats out of the money path.
func centsToAmount(cents int64) json.Number {
	return json.Number(fmt.Sprintf("%d.%02d", cents/100, cents%100))
}

// idempotencyKey is distinct per attempt: a retried identical request gets a
// fresh charge attempt at the gateway, never a silent duplicate of a
// previous one.
func idempotencyKey(kind, email string) string {
	return fmt.Sprintf("%s-%s-%d-%s", kind, email, time.Now().UnixNano(), uuid.NewString()[:8])
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func splitName(name string) (first, last string) {
	parts := strings.Fields(name)
	if len(parts) == 0 {
		return "", ""
	}
	if len(parts) == 1 {
		return parts[0], parts[0]
	}
	return parts[0], strings.Join(parts[1:], " ")
}
