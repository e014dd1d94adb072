package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/gravadormedico/checkout-api/internal/config"
	"github.com/gravadormedico/checkout-api/internal/models"
)

const appmaxRequestTimeout = 30 * time.Second

// AppmaxClient is the fallback gateway adapter. Appmax's direct-integration
// order endpoint accepts raw card fields over TLS; they are passed through
// from the client unmodified and never logged.
type AppmaxClient struct {
	cfg        config.AppmaxConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// NewAppmaxClient creates the Appmax adapter.
func NewAppmaxClient(cfg config.AppmaxConfig, logger *zap.Logger) *AppmaxClient {
	return &AppmaxClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: appmaxRequestTimeout},
		logger:     logger,
	}
}

// Name returns the gateway identifier used in attempt logs and sales.
func (a *AppmaxClient) Name() string { return models.GatewayAppmax }

type appmaxOrderBody struct {
	Customer      Customer    `json:"customer"`
	ProductID     string      `json:"product_id"`
	Quantity      int         `json:"quantity"`
	PaymentMethod string      `json:"payment_method"`
	CardData      *CardData   `json:"card_data,omitempty"`
	OrderBumps    []OrderBump `json:"order_bumps"`
	Total         json.Number `json:"total"`
}

type appmaxOrderResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Order   struct {
		ID json.Number `json:"id"`
	} `json:"order"`
	Payment struct {
		Status       string `json:"status"`
		QRCode       string `json:"qr_code"`
		QRCodeBase64 string `json:"qr_code_base64"`
	} `json:"payment"`
}

// Attempt creates an Appmax order for the request. Approval maps from the
// endpoint's success flag; the payment status may still be pending for
// asynchronous instruments.
func (a *AppmaxClient) Attempt(ctx context.Context, req PaymentRequest) (*Outcome, error) {
	if req.Instrument == InstrumentCreditCard && req.AppmaxCard == nil {
		return nil, fmt.Errorf("appmax: credit card order requires card data")
	}

	body := appmaxOrderBody{
		Customer:      req.Customer,
		ProductID:     a.cfg.ProductID,
		Quantity:      1,
		PaymentMethod: string(req.Instrument),
		CardData:      req.AppmaxCard,
		OrderBumps:    req.OrderBumps,
		Total:         centsToAmount(req.AmountCents),
	}
	if body.OrderBumps == nil {
		body.OrderBumps = []OrderBump{}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("appmax: marshal order body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/api/v3/order", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("appmax: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("token", a.cfg.Token)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("appmax: order request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("appmax: read response: %w", err)
	}

	var order appmaxOrderResponse
	if err := json.Unmarshal(raw, &order); err != nil {
		return nil, fmt.Errorf("appmax: decode response: %w", err)
	}

	status := order.Payment.Status
	if status == "" {
		if order.Success {
			status = "pending"
		} else {
			status = "refused"
		}
	}

	outcome := &Outcome{
		Approved:     order.Success,
		PaymentID:    order.Order.ID.String(),
		Status:       status,
		StatusDetail: order.Error,
		RawResponse:  json.RawMessage(raw),
		QRCode:       order.Payment.QRCode,
		QRCodeBase64: order.Payment.QRCodeBase64,
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		outcome.Approved = false
		if outcome.StatusDetail == "" {
			outcome.StatusDetail = fmt.Sprintf("http_%d", resp.StatusCode)
		}
		return outcome, fmt.Errorf("appmax: order endpoint returned %d: %s", resp.StatusCode, order.Error)
	}

	return outcome, nil
}
