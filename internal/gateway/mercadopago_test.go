package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gravadormedico/checkout-api/internal/config"
)

func newMercadoPagoClient(baseURL string) *MercadoPagoClient {
	return NewMercadoPagoClient(config.MercadoPagoConfig{
		AccessToken:         "test-token",
		BaseURL:             baseURL,
		NotificationURL:     "https://example.com/webhooks/mercadopago",
		StatementDescriptor: "GRAVADOR MEDICO",
		Description:         "Gravador Médico - Acesso Vitalício",
	}, zap.NewNop())
}

func cardRequest(token string) PaymentRequest {
	return PaymentRequest{
		Customer: Customer{
			Name:  "Maria Silva",
			Email: "maria@example.com",
			CPF:   "123.456.789-00",
		},
		AmountCents: 19790,
		Instrument:  InstrumentCreditCard,
		CardToken:   token,
	}
}

func TestMercadoPagoCardApproved(t *testing.T) {
	var captured mpPaymentBody
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/payments", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Idempotency-Key"))

		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id": 12345678, "status": "approved", "status_detail": "accredited"}`))
	}))
	defer server.Close()

	client := newMercadoPagoClient(server.URL)
	outcome, err := client.Attempt(context.Background(), cardRequest("tok_abc"))

	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.True(t, outcome.Approved)
	assert.Equal(t, "12345678", outcome.PaymentID)
	assert.Equal(t, "approved", outcome.Status)
	assert.Equal(t, "accredited", outcome.StatusDetail)

	assert.Equal(t, "tok_abc", captured.Token)
	assert.Equal(t, json.Number("197.90"), captured.TransactionAmount)
	require.NotNil(t, captured.Payer.Identification)
	assert.Equal(t, "12345678900", captured.Payer.Identification.Number)
	assert.Equal(t, "https://example.com/webhooks/mercadopago", captured.NotificationURL)
}

func TestMercadoPagoCardDeclined(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id": 555, "status": "rejected", "status_detail": "cc_rejected_high_risk"}`))
	}))
	defer server.Close()

	client := newMercadoPagoClient(server.URL)
	outcome, err := client.Attempt(context.Background(), cardRequest("tok_abc"))

	// A decline is a gateway response, not a transport failure.
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.False(t, outcome.Approved)
	assert.Equal(t, "rejected", outcome.Status)
	assert.Equal(t, "cc_rejected_high_risk", outcome.StatusDetail)
}

func TestMercadoPagoCardRequiresToken(t *testing.T) {
	client := newMercadoPagoClient("http://unused")
	outcome, err := client.Attempt(context.Background(), cardRequest(""))

	assert.Nil(t, outcome)
	assert.Error(t, err)
}

func TestMercadoPagoPixReturnsQRCode(t *testing.T) {
	var captured mpPaymentBody
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{
			"id": 987,
			"status": "pending",
			"status_detail": "pending_waiting_transfer",
			"point_of_interaction": {
				"transaction_data": {
					"qr_code": "00020126...",
					"qr_code_base64": "aVZCT1J3MEtHZ29BQUFBTlNVaEVVZ0FB"
				}
			}
		}`))
	}))
	defer server.Close()

	client := newMercadoPagoClient(server.URL)
	outcome, err := client.Attempt(context.Background(), PaymentRequest{
		Customer:    Customer{Name: "João Souza", Email: "joao@example.com", CPF: "98765432100"},
		AmountCents: 19790,
		Instrument:  InstrumentPix,
	})

	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.False(t, outcome.Approved)
	assert.Equal(t, "pending", outcome.Status)
	assert.Equal(t, "00020126...", outcome.QRCode)
	assert.Equal(t, "aVZCT1J3MEtHZ29BQUFBTlNVaEVVZ0FB", outcome.QRCodeBase64)

	assert.Empty(t, captured.Token)
	assert.Equal(t, "pix", captured.PaymentMethodID)
	assert.Equal(t, "João", captured.Payer.FirstName)
	assert.Equal(t, "Souza", captured.Payer.LastName)
}

func TestMercadoPagoErrorResponseKeepsOutcome(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message": "invalid token"}`))
	}))
	defer server.Close()

	client := newMercadoPagoClient(server.URL)
	outcome, err := client.Attempt(context.Background(), cardRequest("tok_bad"))

	require.Error(t, err)
	require.NotNil(t, outcome)
	assert.False(t, outcome.Approved)
	assert.Equal(t, "error", outcome.Status)
	assert.Equal(t, "invalid token", outcome.StatusDetail)
}

func TestMercadoPagoFetchPayment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/payments/12345678", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": 12345678, "status": "approved", "status_detail": "accredited"}`))
	}))
	defer server.Close()

	client := newMercadoPagoClient(server.URL)
	payment, err := client.FetchPayment(context.Background(), "12345678")

	require.NoError(t, err)
	assert.Equal(t, "12345678", payment.ID)
	assert.Equal(t, "approved", payment.Status)
	assert.Equal(t, "accredited", payment.StatusDetail)
	assert.NotEmpty(t, payment.Raw)
}

func TestMercadoPagoFetchPaymentNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message": "payment not found"}`))
	}))
	defer server.Close()

	client := newMercadoPagoClient(server.URL)
	payment, err := client.FetchPayment(context.Background(), "404404")

	assert.Nil(t, payment)
	assert.Error(t, err)
}

func TestCentsToAmount(t *testing.T) {
	assert.Equal(t, json.Number("197.90"), centsToAmount(19790))
	assert.Equal(t, json.Number("0.05"), centsToAmount(5))
	assert.Equal(t, json.Number("10.00"), centsToAmount(1000))
	assert.Equal(t, json.Number("1.01"), centsToAmount(101))
}

func TestSplitName(t *testing.T) {
	first, last := splitName("Maria da Silva")
	assert.Equal(t, "Maria", first)
	assert.Equal(t, "da Silva", last)

	first, last = splitName("Cher")
	assert.Equal(t, "Cher", first)
	assert.Equal(t, "Cher", last)

	first, last = splitName("")
	assert.Empty(t, first)
	assert.Empty(t, last)
}
