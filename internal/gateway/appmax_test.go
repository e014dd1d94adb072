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

func newAppmaxClient(baseURL string) *AppmaxClient {
	return NewAppmaxClient(config.AppmaxConfig{
		Token:     "appmax-token",
		BaseURL:   baseURL,
		ProductID: "prod-1",
	}, zap.NewNop())
}

func appmaxCardRequest() PaymentRequest {
	return PaymentRequest{
		Customer: Customer{
			Name:  "Maria Silva",
			Email: "maria@example.com",
		},
		AmountCents: 19790,
		Instrument:  InstrumentCreditCard,
		AppmaxCard: &CardData{
			Number:     "5555444433332222",
			HolderName: "MARIA SILVA",
			ExpMonth:   "12",
			ExpYear:    "2030",
			CVV:        "123",
		},
	}
}

func TestAppmaxOrderApproved(t *testing.T) {
	var captured appmaxOrderBody
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v3/order", r.URL.Path)
		assert.Equal(t, "appmax-token", r.Header.Get("token"))

		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success": true, "order": {"id": 98765}, "payment": {"status": "approved"}}`))
	}))
	defer server.Close()

	client := newAppmaxClient(server.URL)
	outcome, err := client.Attempt(context.Background(), appmaxCardRequest())

	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.True(t, outcome.Approved)
	assert.Equal(t, "98765", outcome.PaymentID)
	assert.Equal(t, "approved", outcome.Status)

	assert.Equal(t, "prod-1", captured.ProductID)
	assert.Equal(t, 1, captured.Quantity)
	assert.Equal(t, "credit_card", captured.PaymentMethod)
	assert.Equal(t, json.Number("197.90"), captured.Total)
	require.NotNil(t, captured.CardData)
	assert.Equal(t, "5555444433332222", captured.CardData.Number)
	assert.NotNil(t, captured.OrderBumps)
}

func TestAppmaxOrderRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success": false, "error": "card refused by issuer"}`))
	}))
	defer server.Close()

	client := newAppmaxClient(server.URL)
	outcome, err := client.Attempt(context.Background(), appmaxCardRequest())

	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.False(t, outcome.Approved)
	assert.Equal(t, "refused", outcome.Status)
	assert.Equal(t, "card refused by issuer", outcome.StatusDetail)
}

func TestAppmaxCardRequiresCardData(t *testing.T) {
	client := newAppmaxClient("http://unused")
	req := appmaxCardRequest()
	req.AppmaxCard = nil

	outcome, err := client.Attempt(context.Background(), req)

	assert.Nil(t, outcome)
	assert.Error(t, err)
}

func TestAppmaxServerErrorKeepsOutcome(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := newAppmaxClient(server.URL)
	outcome, err := client.Attempt(context.Background(), appmaxCardRequest())

	require.Error(t, err)
	require.NotNil(t, outcome)
	assert.False(t, outcome.Approved)
	assert.Equal(t, "http_500", outcome.StatusDetail)
}
