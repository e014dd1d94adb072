// Package gateway contains the payment gateway adapters. Each adapter owns
// the request shaping, HTTP call and response normalization for one gateway
// and exposes the uniform Adapter contract to the checkout orchestrator.
package gateway

import (
	"context"
	"encoding/json"
)

// Instrument is the payment method chosen by the customer.
type Instrument string

const (
	InstrumentPix        Instrument = "pix"
	InstrumentCreditCard Instrument = "credit_card"
)

// Customer identifies the buyer. CPF is the Brazilian national id.
type Customer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
	CPF   string `json:"cpf"`
}

// CardData carries raw card fields collected client-side over TLS for the
// fallback gateway's direct-integration contract. It must never be logged
// and never reaches the primary gateway, which only accepts tokens.
type CardData struct {
	Number       string `json:"number"`
	HolderName   string `json:"holder_name"`
	ExpMonth     string `json:"exp_month"`
	ExpYear      string `json:"exp_year"`
	CVV          string `json:"cvv"`
	Installments int    `json:"installments,omitempty"`
}

// OrderBump is an optional add-on line item forwarded to the fallback
// gateway's order payload.
type OrderBump struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// PaymentRequest is the immutable input of one checkout attempt. The same
// logical request is handed to every adapter in the cascade; each adapter
// maps it to its own wire shape.
type PaymentRequest struct {
	Customer    Customer
	AmountCents int64
	Instrument  Instrument

	// CardToken is the client-side Mercado Pago card token. Required for
	// credit card charges on the primary gateway; raw PAN/CVV is never
	// accepted on that path.
	CardToken string

	// AppmaxCard holds the raw card fields for the fallback gateway.
	AppmaxCard *CardData

	OrderBumps []OrderBump
}

// Outcome is the normalized result of one adapter invocation.
type Outcome struct {
	Approved     bool
	PaymentID    string
	Status       string
	StatusDetail string
	RawResponse  json.RawMessage
	QRCode       string
	QRCodeBase64 string
}

// Adapter is implemented once per gateway. Attempt returns a non-nil Outcome
// whenever the gateway produced a response, even a non-2xx one, so the
// orchestrator can record the gateway-native status in the attempt log. A
// nil Outcome with an error means the call never produced a usable response
// (network failure, timeout).
type Adapter interface {
	Name() string
	Attempt(ctx context.Context, req PaymentRequest) (*Outcome, error)
}
