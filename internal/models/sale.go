package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Sale lifecycle statuses. A sale is never deleted, only transitioned.
const (
	SaleStatusPending            = "pending"
	SaleStatusApproved           = "approved"
	SaleStatusPaid               = "paid"
	SaleStatusRefused            = "refused"
	SaleStatusCancelled          = "cancelled"
	SaleStatusRefunded           = "refunded"
	SaleStatusExpired            = "expired"
	SaleStatusChargeback         = "chargeback"
	SaleStatusProvisioning       = "provisioning"
	SaleStatusActive             = "active"
	SaleStatusProvisioningFailed = "provisioning_failed"
)

// Gateway identifiers.
const (
	GatewayMercadoPago = "mercadopago"
	GatewayAppmax      = "appmax"
)

// GatewayAttempt records one gateway invocation during a checkout. The
// ordered list of attempts is the audit trail and is persisted verbatim on
// the Sale as JSON.
type GatewayAttempt struct {
	Gateway        string    `json:"gateway"`
	Success        bool      `json:"success"`
	Status         string    `json:"status,omitempty"`
	StatusDetail   string    `json:"status_detail,omitempty"`
	Error          string    `json:"error,omitempty"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	AttemptedAt    time.Time `json:"attempted_at"`
}

// MarshalAttempts serializes an attempt history for storage on a Sale or
// audit row.
func MarshalAttempts(attempts []GatewayAttempt) datatypes.JSON {
	if attempts == nil {
		return datatypes.JSON("[]")
	}
	data, err := json.Marshal(attempts)
	if err != nil {
		return datatypes.JSON("[]")
	}
	return datatypes.JSON(data)
}

// Sale is the durable record of a purchase outcome. GatewayPaymentID is the
// gateway-native payment/order id and the sole correlation key between the
// synchronous checkout path and the asynchronous webhook path.
type Sale struct {
	ID            uuid.UUID `json:"id" gorm:"type:uuid;primary_key"`
	CustomerName  string    `json:"customer_name"`
	CustomerEmail string    `json:"customer_email" gorm:"not null;index"`
	CustomerPhone string    `json:"customer_phone"`
	CustomerCPF   string    `json:"customer_cpf"`

	AmountCents int64  `json:"amount_cents" gorm:"not null"`
	Status      string `json:"status" gorm:"not null;default:'pending';index"`

	PaymentGateway   string `json:"payment_gateway"`
	GatewayPaymentID string `json:"gateway_payment_id" gorm:"uniqueIndex"`
	FallbackUsed     bool   `json:"fallback_used" gorm:"default:false"`
	FailureReason    string `json:"failure_reason,omitempty"`

	GatewayAttempts datatypes.JSON `json:"gateway_attempts" gorm:"type:jsonb"`
	PaymentDetails  datatypes.JSON `json:"payment_details" gorm:"type:jsonb"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PaymentAttemptAudit records an exhausted cascade: every gateway declined,
// so no Sale exists, but the attempt history is kept for support and
// reconciliation.
type PaymentAttemptAudit struct {
	ID              uuid.UUID      `json:"id" gorm:"type:uuid;primary_key"`
	CustomerEmail   string         `json:"customer_email" gorm:"index"`
	AmountCents     int64          `json:"amount_cents"`
	GatewayAttempts datatypes.JSON `json:"gateway_attempts" gorm:"type:jsonb"`
	FinalStatus     string         `json:"final_status"`
	Error           string         `json:"error"`
	CreatedAt       time.Time      `json:"created_at"`
}

func (s *Sale) TableName() string                { return "sales" }
func (a *PaymentAttemptAudit) TableName() string { return "payment_attempts" }

func (s *Sale) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

func (a *PaymentAttemptAudit) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
