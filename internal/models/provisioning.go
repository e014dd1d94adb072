package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Provisioning queue item statuses.
const (
	QueueStatusPending    = "pending"
	QueueStatusProcessing = "processing"
	QueueStatusCompleted  = "completed"
	QueueStatusFailed     = "failed"
)

// DefaultMaxRetries is the retry ceiling for provisioning a single sale.
const DefaultMaxRetries = 3

// ProvisioningQueueItem is one unit of post-payment provisioning work. A row
// is created when a Sale reaches "paid"; the worker claims it by flipping
// status to "processing" with a conditional update so overlapping scheduler
// ticks cannot double-process it.
type ProvisioningQueueItem struct {
	ID     uuid.UUID `json:"id" gorm:"type:uuid;primary_key"`
	SaleID uuid.UUID `json:"sale_id" gorm:"type:uuid;not null;uniqueIndex"`

	Status      string     `json:"status" gorm:"not null;default:'pending';index"`
	RetryCount  int        `json:"retry_count" gorm:"default:0"`
	MaxRetries  int        `json:"max_retries" gorm:"default:3"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IntegrationLog is an append-only audit record of one provisioning attempt,
// success or failure, with enough detail for operator remediation.
type IntegrationLog struct {
	ID     uuid.UUID `json:"id" gorm:"type:uuid;primary_key"`
	SaleID uuid.UUID `json:"sale_id" gorm:"type:uuid;index"`

	Action         string         `json:"action"`
	Status         string         `json:"status"` // success, error
	RecipientEmail string         `json:"recipient_email"`
	ExternalUserID string         `json:"external_user_id,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	Details        datatypes.JSON `json:"details,omitempty" gorm:"type:jsonb"`
	DurationMs     int64          `json:"duration_ms"`

	CreatedAt time.Time `json:"created_at"`
}

func (i *ProvisioningQueueItem) TableName() string { return "provisioning_queue" }
func (l *IntegrationLog) TableName() string        { return "integration_logs" }

func (i *ProvisioningQueueItem) BeforeCreate(tx *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	if i.MaxRetries == 0 {
		i.MaxRetries = DefaultMaxRetries
	}
	return nil
}

func (l *IntegrationLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}
