package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// WebhookLogEntry is the append-only record of every raw inbound gateway
// notification. The row is written before any business logic runs so a
// notification is never lost even if processing fails; afterwards only
// Processed, RetryCount and LastError are touched.
type WebhookLogEntry struct {
	ID      uuid.UUID `json:"id" gorm:"type:uuid;primary_key"`
	Gateway string    `json:"gateway" gorm:"not null;index"`
	Topic   string    `json:"topic"`
	EventID string    `json:"event_id" gorm:"index"`

	RawPayload datatypes.JSON `json:"raw_payload" gorm:"type:jsonb"`

	Processed   bool       `json:"processed" gorm:"default:false"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	RetryCount  int        `json:"retry_count" gorm:"default:0"`
	LastError   string     `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (w *WebhookLogEntry) TableName() string { return "webhook_logs" }

func (w *WebhookLogEntry) BeforeCreate(tx *gorm.DB) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	return nil
}
