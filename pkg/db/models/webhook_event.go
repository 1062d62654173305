package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// WebhookEvent is the global dedup ledger for provider events.
type WebhookEvent struct {
	ID              uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	ProviderEventID string    `gorm:"column:provider_event_id;not null;uniqueIndex"`
	EventType       string    `gorm:"column:event_type;not null"`
	PayloadDigest   string    `gorm:"column:payload_digest;not null"`
	EventCreatedAt  time.Time `gorm:"column:event_created_at;not null"`
	ProcessedAt     time.Time `gorm:"column:processed_at;not null"`
}

func (w *WebhookEvent) BeforeCreate(*gorm.DB) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	return nil
}
