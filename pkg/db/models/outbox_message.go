package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/paybridge/pkg/enums"
)

// OutboxMessage is an integration event awaiting publication, written in the
// same transaction as the state change that produced it.
type OutboxMessage struct {
	ID          uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	EventType   enums.EventType `gorm:"column:event_type;type:text;not null"`
	Payload     string          `gorm:"column:payload;type:text;not null"`
	OccurredAt  time.Time       `gorm:"column:occurred_at;not null;index:idx_outbox_unpublished,priority:2"`
	Published   bool            `gorm:"column:published;not null;default:false;index:idx_outbox_unpublished,priority:1"`
	PublishedAt *time.Time      `gorm:"column:published_at"`
}

// NewOutboxMessage builds an unpublished row stamped with the current time.
func NewOutboxMessage(eventType enums.EventType, payload string) OutboxMessage {
	return OutboxMessage{
		ID:         uuid.New(),
		EventType:  eventType,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}
}
