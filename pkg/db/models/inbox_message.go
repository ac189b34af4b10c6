package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/paybridge/pkg/enums"
)

// InboxMessage marks an inbound event as applied. ID is the source event id.
type InboxMessage struct {
	ID          uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	EventType   enums.EventType `gorm:"column:event_type;type:text;not null"`
	ProcessedAt time.Time       `gorm:"column:processed_at;not null"`
}
