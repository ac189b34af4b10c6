package inbox

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/paybridge/pkg/db"
	"github.com/angelmondragon/paybridge/pkg/db/models"
	"github.com/angelmondragon/paybridge/pkg/enums"
)

// Store records which inbound events have been applied. The row is written in
// the same transaction as the handler's effects.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func NewStore(conn *gorm.DB) *Store {
	return &Store{db: conn, now: func() time.Time { return time.Now().UTC() }}
}

// Claim inserts the inbox row inside tx. It returns false when the event was
// already recorded, including when a concurrent delivery won the insert.
func (s *Store) Claim(tx *gorm.DB, id uuid.UUID, eventType enums.EventType) (bool, error) {
	if tx == nil {
		return false, errors.New("transaction required")
	}
	row := models.InboxMessage{
		ID:          id,
		EventType:   eventType,
		ProcessedAt: s.now(),
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		if db.IsUniqueViolation(res.Error, "") {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
