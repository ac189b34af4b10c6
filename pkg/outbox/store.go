package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/paybridge/pkg/db/models"
	"github.com/angelmondragon/paybridge/pkg/enums"
)

// Store persists outbox rows. Inserts only happen inside a caller's transaction.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Insert(tx *gorm.DB, row models.OutboxMessage) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	return tx.Create(&row).Error
}

// FetchUnpublished returns up to limit unpublished rows of the given types, oldest first.
func (s *Store) FetchUnpublished(ctx context.Context, limit int, types []enums.EventType) ([]models.OutboxMessage, error) {
	var rows []models.OutboxMessage
	if len(types) == 0 {
		return rows, nil
	}
	err := s.db.WithContext(ctx).
		Where("published = ?", false).
		Where("event_type IN ?", types).
		Order("occurred_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// MarkPublished flags ids as published. Rows already published keep their timestamp.
func (s *Store) MarkPublished(tx *gorm.DB, ids []uuid.UUID, at time.Time) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if len(ids) == 0 {
		return nil
	}
	return tx.Model(&models.OutboxMessage{}).
		Where("id IN ?", ids).
		Where("published = ?", false).
		Updates(map[string]any{
			"published":    true,
			"published_at": at,
		}).Error
}

// CountUnroutable counts unpublished rows whose type is not in routable.
func (s *Store) CountUnroutable(ctx context.Context, routable []enums.EventType) (int64, error) {
	var count int64
	q := s.db.WithContext(ctx).Model(&models.OutboxMessage{}).Where("published = ?", false)
	if len(routable) > 0 {
		q = q.Where("event_type NOT IN ?", routable)
	}
	err := q.Count(&count).Error
	return count, err
}
