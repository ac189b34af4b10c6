package payments

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/paybridge/pkg/db/models"
	"github.com/angelmondragon/paybridge/pkg/events"
)

// Repository defines persistence operations for the accounts table.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, account *models.Account) error
	FindByUserID(ctx context.Context, userID uuid.UUID) (*models.Account, error)
	SaveBalance(ctx context.Context, account *models.Account) error
	CreateUser(ctx context.Context, user *models.User) error
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxWriter interface {
	Enqueue(ctx context.Context, tx *gorm.DB, evt events.Event) error
}
