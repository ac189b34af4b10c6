package payments

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/paybridge/pkg/db/models"
	pkgerrors "github.com/angelmondragon/paybridge/pkg/errors"
)

type repository struct {
	db *gorm.DB
}

// NewRepository builds an accounts repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, account *models.Account) error {
	return r.db.WithContext(ctx).Create(account).Error
}

func (r *repository) CreateUser(ctx context.Context, user *models.User) error {
	return r.db.WithContext(ctx).Create(user).Error
}

func (r *repository) FindByUserID(ctx context.Context, userID uuid.UUID) (*models.Account, error) {
	var account models.Account
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

// SaveBalance writes balance guarded by the version the account was loaded
// with. A concurrent writer makes it fail with a retryable CONFLICT.
func (r *repository) SaveBalance(ctx context.Context, account *models.Account) error {
	res := r.db.WithContext(ctx).
		Model(&models.Account{}).
		Where("id = ? AND version = ?", account.ID, account.Version).
		Updates(map[string]any{
			"balance":    account.Balance,
			"version":    gorm.Expr("version + 1"),
			"updated_at": account.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeConflict, "account was modified concurrently").
			WithDetails(map[string]any{"account_id": account.ID.String(), "version": account.Version})
	}
	account.Version++
	return nil
}
