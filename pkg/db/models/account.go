package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	pkgerrors "github.com/angelmondragon/paybridge/pkg/errors"
)

// Account holds a user's balance. Balance never goes negative; Version guards
// concurrent writers.
type Account struct {
	ID        uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	UserID    uuid.UUID       `gorm:"column:user_id;type:uuid;not null;uniqueIndex"`
	Balance   decimal.Decimal `gorm:"column:balance;type:numeric(18,2);not null"`
	Version   int64           `gorm:"column:version;not null;default:0"`
	CreatedAt time.Time       `gorm:"column:created_at;not null"`
	UpdatedAt *time.Time      `gorm:"column:updated_at;autoUpdateTime:false"`
}

// NewAccount returns an empty account for userID.
func NewAccount(userID uuid.UUID) Account {
	return Account{
		ID:        uuid.New(),
		UserID:    userID,
		Balance:   decimal.Zero,
		CreatedAt: time.Now().UTC(),
	}
}

// Credit adds a positive amount to the balance.
func (a *Account) Credit(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}
	a.Balance = a.Balance.Add(amount)
	a.touch()
	return nil
}

// TryDebit subtracts amount when funds suffice. Insufficient funds returns
// false with a nil error and leaves the balance unchanged.
func (a *Account) TryDebit(amount decimal.Decimal) (bool, error) {
	if !amount.IsPositive() {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}
	if a.Balance.LessThan(amount) {
		return false, nil
	}
	a.Balance = a.Balance.Sub(amount)
	a.touch()
	return true, nil
}

func (a *Account) touch() {
	now := time.Now().UTC()
	a.UpdatedAt = &now
}
