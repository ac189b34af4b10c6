package payments

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CreateUserInput registers a user by display name.
type CreateUserInput struct {
	Name string `json:"name" validate:"required,max=200"`
}

// AmountInput identifies an account by user and carries a positive amount.
type AmountInput struct {
	UserID uuid.UUID       `json:"userId" validate:"required"`
	Amount decimal.Decimal `json:"amount" validate:"dgt0"`
}
