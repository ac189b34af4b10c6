package orders

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/paybridge/pkg/db/models"
	"github.com/angelmondragon/paybridge/pkg/pagination"
)

// CreateOrderInput carries the fields required to open a new order.
type CreateOrderInput struct {
	UserID uuid.UUID       `json:"userId" validate:"required"`
	Amount decimal.Decimal `json:"amount" validate:"dgt0"`
}

// ListOrdersInput selects one page of a user's orders.
type ListOrdersInput struct {
	UserID uuid.UUID `json:"userId" validate:"required"`
	pagination.Params
}

// OrderList is one page of orders, newest first.
type OrderList struct {
	Orders     []models.Order `json:"orders"`
	NextCursor string         `json:"nextCursor,omitempty"`
}
