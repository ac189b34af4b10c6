package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/paybridge/pkg/enums"
)

// Order is owned by the orders service. Pending is the only state with outgoing transitions.
type Order struct {
	ID        uuid.UUID         `gorm:"column:id;type:uuid;primaryKey"`
	UserID    uuid.UUID         `gorm:"column:user_id;type:uuid;not null;index"`
	Amount    decimal.Decimal   `gorm:"column:amount;type:numeric(18,2);not null"`
	Status    enums.OrderStatus `gorm:"column:status;type:text;not null"`
	CreatedAt time.Time         `gorm:"column:created_at;not null"`
	UpdatedAt *time.Time        `gorm:"column:updated_at;autoUpdateTime:false"`
}

// NewOrder returns a Pending order.
func NewOrder(userID uuid.UUID, amount decimal.Decimal) Order {
	return Order{
		ID:        uuid.New(),
		UserID:    userID,
		Amount:    amount,
		Status:    enums.OrderStatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

// MarkPaid moves a Pending order to Paid. It reports whether a transition happened.
func (o *Order) MarkPaid() bool {
	return o.transition(enums.OrderStatusPaid)
}

// MarkFailed moves a Pending order to Failed. It reports whether a transition happened.
func (o *Order) MarkFailed() bool {
	return o.transition(enums.OrderStatusFailed)
}

func (o *Order) transition(to enums.OrderStatus) bool {
	if o.Status != enums.OrderStatusPending {
		return false
	}
	now := time.Now().UTC()
	o.Status = to
	o.UpdatedAt = &now
	return true
}
