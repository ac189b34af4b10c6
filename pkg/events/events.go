// Package events defines the JSON wire shapes exchanged between the orders and payments services.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/paybridge/pkg/enums"
	"github.com/angelmondragon/paybridge/pkg/validators"
)

func init() {
	// amounts travel as JSON numbers
	decimal.MarshalJSONWithoutQuotes = true
}

// Event is implemented by every integration event. ID is the inbox dedup key.
type Event interface {
	ID() uuid.UUID
	Type() enums.EventType
}

type OrderCreated struct {
	EventID uuid.UUID       `json:"eventId" validate:"required"`
	OrderID uuid.UUID       `json:"orderId" validate:"required"`
	UserID  uuid.UUID       `json:"userId" validate:"required"`
	Amount  decimal.Decimal `json:"amount" validate:"dgt0"`
}

func (e OrderCreated) ID() uuid.UUID { return e.EventID }
func (e OrderCreated) Type() enums.EventType { return enums.EventOrderCreated }

// PaymentCompleted reports the outcome of a debit attempt. Success=false is a
// normal business outcome, not an error.
type PaymentCompleted struct {
	EventID uuid.UUID       `json:"eventId" validate:"required"`
	OrderID uuid.UUID       `json:"orderId" validate:"required"`
	UserID  uuid.UUID       `json:"userId" validate:"required"`
	Success bool            `json:"success"`
	Amount  decimal.Decimal `json:"amount" validate:"dgt0"`
}

func (e PaymentCompleted) ID() uuid.UUID { return e.EventID }
func (e PaymentCompleted) Type() enums.EventType { return enums.EventPaymentCompleted }

// NewOrderCreated stamps a fresh event id.
func NewOrderCreated(orderID, userID uuid.UUID, amount decimal.Decimal) OrderCreated {
	return OrderCreated{EventID: uuid.New(), OrderID: orderID, UserID: userID, Amount: amount}
}

// NewPaymentCompleted stamps a fresh event id.
func NewPaymentCompleted(orderID, userID uuid.UUID, success bool, amount decimal.Decimal) PaymentCompleted {
	return PaymentCompleted{EventID: uuid.New(), OrderID: orderID, UserID: userID, Success: success, Amount: amount}
}

// Encode serializes an event for the outbox.
func Encode(evt Event) (json.RawMessage, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", evt.Type(), err)
	}
	return data, nil
}

// DecodeOrderCreated parses and validates an OrderCreated body.
func DecodeOrderCreated(body []byte) (OrderCreated, error) {
	var evt OrderCreated
	if err := validators.DecodeMessage(body, &evt); err != nil {
		return OrderCreated{}, err
	}
	return evt, nil
}

// DecodePaymentCompleted parses and validates a PaymentCompleted body.
func DecodePaymentCompleted(body []byte) (PaymentCompleted, error) {
	var evt PaymentCompleted
	if err := validators.DecodeMessage(body, &evt); err != nil {
		return PaymentCompleted{}, err
	}
	return evt, nil
}
