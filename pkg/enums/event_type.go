package enums

import "fmt"

// EventType names an integration event carried through the outbox and inbox.
type EventType string

const (
	EventOrderCreated     EventType = "OrderCreated"
	EventPaymentCompleted EventType = "PaymentCompleted"
)

var validEventTypes = []EventType{
	EventOrderCreated,
	EventPaymentCompleted,
}

// String implements fmt.Stringer.
func (e EventType) String() string {
	return string(e)
}

// IsValid reports whether the value is a known EventType.
func (e EventType) IsValid() bool {
	for _, candidate := range validEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseEventType converts raw input into an EventType.
func ParseEventType(value string) (EventType, error) {
	for _, candidate := range validEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}
