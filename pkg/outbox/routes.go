package outbox

import (
	"fmt"
	"sort"
	"strings"

	"github.com/angelmondragon/paybridge/pkg/config"
	"github.com/angelmondragon/paybridge/pkg/enums"
)

// Routes is the static event type to queue table used by the publisher.
type Routes struct {
	byType map[enums.EventType]string
}

// NewRoutes validates and copies the table.
func NewRoutes(table map[enums.EventType]string) (*Routes, error) {
	routes := &Routes{byType: make(map[enums.EventType]string, len(table))}
	for eventType, queue := range table {
		if !eventType.IsValid() {
			return nil, fmt.Errorf("unknown event type %q", eventType)
		}
		if strings.TrimSpace(queue) == "" {
			return nil, fmt.Errorf("queue for %s is required", eventType)
		}
		routes.byType[eventType] = queue
	}
	return routes, nil
}

// DefaultRoutes routes every integration event to its configured queue.
func DefaultRoutes(cfg config.QueueConfig) (*Routes, error) {
	return NewRoutes(map[enums.EventType]string{
		enums.EventOrderCreated:     cfg.OrderCreated,
		enums.EventPaymentCompleted: cfg.PaymentCompleted,
	})
}

// Resolve returns the destination queue for eventType.
func (r *Routes) Resolve(eventType enums.EventType) (string, bool) {
	queue, ok := r.byType[eventType]
	return queue, ok
}

// EventTypes lists routable types in a stable order.
func (r *Routes) EventTypes() []enums.EventType {
	out := make([]enums.EventType, 0, len(r.byType))
	for eventType := range r.byType {
		out = append(out, eventType)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
