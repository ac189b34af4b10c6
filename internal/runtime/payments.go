package runtime

import (
	"fmt"

	"github.com/angelmondragon/paybridge/internal/payments"
	"github.com/angelmondragon/paybridge/pkg/consumer"
	"github.com/angelmondragon/paybridge/pkg/events"
)

// Payments is the payments service process: account commands plus the
// OrderCreated consumer that charges them.
type Payments struct {
	*Runtime
	Service payments.Service
}

func NewPayments(params Params) (*Payments, error) {
	rt, err := newRuntime("payments", params)
	if err != nil {
		return nil, err
	}

	repo := payments.NewRepository(rt.db.DB())
	svc, err := payments.NewService(repo, rt.db, rt.logg)
	if err != nil {
		return nil, fmt.Errorf("build payments service: %w", err)
	}
	handler, err := payments.NewOrderHandler(repo, rt.writer, rt.logg)
	if err != nil {
		return nil, fmt.Errorf("build order handler: %w", err)
	}
	orders, err := consumer.New(consumer.Params[events.OrderCreated]{
		Name:    "payments.order_created",
		Queue:   rt.cfg.Queues.OrderCreated,
		Decode:  events.DecodeOrderCreated,
		Apply:   handler.Apply,
		DB:      rt.db,
		Inbox:   rt.inbox,
		Cache:   rt.cache,
		Logger:  rt.logg,
		Metrics: rt.consumerMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("build order consumer: %w", err)
	}
	rt.workers = append(rt.workers, orders)

	return &Payments{Runtime: rt, Service: svc}, nil
}
