package runtime

import (
	"fmt"

	"github.com/angelmondragon/paybridge/internal/orders"
	"github.com/angelmondragon/paybridge/pkg/consumer"
	"github.com/angelmondragon/paybridge/pkg/events"
)

// Orders is the orders service process: order commands plus the
// PaymentCompleted consumer that settles them.
type Orders struct {
	*Runtime
	Service orders.Service
}

func NewOrders(params Params) (*Orders, error) {
	rt, err := newRuntime("orders", params)
	if err != nil {
		return nil, err
	}

	repo := orders.NewRepository(rt.db.DB())
	svc, err := orders.NewService(repo, rt.db, rt.writer, rt.logg)
	if err != nil {
		return nil, fmt.Errorf("build orders service: %w", err)
	}
	handler, err := orders.NewPaymentHandler(repo, rt.logg)
	if err != nil {
		return nil, fmt.Errorf("build payment handler: %w", err)
	}
	payments, err := consumer.New(consumer.Params[events.PaymentCompleted]{
		Name:    "orders.payment_completed",
		Queue:   rt.cfg.Queues.PaymentCompleted,
		Decode:  events.DecodePaymentCompleted,
		Apply:   handler.Apply,
		DB:      rt.db,
		Inbox:   rt.inbox,
		Cache:   rt.cache,
		Logger:  rt.logg,
		Metrics: rt.consumerMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("build payment consumer: %w", err)
	}
	rt.workers = append(rt.workers, payments)

	return &Orders{Runtime: rt, Service: svc}, nil
}
