package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/paybridge/pkg/db/models"
	"github.com/angelmondragon/paybridge/pkg/enums"
	pkgerrors "github.com/angelmondragon/paybridge/pkg/errors"
	"github.com/angelmondragon/paybridge/pkg/events"
	"github.com/angelmondragon/paybridge/pkg/logger"
	"github.com/angelmondragon/paybridge/pkg/pagination"
	"github.com/angelmondragon/paybridge/pkg/validators"
)

// Service exposes order commands and queries.
type Service interface {
	CreateOrder(ctx context.Context, input CreateOrderInput) (*models.Order, error)
	GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	ListOrders(ctx context.Context, input ListOrdersInput) (*OrderList, error)
	GetOrderStatus(ctx context.Context, orderID uuid.UUID) (enums.OrderStatus, error)
}

type service struct {
	repo   Repository
	tx     txRunner
	outbox outboxWriter
	logg   *logger.Logger
}

// NewService builds an order service with the required dependencies.
func NewService(repo Repository, tx txRunner, outbox outboxWriter, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if outbox == nil {
		return nil, fmt.Errorf("outbox writer required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		repo:   repo,
		tx:     tx,
		outbox: outbox,
		logg:   logg,
	}, nil
}

// CreateOrder stores a Pending order and its OrderCreated event atomically.
func (s *service) CreateOrder(ctx context.Context, input CreateOrderInput) (*models.Order, error) {
	if err := validators.Struct(input); err != nil {
		return nil, err
	}

	order := models.NewOrder(input.UserID, input.Amount)
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).Create(ctx, &order); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create order")
		}
		evt := events.NewOrderCreated(order.ID, order.UserID, order.Amount)
		if err := s.outbox.Enqueue(ctx, tx, evt); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "enqueue order created")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"order_id": order.ID.String(),
		"user_id":  order.UserID.String(),
		"amount":   order.Amount.String(),
	}), "order created")
	return &order, nil
}

func (s *service) GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	order, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	return order, nil
}

func (s *service) ListOrders(ctx context.Context, input ListOrdersInput) (*OrderList, error) {
	if err := validators.Struct(input); err != nil {
		return nil, err
	}
	if _, err := pagination.ParseCursor(input.Cursor); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	rows, next, err := s.repo.ListByUser(ctx, input.UserID, input.Params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list orders")
	}
	return &OrderList{Orders: rows, NextCursor: next}, nil
}

func (s *service) GetOrderStatus(ctx context.Context, orderID uuid.UUID) (enums.OrderStatus, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	return order.Status, nil
}
