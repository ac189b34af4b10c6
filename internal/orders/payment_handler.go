package orders

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	pkgerrors "github.com/angelmondragon/paybridge/pkg/errors"
	"github.com/angelmondragon/paybridge/pkg/events"
	"github.com/angelmondragon/paybridge/pkg/logger"
)

// PaymentHandler settles orders from PaymentCompleted events. It runs inside
// the consumer's transaction, after the inbox claim.
type PaymentHandler struct {
	repo Repository
	logg *logger.Logger
}

func NewPaymentHandler(repo Repository, logg *logger.Logger) (*PaymentHandler, error) {
	if repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &PaymentHandler{repo: repo, logg: logg}, nil
}

// Apply marks the order Paid or Failed. A missing order or an already
// settled one is logged and treated as handled.
func (h *PaymentHandler) Apply(ctx context.Context, tx *gorm.DB, evt events.PaymentCompleted) error {
	ctx = h.logg.WithFields(ctx, map[string]any{
		"order_id": evt.OrderID.String(),
		"success":  evt.Success,
	})
	repo := h.repo.WithTx(tx)

	order, err := repo.FindByID(ctx, evt.OrderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			h.logg.Warn(ctx, "order not found for payment result")
			return nil
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}

	changed := order.MarkFailed
	if evt.Success {
		changed = order.MarkPaid
	}
	if !changed() {
		h.logg.Warn(h.logg.WithField(ctx, "status", order.Status), "order already settled")
		return nil
	}

	updated, err := repo.UpdateStatus(ctx, order)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update order status")
	}
	if !updated {
		h.logg.Warn(ctx, "order settled concurrently")
		return nil
	}
	h.logg.Info(h.logg.WithField(ctx, "status", order.Status), "order status updated")
	return nil
}
