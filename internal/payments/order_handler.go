package payments

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	pkgerrors "github.com/angelmondragon/paybridge/pkg/errors"
	"github.com/angelmondragon/paybridge/pkg/events"
	"github.com/angelmondragon/paybridge/pkg/logger"
)

// OrderHandler charges the buyer's account for a new order and records the
// outcome as a PaymentCompleted event in the same transaction.
type OrderHandler struct {
	repo   Repository
	outbox outboxWriter
	logg   *logger.Logger
}

func NewOrderHandler(repo Repository, outbox outboxWriter, logg *logger.Logger) (*OrderHandler, error) {
	if repo == nil {
		return nil, fmt.Errorf("accounts repository required")
	}
	if outbox == nil {
		return nil, fmt.Errorf("outbox writer required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &OrderHandler{repo: repo, outbox: outbox, logg: logg}, nil
}

// Apply debits the account when it exists and has enough funds. A missing
// account or insufficient funds yields success=false, never an error.
func (h *OrderHandler) Apply(ctx context.Context, tx *gorm.DB, evt events.OrderCreated) error {
	ctx = h.logg.WithFields(ctx, map[string]any{
		"order_id": evt.OrderID.String(),
		"user_id":  evt.UserID.String(),
		"amount":   evt.Amount.String(),
	})
	repo := h.repo.WithTx(tx)

	success := false
	account, err := findAccount(ctx, repo, evt.UserID)
	if err != nil {
		return err
	}
	if account == nil {
		h.logg.Warn(ctx, "account not found for order")
	} else {
		ok, err := account.TryDebit(evt.Amount)
		if err != nil {
			return err
		}
		if ok {
			if err := saveAccount(ctx, repo, account); err != nil {
				return err
			}
			success = true
		} else {
			h.logg.Warn(h.logg.WithField(ctx, "account_id", account.ID.String()), "insufficient funds for order")
		}
	}

	result := events.NewPaymentCompleted(evt.OrderID, evt.UserID, success, evt.Amount)
	if err := h.outbox.Enqueue(ctx, tx, result); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "enqueue payment completed")
	}
	h.logg.Info(h.logg.WithField(ctx, "success", success), "payment processed")
	return nil
}
