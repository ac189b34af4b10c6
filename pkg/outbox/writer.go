package outbox

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/angelmondragon/paybridge/pkg/db/models"
	"github.com/angelmondragon/paybridge/pkg/enums"
	"github.com/angelmondragon/paybridge/pkg/events"
	"github.com/angelmondragon/paybridge/pkg/logger"
)

// Writer enqueues events as part of the caller's transaction. It never talks
// to the broker; rolling back tx discards the row with the domain change.
type Writer struct {
	store *Store
	logg  *logger.Logger
}

func NewWriter(store *Store, logg *logger.Logger) *Writer {
	return &Writer{store: store, logg: logg}
}

// Enqueue serializes evt and inserts it unpublished.
func (w *Writer) Enqueue(ctx context.Context, tx *gorm.DB, evt events.Event) error {
	payload, err := events.Encode(evt)
	if err != nil {
		return err
	}
	ctx = w.logg.WithEventID(ctx, evt.ID().String())
	return w.EnqueueRaw(ctx, tx, evt.Type(), payload)
}

// EnqueueRaw inserts an already serialized payload.
func (w *Writer) EnqueueRaw(ctx context.Context, tx *gorm.DB, eventType enums.EventType, payload []byte) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if len(payload) == 0 {
		return errors.New("payload required")
	}
	row := models.NewOutboxMessage(eventType, string(payload))
	if err := w.store.Insert(tx, row); err != nil {
		return err
	}
	logCtx := w.logg.WithFields(ctx, map[string]any{
		"outbox_id":  row.ID.String(),
		"event_type": eventType,
	})
	w.logg.Info(logCtx, "outbox event queued")
	return nil
}
