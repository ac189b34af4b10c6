package consumer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/paybridge/pkg/broker"
	"github.com/angelmondragon/paybridge/pkg/enums"
	pkgerrors "github.com/angelmondragon/paybridge/pkg/errors"
	"github.com/angelmondragon/paybridge/pkg/events"
	"github.com/angelmondragon/paybridge/pkg/inbox"
	"github.com/angelmondragon/paybridge/pkg/logger"
	"github.com/angelmondragon/paybridge/pkg/metrics"
)

// Handler applies evt inside tx. The inbox row is claimed in the same tx.
type Handler[E events.Event] func(ctx context.Context, tx *gorm.DB, evt E) error

type txRunner interface {
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type claimer interface {
	Claim(tx *gorm.DB, id uuid.UUID, eventType enums.EventType) (bool, error)
}

// Source is where deliveries come from; *broker.Connector implements it.
type Source interface {
	Consume(ctx context.Context, queue string, handle func(context.Context, broker.Delivery)) error
}

type consumerMetrics interface {
	IncOutcome(queue, outcome string)
	ObserveDuration(queue string, duration time.Duration)
}

type Params[E events.Event] struct {
	Name    string
	Queue   string
	Decode  func([]byte) (E, error)
	Apply   Handler[E]
	DB      txRunner
	Inbox   claimer
	Cache   inbox.Cache
	Logger  *logger.Logger
	Metrics consumerMetrics
}

// Consumer turns deliveries from one queue into exactly-once effects.
//
// Malformed messages are rejected without requeue. Duplicates are acked
// without running the handler. Retryable failures are requeued, anything
// else is rejected to the dead letter queue.
type Consumer[E events.Event] struct {
	name      string
	queue     string
	eventType enums.EventType
	decode    func([]byte) (E, error)
	apply     Handler[E]
	db        txRunner
	inbox     claimer
	cache     inbox.Cache
	logg      *logger.Logger
	metrics   consumerMetrics
}

func New[E events.Event](params Params[E]) (*Consumer[E], error) {
	if strings.TrimSpace(params.Name) == "" {
		return nil, errors.New("consumer name required")
	}
	if strings.TrimSpace(params.Queue) == "" {
		return nil, errors.New("queue required")
	}
	if params.Decode == nil {
		return nil, errors.New("decoder required")
	}
	if params.Apply == nil {
		return nil, errors.New("handler required")
	}
	if params.DB == nil {
		return nil, errors.New("database client required")
	}
	if params.Inbox == nil {
		return nil, errors.New("inbox store required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	cache := params.Cache
	if cache == nil {
		cache = inbox.NopCache{}
	}

	var zero E
	return &Consumer[E]{
		name:      params.Name,
		queue:     params.Queue,
		eventType: zero.Type(),
		decode:    params.Decode,
		apply:     params.Apply,
		db:        params.DB,
		inbox:     params.Inbox,
		cache:     cache,
		logg:      params.Logger,
		metrics:   params.Metrics,
	}, nil
}

// Run consumes until ctx ends.
func (c *Consumer[E]) Run(ctx context.Context, source Source) error {
	return source.Consume(ctx, c.queue, c.Handle)
}

// Handle processes one delivery and settles it.
func (c *Consumer[E]) Handle(ctx context.Context, d broker.Delivery) {
	start := time.Now()
	msg := d.Message()
	ctx = c.logg.WithFields(ctx, map[string]any{
		"consumer":   c.name,
		"queue":      c.queue,
		"message_id": msg.ID,
	})

	outcome := c.process(ctx, msg)
	c.settle(ctx, d, outcome)

	if c.metrics != nil {
		c.metrics.IncOutcome(c.queue, outcome)
		c.metrics.ObserveDuration(c.queue, time.Since(start))
	}
}

func (c *Consumer[E]) process(ctx context.Context, msg broker.Message) string {
	if msg.Type != "" && msg.Type != string(c.eventType) {
		c.logg.Warn(c.logg.WithField(ctx, "message_type", msg.Type), "unexpected message type")
		return metrics.OutcomeMalformed
	}

	evt, err := c.decode(msg.Body)
	if err != nil {
		c.logg.Warn(c.logg.WithField(ctx, "error", err.Error()), "malformed message")
		return metrics.OutcomeMalformed
	}
	eventID := evt.ID()
	ctx = c.logg.WithEventID(ctx, eventID.String())

	seen, err := c.cache.Seen(ctx, c.name, eventID)
	if err != nil {
		c.logg.Warn(c.logg.WithField(ctx, "error", err.Error()), "inbox cache lookup failed")
	}
	if seen {
		c.logg.Info(ctx, "event already processed")
		return metrics.OutcomeDuplicate
	}

	duplicate := false
	err = c.db.WithTx(ctx, func(tx *gorm.DB) error {
		claimed, err := c.inbox.Claim(tx, eventID, c.eventType)
		if err != nil {
			return fmt.Errorf("claim inbox: %w", err)
		}
		if !claimed {
			duplicate = true
			return nil
		}
		return c.apply(ctx, tx, evt)
	})
	if err != nil {
		ctx = c.logg.WithFields(ctx, pkgerrors.Dump(err).Fields())
		if pkgerrors.IsRetryable(err) {
			c.logg.Error(ctx, "event handling failed, requeueing", err)
			return metrics.OutcomeRequeued
		}
		c.logg.Error(ctx, "event handling failed permanently", err)
		return metrics.OutcomeRejected
	}

	if err := c.cache.Mark(ctx, c.name, eventID); err != nil {
		c.logg.Warn(c.logg.WithField(ctx, "error", err.Error()), "inbox cache mark failed")
	}
	if duplicate {
		c.logg.Info(ctx, "event already processed")
		return metrics.OutcomeDuplicate
	}
	c.logg.Info(ctx, "event processed")
	return metrics.OutcomeProcessed
}

func (c *Consumer[E]) settle(ctx context.Context, d broker.Delivery, outcome string) {
	var err error
	switch outcome {
	case metrics.OutcomeProcessed, metrics.OutcomeDuplicate:
		err = d.Ack()
	case metrics.OutcomeRequeued:
		err = d.Reject(true)
	default:
		err = d.Reject(false)
	}
	if err != nil {
		c.logg.Error(c.logg.WithField(ctx, "outcome", outcome), "settle delivery", err)
	}
}
