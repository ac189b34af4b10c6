package outbox

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/paybridge/pkg/broker"
	"github.com/angelmondragon/paybridge/pkg/config"
	"github.com/angelmondragon/paybridge/pkg/db/models"
	"github.com/angelmondragon/paybridge/pkg/enums"
	"github.com/angelmondragon/paybridge/pkg/logger"
)

const (
	defaultBatchSize      = 20
	defaultPollInterval   = 5 * time.Second
	defaultPublishTimeout = 15 * time.Second
	markTimeout           = 10 * time.Second
	maxBackoff            = time.Minute
	jitterWindow          = 250 * time.Millisecond
)

var jitterSource = rand.New(rand.NewSource(time.Now().UnixNano()))

type txRunner interface {
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type store interface {
	FetchUnpublished(ctx context.Context, limit int, types []enums.EventType) ([]models.OutboxMessage, error)
	MarkPublished(tx *gorm.DB, ids []uuid.UUID, at time.Time) error
	CountUnroutable(ctx context.Context, routable []enums.EventType) (int64, error)
}

type messagePublisher interface {
	Publish(ctx context.Context, queue string, msg broker.Message) error
}

type publisherMetrics interface {
	IncPublished(eventType string)
	IncPublishFailure(eventType string)
	ObserveBatch(duration time.Duration)
	SetUnroutable(count int64)
}

type PublisherParams struct {
	Config  config.OutboxConfig
	Logger  *logger.Logger
	DB      txRunner
	Store   store
	Broker  messagePublisher
	Routes  *Routes
	Metrics publisherMetrics
}

// Publisher relays unpublished outbox rows to the broker.
//
// Each tick reads a batch outside any transaction, publishes rows in order,
// and marks every successfully published id in a single transaction. A
// publish failure stops the batch; the published prefix is still marked. A
// crash between publish and mark republishes that prefix on the next tick,
// so delivery is at-least-once and never skips a row.
type Publisher struct {
	logg         *logger.Logger
	db           txRunner
	store        store
	broker       messagePublisher
	routes       *Routes
	metrics      publisherMetrics
	batchSize    int
	pollInterval time.Duration
	startDelay   time.Duration
	now          func() time.Time
}

func NewPublisher(params PublisherParams) (*Publisher, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Store == nil {
		return nil, errors.New("outbox store is required")
	}
	if params.Broker == nil {
		return nil, errors.New("broker publisher is required")
	}
	if params.Routes == nil {
		return nil, errors.New("routes are required")
	}

	batch := params.Config.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	interval := params.Config.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	return &Publisher{
		logg:         params.Logger,
		db:           params.DB,
		store:        params.Store,
		broker:       params.Broker,
		routes:       params.Routes,
		metrics:      params.Metrics,
		batchSize:    batch,
		pollInterval: interval,
		startDelay:   params.Config.StartDelay,
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run polls until ctx is canceled. Batch errors are logged and retried with
// backoff; they never stop the loop.
func (p *Publisher) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := sleep(ctx, p.startDelay); err != nil {
		return err
	}

	backoff := p.pollInterval
	for {
		select {
		case <-ctx.Done():
			p.logg.Info(ctx, "outbox publisher context canceled")
			return ctx.Err()
		default:
		}

		published, err := p.ProcessBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logg.Error(ctx, "outbox publisher batch error", err)
			backoff = nextBackoff(backoff, p.pollInterval, maxBackoff)
			if err := sleep(ctx, withJitter(backoff)); err != nil {
				return err
			}
			continue
		}

		backoff = p.pollInterval
		if published == p.batchSize {
			continue
		}
		if err := sleep(ctx, p.pollInterval); err != nil {
			return err
		}
	}
}

// ProcessBatch runs one tick and returns how many rows were published.
func (p *Publisher) ProcessBatch(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.ObserveBatch(time.Since(start))
		}
	}()

	routable := p.routes.EventTypes()
	p.reportUnroutable(ctx, routable)

	rows, err := p.store.FetchUnpublished(ctx, p.batchSize, routable)
	if err != nil {
		return 0, fmt.Errorf("fetch unpublished: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	published := make([]uuid.UUID, 0, len(rows))
	var publishErr error
	for _, row := range rows {
		queue, ok := p.routes.Resolve(row.EventType)
		if !ok {
			continue
		}
		fields := p.rowFields(row, queue)
		if err := p.publish(ctx, queue, row); err != nil {
			p.incFailure(row.EventType)
			ctxWithFields := p.logg.WithField(p.logg.WithFields(ctx, fields), "error", err.Error())
			p.logg.Warn(ctxWithFields, "outbox publish failed")
			publishErr = fmt.Errorf("publish %s: %w", row.ID, err)
			break
		}
		published = append(published, row.ID)
		p.incPublished(row.EventType)
		p.logg.Info(p.logg.WithFields(ctx, fields), "outbox event published")
	}

	if len(published) > 0 {
		if err := p.markPublished(ctx, published); err != nil {
			return len(published), multierr.Append(publishErr, err)
		}
	}
	return len(published), publishErr
}

func (p *Publisher) publish(ctx context.Context, queue string, row models.OutboxMessage) error {
	publishCtx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
	defer cancel()
	return p.broker.Publish(publishCtx, queue, broker.Message{
		ID:        row.ID.String(),
		Type:      string(row.EventType),
		Body:      []byte(row.Payload),
		Timestamp: row.OccurredAt,
	})
}

// markPublished outlives cancellation of ctx: rows already on the broker
// should be recorded even while shutting down.
func (p *Publisher) markPublished(ctx context.Context, ids []uuid.UUID) error {
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markTimeout)
	defer cancel()
	at := p.now()
	if err := p.db.WithTx(markCtx, func(tx *gorm.DB) error {
		return p.store.MarkPublished(tx, ids, at)
	}); err != nil {
		return fmt.Errorf("mark %d rows published: %w", len(ids), err)
	}
	return nil
}

func (p *Publisher) reportUnroutable(ctx context.Context, routable []enums.EventType) {
	count, err := p.store.CountUnroutable(ctx, routable)
	if err != nil {
		p.logg.Error(ctx, "count unroutable outbox rows", err)
		return
	}
	if p.metrics != nil {
		p.metrics.SetUnroutable(count)
	}
	if count > 0 {
		p.logg.Warn(p.logg.WithField(ctx, "unroutable_rows", count), "outbox rows without a route are stuck")
	}
}

func (p *Publisher) rowFields(row models.OutboxMessage, queue string) map[string]any {
	return map[string]any{
		"outbox_id":   row.ID.String(),
		"event_type":  row.EventType,
		"queue":       queue,
		"occurred_at": row.OccurredAt.Format(time.RFC3339Nano),
		"batch_size":  p.batchSize,
	}
}

func (p *Publisher) incPublished(eventType enums.EventType) {
	if p.metrics != nil {
		p.metrics.IncPublished(string(eventType))
	}
}

func (p *Publisher) incFailure(eventType enums.EventType) {
	if p.metrics != nil {
		p.metrics.IncPublishFailure(string(eventType))
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	jitter := time.Duration(jitterSource.Int63n(int64(jitterWindow)))
	return d + jitter
}
