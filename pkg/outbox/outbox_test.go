package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/paybridge/pkg/broker"
	"github.com/angelmondragon/paybridge/pkg/broker/brokertest"
	"github.com/angelmondragon/paybridge/pkg/config"
	"github.com/angelmondragon/paybridge/pkg/db"
	"github.com/angelmondragon/paybridge/pkg/db/models"
	"github.com/angelmondragon/paybridge/pkg/enums"
	"github.com/angelmondragon/paybridge/pkg/events"
	"github.com/angelmondragon/paybridge/pkg/logger"
)

const testQueue = "order_created"

func newTestDB(t *testing.T) *db.Client {
	t.Helper()
	cfg := config.DBConfig{
		Driver: config.DBDriverSQLite,
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_")),
	}
	client, err := db.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.DB().AutoMigrate(&models.OutboxMessage{}))
	return client
}

func testRoutes(t *testing.T) *Routes {
	t.Helper()
	routes, err := NewRoutes(map[enums.EventType]string{enums.EventOrderCreated: testQueue})
	require.NoError(t, err)
	return routes
}

func enqueueOrders(t *testing.T, client *db.Client, writer *Writer, n int) []uuid.UUID {
	t.Helper()
	ids := make([]uuid.UUID, 0, n)
	for i := 0; i < n; i++ {
		evt := events.NewOrderCreated(uuid.New(), uuid.New(), decimal.NewFromInt(int64(i+1)))
		require.NoError(t, client.WithTx(context.Background(), func(tx *gorm.DB) error {
			return writer.Enqueue(context.Background(), tx, evt)
		}))
		ids = append(ids, evt.ID())
	}
	return ids
}

func publishedRows(t *testing.T, client *db.Client) (published, pending int64) {
	t.Helper()
	require.NoError(t, client.DB().Model(&models.OutboxMessage{}).Where("published = ?", true).Count(&published).Error)
	require.NoError(t, client.DB().Model(&models.OutboxMessage{}).Where("published = ?", false).Count(&pending).Error)
	return published, pending
}

type fakeBroker struct {
	mu      sync.Mutex
	sent    []broker.Message
	failAt  int
	calls   int
	failErr error
}

func (f *fakeBroker) Publish(ctx context.Context, queue string, msg broker.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failAt > 0 && f.calls == f.failAt {
		return f.failErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

type flakyTx struct {
	inner    *db.Client
	mu       sync.Mutex
	failures int
}

func (f *flakyTx) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("commit lost")
	}
	f.mu.Unlock()
	return f.inner.WithTx(ctx, fn)
}

type recordingMetrics struct {
	mu         sync.Mutex
	published  int
	failures   int
	unroutable int64
}

func (m *recordingMetrics) IncPublished(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published++
}

func (m *recordingMetrics) IncPublishFailure(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
}

func (m *recordingMetrics) ObserveBatch(time.Duration) {}

func (m *recordingMetrics) SetUnroutable(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unroutable = count
}

func newTestPublisher(t *testing.T, tx txRunner, st *Store, b messagePublisher, batch int, metrics publisherMetrics) *Publisher {
	t.Helper()
	params := PublisherParams{
		Config: config.OutboxConfig{BatchSize: batch, PollInterval: time.Millisecond},
		Logger: logger.Nop(),
		DB:     tx,
		Store:  st,
		Broker: b,
		Routes: testRoutes(t),
	}
	if metrics != nil {
		params.Metrics = metrics
	}
	p, err := NewPublisher(params)
	require.NoError(t, err)
	return p
}

func TestWriterRequiresTransaction(t *testing.T) {
	client := newTestDB(t)
	writer := NewWriter(NewStore(client.DB()), logger.Nop())
	evt := events.NewOrderCreated(uuid.New(), uuid.New(), decimal.NewFromInt(10))

	err := writer.Enqueue(context.Background(), nil, evt)
	require.Error(t, err)
}

func TestWriterRollbackDiscardsRow(t *testing.T) {
	client := newTestDB(t)
	writer := NewWriter(NewStore(client.DB()), logger.Nop())
	evt := events.NewOrderCreated(uuid.New(), uuid.New(), decimal.NewFromInt(10))

	err := client.WithTx(context.Background(), func(tx *gorm.DB) error {
		if err := writer.Enqueue(context.Background(), tx, evt); err != nil {
			return err
		}
		return errors.New("domain write failed")
	})
	require.Error(t, err)

	published, pending := publishedRows(t, client)
	assert.Zero(t, published)
	assert.Zero(t, pending)
}

func TestWriterStoresEncodedPayload(t *testing.T) {
	client := newTestDB(t)
	writer := NewWriter(NewStore(client.DB()), logger.Nop())
	ids := enqueueOrders(t, client, writer, 1)

	var row models.OutboxMessage
	require.NoError(t, client.DB().First(&row).Error)
	assert.Equal(t, enums.EventOrderCreated, row.EventType)
	assert.False(t, row.Published)
	assert.Nil(t, row.PublishedAt)

	decoded, err := events.DecodeOrderCreated([]byte(row.Payload))
	require.NoError(t, err)
	assert.Equal(t, ids[0], decoded.EventID)
}

func TestProcessBatchMarksPublishedRows(t *testing.T) {
	client := newTestDB(t)
	st := NewStore(client.DB())
	ids := enqueueOrders(t, client, NewWriter(st, logger.Nop()), 3)
	fb := &fakeBroker{}
	metrics := &recordingMetrics{}
	p := newTestPublisher(t, client, st, fb, 10, metrics)

	n, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	published, pending := publishedRows(t, client)
	assert.EqualValues(t, 3, published)
	assert.Zero(t, pending)
	assert.Equal(t, 3, metrics.published)

	require.Len(t, fb.sent, 3)
	got := make(map[string]bool)
	for _, msg := range fb.sent {
		assert.Equal(t, string(enums.EventOrderCreated), msg.Type)
		decoded, err := events.DecodeOrderCreated(msg.Body)
		require.NoError(t, err)
		got[decoded.EventID.String()] = true
	}
	for _, id := range ids {
		assert.True(t, got[id.String()])
	}

	var row models.OutboxMessage
	require.NoError(t, client.DB().First(&row).Error)
	require.NotNil(t, row.PublishedAt)

	n, err = p.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, fb.sent, 3)
}

func TestProcessBatchStopsAtFirstFailure(t *testing.T) {
	client := newTestDB(t)
	st := NewStore(client.DB())
	enqueueOrders(t, client, NewWriter(st, logger.Nop()), 5)
	fb := &fakeBroker{failAt: 3, failErr: errors.New("broker unavailable")}
	metrics := &recordingMetrics{}
	p := newTestPublisher(t, client, st, fb, 10, metrics)

	n, err := p.ProcessBatch(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, metrics.failures)

	published, pending := publishedRows(t, client)
	assert.EqualValues(t, 2, published)
	assert.EqualValues(t, 3, pending)

	n, err = p.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, fb.sent, 5)
}

func TestProcessBatchLeavesUnroutableRows(t *testing.T) {
	client := newTestDB(t)
	st := NewStore(client.DB())
	writer := NewWriter(st, logger.Nop())
	enqueueOrders(t, client, writer, 2)
	require.NoError(t, client.WithTx(context.Background(), func(tx *gorm.DB) error {
		evt := events.NewPaymentCompleted(uuid.New(), uuid.New(), true, decimal.NewFromInt(5))
		return writer.Enqueue(context.Background(), tx, evt)
	}))

	fb := &fakeBroker{}
	metrics := &recordingMetrics{}
	p := newTestPublisher(t, client, st, fb, 10, metrics)

	n, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.EqualValues(t, 1, metrics.unroutable)

	_, pending := publishedRows(t, client)
	assert.EqualValues(t, 1, pending)
}

func TestMarkFailureRepublishesWithoutGaps(t *testing.T) {
	client := newTestDB(t)
	st := NewStore(client.DB())
	ids := enqueueOrders(t, client, NewWriter(st, logger.Nop()), 6)
	fb := &fakeBroker{}
	p := newTestPublisher(t, &flakyTx{inner: client, failures: 1}, st, fb, 10, nil)

	_, err := p.ProcessBatch(context.Background())
	require.Error(t, err)
	_, pending := publishedRows(t, client)
	assert.EqualValues(t, 6, pending)

	n, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	counts := make(map[string]int)
	for _, msg := range fb.sent {
		decoded, err := events.DecodeOrderCreated(msg.Body)
		require.NoError(t, err)
		counts[decoded.EventID.String()]++
	}
	for _, id := range ids {
		assert.Equal(t, 2, counts[id.String()], "event %s should be delivered twice", id)
	}
}

func publishThroughDroppingBroker(t *testing.T, total, batch, drop int) {
	t.Helper()
	client := newTestDB(t)
	st := NewStore(client.DB())
	ids := enqueueOrders(t, client, NewWriter(st, logger.Nop()), total)

	transport := brokertest.New()
	transport.DropAfterPublishes(drop)
	connector, err := broker.NewConnector(broker.ConnectorParams{
		Transport: transport,
		Queues:    []string{testQueue},
		Policy:    broker.RetryPolicy{Base: time.Millisecond, Cap: 5 * time.Millisecond},
		Logger:    logger.Nop(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = connector.Run(ctx) }()

	p := newTestPublisher(t, client, st, connector, batch, nil)
	require.Eventually(t, func() bool {
		_, _ = p.ProcessBatch(ctx)
		_, pending := publishedRows(t, client)
		return pending == 0
	}, 5*time.Second, 2*time.Millisecond)

	msgs := transport.Published(testQueue)
	require.Len(t, msgs, total)
	seen := make(map[string]int)
	for _, msg := range msgs {
		decoded, err := events.DecodeOrderCreated(msg.Body)
		require.NoError(t, err)
		seen[decoded.EventID.String()]++
	}
	for _, id := range ids {
		assert.Equal(t, 1, seen[id.String()])
	}
	assert.GreaterOrEqual(t, transport.Dials(), 2)
}

func TestConnectionDropsNeverLoseOrDuplicate(t *testing.T) {
	const total = 20
	for drop := 0; drop < total; drop += 3 {
		t.Run(fmt.Sprintf("drop_after_%d", drop), func(t *testing.T) {
			publishThroughDroppingBroker(t, total, 7, drop)
		})
	}
}

func TestSingleBatchDropIsConsistentAcrossRuns(t *testing.T) {
	const total = 20
	for run := 0; run < 3; run++ {
		for drop := 1; drop < total; drop++ {
			t.Run(fmt.Sprintf("run_%d_drop_after_%d", run, drop), func(t *testing.T) {
				publishThroughDroppingBroker(t, total, total, drop)
			})
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	client := newTestDB(t)
	st := NewStore(client.DB())
	fb := &fakeBroker{}
	p := newTestPublisher(t, client, st, fb, 10, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("publisher did not stop")
	}
}

func TestRoutesRejectUnknownTypes(t *testing.T) {
	_, err := NewRoutes(map[enums.EventType]string{"Bogus": "q"})
	assert.Error(t, err)

	_, err = NewRoutes(map[enums.EventType]string{enums.EventOrderCreated: " "})
	assert.Error(t, err)

	routes, err := DefaultRoutes(config.QueueConfig{OrderCreated: "a", PaymentCompleted: "b"})
	require.NoError(t, err)
	queue, ok := routes.Resolve(enums.EventPaymentCompleted)
	assert.True(t, ok)
	assert.Equal(t, "b", queue)
	assert.Equal(t, []enums.EventType{enums.EventOrderCreated, enums.EventPaymentCompleted}, routes.EventTypes())
}

func TestNextBackoffCaps(t *testing.T) {
	assert.Equal(t, 2*time.Second, nextBackoff(time.Second, time.Second, time.Minute))
	assert.Equal(t, time.Minute, nextBackoff(50*time.Second, time.Second, time.Minute))
	assert.Equal(t, 2*time.Second, nextBackoff(0, time.Second, time.Minute))
}
