package runtime

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/paybridge/internal/orders"
	"github.com/angelmondragon/paybridge/internal/payments"
	"github.com/angelmondragon/paybridge/pkg/broker/brokertest"
	"github.com/angelmondragon/paybridge/pkg/config"
	"github.com/angelmondragon/paybridge/pkg/db"
	"github.com/angelmondragon/paybridge/pkg/enums"
	"github.com/angelmondragon/paybridge/pkg/logger"
	"github.com/angelmondragon/paybridge/pkg/migrate"
	"github.com/angelmondragon/paybridge/pkg/redis"
)

func testConfig() *config.Config {
	return &config.Config{
		Broker: config.BrokerConfig{
			ConnectRetryBase: time.Millisecond,
			ConnectRetryCap:  10 * time.Millisecond,
		},
		Queues: config.QueueConfig{
			OrderCreated:     "order_created",
			PaymentCompleted: "payment_completed",
		},
		Outbox: config.OutboxConfig{
			BatchSize:    10,
			PollInterval: 10 * time.Millisecond,
		},
	}
}

func newServiceDB(t *testing.T, service string) *db.Client {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_") + "_" + service
	client, err := db.New(context.Background(), config.DBConfig{
		Driver: config.DBDriverSQLite,
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	sqlDB, err := client.SQL()
	require.NoError(t, err)
	require.NoError(t, migrate.Run(context.Background(), sqlDB, client.Dialect(), service, "up"))
	return client
}

type system struct {
	transport *brokertest.Transport
	orders    *Orders
	payments  *Payments
}

func startSystem(t *testing.T) *system {
	t.Helper()
	transport := brokertest.New()
	cfg := testConfig()

	ordersRT, err := NewOrders(Params{
		Config:    cfg,
		Logger:    logger.Nop(),
		DB:        newServiceDB(t, migrate.ServiceOrders),
		Transport: transport,
	})
	require.NoError(t, err)
	paymentsRT, err := NewPayments(Params{
		Config:    cfg,
		Logger:    logger.Nop(),
		DB:        newServiceDB(t, migrate.ServicePayments),
		Transport: transport,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 2)
	go func() { done <- ordersRT.Run(ctx) }()
	go func() { done <- paymentsRT.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		for range 2 {
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Error("runtime did not stop")
			}
		}
	})

	return &system{transport: transport, orders: ordersRT, payments: paymentsRT}
}

func (s *system) awaitStatus(t *testing.T, orderID uuid.UUID, want enums.OrderStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		status, err := s.orders.Service.GetOrderStatus(context.Background(), orderID)
		return err == nil && status == want
	}, 10*time.Second, 10*time.Millisecond)
}

func TestOrderIsPaidWhenFundsSuffice(t *testing.T) {
	s := startSystem(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := s.payments.Service.CreateAccount(ctx, userID)
	require.NoError(t, err)
	_, err = s.payments.Service.TopUp(ctx, payments.AmountInput{UserID: userID, Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)

	order, err := s.orders.Service.CreateOrder(ctx, orders.CreateOrderInput{UserID: userID, Amount: decimal.NewFromInt(40)})
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusPending, order.Status)

	s.awaitStatus(t, order.ID, enums.OrderStatusPaid)

	balance, err := s.payments.Service.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(60)), "balance %s", balance)
}

func TestOrderFailsOnInsufficientFunds(t *testing.T) {
	s := startSystem(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := s.payments.Service.CreateAccount(ctx, userID)
	require.NoError(t, err)
	_, err = s.payments.Service.TopUp(ctx, payments.AmountInput{UserID: userID, Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)

	order, err := s.orders.Service.CreateOrder(ctx, orders.CreateOrderInput{UserID: userID, Amount: decimal.NewFromInt(40)})
	require.NoError(t, err)

	s.awaitStatus(t, order.ID, enums.OrderStatusFailed)

	balance, err := s.payments.Service.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(10)), "balance %s", balance)
}

func TestOrderFailsWithoutAccount(t *testing.T) {
	s := startSystem(t)

	order, err := s.orders.Service.CreateOrder(context.Background(), orders.CreateOrderInput{UserID: uuid.New(), Amount: decimal.NewFromInt(5)})
	require.NoError(t, err)

	s.awaitStatus(t, order.ID, enums.OrderStatusFailed)
}

func TestRedeliveredOrderChargesOnce(t *testing.T) {
	s := startSystem(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := s.payments.Service.CreateAccount(ctx, userID)
	require.NoError(t, err)
	_, err = s.payments.Service.TopUp(ctx, payments.AmountInput{UserID: userID, Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)

	order, err := s.orders.Service.CreateOrder(ctx, orders.CreateOrderInput{UserID: userID, Amount: decimal.NewFromInt(30)})
	require.NoError(t, err)
	s.awaitStatus(t, order.ID, enums.OrderStatusPaid)

	published := s.transport.Published("order_created")
	require.Len(t, published, 1)
	s.transport.Push("order_created", published[0])

	require.Eventually(t, func() bool {
		return len(s.transport.Acked("order_created")) == 2
	}, 5*time.Second, 10*time.Millisecond)

	balance, err := s.payments.Service.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(70)), "balance %s", balance)
	assert.Len(t, s.transport.Published("payment_completed"), 1)
}

func TestNewTransportRejectsUnknownKind(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Kind = "kafka"
	_, err := NewTransport(cfg)
	assert.Error(t, err)
}

func TestNewCacheWithoutRedis(t *testing.T) {
	cache, client, err := NewCache(context.Background(), testConfig(), logger.Nop())
	require.NoError(t, err)
	assert.Nil(t, client)
	assert.NoError(t, CloseAll(client), "closing the absent client is a no-op")
	seen, err := cache.Seen(context.Background(), "orders", uuid.New())
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestReadinessChecksIncludeRedisOnlyWhenConfigured(t *testing.T) {
	params := Params{DB: newServiceDB(t, migrate.ServiceOrders)}
	checks := readinessChecks(params, nil)
	assert.Contains(t, checks, "database")
	assert.Contains(t, checks, "broker")
	assert.NotContains(t, checks, "redis")

	params.Redis = &redis.Client{}
	checks = readinessChecks(params, nil)
	require.Contains(t, checks, "redis")
	assert.Error(t, checks["redis"](context.Background()), "an unconnected client is not ready")
}

func TestNewRuntimeRequiresDependencies(t *testing.T) {
	_, err := NewOrders(Params{Logger: logger.Nop()})
	assert.Error(t, err)
	_, err = NewPayments(Params{Config: testConfig()})
	assert.Error(t, err)
}

func TestMetricsRegisteredOnSuppliedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewOrders(Params{
		Config:    testConfig(),
		Logger:    logger.Nop(),
		DB:        newServiceDB(t, migrate.ServiceOrders),
		Transport: brokertest.New(),
		Registry:  reg,
	})
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["paybridge_broker_connection_state"], "got %v", names)
}
