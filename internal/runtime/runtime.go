package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/paybridge/pkg/broker"
	"github.com/angelmondragon/paybridge/pkg/broker/gcppubsub"
	"github.com/angelmondragon/paybridge/pkg/broker/rabbitmq"
	"github.com/angelmondragon/paybridge/pkg/config"
	"github.com/angelmondragon/paybridge/pkg/consumer"
	"github.com/angelmondragon/paybridge/pkg/db"
	"github.com/angelmondragon/paybridge/pkg/inbox"
	"github.com/angelmondragon/paybridge/pkg/instance"
	"github.com/angelmondragon/paybridge/pkg/logger"
	"github.com/angelmondragon/paybridge/pkg/metrics"
	"github.com/angelmondragon/paybridge/pkg/ops"
	"github.com/angelmondragon/paybridge/pkg/outbox"
	"github.com/angelmondragon/paybridge/pkg/redis"
)

// Params carries the resources a service process is built from. A nil
// Transport is built from Config, a nil Cache disables the inbox fast path and
// a nil Registry gets a private one. Redis, when set, is added to readiness.
type Params struct {
	Config    *config.Config
	Logger    *logger.Logger
	DB        *db.Client
	Transport broker.Transport
	Cache     inbox.Cache
	Redis     *redis.Client
	Registry  *prometheus.Registry
}

type worker interface {
	Run(ctx context.Context, source consumer.Source) error
}

// Runtime runs the pieces every service shares: the broker connector, the
// outbox publisher, the inbound consumers and the ops server.
type Runtime struct {
	name            string
	cfg             *config.Config
	logg            *logger.Logger
	db              *db.Client
	connector       *broker.Connector
	publisher       *outbox.Publisher
	writer          *outbox.Writer
	inbox           *inbox.Store
	cache           inbox.Cache
	consumerMetrics *metrics.ConsumerMetrics
	server          *ops.Server
	workers         []worker
}

func newRuntime(name string, params Params) (*Runtime, error) {
	if params.Config == nil {
		return nil, errors.New("config required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.DB == nil {
		return nil, errors.New("database client required")
	}
	cfg := params.Config

	transport := params.Transport
	if transport == nil {
		var err error
		transport, err = NewTransport(cfg)
		if err != nil {
			return nil, err
		}
	}
	registry := params.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	cache := params.Cache
	if cache == nil {
		cache = inbox.NopCache{}
	}

	connector, err := broker.NewConnector(broker.ConnectorParams{
		Transport: transport,
		Queues:    cfg.Queues.All(),
		Policy: broker.RetryPolicy{
			Base:        cfg.Broker.ConnectRetryBase,
			Cap:         cfg.Broker.ConnectRetryCap,
			MaxAttempts: cfg.Broker.ConnectMaxAttempt,
		},
		Logger:  params.Logger,
		Metrics: metrics.NewConnectorMetrics(registry),
	})
	if err != nil {
		return nil, fmt.Errorf("build connector: %w", err)
	}

	store := outbox.NewStore(params.DB.DB())
	routes, err := outbox.DefaultRoutes(cfg.Queues)
	if err != nil {
		return nil, fmt.Errorf("build routes: %w", err)
	}
	publisher, err := outbox.NewPublisher(outbox.PublisherParams{
		Config:  cfg.Outbox,
		Logger:  params.Logger,
		DB:      params.DB,
		Store:   store,
		Broker:  connector,
		Routes:  routes,
		Metrics: metrics.NewPublisherMetrics(registry),
	})
	if err != nil {
		return nil, fmt.Errorf("build publisher: %w", err)
	}

	rt := &Runtime{
		name:            name,
		cfg:             cfg,
		logg:            params.Logger,
		db:              params.DB,
		connector:       connector,
		publisher:       publisher,
		writer:          outbox.NewWriter(store, params.Logger),
		inbox:           inbox.NewStore(params.DB.DB()),
		cache:           cache,
		consumerMetrics: metrics.NewConsumerMetrics(registry),
	}

	if addr := strings.TrimSpace(cfg.Ops.Addr); addr != "" {
		router := ops.NewRouter(ops.RouterParams{
			Service:  name,
			Logger:   params.Logger,
			Gatherer: registry,
			Checks:   readinessChecks(params, connector),
		})
		rt.server = ops.NewServer(addr, router, params.Logger)
	}
	return rt, nil
}

func readinessChecks(params Params, connector *broker.Connector) map[string]ops.Check {
	checks := map[string]ops.Check{
		"database": params.DB.Ping,
		"broker":   connector.Ready,
	}
	if params.Redis != nil {
		checks["redis"] = params.Redis.Ping
	}
	return checks
}

// Run blocks until ctx is canceled or a component fails. Cancellation is a
// clean stop.
func (r *Runtime) Run(ctx context.Context) error {
	ctx = r.logg.WithFields(ctx, map[string]any{
		"runtime":  r.name,
		"instance": instance.ID(),
	})
	r.logg.Info(ctx, "runtime starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return stopped(r.connector.Run(gctx)) })
	g.Go(func() error { return stopped(r.publisher.Run(gctx)) })
	for _, w := range r.workers {
		g.Go(func() error { return stopped(w.Run(gctx, r.connector)) })
	}
	if r.server != nil {
		g.Go(func() error { return r.server.Run(gctx) })
	}

	err := g.Wait()
	if err != nil {
		r.logg.Error(ctx, "runtime stopped with error", err)
		return err
	}
	r.logg.Info(ctx, "runtime stopped")
	return nil
}

func stopped(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, broker.ErrClosed) {
		return nil
	}
	return err
}

// NewTransport selects the broker transport named by the config.
func NewTransport(cfg *config.Config) (broker.Transport, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Broker.Kind)) {
	case config.BrokerKindRabbitMQ:
		return rabbitmq.New(rabbitmq.Options{
			URL:        cfg.RabbitMQ.ConnectionURL(),
			Prefetch:   cfg.RabbitMQ.Prefetch,
			DeadLetter: cfg.Broker.DeadLetter,
		})
	case config.BrokerKindPubSub:
		return gcppubsub.New(gcppubsub.Options{
			ProjectID:       cfg.GCP.ProjectID,
			CredentialsJSON: cfg.GCP.CredentialsJSON,
		})
	default:
		return nil, fmt.Errorf("unsupported broker kind %q", cfg.Broker.Kind)
	}
}

// NewCache builds the redis inbox cache, or a no-op cache when redis is not
// configured. The returned client is nil for the no-op cache.
func NewCache(ctx context.Context, cfg *config.Config, logg *logger.Logger) (inbox.Cache, *redis.Client, error) {
	if !cfg.Redis.Enabled() {
		logg.Info(ctx, "redis not configured, inbox cache disabled")
		return inbox.NopCache{}, nil, nil
	}
	client, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		return nil, nil, fmt.Errorf("bootstrap redis: %w", err)
	}
	cache, err := inbox.NewRedisCache(client, cfg.Consumer.InboxCacheTTL)
	if err != nil {
		return nil, nil, multierr.Append(err, client.Close())
	}
	return cache, client, nil
}

// CloseAll closes every resource and reports all failures together.
func CloseAll(closers ...io.Closer) error {
	var err error
	for _, c := range closers {
		if c == nil {
			continue
		}
		err = multierr.Append(err, c.Close())
	}
	return err
}
