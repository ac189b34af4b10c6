package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/angelmondragon/paybridge/pkg/enums"
	pkgerrors "github.com/angelmondragon/paybridge/pkg/errors"
	"github.com/angelmondragon/paybridge/pkg/logger"
)

// ErrClosed is returned to waiters once the connector has shut down.
var ErrClosed = errors.New("broker connector closed")

type connectorMetrics interface {
	SetConnState(state enums.ConnState)
	IncConnectAttempt(success bool)
}

type ConnectorParams struct {
	Transport Transport
	Queues    []string
	Policy    RetryPolicy
	Logger    *logger.Logger
	Metrics   connectorMetrics
}

// Connector owns the process-wide broker session. Run drives the connection
// lifecycle; Publish and Consume use whatever session is live.
type Connector struct {
	transport Transport
	queues    []string
	policy    RetryPolicy
	logg      *logger.Logger
	metrics   connectorMetrics
	sleep     func(context.Context, time.Duration) error

	mu      sync.RWMutex
	state   enums.ConnState
	session Session
	ready   chan struct{}
}

func NewConnector(params ConnectorParams) (*Connector, error) {
	if params.Transport == nil {
		return nil, errors.New("broker transport is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Policy.Base <= 0 {
		return nil, errors.New("retry base delay must be positive")
	}
	return &Connector{
		transport: params.Transport,
		queues:    append([]string(nil), params.Queues...),
		policy:    params.Policy,
		logg:      params.Logger,
		metrics:   params.Metrics,
		sleep:     sleepContext,
		state:     enums.ConnDisconnected,
		ready:     make(chan struct{}),
	}, nil
}

// State reports the current connection state.
func (c *Connector) State() enums.ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Run connects, waits for loss, and reconnects until ctx ends or a bounded
// policy is exhausted.
func (c *Connector) Run(ctx context.Context) error {
	ctx = c.logg.WithField(ctx, "transport", c.transport.Name())
	defer c.shutdown()

	for {
		session, err := c.connect(ctx)
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			c.logg.Info(ctx, "broker connector stopping")
			return ctx.Err()
		case <-session.Done():
			c.markLost(session)
			c.logg.Error(ctx, "broker connection lost", session.Err())
		}
	}
}

func (c *Connector) connect(ctx context.Context) (Session, error) {
	backoff := c.policy.Start()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		c.setState(enums.ConnConnecting)
		session, err := c.dial(ctx)
		c.observeAttempt(err == nil)
		if err == nil {
			c.markConnected(session)
			c.logg.Info(c.logg.WithField(ctx, "attempts", backoff.Attempt()+1), "broker connected")
			return session, nil
		}

		c.setState(enums.ConnDisconnected)
		delay, ok := backoff.Next()
		if !ok {
			return nil, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, backoff.Attempt(), err)
		}
		logCtx := c.logg.WithFields(ctx, map[string]any{
			"attempt":  backoff.Attempt(),
			"retry_in": delay.String(),
			"error":    err.Error(),
		})
		c.logg.Warn(logCtx, "broker connect failed")
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (c *Connector) dial(ctx context.Context) (Session, error) {
	session, err := c.transport.Dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := session.DeclareQueues(ctx, c.queues); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("declare queues: %w", err)
	}
	return session, nil
}

// Publish sends msg on the live session. Not being connected is a transient
// DEPENDENCY_ERROR.
func (c *Connector) Publish(ctx context.Context, queue string, msg Message) error {
	c.mu.RLock()
	session := c.session
	c.mu.RUnlock()
	if session == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "broker not connected")
	}
	if err := session.Publish(ctx, queue, msg); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "publish to "+queue)
	}
	return nil
}

// WaitConnected blocks until a session is live.
func (c *Connector) WaitConnected(ctx context.Context) (Session, error) {
	for {
		c.mu.RLock()
		session, state, ready := c.session, c.state, c.ready
		c.mu.RUnlock()

		if session != nil {
			return session, nil
		}
		if state == enums.ConnClosed {
			return nil, ErrClosed
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ready:
		}
	}
}

// Consume delivers messages from queue to handle, resubscribing whenever the
// session is replaced. It returns when ctx ends or the connector closes.
func (c *Connector) Consume(ctx context.Context, queue string, handle func(context.Context, Delivery)) error {
	ctx = c.logg.WithQueue(ctx, queue)
	for {
		session, err := c.WaitConnected(ctx)
		if err != nil {
			return err
		}

		deliveries, err := session.Consume(ctx, queue)
		if err != nil {
			c.logg.Error(ctx, "broker subscribe failed", err)
		} else {
			c.logg.Info(ctx, "consuming")
			if err := drain(ctx, deliveries, handle); err != nil {
				return err
			}
			c.logg.Warn(ctx, "delivery stream closed, resubscribing")
		}

		if err := c.sleep(ctx, c.policy.Delay(1)); err != nil {
			return err
		}
	}
}

func drain(ctx context.Context, deliveries <-chan Delivery, handle func(context.Context, Delivery)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			handle(ctx, d)
		}
	}
}

// Ready reports DEPENDENCY_ERROR unless a session is live.
func (c *Connector) Ready(context.Context) error {
	if state := c.State(); state != enums.ConnConnected {
		return pkgerrors.New(pkgerrors.CodeDependency, "broker "+state.String())
	}
	return nil
}

func (c *Connector) markConnected(session Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = session
	c.state = enums.ConnConnected
	close(c.ready)
	c.reportState()
}

func (c *Connector) markLost(session Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != session {
		return
	}
	_ = session.Close()
	c.session = nil
	c.state = enums.ConnDisconnected
	c.ready = make(chan struct{})
	c.reportState()
}

func (c *Connector) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		if err := c.session.Close(); err != nil {
			c.logg.Error(context.Background(), "closing broker session", err)
		}
		c.session = nil
	}
	c.state = enums.ConnClosed
	select {
	case <-c.ready:
	default:
		close(c.ready)
	}
	c.reportState()
}

func (c *Connector) setState(state enums.ConnState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
	c.reportState()
}

func (c *Connector) reportState() {
	if c.metrics != nil {
		c.metrics.SetConnState(c.state)
	}
}

func (c *Connector) observeAttempt(success bool) {
	if c.metrics != nil {
		c.metrics.IncConnectAttempt(success)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
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
