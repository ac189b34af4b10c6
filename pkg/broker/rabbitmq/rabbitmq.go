// Package rabbitmq implements broker.Transport over AMQP 0-9-1. Queues are
// durable and addressed through the default exchange; rejected messages are
// dead-lettered to "<queue>.dlq" when dead-lettering is enabled.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/angelmondragon/paybridge/pkg/broker"
)

const (
	defaultHeartbeat   = 10 * time.Second
	defaultDialTimeout = 5 * time.Second
	contentTypeJSON    = "application/json"
	dlqSuffix          = ".dlq"
)

// Options configures the AMQP transport.
type Options struct {
	URL        string
	Prefetch   int
	DeadLetter bool
	Heartbeat  time.Duration
}

// Transport dials AMQP connections.
type Transport struct {
	opts Options
	dial func(url string, cfg amqp.Config) (*amqp.Connection, error)
}

func New(opts Options) (*Transport, error) {
	if opts.URL == "" {
		return nil, errors.New("amqp url is required")
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	return &Transport{opts: opts, dial: amqp.DialConfig}, nil
}

func (t *Transport) Name() string { return "rabbitmq" }

func (t *Transport) Dial(ctx context.Context) (broker.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := t.dial(t.opts.URL, amqp.Config{
		Heartbeat: t.opts.Heartbeat,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(defaultDialTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("amqp dial %s: %w", redactURL(t.opts.URL), err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp open channel: %w", err)
	}

	s := &session{
		conn:  conn,
		pubCh: ch,
		opts:  t.opts,
		done:  make(chan struct{}),
	}
	go s.watch(conn.NotifyClose(make(chan *amqp.Error, 1)), ch.NotifyClose(make(chan *amqp.Error, 1)))
	return s, nil
}

type session struct {
	conn  *amqp.Connection
	pubCh *amqp.Channel
	pubMu sync.Mutex
	opts  Options

	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

// watch ends the session when either the connection or the publish channel closes.
func (s *session) watch(connClosed, chClosed <-chan *amqp.Error) {
	var amqpErr *amqp.Error
	select {
	case amqpErr = <-connClosed:
	case amqpErr = <-chClosed:
	case <-s.done:
		return
	}
	if amqpErr != nil {
		s.fail(amqpErr)
		return
	}
	s.fail(errors.New("amqp connection closed"))
}

func (s *session) DeclareQueues(ctx context.Context, queues []string) error {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	for _, name := range queues {
		var args amqp.Table
		if s.opts.DeadLetter {
			if _, err := s.pubCh.QueueDeclare(name+dlqSuffix, true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare %s: %w", name+dlqSuffix, err)
			}
			args = amqp.Table{
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": name + dlqSuffix,
			}
		}
		if _, err := s.pubCh.QueueDeclare(name, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare %s: %w", name, err)
		}
	}
	return nil
}

func (s *session) Publish(ctx context.Context, queue string, msg broker.Message) error {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	return s.pubCh.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Type:         msg.Type,
		Timestamp:    msg.Timestamp,
		Body:         msg.Body,
	})
}

func (s *session) Consume(ctx context.Context, queue string) (<-chan broker.Delivery, error) {
	ch, err := s.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp open consumer channel: %w", err)
	}
	if err := ch.Qos(s.opts.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqp qos: %w", err)
	}
	msgs, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqp consume %s: %w", queue, err)
	}

	out := make(chan broker.Delivery)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- &delivery{raw: m}:
				case <-ctx.Done():
					_ = m.Reject(true)
					return
				case <-s.done:
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *session) Done() <-chan struct{} { return s.done }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *session) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if !s.conn.IsClosed() {
			err = s.conn.Close()
		}
	})
	return err
}

func (s *session) fail(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		if !s.conn.IsClosed() {
			_ = s.conn.Close()
		}
	})
}

type delivery struct {
	raw amqp.Delivery
}

func (d *delivery) Message() broker.Message {
	return broker.Message{
		ID:        d.raw.MessageId,
		Type:      d.raw.Type,
		Body:      d.raw.Body,
		Timestamp: d.raw.Timestamp,
	}
}

func (d *delivery) Ack() error { return d.raw.Ack(false) }

func (d *delivery) Reject(requeue bool) error { return d.raw.Reject(requeue) }

// redactURL strips credentials before the URL reaches an error message.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "amqp://<invalid>"
	}
	return u.Redacted()
}
