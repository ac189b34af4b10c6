// Package broker abstracts the message broker behind a reconnecting Connector.
// Transports provide durable named queues, publish, and consume with manual
// acknowledgement; everything else (retry, state, resubscription) lives here.
package broker

import (
	"context"
	"time"
)

// Message is a single event on the wire.
type Message struct {
	ID        string
	Type      string
	Body      []byte
	Timestamp time.Time
}

// Delivery is a received message awaiting acknowledgement.
type Delivery interface {
	Message() Message
	Ack() error
	// Reject returns the message to the queue when requeue is true; otherwise it
	// is dead-lettered or dropped, depending on the transport.
	Reject(requeue bool) error
}

// Session is one live connection to the broker.
type Session interface {
	DeclareQueues(ctx context.Context, queues []string) error
	Publish(ctx context.Context, queue string, msg Message) error
	// Consume streams deliveries until ctx ends or the session is lost, then closes the channel.
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)
	// Done is closed once the session is no longer usable.
	Done() <-chan struct{}
	// Err reports why Done was closed; nil after a local Close.
	Err() error
	Close() error
}

// Transport dials sessions against a concrete broker.
type Transport interface {
	Name() string
	Dial(ctx context.Context) (Session, error)
}
