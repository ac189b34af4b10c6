// Package gcppubsub implements broker.Transport over Google Cloud Pub/Sub v2.
// Each queue maps to a topic and a subscription with the same ID. A reject
// without requeue nacks the message when the subscription carries a
// dead-letter policy, so Pub/Sub forwards it after the configured attempts.
// Without a policy it is acked and dropped.
package gcppubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/angelmondragon/paybridge/pkg/broker"
)

const (
	attrEventID        = "event_id"
	attrEventType      = "event_type"
	ackDeadlineSeconds = 30
)

var errProjectIDRequired = errors.New("gcp project id is required")

// Options configures the Pub/Sub transport.
type Options struct {
	ProjectID       string
	CredentialsJSON string
}

type Transport struct {
	opts Options
}

func New(opts Options) (*Transport, error) {
	if strings.TrimSpace(opts.ProjectID) == "" {
		return nil, errProjectIDRequired
	}
	return &Transport{opts: opts}, nil
}

func (t *Transport) Name() string { return "pubsub" }

func (t *Transport) Dial(ctx context.Context) (broker.Session, error) {
	var clientOpts []option.ClientOption
	if creds := strings.TrimSpace(t.opts.CredentialsJSON); creds != "" {
		clientOpts = append(clientOpts, option.WithCredentialsJSON([]byte(creds)))
	}
	client, err := pubsub.NewClient(ctx, t.opts.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}
	return &session{
		client:     client,
		projectID:  t.opts.ProjectID,
		publishers: make(map[string]*pubsub.Publisher),
		deadLetter: make(map[string]bool),
		done:       make(chan struct{}),
	}, nil
}

type session struct {
	client    *pubsub.Client
	projectID string

	pubMu      sync.Mutex
	publishers map[string]*pubsub.Publisher

	subMu      sync.Mutex
	deadLetter map[string]bool

	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

// DeclareQueues creates missing topics and subscriptions.
func (s *session) DeclareQueues(ctx context.Context, queues []string) error {
	for _, name := range queues {
		if err := s.ensureTopic(ctx, name); err != nil {
			return err
		}
		if err := s.ensureSubscription(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) ensureTopic(ctx context.Context, name string) error {
	topic := s.topicResourceName(name)
	_, err := s.client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: topic})
	if err == nil {
		return nil
	}
	if status.Code(err) != codes.NotFound {
		return fmt.Errorf("checking topic %q: %w", name, err)
	}
	_, err = s.client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: topic})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("creating topic %q: %w", name, err)
	}
	return nil
}

func (s *session) ensureSubscription(ctx context.Context, name string) error {
	sub := s.subscriptionResourceName(name)
	existing, err := s.client.SubscriptionAdminClient.GetSubscription(ctx, &pubsubpb.GetSubscriptionRequest{Subscription: sub})
	if err == nil {
		s.setDeadLetter(name, hasDeadLetterPolicy(existing))
		return nil
	}
	if status.Code(err) != codes.NotFound {
		return fmt.Errorf("checking subscription %q: %w", name, err)
	}
	_, err = s.client.SubscriptionAdminClient.CreateSubscription(ctx, &pubsubpb.Subscription{
		Name:               sub,
		Topic:              s.topicResourceName(name),
		AckDeadlineSeconds: ackDeadlineSeconds,
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("creating subscription %q: %w", name, err)
	}
	s.setDeadLetter(name, false)
	return nil
}

func hasDeadLetterPolicy(sub *pubsubpb.Subscription) bool {
	return strings.TrimSpace(sub.GetDeadLetterPolicy().GetDeadLetterTopic()) != ""
}

func (s *session) setDeadLetter(queue string, enabled bool) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.deadLetter[queue] = enabled
}

func (s *session) deadLettered(queue string) bool {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return s.deadLetter[queue]
}

func (s *session) Publish(ctx context.Context, queue string, msg broker.Message) error {
	pub := s.publisher(queue)
	result := pub.Publish(ctx, &pubsub.Message{
		Data: msg.Body,
		Attributes: map[string]string{
			attrEventID:   msg.ID,
			attrEventType: msg.Type,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

func (s *session) publisher(queue string) *pubsub.Publisher {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if pub, ok := s.publishers[queue]; ok {
		return pub
	}
	pub := s.client.Publisher(s.topicResourceName(queue))
	s.publishers[queue] = pub
	return pub
}

// Consume runs a streaming pull. A fatal Receive error ends the session so
// the connector redials.
func (s *session) Consume(ctx context.Context, queue string) (<-chan broker.Delivery, error) {
	sub := s.client.Subscriber(s.subscriptionResourceName(queue))
	deadLetter := s.deadLettered(queue)
	out := make(chan broker.Delivery)

	recvCtx, cancel := context.WithCancel(ctx)
	go func() {
		<-s.done
		cancel()
	}()
	go func() {
		defer close(out)
		defer cancel()
		err := sub.Receive(recvCtx, func(cbCtx context.Context, m *pubsub.Message) {
			select {
			case out <- &delivery{raw: m, settle: m, deadLetter: deadLetter}:
			case <-cbCtx.Done():
				m.Nack()
			}
		})
		if err != nil && ctx.Err() == nil {
			s.fail(fmt.Errorf("pubsub receive %s: %w", queue, err))
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
		err = s.shutdown()
	})
	return err
}

func (s *session) fail(cause error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = cause
		s.mu.Unlock()
		close(s.done)
		_ = s.shutdown()
	})
}

func (s *session) shutdown() error {
	s.pubMu.Lock()
	for _, pub := range s.publishers {
		pub.Stop()
	}
	s.publishers = map[string]*pubsub.Publisher{}
	s.pubMu.Unlock()
	return s.client.Close()
}

func (s *session) topicResourceName(name string) string {
	return resourceName(s.projectID, "topics", name)
}

func (s *session) subscriptionResourceName(name string) string {
	return resourceName(s.projectID, "subscriptions", name)
}

func resourceName(projectID, kind, name string) string {
	n := strings.TrimSpace(name)
	if strings.HasPrefix(n, "projects/") && strings.Contains(n, "/"+kind+"/") {
		return n
	}
	return fmt.Sprintf("projects/%s/%s/%s", strings.TrimSpace(projectID), kind, n)
}

type acker interface {
	Ack()
	Nack()
}

type delivery struct {
	raw        *pubsub.Message
	settle     acker
	deadLetter bool
}

func (d *delivery) Message() broker.Message {
	return broker.Message{
		ID:        d.raw.Attributes[attrEventID],
		Type:      d.raw.Attributes[attrEventType],
		Body:      d.raw.Data,
		Timestamp: d.raw.PublishTime,
	}
}

func (d *delivery) Ack() error {
	d.settle.Ack()
	return nil
}

func (d *delivery) Reject(requeue bool) error {
	if requeue || d.deadLetter {
		d.settle.Nack()
		return nil
	}
	d.settle.Ack()
	return nil
}
