// Package brokertest provides an in-process broker.Transport with the delivery
// semantics of a durable queue broker: messages survive sessions, unacked
// deliveries are requeued when their session dies, rejected messages without
// requeue are dead-lettered. Each consumer has one delivery in flight at a time
// (prefetch 1), so a requeued message is redelivered before the next one.
package brokertest

import (
	"context"
	"errors"
	"sync"

	"github.com/angelmondragon/paybridge/pkg/broker"
)

// ErrConnectionLost is reported by sessions killed through Drop or a publish budget.
var ErrConnectionLost = errors.New("brokertest: connection lost")

// ErrDialRefused is returned while FailDials is in effect.
var ErrDialRefused = errors.New("brokertest: dial refused")

type queue struct {
	pending []broker.Message
	log     []broker.Message
	acked   []broker.Message
	dead    []broker.Message
	changed chan struct{}
}

type unacked struct {
	queue   string
	msg     broker.Message
	session *Session
}

// Transport is safe for concurrent use.
type Transport struct {
	mu            sync.Mutex
	queues        map[string]*queue
	unacked       map[uint64]unacked
	sessions      []*Session
	nextTag       uint64
	dials         int
	failDials     int
	publishBudget int
	declared      [][]string
}

func New() *Transport {
	return &Transport{
		queues:        make(map[string]*queue),
		unacked:       make(map[uint64]unacked),
		publishBudget: -1,
	}
}

func (t *Transport) Name() string { return "memory" }

func (t *Transport) Dial(ctx context.Context) (broker.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if t.failDials > 0 {
		t.failDials--
		return nil, ErrDialRefused
	}
	s := &Session{t: t, done: make(chan struct{})}
	t.sessions = append(t.sessions, s)
	return s, nil
}

// FailDials makes the next n dials fail.
func (t *Transport) FailDials(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failDials = n
}

// Dials counts every dial attempt, failed or not.
func (t *Transport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

// DropAfterPublishes lets n more publishes succeed; the next one kills its
// session and fails. A negative n disables the budget.
func (t *Transport) DropAfterPublishes(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publishBudget = n
}

// Drop kills every live session.
func (t *Transport) Drop() {
	t.mu.Lock()
	live := append([]*Session(nil), t.sessions...)
	t.mu.Unlock()
	for _, s := range live {
		s.kill(ErrConnectionLost)
	}
}

// Push enqueues a message as if an external producer had published it.
func (t *Transport) Push(name string, msg broker.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enqueueLocked(name, msg)
}

// Published returns every message ever accepted on the queue, in order.
func (t *Transport) Published(name string) []broker.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]broker.Message(nil), t.queueLocked(name).log...)
}

// Acked returns messages acknowledged by consumers.
func (t *Transport) Acked(name string) []broker.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]broker.Message(nil), t.queueLocked(name).acked...)
}

// DeadLettered returns messages rejected without requeue.
func (t *Transport) DeadLettered(name string) []broker.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]broker.Message(nil), t.queueLocked(name).dead...)
}

// Pending counts messages waiting for delivery.
func (t *Transport) Pending(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queueLocked(name).pending)
}

// Declared returns the queue lists passed to DeclareQueues, one entry per call.
func (t *Transport) Declared() [][]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]string(nil), t.declared...)
}

func (t *Transport) queueLocked(name string) *queue {
	q, ok := t.queues[name]
	if !ok {
		q = &queue{changed: make(chan struct{})}
		t.queues[name] = q
	}
	return q
}

func (t *Transport) enqueueLocked(name string, msg broker.Message) {
	q := t.queueLocked(name)
	q.pending = append(q.pending, msg)
	q.log = append(q.log, msg)
	t.notifyLocked(q)
}

func (t *Transport) notifyLocked(q *queue) {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (t *Transport) pop(name string, s *Session) (broker.Message, uint64, <-chan struct{}, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q := t.queueLocked(name)
	if len(q.pending) == 0 {
		return broker.Message{}, 0, q.changed, false
	}
	msg := q.pending[0]
	q.pending = q.pending[1:]
	t.nextTag++
	t.unacked[t.nextTag] = unacked{queue: name, msg: msg, session: s}
	return msg, t.nextTag, nil, true
}

func (t *Transport) settle(tag uint64, s *Session, ack, requeue bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.unacked[tag]
	if !ok || entry.session != s {
		return errors.New("brokertest: unknown delivery tag")
	}
	if s.isDead() {
		return ErrConnectionLost
	}
	delete(t.unacked, tag)
	q := t.queueLocked(entry.queue)
	switch {
	case ack:
		q.acked = append(q.acked, entry.msg)
	case requeue:
		q.pending = append([]broker.Message{entry.msg}, q.pending...)
		t.notifyLocked(q)
	default:
		q.dead = append(q.dead, entry.msg)
	}
	return nil
}

func (t *Transport) releaseSession(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for tag, entry := range t.unacked {
		if entry.session != s {
			continue
		}
		delete(t.unacked, tag)
		q := t.queueLocked(entry.queue)
		q.pending = append([]broker.Message{entry.msg}, q.pending...)
		t.notifyLocked(q)
	}
	for i, live := range t.sessions {
		if live == s {
			t.sessions = append(t.sessions[:i], t.sessions[i+1:]...)
			break
		}
	}
}

// Session is one in-memory connection.
type Session struct {
	t    *Transport
	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func (s *Session) DeclareQueues(ctx context.Context, queues []string) error {
	if s.isDead() {
		return ErrConnectionLost
	}
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	for _, name := range queues {
		s.t.queueLocked(name)
	}
	s.t.declared = append(s.t.declared, append([]string(nil), queues...))
	return nil
}

func (s *Session) Publish(ctx context.Context, queue string, msg broker.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.isDead() {
		return ErrConnectionLost
	}
	s.t.mu.Lock()
	if s.t.publishBudget == 0 {
		s.t.publishBudget = -1
		s.t.mu.Unlock()
		s.kill(ErrConnectionLost)
		return ErrConnectionLost
	}
	if s.t.publishBudget > 0 {
		s.t.publishBudget--
	}
	s.t.enqueueLocked(queue, msg)
	s.t.mu.Unlock()
	return nil
}

func (s *Session) Consume(ctx context.Context, queue string) (<-chan broker.Delivery, error) {
	if s.isDead() {
		return nil, ErrConnectionLost
	}
	out := make(chan broker.Delivery)
	go func() {
		defer close(out)
		for {
			msg, tag, wait, ok := s.t.pop(queue, s)
			if !ok {
				select {
				case <-wait:
					continue
				case <-s.done:
					return
				case <-ctx.Done():
					return
				}
			}
			d := &delivery{s: s, tag: tag, msg: msg, settled: make(chan struct{})}
			select {
			case out <- d:
			case <-s.done:
				return
			case <-ctx.Done():
				_ = s.t.settle(tag, s, false, true)
				return
			}
			select {
			case <-d.settled:
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Close() error {
	s.kill(nil)
	return nil
}

func (s *Session) kill(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		s.t.releaseSession(s)
	})
}

func (s *Session) isDead() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

type delivery struct {
	s       *Session
	tag     uint64
	msg     broker.Message
	once    sync.Once
	settled chan struct{}
}

func (d *delivery) Message() broker.Message { return d.msg }

func (d *delivery) Ack() error { return d.finish(true, false) }

func (d *delivery) Reject(requeue bool) error { return d.finish(false, requeue) }

func (d *delivery) finish(ack, requeue bool) error {
	err := d.s.t.settle(d.tag, d.s, ack, requeue)
	d.once.Do(func() { close(d.settled) })
	return err
}
