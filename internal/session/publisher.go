package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/blectl/internal/groutine"
)

// Policy selects how a subscriber's backlog is bounded
type Policy int

const (
	// PolicyUnbounded keeps every event until the subscriber reads it (bounded by memory).
	// BLE event rates are low, so this is the default.
	PolicyUnbounded Policy = iota
	// PolicyDropOldest keeps at most a fixed number of undelivered events, overwriting the oldest.
	PolicyDropOldest
)

// DefaultDropOldestCapacity is used when PolicyDropOldest is selected without a capacity
const DefaultDropOldestCapacity = 256

func (p Policy) String() string {
	switch p {
	case PolicyUnbounded:
		return "unbounded"
	case PolicyDropOldest:
		return "drop-oldest"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy converts a configuration string to a Policy
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "unbounded":
		return PolicyUnbounded, nil
	case "drop-oldest", "drop_oldest":
		return PolicyDropOldest, nil
	default:
		return 0, fmt.Errorf("invalid event policy %q: use unbounded or drop-oldest", s)
	}
}

type subscribeConfig struct {
	policy   Policy
	capacity uint32
}

// SubscribeOption configures a single subscription
type SubscribeOption func(*subscribeConfig)

// WithUnbounded selects PolicyUnbounded
func WithUnbounded() SubscribeOption {
	return func(c *subscribeConfig) {
		c.policy = PolicyUnbounded
	}
}

// WithDropOldest selects PolicyDropOldest with the given capacity (<= 0 uses DefaultDropOldestCapacity)
func WithDropOldest(capacity int) SubscribeOption {
	return func(c *subscribeConfig) {
		c.policy = PolicyDropOldest
		if capacity <= 0 {
			capacity = DefaultDropOldestCapacity
		}
		c.capacity = uint32(capacity)
	}
}

type eventQueue interface {
	push(ev Event) (overwritten uint32)
	pop() (Event, bool)
}

type unboundedQueue struct {
	box *mailbox[Event]
}

func (q *unboundedQueue) push(ev Event) uint32 {
	q.box.post(ev)
	return 0
}

func (q *unboundedQueue) pop() (Event, bool) {
	return q.box.pop()
}

// ringQueue overwrites the oldest undelivered event when full
type ringQueue struct {
	buf mpmc.RichOverlappedRingBuffer[Event]
}

func (q *ringQueue) push(ev Event) uint32 {
	overwrites, err := q.buf.EnqueueM(ev)
	if err != nil {
		return 1
	}
	return overwrites
}

func (q *ringQueue) pop() (Event, bool) {
	if q.buf.IsEmpty() {
		return Event{}, false
	}
	ev, err := q.buf.Dequeue()
	if err != nil {
		return Event{}, false
	}
	return ev, true
}

// Subscription is one consumer of a Publisher's events
type Subscription struct {
	id      uint64
	policy  Policy
	queue   eventQueue
	out     chan Event
	signal  chan struct{}
	quit    chan struct{}
	closing atomic.Bool
	dropped atomic.Int64
	once    sync.Once
}

// Events returns the channel events are delivered on.
// It is closed after Unsubscribe, or once the backlog is delivered after the publisher closes.
// Payload slices are shared between subscribers and must not be modified.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

// ID returns the subscription identifier
func (s *Subscription) ID() uint64 {
	return s.id
}

// Policy returns the backlog policy of this subscription
func (s *Subscription) Policy() Policy {
	return s.policy
}

// Dropped returns how many events were overwritten before delivery (PolicyDropOldest only)
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) push(ev Event) {
	if n := s.queue.push(ev); n > 0 {
		s.dropped.Add(int64(n))
	}
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) stop() {
	s.once.Do(func() {
		close(s.quit)
	})
}

// finish lets the pump deliver the backlog and then close Events
func (s *Subscription) finish() {
	s.closing.Store(true)
	s.wake()
}

func (s *Subscription) pump(ctx context.Context) {
	defer close(s.out)
	for {
		ev, ok := s.queue.pop()
		if !ok {
			if s.closing.Load() {
				// everything pushed before closing is visible now
				if ev, ok = s.queue.pop(); !ok {
					return
				}
			} else {
				select {
				case <-s.signal:
					continue
				case <-s.quit:
					return
				}
			}
		}

		select {
		case s.out <- ev:
		case <-s.quit:
			return
		}
	}
}

// Publisher fans events out to subscribers without blocking the producer.
// Each subscriber has its own backlog and delivery goroutine, so a slow subscriber
// never delays the others.
type Publisher struct {
	subs     *hashmap.Map[uint64, *Subscription]
	nextID   atomic.Uint64
	closed   atomic.Bool
	defaults []SubscribeOption
	logger   *logrus.Logger
}

// NewPublisher creates a publisher; defaults apply to every Subscribe call before its own options
func NewPublisher(logger *logrus.Logger, defaults ...SubscribeOption) *Publisher {
	if logger == nil {
		logger = logrus.New()
	}
	return &Publisher{
		subs:     hashmap.New[uint64, *Subscription](),
		defaults: defaults,
		logger:   logger,
	}
}

// Subscribe registers a new subscriber.
// Subscribing to a closed publisher returns a subscription whose channel is already closed.
func (p *Publisher) Subscribe(opts ...SubscribeOption) *Subscription {
	cfg := subscribeConfig{policy: PolicyUnbounded}
	for _, opt := range p.defaults {
		opt(&cfg)
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	sub := &Subscription{
		id:     p.nextID.Add(1),
		policy: cfg.policy,
		out:    make(chan Event),
		signal: make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}
	if cfg.policy == PolicyDropOldest {
		if cfg.capacity == 0 {
			cfg.capacity = DefaultDropOldestCapacity
		}
		sub.queue = &ringQueue{buf: mpmc.NewOverlappedRingBuffer[Event](cfg.capacity)}
	} else {
		sub.queue = &unboundedQueue{box: newMailbox[Event]()}
	}

	if p.closed.Load() {
		sub.stop()
		close(sub.out)
		return sub
	}

	p.subs.Set(sub.id, sub)
	groutine.Go(context.Background(), fmt.Sprintf("subscriber-pump-%d", sub.id), sub.pump)
	if p.closed.Load() {
		// Close ran between the check above and Set and may have missed sub
		p.subs.Del(sub.id)
		sub.finish()
		return sub
	}

	p.logger.WithFields(logrus.Fields{
		"subscription": sub.id,
		"policy":       cfg.policy,
	}).Debug("Subscriber added")
	return sub
}

// Unsubscribe stops delivery to sub and closes its channel; undelivered events are discarded
func (p *Publisher) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	p.subs.Del(sub.id)
	sub.stop()
	p.logger.WithField("subscription", sub.id).Debug("Subscriber removed")
}

// Publish queues ev for every current subscriber. It never blocks.
func (p *Publisher) Publish(ev Event) {
	if p.closed.Load() {
		return
	}
	p.subs.Range(func(_ uint64, sub *Subscription) bool {
		sub.push(ev)
		return true
	})
}

// Len returns the number of active subscribers
func (p *Publisher) Len() int {
	return p.subs.Len()
}

// Close stops accepting events; subscribers receive their backlog and then see their channel closed
func (p *Publisher) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.subs.Range(func(id uint64, sub *Subscription) bool {
		sub.finish()
		p.subs.Del(id)
		return true
	})
}
