// Package bus implements the per-topic broadcast fan-out used to deliver
// lobby events to connected peers.
//
// Delivery is at-most-once per subscriber per message: publishing holds
// the bus lock, so every subscriber observes the same per-topic order, and
// sends are non-blocking — a subscriber whose buffer is full loses that
// message rather than stalling the topic.
package bus

import (
	"sync"

	"github.com/okonek/lobbyd/pkg/protocol"
)

// Subscriber is one attachment of an outbound frame channel to a topic.
// The channel is owned by the subscriber's connection handler; the bus
// only ever enqueues into it.
type Subscriber struct {
	topic string
	ch    chan<- protocol.Envelope
	done  chan struct{}
	once  sync.Once
}

// Topic returns the topic this subscriber is attached to.
func (s *Subscriber) Topic() string { return s.topic }

// Done is closed when the topic is torn down underneath the subscriber.
// Handlers treat it as an instruction to drop membership and close.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// TrySend enqueues without blocking. Returns false if the subscriber is
// closed or its buffer is full.
func (s *Subscriber) TrySend(env protocol.Envelope) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- env:
		return true
	default:
		return false
	}
}

// Close signals the subscriber's handler that the topic is gone. Safe to
// call more than once.
func (s *Subscriber) Close() {
	s.once.Do(func() { close(s.done) })
}

// Bus is a process-wide topic → subscriber-set registry.
type Bus struct {
	mu     sync.Mutex
	topics map[string]map[*Subscriber]struct{}
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{topics: make(map[string]map[*Subscriber]struct{})}
}

// Subscribe attaches ch to topic and returns the subscription handle.
func (b *Bus) Subscribe(topic string, ch chan<- protocol.Envelope) *Subscriber {
	sub := &Subscriber{topic: topic, ch: ch, done: make(chan struct{})}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*Subscriber]struct{})
		b.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

// Unsubscribe detaches sub from its topic. The subscriber is not closed;
// the owning handler decides when to stop draining its channel. Empty
// topics are removed.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[sub.topic]
	if !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.topics, sub.topic)
	}
}

// Publish delivers env to every subscriber of topic. Returns the number
// of subscribers whose copy was dropped.
func (b *Bus) Publish(topic string, env protocol.Envelope) int {
	return b.PublishExcept(topic, nil, env)
}

// PublishExcept delivers env to every subscriber of topic other than
// except. Returns the number of dropped copies.
func (b *Bus) PublishExcept(topic string, except *Subscriber, env protocol.Envelope) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := 0
	for sub := range b.topics[topic] {
		if sub == except {
			continue
		}
		if !sub.TrySend(env) {
			dropped++
		}
	}
	return dropped
}

// Subscribers returns the current subscriber count for a topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}
