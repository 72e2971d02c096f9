// Package bus is an in-process frame source: publishers push encoded frames
// to named topics and every subscriber of a topic receives the newest one.
//
// Core Philosophy: "Drop frames, never queue. Latency > Completeness."
//
// Each subscriber owns a single-slot mailbox drained by its own goroutine,
// so a slow subscriber drops frames without slowing the publisher or other
// subscribers.
//
// Usage:
//
//	b := bus.New()
//	defer b.Close()
//
//	b.Advertise("/camera/image")
//	sub, _ := b.Subscribe(ctx, "/camera/image", source.SubscribeOptions{QueueSize: 1}, handle)
//	defer sub.Close()
//
//	b.Publish("/camera/image", f)
package bus

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/internal/mailbox"
	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/source"
)

// Errors returned by Bus.
var (
	ErrBusClosed  = errors.New("bus: bus is closed")
	ErrNilHandler = errors.New("bus: nil handler provided")
)

// TopicStats tracks frame distribution for one topic.
type TopicStats struct {
	Published   uint64
	Subscribers int
	Dropped     uint64
}

type subscriber struct {
	id   uint64
	box  *mailbox.Mailbox[frame.Encoded]
	done <-chan struct{}
}

type topicState struct {
	advertised  bool
	published   uint64
	subscribers map[uint64]*subscriber
}

// Bus distributes encoded frames to per-topic subscribers.
// All methods are safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]*topicState
	closed bool

	nextID atomic.Uint64
}

var _ source.Source = (*Bus)(nil)

// New creates an empty bus.
func New() *Bus {
	return &Bus{topics: make(map[string]*topicState)}
}

// topic returns the state for name, creating it. Caller holds b.mu.
func (b *Bus) topic(name string) *topicState {
	t, ok := b.topics[name]
	if !ok {
		t = &topicState{subscribers: make(map[uint64]*subscriber)}
		b.topics[name] = t
	}
	return t
}

// Advertise makes topic visible in Topics.
func (b *Bus) Advertise(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	b.topic(topic).advertised = true
	return nil
}

// Unadvertise hides topic from Topics. Existing subscribers stay attached
// and receive frames if the topic is published again.
func (b *Bus) Unadvertise(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[topic]; ok {
		t.advertised = false
	}
}

// Publish hands f to every subscriber of topic. Publishing implies
// advertising. Never blocks on subscribers.
func (b *Bus) Publish(topic string, f frame.Encoded) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	t := b.topic(topic)
	t.advertised = true
	t.published++
	subs := make([]*subscriber, 0, len(t.subscribers))
	for _, s := range t.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.box.Put(f)
	}
}

// Topics implements source.Source.
func (b *Bus) Topics(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	names := make([]string, 0, len(b.topics))
	for name, t := range b.topics {
		if t.advertised {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Subscribe implements source.Source. The topic does not need to exist.
// The transport hint selects source.TransportTopic(topic, opts.Transport).
func (b *Bus) Subscribe(_ context.Context, topic string, opts source.SubscribeOptions, handler source.Handler) (source.Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	name := source.TransportTopic(topic, opts.Transport)
	s := &subscriber{
		id:  b.nextID.Add(1),
		box: mailbox.New[frame.Encoded](),
	}
	s.done = s.box.Pump(handler)
	b.topic(name).subscribers[s.id] = s

	return &subscription{bus: b, topic: name, sub: s}, nil
}

// Stats returns distribution counters for topic.
func (b *Bus) Stats(topic string) TopicStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t, ok := b.topics[topic]
	if !ok {
		return TopicStats{}
	}
	stats := TopicStats{Published: t.published, Subscribers: len(t.subscribers)}
	for _, s := range t.subscribers {
		stats.Dropped += s.box.Stats().Dropped
	}
	return stats
}

// Close shuts down the bus and stops every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, t := range b.topics {
		for _, s := range t.subscribers {
			s.box.Close()
		}
	}
	b.topics = nil
}

func (b *Bus) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[topic]; ok {
		delete(t.subscribers, id)
	}
}

type subscription struct {
	bus   *Bus
	topic string
	sub   *subscriber
	once  sync.Once
}

// Close detaches the subscriber. A handler call already in flight may still
// complete after Close returns; Close is safe to call from inside the handler.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.remove(s.topic, s.sub.id)
		s.sub.box.Close()
	})
	return nil
}

// Done is closed when the delivery goroutine has exited.
func (s *subscription) Done() <-chan struct{} {
	return s.sub.done
}
