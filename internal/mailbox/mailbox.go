// Package mailbox implements the single-slot, overwrite-on-put buffer that
// sits between a source and a subscriber.
//
// Philosophy: "Drop frames, never queue. Latency > Completeness."
//
// A slow subscriber never builds a backlog: each Put replaces whatever the
// subscriber has not consumed yet, and the replaced value is counted as a
// drop. This is the queue-size-1 subscription semantics sessions rely on.
package mailbox

import (
	"sync"
	"sync/atomic"
)

// Mailbox is a single-slot buffer with sync.Cond blocking semantics.
//
// Thread-safety:
//   - Put: safe for concurrent calls (typically one source goroutine)
//   - Receive: MUST be called from a single consumer goroutine
type Mailbox[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	value  T
	full   bool
	closed bool

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// Stats is a snapshot of mailbox counters.
type Stats struct {
	// Delivered counts values handed to the consumer.
	Delivered uint64
	// Dropped counts values overwritten before the consumer took them.
	Dropped uint64
}

// New creates an empty mailbox.
func New[T any]() *Mailbox[T] {
	m := &Mailbox[T]{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Put stores v, replacing any unconsumed value. Never blocks.
// Returns false if the mailbox is closed.
func (m *Mailbox[T]) Put(v T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	if m.full {
		m.dropped.Add(1)
	}
	m.value = v
	m.full = true
	m.cond.Signal()
	return true
}

// Receive blocks until a value is available or the mailbox is closed.
// ok is false once closed; a pending value is discarded on close.
func (m *Mailbox[T]) Receive() (v T, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for !m.full && !m.closed {
		m.cond.Wait()
	}
	if m.closed {
		return v, false
	}

	v = m.value
	var zero T
	m.value = zero
	m.full = false
	m.delivered.Add(1)
	return v, true
}

// Close wakes a blocked Receive and makes further Puts no-ops.
// Idempotent.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.cond.Broadcast()
}

// Stats returns a snapshot of the counters.
func (m *Mailbox[T]) Stats() Stats {
	return Stats{
		Delivered: m.delivered.Load(),
		Dropped:   m.dropped.Load(),
	}
}

// Pump starts a goroutine that delivers values to handle until the mailbox
// is closed. done is closed when that goroutine returns.
func (m *Mailbox[T]) Pump(handle func(T)) (done <-chan struct{}) {
	ch := make(chan struct{})
	go func() {
		defer close(ch)
		for {
			v, ok := m.Receive()
			if !ok {
				return
			}
			handle(v)
		}
	}()
	return ch
}
