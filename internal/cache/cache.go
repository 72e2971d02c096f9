// Package cache holds the single "latest ready frame" of a streaming session.
//
// One mutex serializes the two producers that touch the slot: ingestion
// (replace + send) and the staleness watchdog (resend). Decoding and
// transforming never run under the lock; only the pointer swap and the
// downstream write do.
package cache

import (
	"errors"
	"sync"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/internal/frame"
)

// ErrEmpty is returned by SendLatest when no frame has been cached yet.
var ErrEmpty = errors.New("cache: no frame cached")

// SendFunc writes a frame downstream stamped with stamp.
type SendFunc func(f *frame.Canonical, stamp time.Time) error

// Cache is a single-slot, lock-guarded frame holder.
//
// Readers observe either the previous complete frame or the newly installed
// one, never a partial value: frames are swapped in whole and never mutated
// after installation.
type Cache struct {
	mu         sync.Mutex
	send       SendFunc
	latest     *frame.Canonical
	ingestedAt time.Time
}

// New creates an empty cache that writes through send.
func New(send SendFunc) *Cache {
	return &Cache{send: send}
}

// Replace installs f as the latest frame and records when it was ingested.
func (c *Cache) Replace(f *frame.Canonical, ingestedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.latest = f
	c.ingestedAt = ingestedAt
}

// Publish installs f and sends it downstream with stamp, as one step.
func (c *Cache) Publish(f *frame.Canonical, ingestedAt, stamp time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.latest = f
	c.ingestedAt = ingestedAt
	return c.send(f, stamp)
}

// SendLatest resends the cached frame with stamp in place of its capture
// time.
func (c *Cache) SendLatest(stamp time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.latest == nil {
		return ErrEmpty
	}
	return c.send(c.latest, stamp)
}

// SendIfStale resends the cached frame stamped with now when more than
// maxAge has passed since the last ingestion. The ingestion time is left
// untouched, so repeated calls keep resending while the source is silent.
//
// Returns whether a resend was attempted. An empty cache is never stale.
func (c *Cache) SendIfStale(now time.Time, maxAge time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.latest == nil {
		return false, nil
	}
	if now.Sub(c.ingestedAt) <= maxAge {
		return false, nil
	}
	return true, c.send(c.latest, now)
}

// Barrier returns once any send in progress has finished.
func (c *Cache) Barrier() {
	c.mu.Lock()
	defer c.mu.Unlock()
}

// Latest returns the cached frame and its ingestion time. ok is false when
// nothing has been cached.
func (c *Cache) Latest() (f *frame.Canonical, ingestedAt time.Time, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.latest, c.ingestedAt, c.latest != nil
}
