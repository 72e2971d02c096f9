package transport

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/internal/frame"
)

// SnapshotSink answers a request with exactly one image. After the first
// frame every SendFrame returns ErrDisconnected, which ends the session.
type SnapshotSink struct {
	w       http.ResponseWriter
	ctx     context.Context
	enc     Encoder
	claimed atomic.Bool
	replied atomic.Bool // any status written
	sent    atomic.Bool // 200 written
	done    chan struct{}
}

// NewSnapshotSink prepares a single-image response in format.
func NewSnapshotSink(w http.ResponseWriter, r *http.Request, format Format, quality int) *SnapshotSink {
	return &SnapshotSink{
		w:    w,
		ctx:  r.Context(),
		enc:  Encoder{Format: format, Quality: quality},
		done: make(chan struct{}),
	}
}

// Done is closed once the first frame has been handled.
func (s *SnapshotSink) Done() <-chan struct{} { return s.done }

// Sent reports whether the image was written.
func (s *SnapshotSink) Sent() bool { return s.sent.Load() }

// Replied reports whether a response status has been written, either the
// image or an encode error.
func (s *SnapshotSink) Replied() bool { return s.replied.Load() }

// SendFrame writes f as the response body the first time it is called.
func (s *SnapshotSink) SendFrame(f *frame.Canonical, stamp time.Time) error {
	if !s.claimed.CompareAndSwap(false, true) {
		return ErrDisconnected
	}
	defer close(s.done)

	if err := s.ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrDisconnected, err)
	}

	var buf bytes.Buffer
	if err := s.enc.Encode(&buf, f); err != nil {
		s.replied.Store(true)
		http.Error(s.w, "encode failed", http.StatusInternalServerError)
		return err
	}

	h := s.w.Header()
	h.Set("Content-Type", s.enc.ContentType())
	h.Set("Content-Length", strconv.Itoa(buf.Len()))
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("X-Timestamp", HeaderStamp(stamp))
	s.w.WriteHeader(http.StatusOK)
	s.replied.Store(true)
	s.sent.Store(true)
	if _, err := s.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("%w: %w", ErrDisconnected, err)
	}

	// One image is the whole response
	return ErrDisconnected
}
