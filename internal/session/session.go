// Package session implements the per-viewer streaming pipeline: subscribe to
// a topic, decode and transform accepted frames, keep the latest one cached
// and push it to the viewer, resending it while the source is silent.
//
// Two goroutines drive a session: the source's delivery goroutine calls
// OnFrame, and the caller's ticker calls RestreamFrame. They share only the
// cache slot, which carries its own lock.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/internal/cache"
	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/internal/decode"
	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/internal/metrics"
	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/internal/transform"
	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/source"
)

// State is the liveness of a session.
type State int32

const (
	StateUnstarted State = iota
	StateActive
	StateInactive // terminal
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateActive:
		return "active"
	case StateInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// Sink writes finished frames to the viewer. Errors matching IsDisconnect
// mean the viewer is gone.
type Sink interface {
	SendFrame(f *frame.Canonical, stamp time.Time) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(f *frame.Canonical, stamp time.Time) error

func (fn SinkFunc) SendFrame(f *frame.Canonical, stamp time.Time) error { return fn(f, stamp) }

// Config wires a session to its collaborators.
type Config struct {
	Options Options
	Source  source.Source
	Sink    Sink

	// Now defaults to time.Now.
	Now func() time.Time

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Stats is a snapshot of session counters.
type Stats struct {
	ID    string
	Topic string
	State State
	Kind  ErrorKind

	Received  uint64 // frames delivered by the source while active
	Accepted  uint64 // frames that passed the skip check
	Sent      uint64 // successful writes, including restreams
	Restreams uint64 // watchdog resends

	LastIngest time.Time
	Width      int // effective output size, 0 until the first accepted frame
	Height     int
}

var errInactive = errors.New("session: inactive")

// Session owns one subscription, one frame cache and the liveness state
// for a single viewer.
type Session struct {
	id   string
	opts Options
	src  source.Source
	sink Sink
	now  func() time.Time
	log  *slog.Logger

	decoder     decode.Decoder
	transformer transform.Transformer
	cache       *cache.Cache

	state   atomic.Int32
	started atomic.Bool
	done    chan struct{}

	errMu sync.Mutex
	err   *Error

	subMu  sync.Mutex
	sub    source.Subscription
	closed bool

	sizeOnce sync.Once
	width    atomic.Int32
	height   atomic.Int32

	received  atomic.Uint64
	accepted  atomic.Uint64
	sent      atomic.Uint64
	restreams atomic.Uint64
}

// New creates an unstarted session.
func New(cfg Config) (*Session, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("session: source is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("session: sink is required")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := cfg.Options.normalized()
	id := uuid.New().String()

	s := &Session{
		id:   id,
		opts: opts,
		src:  cfg.Source,
		sink: cfg.Sink,
		now:  now,
		log:  logger.With("session_id", id, "topic", opts.Topic),
		transformer: transform.New(transform.Options{
			Invert:    opts.Invert,
			Timestamp: opts.Timestamp,
		}),
		done: make(chan struct{}),
	}
	s.cache = cache.New(s.send)
	return s, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Options returns the normalized options the session was created with.
func (s *Session) Options() Options { return s.opts }

// State returns the current liveness state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed when the session becomes inactive.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the failure that made the session inactive, or nil.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()

	if s.err == nil {
		return nil
	}
	return s.err
}

// Start looks the topic up and subscribes to it.
//
// A topic that is not advertised leaves the session inactive, but the
// subscription is still made so sources with late binding keep working;
// its frames are ignored. Start may be called once.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	topic, found := s.lookup(ctx)
	if found {
		if s.state.CompareAndSwap(int32(StateUnstarted), int32(StateActive)) {
			metrics.RecordSessionStart("active")
		}
		s.log.Debug("session: started", "subscribed", topic, "transport", s.opts.Transport)
	} else {
		metrics.RecordSessionStart("absent")
		s.deactivate(KindSourceAbsent, fmt.Errorf("%w: %q", ErrSourceAbsent, s.opts.Topic))
	}

	sub, err := s.src.Subscribe(ctx, topic, source.SubscribeOptions{
		QueueSize: 1,
		Transport: s.opts.Transport,
	}, s.OnFrame)
	if err != nil {
		err = fmt.Errorf("subscribe %q: %w", topic, err)
		s.deactivate(KindUnknown, err)
		return &Error{Kind: KindUnknown, Err: err}
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.closed {
		_ = sub.Close()
		return nil
	}
	s.sub = sub
	return nil
}

// lookup resolves the requested topic against the advertised ones. An exact
// match wins over a match that differs only by a leading "/". When nothing
// matches (or listing fails) the requested name is returned unchanged.
func (s *Session) lookup(ctx context.Context) (string, bool) {
	want := s.opts.Topic
	if want == "" {
		return want, false
	}

	names, err := s.src.Topics(ctx)
	if err != nil {
		s.log.Debug("session: topic listing failed", "error", err)
		return want, false
	}

	for _, n := range names {
		if n == want {
			return n, true
		}
	}
	for _, n := range names {
		if n == "/"+want {
			return n, true
		}
	}
	return want, false
}

// OnFrame ingests one encoded frame. It is the subscription handler and
// never returns an error: failures deactivate the session instead.
func (s *Session) OnFrame(f frame.Encoded) {
	if s.State() != StateActive {
		return
	}
	defer s.recoverPanic("ingest")

	n := s.received.Add(1)
	metrics.RecordFrame("received")
	if n%uint64(s.opts.Skip+1) != 0 {
		metrics.RecordFrame("skipped")
		return
	}
	s.accepted.Add(1)

	began := time.Now()
	img, err := s.decoder.Decode(f)
	if err != nil {
		s.deactivate(KindDecode, err)
		return
	}

	w, h := s.outputSize(img)
	out, err := s.transformer.Apply(img, w, h)
	if err != nil {
		s.deactivate(KindTransform, err)
		return
	}
	metrics.RecordProcess(time.Since(began))

	// Send errors are handled inside s.send.
	_ = s.cache.Publish(out, s.now(), out.Stamp)
}

// RestreamFrame resends the cached frame, stamped with the current time, if
// no frame has been ingested for longer than maxAge. It does nothing while
// inactive or before the first frame is cached.
func (s *Session) RestreamFrame(maxAge time.Duration) {
	if s.State() != StateActive {
		return
	}
	defer s.recoverPanic("restream")

	resent, err := s.cache.SendIfStale(s.now(), maxAge)
	if resent && err == nil {
		s.restreams.Add(1)
		metrics.RecordFrame("restreamed")
	}
}

// Close releases the subscription and makes the session inactive without
// recording a failure. When Close returns the sink will not be called
// again. Idempotent. Must not be called from the sink.
func (s *Session) Close() error {
	s.subMu.Lock()
	sub := s.sub
	s.sub = nil
	s.closed = true
	s.subMu.Unlock()

	s.deactivate(KindNone, nil)
	s.cache.Barrier()

	if sub != nil {
		return sub.Close()
	}
	return nil
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	_, ingestedAt, _ := s.cache.Latest()
	return Stats{
		ID:         s.id,
		Topic:      s.opts.Topic,
		State:      s.State(),
		Kind:       KindOf(s.Err()),
		Received:   s.received.Load(),
		Accepted:   s.accepted.Load(),
		Sent:       s.sent.Load(),
		Restreams:  s.restreams.Load(),
		LastIngest: ingestedAt,
		Width:      int(s.width.Load()),
		Height:     int(s.height.Load()),
	}
}

// outputSize fixes the effective size on the first accepted frame: requested
// dimensions where given, the frame's own otherwise.
func (s *Session) outputSize(img *frame.Canonical) (int, int) {
	s.sizeOnce.Do(func() {
		w, h := s.opts.Width, s.opts.Height
		if w <= 0 {
			w = img.Width()
		}
		if h <= 0 {
			h = img.Height()
		}
		s.width.Store(int32(w))
		s.height.Store(int32(h))
	})
	return int(s.width.Load()), int(s.height.Load())
}

// send is the cache's write path and runs under the cache lock, so a failed
// write deactivates the session before any other send can start.
func (s *Session) send(f *frame.Canonical, stamp time.Time) error {
	if s.State() != StateActive {
		return errInactive
	}
	if err := s.sink.SendFrame(f, stamp); err != nil {
		err = fmt.Errorf("send: %w", err)
		s.deactivate(classifyWrite(err), err)
		return err
	}
	s.sent.Add(1)
	metrics.RecordFrame("sent")
	return nil
}

func (s *Session) recoverPanic(op string) {
	if r := recover(); r != nil {
		s.deactivate(KindUnknown, fmt.Errorf("%s: panic: %v", op, r))
	}
}

// deactivate moves the session to Inactive. Only the first call has any
// effect. A nil cause is a quiet shutdown.
func (s *Session) deactivate(kind ErrorKind, cause error) bool {
	var prev State
	for {
		prev = s.State()
		if prev == StateInactive {
			return false
		}
		if s.state.CompareAndSwap(int32(prev), int32(StateInactive)) {
			break
		}
	}

	if prev == StateActive {
		metrics.RecordSessionEnd()
	}

	if cause != nil {
		s.errMu.Lock()
		s.err = &Error{Kind: kind, Err: cause}
		s.errMu.Unlock()

		metrics.RecordSessionFailure(kind.String())
		s.logFailure(kind, cause)
	}

	close(s.done)
	return true
}

func (s *Session) logFailure(kind ErrorKind, cause error) {
	switch kind {
	case KindSourceAbsent:
		s.log.Info("session: topic not advertised, session inactive")
	case KindWrite:
		s.log.Debug("session: viewer disconnected", "error", cause)
	default:
		throttled(kind, func() {
			s.log.Error("session: deactivated", "kind", kind.String(), "error", cause)
		})
	}
}
