// Package capture pulls frames from an RTSP camera through GStreamer and
// publishes them as rgb8 frames to a topic.
//
// The appsink keeps one buffer and drops the rest, so a slow consumer never
// delays the camera. Pipeline failures are retried with exponential backoff.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/internal/metrics"
)

// ErrAlreadyRunning is returned by a second concurrent Run.
var ErrAlreadyRunning = errors.New("capture: already running")

// Publisher receives captured frames. *bus.Bus satisfies it.
type Publisher interface {
	Publish(topic string, f frame.Encoded)
}

// Resolution names a supported capture size.
type Resolution string

const (
	Res512p  Resolution = "512p"
	Res720p  Resolution = "720p"
	Res1080p Resolution = "1080p"
)

// Dimensions returns width and height, or zeros for an unknown name.
func (r Resolution) Dimensions() (width, height int) {
	switch r {
	case Res512p:
		return 910, 512
	case Res720p:
		return 1280, 720
	case Res1080p:
		return 1920, 1080
	default:
		return 0, 0
	}
}

// Config describes one RTSP camera.
type Config struct {
	URL        string
	Topic      string
	Resolution Resolution
	FPS        float64 // 0.1 - 30
	Reconnect  ReconnectConfig

	// Filled from Resolution by Validate.
	Width, Height int
}

// Validate checks the configuration and fills derived fields.
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("capture: RTSP URL is required")
	}
	if !strings.HasPrefix(c.URL, "rtsp://") && !strings.HasPrefix(c.URL, "rtsps://") {
		return fmt.Errorf("capture: URL %q is not rtsp://", c.URL)
	}
	if c.Topic == "" {
		return fmt.Errorf("capture: topic is required")
	}
	if c.FPS < 0.1 || c.FPS > 30 {
		return fmt.Errorf("capture: invalid FPS %.2f (must be 0.1-30)", c.FPS)
	}
	c.Width, c.Height = c.Resolution.Dimensions()
	if c.Width == 0 {
		return fmt.Errorf("capture: invalid resolution %q (512p, 720p, 1080p)", c.Resolution)
	}

	def := DefaultReconnectConfig()
	if c.Reconnect.MaxRetries <= 0 {
		c.Reconnect.MaxRetries = def.MaxRetries
	}
	if c.Reconnect.RetryDelay <= 0 {
		c.Reconnect.RetryDelay = def.RetryDelay
	}
	if c.Reconnect.MaxRetryDelay <= 0 {
		c.Reconnect.MaxRetryDelay = def.MaxRetryDelay
	}
	return nil
}

// Stats is a snapshot of capture counters.
type Stats struct {
	Frames      uint64
	BytesRead   uint64
	Reconnects  uint32
	LastFrameAt time.Time
	Errors      map[string]uint64 // by ErrorCategory
	IsRunning   bool
}

// Capture runs one RTSP pipeline and publishes to cfg.Topic.
type Capture struct {
	cfg Config
	pub Publisher

	running atomic.Bool
	state   ReconnectState

	frames     atomic.Uint64
	bytesRead  atomic.Uint64
	lastSample atomic.Int64

	errMu  sync.Mutex
	errors map[ErrorCategory]uint64
}

// New validates cfg and checks GStreamer is usable.
func New(cfg Config, pub Publisher) (*Capture, error) {
	if pub == nil {
		return nil, fmt.Errorf("capture: publisher is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := checkGStreamerAvailable(); err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}

	slog.Info("capture: RTSP capture created",
		"url", cfg.URL,
		"topic", cfg.Topic,
		"resolution", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"target_fps", cfg.FPS,
	)
	return &Capture{cfg: cfg, pub: pub, errors: make(map[ErrorCategory]uint64)}, nil
}

// Run captures until ctx is cancelled or reconnection gives up.
func (c *Capture) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.running.Store(false)

	err := RunWithReconnect(ctx, c.runOnce, c.cfg.Reconnect, &c.state)
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("capture: stopped after reconnection failure",
			"error", err,
			"url", c.cfg.URL,
			"frames_processed", c.frames.Load(),
			"reconnects", c.state.Reconnects(),
		)
		return err
	}
	return nil
}

// Stats returns a snapshot of the capture counters.
func (c *Capture) Stats() Stats {
	c.errMu.Lock()
	errs := make(map[string]uint64, len(c.errors))
	for cat, n := range c.errors {
		errs[cat.String()] = n
	}
	c.errMu.Unlock()

	var last time.Time
	if ns := c.lastSample.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	return Stats{
		Frames:      c.frames.Load(),
		BytesRead:   c.bytesRead.Load(),
		Reconnects:  c.state.Reconnects(),
		LastFrameAt: last,
		Errors:      errs,
		IsRunning:   c.running.Load(),
	}
}

// runOnce is one pipeline lifetime: build, play, watch the bus, tear down.
func (c *Capture) runOnce(ctx context.Context) error {
	p, err := createPipeline(c.cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.destroy(); err != nil {
			slog.Warn("capture: pipeline teardown failed", "error", err)
		}
	}()

	sc := c.newSampleContext()
	p.AppSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return onNewSample(sink, sc)
		},
	})
	if _, err := p.RTSPSrc.Connect("pad-added", func(_ *gst.Element, pad *gst.Pad) {
		onPadAdded(pad, p.Depay)
	}); err != nil {
		return fmt.Errorf("connect pad-added: %w", err)
	}

	if err := p.Pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	slog.Info("capture: pipeline started", "url", c.cfg.URL, "topic", c.cfg.Topic, "trace_id", sc.traceID)

	return c.monitor(ctx, p.Pipeline)
}

// newSampleContext builds the callback state for one pipeline run.
func (c *Capture) newSampleContext() *sampleContext {
	return &sampleContext{
		publish:    func(f frame.Encoded) { c.pub.Publish(c.cfg.Topic, f) },
		width:      c.cfg.Width,
		height:     c.cfg.Height,
		traceID:    uuid.NewString(),
		frames:     &c.frames,
		bytesRead:  &c.bytesRead,
		lastSample: &c.lastSample,
	}
}

// monitor polls the pipeline bus. Returns nil on cancellation and an error
// on EOS or a pipeline error.
func (c *Capture) monitor(ctx context.Context, pipeline *gst.Pipeline) error {
	bus := pipeline.GetPipelineBus()
	started := time.Now()

	for {
		if ctx.Err() != nil {
			slog.Debug("capture: context cancelled, stopping pipeline monitor")
			return nil
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("capture: end of stream received",
				"url", c.cfg.URL,
				"uptime", time.Since(started),
				"frames_processed", c.frames.Load(),
			)
			return fmt.Errorf("end of stream")

		case gst.MessageError:
			gerr := msg.ParseError()
			category := ClassifyGStreamerError(gerr)
			c.recordError(category)

			slog.Error("capture: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
				"url", c.cfg.URL,
				"uptime", time.Since(started),
				"reconnects", c.state.Reconnects(),
			)
			return fmt.Errorf("pipeline error [%s]: %s", category, gerr.Error())

		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				_, newState := msg.ParseStateChanged()
				if newState == gst.StatePlaying {
					c.state.Reset()
					slog.Info("capture: pipeline playing", "url", c.cfg.URL)
				}
			}
		}
	}
}

func (c *Capture) recordError(cat ErrorCategory) {
	c.errMu.Lock()
	c.errors[cat]++
	c.errMu.Unlock()
	metrics.RecordCaptureReconnect(cat.String())
}
