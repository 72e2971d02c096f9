// Package testpattern generates synthetic frames so the streamer can run
// without a camera or broker.
package testpattern

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/internal/frame"
)

// Publisher receives generated frames. *bus.Bus satisfies it.
type Publisher interface {
	Advertise(topic string) error
	Publish(topic string, f frame.Encoded)
}

// Config describes the generated topics.
type Config struct {
	Topic      string // rgb8 color bars
	DepthTopic string // 32FC1 depth ramp, empty to disable
	Width      int
	Height     int
	FPS        float64
}

// Generator publishes one frame per topic per tick.
type Generator struct {
	cfg Config
	pub Publisher
}

// New validates cfg.
func New(cfg Config, pub Publisher) (*Generator, error) {
	if pub == nil {
		return nil, fmt.Errorf("testpattern: publisher is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("testpattern: topic is required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("testpattern: invalid size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("testpattern: invalid FPS %.2f", cfg.FPS)
	}
	return &Generator{cfg: cfg, pub: pub}, nil
}

// Advertise announces the configured topics.
func (g *Generator) Advertise() error {
	if err := g.pub.Advertise(g.cfg.Topic); err != nil {
		return err
	}
	if g.cfg.DepthTopic != "" {
		return g.pub.Advertise(g.cfg.DepthTopic)
	}
	return nil
}

// Run publishes until ctx is cancelled.
func (g *Generator) Run(ctx context.Context) error {
	if err := g.Advertise(); err != nil {
		return err
	}

	interval := time.Duration(float64(time.Second) / g.cfg.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("testpattern: publishing",
		"topic", g.cfg.Topic,
		"depth_topic", g.cfg.DepthTopic,
		"size", fmt.Sprintf("%dx%d", g.cfg.Width, g.cfg.Height),
		"fps", g.cfg.FPS,
	)

	var n int
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			g.pub.Publish(g.cfg.Topic, Bars(g.cfg.Width, g.cfg.Height, n, now))
			if g.cfg.DepthTopic != "" {
				g.pub.Publish(g.cfg.DepthTopic, Depth(g.cfg.Width, g.cfg.Height, n, now))
			}
			n++
		}
	}
}

var barColors = [][3]uint8{
	{255, 255, 255}, {255, 255, 0}, {0, 255, 255}, {0, 255, 0},
	{255, 0, 255}, {255, 0, 0}, {0, 0, 255}, {0, 0, 0},
}

// Bars renders eight vertical color bars scrolled left by n pixels.
func Bars(w, h, n int, stamp time.Time) frame.Encoded {
	data := make([]byte, w*h*3)
	for x := 0; x < w; x++ {
		c := barColors[((x+n)%w)*len(barColors)/w]
		for y := 0; y < h; y++ {
			i := y*w*3 + x*3
			data[i], data[i+1], data[i+2] = c[0], c[1], c[2]
		}
	}
	return frame.Encoded{
		Encoding: "rgb8",
		Width:    w,
		Height:   h,
		Step:     w * 3,
		Stamp:    stamp,
		Data:     data,
	}
}

// Depth renders a little-endian 32FC1 radial ramp whose center orbits the
// frame. The corner pixel is NaN, the way depth sensors report no return.
func Depth(w, h, n int, stamp time.Time) frame.Encoded {
	phase := float64(n) * 0.1
	cx := float64(w)/2 + float64(w)/4*math.Cos(phase)
	cy := float64(h)/2 + float64(h)/4*math.Sin(phase)

	data := make([]byte, w*h*4)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			d := float32(math.Hypot(float64(x)-cx, float64(y)-cy))
			binary.LittleEndian.PutUint32(data[(y*w+x)*4:], math.Float32bits(d))
		}
	}
	binary.LittleEndian.PutUint32(data, math.Float32bits(float32(math.NaN())))

	return frame.Encoded{
		Encoding: "32FC1",
		Width:    w,
		Height:   h,
		Step:     w * 4,
		Stamp:    stamp,
		Data:     data,
	}
}
