package main

import (
	"context"
	"fmt"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/internal/capture"
	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/internal/testpattern"
	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/source"
	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/source/bus"
	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/source/mqtt"
)

// frameSource is a configured source plus the producer feeding it.
type frameSource struct {
	source.Source

	// run produces frames until ctx ends. Sources fed from outside the
	// process block on ctx.
	run   func(ctx context.Context) error
	close func()
}

func buildSource(ctx context.Context, cfg *config.Config) (*frameSource, error) {
	switch cfg.Source.Type {
	case "testpattern":
		tp := cfg.Source.TestPattern
		b := bus.New()
		gen, err := testpattern.New(testpattern.Config{
			Topic:      tp.Topic,
			DepthTopic: tp.DepthTopic,
			Width:      tp.Width,
			Height:     tp.Height,
			FPS:        tp.FPS,
		}, b)
		if err != nil {
			return nil, err
		}
		if err := gen.Advertise(); err != nil {
			return nil, err
		}
		return &frameSource{Source: b, run: gen.Run, close: b.Close}, nil

	case "rtsp":
		rc := cfg.Source.RTSP
		b := bus.New()
		if err := b.Advertise(rc.Topic); err != nil {
			return nil, err
		}
		reconnect := capture.DefaultReconnectConfig()
		if rc.MaxRetries > 0 {
			reconnect.MaxRetries = rc.MaxRetries
		}
		capt, err := capture.New(capture.Config{
			URL:        rc.URL,
			Topic:      rc.Topic,
			Resolution: capture.Resolution(rc.Resolution),
			FPS:        rc.FPS,
			Reconnect:  reconnect,
		}, b)
		if err != nil {
			return nil, err
		}
		return &frameSource{Source: b, run: capt.Run, close: b.Close}, nil

	case "mqtt":
		mc := cfg.Source.MQTT
		src, err := mqtt.Connect(ctx, mqttConfig(mc))
		if err != nil {
			return nil, err
		}
		return &frameSource{Source: src, run: waitDone, close: src.Close}, nil

	default:
		return nil, fmt.Errorf("unknown source type %q", cfg.Source.Type)
	}
}

func mqttConfig(mc config.MQTTConfig) mqtt.Config {
	return mqtt.Config{
		Broker:          mc.Broker,
		ClientID:        mc.ClientID,
		Username:        mc.Username,
		Password:        mc.Password,
		FramePrefix:     mc.FramePrefix,
		AdvertisePrefix: mc.AdvertisePrefix,
		QoS:             mc.QoS,
		ConnectTimeout:  5 * time.Second,
	}
}

func waitDone(ctx context.Context) error {
	<-ctx.Done()
	return nil
}
