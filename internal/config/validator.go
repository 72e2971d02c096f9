package config

import (
	"fmt"
	"regexp"
	"strings"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks cfg and fills in defaults.
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		cfg.InstanceID = "web-streamer"
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	// Server
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadHeaderTimeoutS <= 0 {
		cfg.Server.ReadHeaderTimeoutS = 10
	}

	if err := validateStream(&cfg.Stream); err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	if err := validateSource(cfg); err != nil {
		return fmt.Errorf("source: %w", err)
	}

	// Logging
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	switch cfg.Log.Level {
	case "":
		cfg.Log.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "":
		cfg.Log.Format = "text"
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", cfg.Log.Format)
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	return nil
}

func validateStream(s *StreamConfig) error {
	if s.RestreamIntervalMS <= 0 {
		s.RestreamIntervalMS = 100
	}
	if s.MaxAgeMS <= 0 {
		s.MaxAgeMS = 1000
	}
	if s.JPEGQuality == 0 {
		s.JPEGQuality = 90
	}
	if s.JPEGQuality < 1 || s.JPEGQuality > 100 {
		return fmt.Errorf("jpeg_quality must be 1-100, got %d", s.JPEGQuality)
	}
	switch s.SnapshotFormat {
	case "":
		s.SnapshotFormat = "jpeg"
	case "jpeg", "png":
	default:
		return fmt.Errorf("snapshot_format must be jpeg or png, got %q", s.SnapshotFormat)
	}
	if s.WriteTimeoutS <= 0 {
		s.WriteTimeoutS = 5
	}
	if s.SnapshotTimeoutMS <= 0 {
		s.SnapshotTimeoutMS = 5000
	}
	return nil
}

func validateSource(cfg *Config) error {
	src := &cfg.Source
	switch src.Type {
	case "", "testpattern":
		src.Type = "testpattern"
		tp := &src.TestPattern
		if tp.Topic == "" {
			tp.Topic = "/test/image"
		}
		if tp.DepthTopic == "" {
			tp.DepthTopic = "/test/depth"
		}
		if tp.Width <= 0 {
			tp.Width = 640
		}
		if tp.Height <= 0 {
			tp.Height = 480
		}
		if tp.FPS <= 0 {
			tp.FPS = 10
		}

	case "mqtt":
		if src.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required")
		}

	case "rtsp":
		r := &src.RTSP
		if r.URL == "" {
			return fmt.Errorf("rtsp.url is required")
		}
		if r.Topic == "" {
			r.Topic = "/camera/image"
		}
		if r.Resolution == "" {
			r.Resolution = "720p"
		}
		if r.FPS <= 0 {
			r.FPS = 5
		}

	default:
		return fmt.Errorf("type must be testpattern, mqtt or rtsp, got %q", src.Type)
	}

	// The mqtt section also serves the publish command, whatever the source.
	return validateMQTT(&src.MQTT, cfg.InstanceID)
}

func validateMQTT(m *MQTTConfig, instanceID string) error {
	if m.ClientID == "" {
		m.ClientID = fmt.Sprintf("web-streamer-%s", instanceID)
	}
	if m.FramePrefix == "" {
		m.FramePrefix = "frames"
	}
	if m.AdvertisePrefix == "" {
		m.AdvertisePrefix = "topics"
	}
	if m.FramePrefix == m.AdvertisePrefix {
		return fmt.Errorf("mqtt.frame_prefix and mqtt.advertise_prefix must differ")
	}
	if m.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", m.QoS)
	}
	return nil
}
