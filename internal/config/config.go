// Package config loads the web-streamer YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete web-streamer configuration.
type Config struct {
	InstanceID       string        `yaml:"instance_id"`
	ShutdownTimeoutS int           `yaml:"shutdown_timeout_s"` // graceful shutdown timeout (default: 5)
	Server           ServerConfig  `yaml:"server"`
	Stream           StreamConfig  `yaml:"stream"`
	Source           SourceConfig  `yaml:"source"`
	Log              LogConfig     `yaml:"log"`
	Metrics          MetricsConfig `yaml:"metrics"`
}

// ServerConfig contains HTTP listener settings.
type ServerConfig struct {
	Addr               string `yaml:"addr"`                  // default ":8080"
	ReadHeaderTimeoutS int    `yaml:"read_header_timeout_s"` // default 10
}

// StreamConfig contains per-session streaming defaults.
type StreamConfig struct {
	RestreamIntervalMS int    `yaml:"restream_interval_ms"` // watchdog tick (default: 100)
	MaxAgeMS           int    `yaml:"max_age_ms"`           // resend after this much silence (default: 1000)
	JPEGQuality        int    `yaml:"jpeg_quality"`         // 1-100 (default: 90)
	SnapshotFormat     string `yaml:"snapshot_format"`      // jpeg, png (default: jpeg)
	WriteTimeoutS      int    `yaml:"write_timeout_s"`      // websocket write deadline (default: 5)
	SnapshotTimeoutMS  int    `yaml:"snapshot_timeout_ms"`  // wait for a first frame (default: 5000)
}

// SourceConfig selects and configures the upstream frame source.
type SourceConfig struct {
	Type        string            `yaml:"type"` // testpattern, mqtt, rtsp
	MQTT        MQTTConfig        `yaml:"mqtt"`
	RTSP        RTSPConfig        `yaml:"rtsp"`
	TestPattern TestPatternConfig `yaml:"testpattern"`
}

// MQTTConfig contains MQTT broker settings.
type MQTTConfig struct {
	Broker          string `yaml:"broker"`
	ClientID        string `yaml:"client_id"` // default "web-streamer-<instance_id>"
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	FramePrefix     string `yaml:"frame_prefix"`     // default "frames"
	AdvertisePrefix string `yaml:"advertise_prefix"` // default "topics"
	QoS             byte   `yaml:"qos"`
}

// RTSPConfig contains camera capture settings.
type RTSPConfig struct {
	URL        string  `yaml:"url"`
	Topic      string  `yaml:"topic"`      // default "/camera/image"
	Resolution string  `yaml:"resolution"` // 512p, 720p, 1080p
	FPS        float64 `yaml:"fps"`
	MaxRetries int     `yaml:"max_retries"`
}

// TestPatternConfig contains the synthetic source settings.
type TestPatternConfig struct {
	Topic      string  `yaml:"topic"`       // default "/test/image"
	DepthTopic string  `yaml:"depth_topic"` // default "/test/depth"
	Width      int     `yaml:"width"`
	Height     int     `yaml:"height"`
	FPS        float64 `yaml:"fps"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// MetricsConfig contains Prometheus settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // default "/metrics"
}

// Default returns a configuration with every default applied and the
// test pattern source selected.
func Default() *Config {
	cfg := &Config{
		InstanceID: "web-streamer",
		Source:     SourceConfig{Type: "testpattern"},
		Metrics:    MetricsConfig{Enabled: true},
	}
	// Defaults alone always validate
	if err := Validate(cfg); err != nil {
		panic(err)
	}
	return cfg
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes and validates them.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// RestreamInterval is the watchdog tick.
func (c *Config) RestreamInterval() time.Duration {
	return time.Duration(c.Stream.RestreamIntervalMS) * time.Millisecond
}

// MaxAge is the silence after which the cached frame is resent.
func (c *Config) MaxAge() time.Duration {
	return time.Duration(c.Stream.MaxAgeMS) * time.Millisecond
}

// SnapshotTimeout bounds how long /snapshot waits for a frame.
func (c *Config) SnapshotTimeout() time.Duration {
	return time.Duration(c.Stream.SnapshotTimeoutMS) * time.Millisecond
}

// WriteTimeout is the websocket write deadline.
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Stream.WriteTimeoutS) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}
