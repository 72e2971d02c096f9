package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/internal/frame"
)

// Publisher announces topics and sends frames to the broker.
type Publisher struct {
	cfg     Config
	mapping Mapping
	client  paho.Client

	published atomic.Uint64
	errors    atomic.Uint64
}

// DialPublisher connects a publishing client.
func DialPublisher(ctx context.Context, cfg Config) (*Publisher, error) {
	client := paho.NewClient(clientOptions(cfg))

	slog.Info("mqtt: connecting publisher", "broker", cfg.Broker)
	if err := wait(ctx, client.Connect(), cfg.timeout()); err != nil {
		return nil, fmt.Errorf("mqtt: connect %s: %w", cfg.Broker, err)
	}
	return NewPublisher(client, cfg), nil
}

// NewPublisher wraps an already connected client.
func NewPublisher(client paho.Client, cfg Config) *Publisher {
	return &Publisher{cfg: cfg, mapping: cfg.mapping(), client: client}
}

// Advertise publishes a retained advertisement for topic.
func (p *Publisher) Advertise(ctx context.Context, topic, encoding string, transports ...string) error {
	payload, err := marshalAdvertisement(advertisement{
		Topic:      topic,
		Encoding:   encoding,
		Transports: transports,
	})
	if err != nil {
		return err
	}
	return p.send(ctx, p.mapping.AdvertiseTopic(topic), true, payload)
}

// Withdraw clears the retained advertisement for topic.
func (p *Publisher) Withdraw(ctx context.Context, topic string) error {
	return p.send(ctx, p.mapping.AdvertiseTopic(topic), true, []byte{})
}

// Publish sends f on topic's transport variant.
func (p *Publisher) Publish(ctx context.Context, topic, transport string, f frame.Encoded) error {
	payload, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	return p.send(ctx, p.mapping.FrameTopic(topic, transport), false, payload)
}

// Published returns how many messages were sent successfully.
func (p *Publisher) Published() uint64 { return p.published.Load() }

// Errors returns how many sends failed.
func (p *Publisher) Errors() uint64 { return p.errors.Load() }

// Close disconnects the client.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}

func (p *Publisher) send(ctx context.Context, mqttTopic string, retained bool, payload []byte) error {
	if !p.client.IsConnectionOpen() {
		p.errors.Add(1)
		return ErrNotConnected
	}

	if err := wait(ctx, p.client.Publish(mqttTopic, p.cfg.QoS, retained, payload), 2*time.Second); err != nil {
		p.errors.Add(1)
		return fmt.Errorf("mqtt: publish %s: %w", mqttTopic, err)
	}
	p.published.Add(1)

	slog.Debug("mqtt: message published",
		"mqtt_topic", mqttTopic,
		"retained", retained,
		"size", len(payload),
	)
	return nil
}
