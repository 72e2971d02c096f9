// Package mqtt is a frame source backed by an MQTT broker.
//
// Frames travel as msgpack messages on <frame_prefix>/<topic>[/<transport>].
// Publishers announce topics with retained msgpack advertisements under
// <advertise_prefix>/<topic>; an empty retained payload withdraws one.
//
// Subscribing never requires the topic to be advertised: the broker
// subscription is made anyway and frames flow once a publisher appears.
// Sessions sharing a topic share one broker subscription.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/time/rate"

	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/internal/metrics"
	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/source"
	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/source/bus"
)

// ErrNotConnected is returned when the broker connection is down.
var ErrNotConnected = errors.New("mqtt: not connected")

// Config configures the broker connection and topic layout.
type Config struct {
	Broker          string // tcp://host:1883
	ClientID        string
	Username        string
	Password        string
	FramePrefix     string
	AdvertisePrefix string
	QoS             byte

	// ConnectTimeout bounds Connect and Subscribe (default 5s).
	ConnectTimeout time.Duration
}

func (c Config) mapping() Mapping {
	return Mapping{FramePrefix: c.FramePrefix, AdvertisePrefix: c.AdvertisePrefix}
}

func (c Config) timeout() time.Duration {
	if c.ConnectTimeout <= 0 {
		return 5 * time.Second
	}
	return c.ConnectTimeout
}

// route is one broker subscription shared by every session on a topic.
// ready is closed once the broker has answered; err holds a refusal.
type route struct {
	name  string // bus topic the frames are published to
	refs  int
	ready chan struct{}
	err   error
}

// Source implements source.Source over MQTT.
type Source struct {
	cfg     Config
	mapping Mapping
	client  paho.Client
	fanout  *bus.Bus

	mu      sync.Mutex
	adverts map[string]string // advertisement MQTT topic -> frame topic name
	routes  map[string]*route // frame MQTT topic -> route

	badFrames rate.Sometimes
}

var _ source.Source = (*Source)(nil)

// Connect dials the broker and starts tracking advertisements.
func Connect(ctx context.Context, cfg Config) (*Source, error) {
	s := newSource(cfg)

	opts := clientOptions(cfg)
	opts.SetOnConnectHandler(func(paho.Client) {
		slog.Info("mqtt: connection established", "broker", cfg.Broker, "client_id", cfg.ClientID)
		s.resubscribe()
	})
	s.client = paho.NewClient(opts)

	slog.Info("mqtt: connecting to broker", "broker", cfg.Broker)
	if err := wait(ctx, s.client.Connect(), cfg.timeout()); err != nil {
		return nil, fmt.Errorf("mqtt: connect %s: %w", cfg.Broker, err)
	}
	return s, nil
}

func newSource(cfg Config) *Source {
	return &Source{
		cfg:       cfg,
		mapping:   cfg.mapping(),
		fanout:    bus.New(),
		adverts:   make(map[string]string),
		routes:    make(map[string]*route),
		badFrames: rate.Sometimes{Interval: 30 * time.Second},
	}
}

func clientOptions(cfg Config) *paho.ClientOptions {
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		slog.Warn("mqtt: connection lost, will auto-reconnect",
			"error", err,
			"broker", cfg.Broker,
		)
	})
	return opts
}

// resubscribe restores the advertisement subscription and every active
// frame route. Runs on every (re)connect.
//
// Broker tokens are never awaited under s.mu: paho delivers messages, and
// with them the acks, from one goroutine, and onAdvertisement takes s.mu.
func (s *Source) resubscribe() {
	filter := s.mapping.AdvertiseFilter()
	if err := wait(context.Background(), s.client.Subscribe(filter, s.cfg.QoS, s.onAdvertisement), s.cfg.timeout()); err != nil {
		slog.Error("mqtt: advertisement subscription failed", "filter", filter, "error", err)
	}

	s.mu.Lock()
	names := make(map[string]string, len(s.routes))
	for mqttTopic, r := range s.routes {
		names[mqttTopic] = r.name
	}
	s.mu.Unlock()

	for mqttTopic, name := range names {
		if err := wait(context.Background(), s.client.Subscribe(mqttTopic, s.cfg.QoS, s.onFrame(name)), s.cfg.timeout()); err != nil {
			slog.Error("mqtt: frame resubscription failed", "topic", mqttTopic, "error", err)
		}
	}
}

func (s *Source) onAdvertisement(_ paho.Client, msg paho.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(msg.Payload()) == 0 {
		if name, ok := s.adverts[msg.Topic()]; ok {
			delete(s.adverts, msg.Topic())
			slog.Debug("mqtt: topic withdrawn", "topic", name)
		}
		return
	}

	var adv advertisement
	name := ""
	if err := unmarshalAdvertisement(msg.Payload(), &adv); err == nil {
		name = adv.Topic
	} else {
		slog.Debug("mqtt: unreadable advertisement", "mqtt_topic", msg.Topic(), "error", err)
	}
	if name == "" {
		name = s.mapping.nameFromAdvertiseTopic(msg.Topic())
	}
	s.adverts[msg.Topic()] = name
	slog.Debug("mqtt: topic advertised", "topic", name)
}

// onFrame returns the broker handler that feeds name on the fan-out bus.
func (s *Source) onFrame(name string) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		f, err := DecodeFrame(msg.Payload())
		if err != nil {
			metrics.RecordSourceMessage("mqtt", "error")
			s.badFrames.Do(func() {
				slog.Warn("mqtt: dropping undecodable frame message", "mqtt_topic", msg.Topic(), "error", err)
			})
			return
		}
		metrics.RecordSourceMessage("mqtt", "ok")
		s.fanout.Publish(name, f)
	}
}

// Topics implements source.Source: the names currently advertised.
func (s *Source) Topics(_ context.Context) ([]string, error) {
	if s.client != nil && !s.client.IsConnectionOpen() {
		return nil, ErrNotConnected
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(s.adverts))
	names := make([]string, 0, len(s.adverts))
	for _, n := range s.adverts {
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// Subscribe implements source.Source.
func (s *Source) Subscribe(ctx context.Context, topic string, opts source.SubscribeOptions, handler source.Handler) (source.Subscription, error) {
	name := source.TransportTopic(topic, opts.Transport)
	mqttTopic := s.mapping.FrameTopic(topic, opts.Transport)

	sub, err := s.fanout.Subscribe(ctx, name, source.SubscribeOptions{QueueSize: 1}, handler)
	if err != nil {
		return nil, err
	}

	if err := s.join(ctx, mqttTopic, name); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("mqtt: subscribe %s: %w", mqttTopic, err)
	}
	return &subscription{src: s, mqttTopic: mqttTopic, sub: sub}, nil
}

// join takes a reference on the route for mqttTopic. The first reference
// makes the broker subscription; later ones wait for its outcome. On error
// the reference is dropped again.
func (s *Source) join(ctx context.Context, mqttTopic, name string) error {
	s.mu.Lock()
	r, ok := s.routes[mqttTopic]
	if !ok {
		r = &route{name: name, ready: make(chan struct{})}
		s.routes[mqttTopic] = r
	}
	r.refs++
	s.mu.Unlock()

	if ok {
		select {
		case <-r.ready:
		case <-ctx.Done():
			s.release(mqttTopic)
			return ctx.Err()
		}
		if r.err != nil {
			s.release(mqttTopic)
			return r.err
		}
		return nil
	}

	err := wait(ctx, s.client.Subscribe(mqttTopic, s.cfg.QoS, s.onFrame(name)), s.cfg.timeout())
	s.mu.Lock()
	r.err = err
	close(r.ready)
	s.mu.Unlock()

	if err != nil {
		s.release(mqttTopic)
		return err
	}
	slog.Debug("mqtt: frame topic subscribed", "mqtt_topic", mqttTopic)
	return nil
}

// Close disconnects from the broker and stops every subscription.
func (s *Source) Close() {
	s.fanout.Close()
	if s.client != nil {
		s.client.Disconnect(250)
	}
}

func (s *Source) release(mqttTopic string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.routes[mqttTopic]
	if !ok {
		return
	}
	r.refs--
	if r.refs > 0 {
		return
	}
	delete(s.routes, mqttTopic)

	// Unsubscribe completes asynchronously; the route is already gone.
	s.client.Unsubscribe(mqttTopic)
	slog.Debug("mqtt: frame topic unsubscribed", "mqtt_topic", mqttTopic)
}

type subscription struct {
	src       *Source
	mqttTopic string
	sub       source.Subscription
	once      sync.Once
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.sub.Close()
		s.src.release(s.mqttTopic)
	})
	return err
}

// wait blocks until tok completes, ctx is done or timeout elapses.
func wait(ctx context.Context, tok paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timeout after %s", timeout)
	}
}
