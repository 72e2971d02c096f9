package mqtt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/source"
)

// fakeToken is an already completed token.
type fakeToken struct{ err error }

func (t fakeToken) Wait() bool                     { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Error() error                   { return t.err }
func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// heldToken completes when release is closed.
type heldToken struct {
	release <-chan struct{}
	err     error
}

func (t heldToken) Wait() bool {
	<-t.release
	return true
}

func (t heldToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.release:
		return true
	case <-time.After(d):
		return false
	}
}
func (t heldToken) Done() <-chan struct{} { return t.release }
func (t heldToken) Error() error {
	select {
	case <-t.release:
		return t.err
	default:
		return nil
	}
}

type fakeMessage struct {
	topic    string
	payload  []byte
	retained bool
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return m.retained }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

// fakeBroker is an in-memory broker with retained messages and
// synchronous delivery. It doubles as the paho.Client.
type fakeBroker struct {
	mu       sync.Mutex
	subs     map[string]paho.MessageHandler
	retained map[string][]byte
	subCalls map[string]int
	unsubs   []string
	offline  bool

	// held delays the ack of a filter until the channel is closed; refuse
	// fails it.
	held   map[string]chan struct{}
	refuse map[string]error
}

var _ paho.Client = (*fakeBroker)(nil)

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		subs:     make(map[string]paho.MessageHandler),
		retained: make(map[string][]byte),
		subCalls: make(map[string]int),
		held:     make(map[string]chan struct{}),
		refuse:   make(map[string]error),
	}
}

// hold makes the next acks for filter wait until the returned func runs.
func (b *fakeBroker) hold(filter string) (ack func()) {
	ch := make(chan struct{})
	b.mu.Lock()
	b.held[filter] = ch
	b.mu.Unlock()
	return func() { close(ch) }
}

func (b *fakeBroker) calls(filter string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subCalls[filter]
}

func matches(filter, topic string) bool {
	if strings.HasSuffix(filter, "/#") {
		return strings.HasPrefix(topic, strings.TrimSuffix(filter, "#"))
	}
	return filter == topic
}

func (b *fakeBroker) IsConnected() bool                    { return !b.offline }
func (b *fakeBroker) IsConnectionOpen() bool               { return !b.offline }
func (b *fakeBroker) Connect() paho.Token                  { return fakeToken{} }
func (b *fakeBroker) Disconnect(uint)                      {}
func (b *fakeBroker) AddRoute(string, paho.MessageHandler) {}
func (b *fakeBroker) OptionsReader() paho.ClientOptionsReader {
	return paho.ClientOptionsReader{}
}

func (b *fakeBroker) SubscribeMultiple(filters map[string]byte, cb paho.MessageHandler) paho.Token {
	for f, q := range filters {
		b.Subscribe(f, q, cb)
	}
	return fakeToken{}
}

func (b *fakeBroker) Subscribe(filter string, _ byte, cb paho.MessageHandler) paho.Token {
	b.mu.Lock()
	b.subs[filter] = cb
	b.subCalls[filter]++
	held, refused := b.held[filter], b.refuse[filter]
	var replay []fakeMessage
	for topic, payload := range b.retained {
		if matches(filter, topic) {
			replay = append(replay, fakeMessage{topic: topic, payload: payload, retained: true})
		}
	}
	b.mu.Unlock()

	for _, m := range replay {
		cb(b, m)
	}
	if held != nil {
		return heldToken{release: held, err: refused}
	}
	return fakeToken{err: refused}
}

func (b *fakeBroker) Unsubscribe(topics ...string) paho.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range topics {
		delete(b.subs, t)
		b.unsubs = append(b.unsubs, t)
	}
	return fakeToken{}
}

func (b *fakeBroker) Publish(topic string, _ byte, retained bool, payload interface{}) paho.Token {
	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = p
	case string:
		data = []byte(p)
	}

	b.mu.Lock()
	if retained {
		if len(data) == 0 {
			delete(b.retained, topic)
		} else {
			b.retained[topic] = data
		}
	}
	var targets []paho.MessageHandler
	for filter, cb := range b.subs {
		if matches(filter, topic) {
			targets = append(targets, cb)
		}
	}
	b.mu.Unlock()

	for _, cb := range targets {
		cb(b, fakeMessage{topic: topic, payload: data, retained: retained})
	}
	return fakeToken{}
}

func (b *fakeBroker) subscribed(filter string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[filter]
	return ok
}

var testConfig = Config{
	Broker:          "tcp://broker:1883",
	ClientID:        "test",
	FramePrefix:     "frames",
	AdvertisePrefix: "topics",
}

func newTestPair(t *testing.T) (*Source, *Publisher, *fakeBroker) {
	t.Helper()
	broker := newFakeBroker()
	src := newSource(testConfig)
	src.client = broker
	src.resubscribe()
	t.Cleanup(src.Close)
	return src, NewPublisher(broker, testConfig), broker
}

func TestMapping(t *testing.T) {
	m := Mapping{FramePrefix: "frames/", AdvertisePrefix: "topics"}

	assert.Equal(t, "frames/camera/image", m.FrameTopic("/camera/image", "raw"))
	assert.Equal(t, "frames/camera/image", m.FrameTopic("camera/image", ""))
	assert.Equal(t, "frames/camera/image/compressed", m.FrameTopic("/camera/image", "compressed"))
	assert.Equal(t, "topics/camera/image", m.AdvertiseTopic("/camera/image"))
	assert.Equal(t, "topics/#", m.AdvertiseFilter())
	assert.Equal(t, "/camera/image", m.nameFromAdvertiseTopic("topics/camera/image"))
}

func TestCodec(t *testing.T) {
	stamp := time.Unix(1700000000, 250_000_000)
	in := frame.Encoded{
		Encoding:  "mono16",
		Width:     2,
		Height:    1,
		Step:      4,
		BigEndian: true,
		Stamp:     stamp,
		Data:      []byte{1, 2, 3, 4},
	}

	b, err := EncodeFrame(in)
	require.NoError(t, err)
	out, err := DecodeFrame(b)
	require.NoError(t, err)

	assert.True(t, out.Stamp.Equal(stamp))
	out.Stamp = in.Stamp
	assert.Equal(t, in, out)

	_, err = DecodeFrame([]byte("not msgpack"))
	assert.Error(t, err)

	noEncoding, _ := EncodeFrame(frame.Encoded{Width: 1})
	_, err = DecodeFrame(noEncoding)
	assert.Error(t, err)
}

func TestTopics_FromRetainedAdvertisements(t *testing.T) {
	broker := newFakeBroker()
	pub := NewPublisher(broker, testConfig)
	ctx := context.Background()

	// Advertised before the source connects: delivered as retained
	require.NoError(t, pub.Advertise(ctx, "/camera/image", "rgb8", "raw", "compressed"))

	src := newSource(testConfig)
	src.client = broker
	src.resubscribe()
	defer src.Close()

	require.NoError(t, pub.Advertise(ctx, "/depth", "32FC1"))

	topics, err := src.Topics(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/camera/image", "/depth"}, topics)

	require.NoError(t, pub.Withdraw(ctx, "/depth"))
	topics, _ = src.Topics(ctx)
	assert.Equal(t, []string{"/camera/image"}, topics)
}

func TestTopics_UnreadableAdvertisementFallsBackToTopicName(t *testing.T) {
	src, _, broker := newTestPair(t)

	broker.Publish("topics/lab/cam", 0, true, []byte{0xc1}) // invalid msgpack

	topics, err := src.Topics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/lab/cam"}, topics)
}

func TestTopics_Offline(t *testing.T) {
	src, _, broker := newTestPair(t)
	broker.offline = true

	_, err := src.Topics(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSubscribe_DeliversFrames(t *testing.T) {
	src, pub, _ := newTestPair(t)
	ctx := context.Background()

	got := make(chan frame.Encoded, 4)
	sub, err := src.Subscribe(ctx, "/camera/image", source.SubscribeOptions{QueueSize: 1, Transport: "raw"},
		func(f frame.Encoded) { got <- f })
	require.NoError(t, err)
	defer sub.Close()

	want := frame.Encoded{Encoding: "mono8", Width: 1, Height: 1, Step: 1, Data: []byte{42}}
	require.NoError(t, pub.Publish(ctx, "/camera/image", "raw", want))

	select {
	case f := <-got:
		assert.Equal(t, want, f)
	case <-time.After(time.Second):
		t.Fatal("frame not delivered")
	}
}

func TestSubscribe_LateBinding(t *testing.T) {
	src, pub, _ := newTestPair(t)
	ctx := context.Background()

	topics, _ := src.Topics(ctx)
	require.Empty(t, topics)

	var n atomic.Int32
	sub, err := src.Subscribe(ctx, "/later", source.SubscribeOptions{QueueSize: 1}, func(frame.Encoded) { n.Add(1) })
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, pub.Advertise(ctx, "/later", "mono8"))
	require.NoError(t, pub.Publish(ctx, "/later", "", frame.Encoded{Encoding: "mono8", Width: 1, Height: 1, Data: []byte{1}}))

	require.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, time.Millisecond)
}

func TestSubscribe_TransportSelectsTopic(t *testing.T) {
	src, _, broker := newTestPair(t)

	sub, err := src.Subscribe(context.Background(), "/cam", source.SubscribeOptions{QueueSize: 1, Transport: "compressed"},
		func(frame.Encoded) {})
	require.NoError(t, err)
	defer sub.Close()

	assert.True(t, broker.subscribed("frames/cam/compressed"))
	assert.False(t, broker.subscribed("frames/cam"))
}

func TestSubscribe_SharedBrokerSubscription(t *testing.T) {
	src, pub, broker := newTestPair(t)
	ctx := context.Background()

	var a, b atomic.Int32
	subA, err := src.Subscribe(ctx, "/cam", source.SubscribeOptions{QueueSize: 1}, func(frame.Encoded) { a.Add(1) })
	require.NoError(t, err)
	subB, err := src.Subscribe(ctx, "/cam", source.SubscribeOptions{QueueSize: 1}, func(frame.Encoded) { b.Add(1) })
	require.NoError(t, err)

	assert.Equal(t, 1, broker.subCalls["frames/cam"], "one broker subscription per topic")

	require.NoError(t, pub.Publish(ctx, "/cam", "raw", frame.Encoded{Encoding: "mono8", Width: 1, Height: 1, Data: []byte{1}}))
	require.Eventually(t, func() bool { return a.Load() == 1 && b.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, subA.Close())
	assert.True(t, broker.subscribed("frames/cam"), "still one subscriber left")

	require.NoError(t, subB.Close())
	require.NoError(t, subB.Close())
	assert.False(t, broker.subscribed("frames/cam"))
	assert.Equal(t, []string{"frames/cam"}, broker.unsubs)
}

func TestSubscribe_BadPayloadIsDropped(t *testing.T) {
	src, _, broker := newTestPair(t)

	var n atomic.Int32
	sub, err := src.Subscribe(context.Background(), "/cam", source.SubscribeOptions{QueueSize: 1}, func(frame.Encoded) { n.Add(1) })
	require.NoError(t, err)
	defer sub.Close()

	assert.NotPanics(t, func() { broker.Publish("frames/cam", 0, false, []byte("garbage")) })
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, n.Load())
}

func TestResubscribeRestoresRoutes(t *testing.T) {
	src, _, broker := newTestPair(t)

	sub, err := src.Subscribe(context.Background(), "/cam", source.SubscribeOptions{QueueSize: 1}, func(frame.Encoded) {})
	require.NoError(t, err)
	defer sub.Close()

	src.resubscribe()
	assert.Equal(t, 2, broker.subCalls["frames/cam"])
	assert.Equal(t, 2, broker.subCalls["topics/#"])
}

func TestSubscribe_AdvertisementsFlowWhileAckPending(t *testing.T) {
	src, pub, broker := newTestPair(t)
	ctx := context.Background()
	ack := broker.hold("frames/cam")

	results := make(chan error, 2)
	subscribe := func() {
		sub, err := src.Subscribe(ctx, "/cam", source.SubscribeOptions{QueueSize: 1}, func(frame.Encoded) {})
		if err == nil {
			t.Cleanup(func() { _ = sub.Close() })
		}
		results <- err
	}
	go subscribe()
	require.Eventually(t, func() bool { return broker.calls("frames/cam") == 1 }, time.Second, time.Millisecond)
	go subscribe()

	// The broker callback must not wait for the pending ack.
	delivered := make(chan error, 1)
	go func() { delivered <- pub.Advertise(ctx, "/cam", "mono8") }()
	select {
	case err := <-delivered:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("advertisement handler blocked behind a pending subscribe")
	}

	topics, err := src.Topics(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/cam"}, topics)

	select {
	case err := <-results:
		t.Fatalf("subscribe returned before the ack: %v", err)
	default:
	}

	ack()
	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("subscribe did not finish after the ack")
		}
	}
	assert.Equal(t, 1, broker.calls("frames/cam"), "second subscriber shares the pending route")
	t.Logf("✅ advertisements delivered while SUBACK pending")
}

func TestSubscribe_RefusedRouteIsRolledBack(t *testing.T) {
	src, _, broker := newTestPair(t)
	ctx := context.Background()

	broker.mu.Lock()
	broker.refuse["frames/cam"] = errors.New("not authorized")
	broker.mu.Unlock()

	_, err := src.Subscribe(ctx, "/cam", source.SubscribeOptions{QueueSize: 1}, func(frame.Encoded) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not authorized")

	src.mu.Lock()
	assert.Empty(t, src.routes)
	src.mu.Unlock()

	broker.mu.Lock()
	delete(broker.refuse, "frames/cam")
	broker.mu.Unlock()

	sub, err := src.Subscribe(ctx, "/cam", source.SubscribeOptions{QueueSize: 1}, func(frame.Encoded) {})
	require.NoError(t, err)
	defer sub.Close()
	assert.Equal(t, 2, broker.calls("frames/cam"), "a refused route is retried on the next subscribe")
}

func TestPublisher_Offline(t *testing.T) {
	broker := newFakeBroker()
	broker.offline = true
	pub := NewPublisher(broker, testConfig)

	err := pub.Publish(context.Background(), "/cam", "raw", frame.Encoded{Encoding: "mono8"})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, uint64(1), pub.Errors())
	assert.Zero(t, pub.Published())
}
