package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/source"
)

var rawOpts = source.SubscribeOptions{QueueSize: 1, Transport: "raw"}

func encoded(seq byte) frame.Encoded {
	return frame.Encoded{Encoding: "mono8", Width: 1, Height: 1, Data: []byte{seq}}
}

func TestTopics_AdvertiseAndPublish(t *testing.T) {
	b := New()
	defer b.Close()

	require.NoError(t, b.Advertise("/b"))
	b.Publish("/a", encoded(1))

	topics, err := b.Topics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/b"}, topics)

	b.Unadvertise("/b")
	topics, _ = b.Topics(context.Background())
	assert.Equal(t, []string{"/a"}, topics)
}

func TestSubscribe_LateBinding(t *testing.T) {
	b := New()
	defer b.Close()

	var got atomic.Int32
	sub, err := b.Subscribe(context.Background(), "/later", rawOpts, func(frame.Encoded) {
		got.Add(1)
	})
	require.NoError(t, err)
	defer sub.Close()

	topics, _ := b.Topics(context.Background())
	assert.Empty(t, topics, "subscribing must not advertise")

	b.Publish("/later", encoded(1))
	require.Eventually(t, func() bool { return got.Load() == 1 }, time.Second, time.Millisecond)
}

func TestSubscribe_TransportHint(t *testing.T) {
	b := New()
	defer b.Close()

	var raw, compressed atomic.Int32
	s1, _ := b.Subscribe(context.Background(), "/cam", rawOpts, func(frame.Encoded) { raw.Add(1) })
	defer s1.Close()
	s2, _ := b.Subscribe(context.Background(), "/cam",
		source.SubscribeOptions{QueueSize: 1, Transport: "compressed"},
		func(frame.Encoded) { compressed.Add(1) })
	defer s2.Close()

	b.Publish("/cam/compressed", frame.Encoded{Encoding: "jpeg"})

	require.Eventually(t, func() bool { return compressed.Load() == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, raw.Load())
}

func TestSubscribe_SlowSubscriberDropsOldFrames(t *testing.T) {
	b := New()
	defer b.Close()

	release := make(chan struct{})
	var mu sync.Mutex
	var seen []byte

	sub, err := b.Subscribe(context.Background(), "/cam", rawOpts, func(f frame.Encoded) {
		<-release
		mu.Lock()
		seen = append(seen, f.Data[0])
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Close()

	// First frame blocks the handler; the rest pile into the single slot
	b.Publish("/cam", encoded(1))
	time.Sleep(10 * time.Millisecond)
	for i := byte(2); i <= 10; i++ {
		b.Publish("/cam", encoded(i))
	}
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, []byte{1, 10}, seen, "only the newest queued frame is delivered")
	mu.Unlock()

	stats := b.Stats("/cam")
	assert.Equal(t, uint64(10), stats.Published)
	assert.Equal(t, uint64(8), stats.Dropped)
}

func TestSubscription_CloseStopsDelivery(t *testing.T) {
	b := New()
	defer b.Close()

	var got atomic.Int32
	sub, _ := b.Subscribe(context.Background(), "/cam", rawOpts, func(frame.Encoded) { got.Add(1) })
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	b.Publish("/cam", encoded(1))
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, got.Load())
	assert.Zero(t, b.Stats("/cam").Subscribers)
}

func TestClose(t *testing.T) {
	b := New()
	b.Close()
	b.Close()

	_, err := b.Topics(context.Background())
	assert.ErrorIs(t, err, ErrBusClosed)

	_, err = b.Subscribe(context.Background(), "/x", rawOpts, func(frame.Encoded) {})
	assert.ErrorIs(t, err, ErrBusClosed)

	assert.ErrorIs(t, b.Advertise("/x"), ErrBusClosed)
	b.Publish("/x", encoded(1)) // no panic
}
