// Package source defines the contract between streaming sessions and the
// upstream transports that deliver encoded frames.
//
// Implementations in this module:
//   - source/bus:  in-process topic bus (tests, RTSP capture, test pattern)
//   - source/mqtt: MQTT broker with retained topic advertisements
package source

import (
	"context"
	"strings"

	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/internal/frame"
)

// DefaultTransport is the transport hint used when a request names none.
const DefaultTransport = "raw"

// Handler receives encoded frames. Implementations invoke it from a single
// goroutine per subscription; it must not retain f.Data beyond the call
// unless it treats it as read-only.
type Handler func(f frame.Encoded)

// SubscribeOptions configures a subscription.
type SubscribeOptions struct {
	// QueueSize bounds undelivered frames. Sources in this module support
	// only 1: the newest frame replaces an undelivered one.
	QueueSize int

	// Transport is a preference hint selecting the encoded variant of the
	// topic ("raw", "compressed", ...).
	Transport string
}

// Source lists and subscribes to frame topics.
//
// Implementations must allow subscribing to a topic that is not advertised
// yet: frames published later are delivered (late binding).
type Source interface {
	// Topics returns the names currently advertised.
	Topics(ctx context.Context) ([]string, error)

	// Subscribe registers handler for topic until the subscription is closed.
	Subscribe(ctx context.Context, topic string, opts SubscribeOptions, handler Handler) (Subscription, error)
}

// Subscription is an active registration returned by Source.Subscribe.
type Subscription interface {
	// Close stops delivery. Idempotent.
	Close() error
}

// TransportTopic returns the topic carrying the given transport variant:
// the topic itself for raw frames, otherwise topic + "/" + transport.
func TransportTopic(topic, transport string) string {
	if transport == "" || transport == DefaultTransport {
		return topic
	}
	return strings.TrimSuffix(topic, "/") + "/" + transport
}
