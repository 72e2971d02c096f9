package mqtt

import (
	"fmt"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/source"
)

// wireFrame is the msgpack payload of a frame message.
type wireFrame struct {
	Encoding  string `msgpack:"encoding"`
	Width     int    `msgpack:"width"`
	Height    int    `msgpack:"height"`
	Step      int    `msgpack:"step"`
	BigEndian bool   `msgpack:"big_endian"`
	StampNS   int64  `msgpack:"stamp_ns"`
	Data      []byte `msgpack:"data"`
}

// advertisement is the retained msgpack payload announcing a topic.
type advertisement struct {
	Topic      string   `msgpack:"topic"`
	Encoding   string   `msgpack:"encoding,omitempty"`
	Transports []string `msgpack:"transports,omitempty"`
}

// EncodeFrame serializes f for the wire.
func EncodeFrame(f frame.Encoded) ([]byte, error) {
	w := wireFrame{
		Encoding:  f.Encoding,
		Width:     f.Width,
		Height:    f.Height,
		Step:      f.Step,
		BigEndian: f.BigEndian,
		Data:      f.Data,
	}
	if !f.Stamp.IsZero() {
		w.StampNS = f.Stamp.UnixNano()
	}
	b, err := msgpack.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("mqtt: encode frame: %w", err)
	}
	return b, nil
}

// DecodeFrame parses a frame message. A missing stamp is left zero.
func DecodeFrame(b []byte) (frame.Encoded, error) {
	var w wireFrame
	if err := msgpack.Unmarshal(b, &w); err != nil {
		return frame.Encoded{}, fmt.Errorf("mqtt: decode frame: %w", err)
	}
	if w.Encoding == "" {
		return frame.Encoded{}, fmt.Errorf("mqtt: decode frame: missing encoding")
	}

	f := frame.Encoded{
		Encoding:  w.Encoding,
		Width:     w.Width,
		Height:    w.Height,
		Step:      w.Step,
		BigEndian: w.BigEndian,
		Data:      w.Data,
	}
	if w.StampNS != 0 {
		f.Stamp = time.Unix(0, w.StampNS)
	}
	return f, nil
}

// Mapping translates between frame topic names and MQTT topics.
//
//	/camera/image              → <FramePrefix>/camera/image
//	/camera/image + compressed → <FramePrefix>/camera/image/compressed
//	advertisement              → <AdvertisePrefix>/camera/image
type Mapping struct {
	FramePrefix     string
	AdvertisePrefix string
}

// FrameTopic returns the MQTT topic carrying topic's given transport.
func (m Mapping) FrameTopic(topic, transport string) string {
	return join(m.FramePrefix, source.TransportTopic(topic, transport))
}

// AdvertiseTopic returns the retained advertisement topic for topic.
func (m Mapping) AdvertiseTopic(topic string) string {
	return join(m.AdvertisePrefix, topic)
}

// AdvertiseFilter matches every advertisement.
func (m Mapping) AdvertiseFilter() string {
	return strings.TrimSuffix(m.AdvertisePrefix, "/") + "/#"
}

// nameFromAdvertiseTopic recovers a topic name when an advertisement
// payload does not carry one.
func (m Mapping) nameFromAdvertiseTopic(mqttTopic string) string {
	prefix := strings.TrimSuffix(m.AdvertisePrefix, "/") + "/"
	return "/" + strings.TrimPrefix(mqttTopic, prefix)
}

func join(prefix, topic string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + strings.TrimPrefix(topic, "/")
}

func marshalAdvertisement(adv advertisement) ([]byte, error) {
	b, err := msgpack.Marshal(&adv)
	if err != nil {
		return nil, fmt.Errorf("mqtt: encode advertisement: %w", err)
	}
	return b, nil
}

func unmarshalAdvertisement(b []byte, adv *advertisement) error {
	if err := msgpack.Unmarshal(b, adv); err != nil {
		return fmt.Errorf("mqtt: decode advertisement: %w", err)
	}
	return nil
}
