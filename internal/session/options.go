package session

import "github.com/e7canasta/orion-care-sensor/modules/web-streamer/source"

// Options are the per-request settings captured when a session is created.
// A session never changes its options.
type Options struct {
	// Topic is the requested upstream topic. An empty topic never matches.
	Topic string

	// Width and Height request an output size. A value <= 0 takes that
	// dimension from the first accepted frame.
	Width  int
	Height int

	// Invert rotates frames by 180°.
	Invert bool

	// Timestamp burns the capture time into each frame.
	Timestamp bool

	// Skip forwards one of every Skip+1 received frames. Negative values are
	// treated as 0.
	Skip int

	// Transport is the encoding preference passed to the source
	// ("raw", "compressed", ...).
	Transport string
}

// DefaultOptions returns options with native size and the raw transport.
func DefaultOptions() Options {
	return Options{
		Width:     -1,
		Height:    -1,
		Transport: source.DefaultTransport,
	}
}

func (o Options) normalized() Options {
	if o.Skip < 0 {
		o.Skip = 0
	}
	if o.Transport == "" {
		o.Transport = source.DefaultTransport
	}
	return o
}
