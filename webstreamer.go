package webstreamer

import (
	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/internal/session"
)

// Config wires a session to its source and sink. Now and Logger are
// optional.
type Config = session.Config

// New creates an unstarted session. Source and Sink are required.
func New(cfg Config) (*Session, error) {
	return session.New(cfg)
}

// DefaultOptions returns options with native size, no transforms, no skip
// and the raw transport.
func DefaultOptions() Options {
	return session.DefaultOptions()
}
