package webstreamer

import (
	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/internal/session"
)

// Public API - re-exports of the internal types

// EncodedFrame is a frame as delivered by a source.
type EncodedFrame = frame.Encoded

// CanonicalFrame is a decoded, packed 8-bit RGB frame.
type CanonicalFrame = frame.Canonical

// Options are the per-viewer settings of a session.
type Options = session.Options

// Session streams one topic to one viewer.
type Session = session.Session

// Sink writes finished frames to a viewer.
type Sink = session.Sink

// SinkFunc adapts a function to Sink.
type SinkFunc = session.SinkFunc

// Stats is a snapshot of session counters.
type Stats = session.Stats

// LivenessState is the state of a session.
type LivenessState = session.State

const (
	StateUnstarted = session.StateUnstarted
	StateActive    = session.StateActive
	StateInactive  = session.StateInactive
)

// ErrorKind classifies the failure that ended a session.
type ErrorKind = session.ErrorKind

const (
	KindNone         = session.KindNone
	KindSourceAbsent = session.KindSourceAbsent
	KindDecode       = session.KindDecode
	KindTransform    = session.KindTransform
	KindWrite        = session.KindWrite
	KindUnknown      = session.KindUnknown
)

// Error is returned by Session.Err after a failure.
type Error = session.Error

// Public API errors
var (
	ErrDisconnected   = session.ErrDisconnected
	ErrAlreadyStarted = session.ErrAlreadyStarted
	ErrSourceAbsent   = session.ErrSourceAbsent
)

// KindOf returns the ErrorKind carried by err.
func KindOf(err error) ErrorKind { return session.KindOf(err) }

// IsDisconnect reports whether err means the viewer went away.
func IsDisconnect(err error) bool { return session.IsDisconnect(err) }
