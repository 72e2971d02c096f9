package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// ErrorKind classifies why a session went inactive.
type ErrorKind int

const (
	// KindNone means the session has not failed.
	KindNone ErrorKind = iota
	// KindSourceAbsent: requested topic was not advertised at start.
	KindSourceAbsent
	// KindDecode: an encoded frame could not be decoded.
	KindDecode
	// KindTransform: resize or overlay failed.
	KindTransform
	// KindWrite: the viewer connection is gone.
	KindWrite
	// KindUnknown: anything else, including recovered panics.
	KindUnknown
)

// String returns the label used in logs and metrics.
func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindSourceAbsent:
		return "source_absent"
	case KindDecode:
		return "decode"
	case KindTransform:
		return "transform"
	case KindWrite:
		return "write"
	default:
		return "unknown"
	}
}

var (
	// ErrDisconnected is returned by sinks once the viewer is gone.
	ErrDisconnected = errors.New("session: viewer disconnected")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("session: already started")

	// ErrSourceAbsent is the cause recorded for KindSourceAbsent.
	ErrSourceAbsent = errors.New("session: topic not advertised")
)

// Error is the terminal failure of a session.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("session: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind carried by err, or KindUnknown when err is not a
// session error. A nil err is KindNone.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// IsDisconnect reports whether err means the downstream peer went away.
func IsDisconnect(err error) bool {
	switch {
	case errors.Is(err, ErrDisconnected),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, context.Canceled):
		return true
	}
	return false
}

// classifyWrite maps a sink error to KindWrite for disconnects and
// KindUnknown otherwise.
func classifyWrite(err error) ErrorKind {
	if IsDisconnect(err) {
		return KindWrite
	}
	return KindUnknown
}
