package session

import (
	"time"

	"golang.org/x/time/rate"
)

// ErrorLogInterval bounds how often each actionable failure kind is logged
// across all sessions.
const ErrorLogInterval = 30 * time.Second

// Shared by every session in the process.
var errorLogThrottle = map[ErrorKind]*rate.Sometimes{
	KindDecode:    {Interval: ErrorLogInterval},
	KindTransform: {Interval: ErrorLogInterval},
	KindUnknown:   {Interval: ErrorLogInterval},
}

// throttled runs log at most once per ErrorLogInterval for kind. Kinds
// without a throttle always log.
func throttled(kind ErrorKind, log func()) {
	if s, ok := errorLogThrottle[kind]; ok {
		s.Do(log)
		return
	}
	log()
}
