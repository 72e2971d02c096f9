package webstreamer

import (
	"net/url"
	"strconv"
)

// Query parameter names understood by ParseOptions.
const (
	ParamTopic     = "topic"
	ParamWidth     = "width"
	ParamHeight    = "height"
	ParamInvert    = "invert"
	ParamTransport = "default_transport"
	ParamTimestamp = "timestamp"
	ParamSkip      = "skip"
)

// ParseOptions reads session options from request query values.
//
// invert and timestamp are switched on by presence alone. Integers that do
// not parse keep their defaults, and a negative skip becomes 0.
func ParseOptions(q url.Values) Options {
	opts := DefaultOptions()

	opts.Topic = q.Get(ParamTopic)
	opts.Width = intParam(q, ParamWidth, opts.Width)
	opts.Height = intParam(q, ParamHeight, opts.Height)
	opts.Invert = q.Has(ParamInvert)
	opts.Timestamp = q.Has(ParamTimestamp)

	if t := q.Get(ParamTransport); t != "" {
		opts.Transport = t
	}

	opts.Skip = intParam(q, ParamSkip, 0)
	if opts.Skip < 0 {
		opts.Skip = 0
	}
	return opts
}

func intParam(q url.Values, key string, def int) int {
	v := q.Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
