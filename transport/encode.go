// Package transport writes finished frames to HTTP viewers.
//
// Each sink implements session.Sink for one viewer connection and reports a
// gone viewer with an error wrapping ErrDisconnected, so the session logs it
// as a routine disconnect.
package transport

import (
	"fmt"
	"image/jpeg"
	"image/png"
	"io"
	"strconv"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/internal/session"
)

// ErrDisconnected is session.ErrDisconnected.
var ErrDisconnected = session.ErrDisconnected

// Format is a still-image encoding.
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
)

// DefaultJPEGQuality is used when a sink is given quality <= 0.
const DefaultJPEGQuality = 90

// Encoder turns canonical frames into image bytes.
type Encoder struct {
	Format  Format
	Quality int // JPEG only, 1-100
}

// ContentType returns the MIME type of the encoded output.
func (e Encoder) ContentType() string {
	if e.Format == FormatPNG {
		return "image/png"
	}
	return "image/jpeg"
}

// Encode writes f to w.
func (e Encoder) Encode(w io.Writer, f *frame.Canonical) error {
	img := f.ToRGBA()

	switch e.Format {
	case FormatPNG:
		if err := png.Encode(w, img); err != nil {
			return fmt.Errorf("transport: png encode: %w", err)
		}
	case FormatJPEG, "":
		q := e.Quality
		if q <= 0 {
			q = DefaultJPEGQuality
		}
		if err := jpeg.Encode(w, img, &jpeg.Options{Quality: q}); err != nil {
			return fmt.Errorf("transport: jpeg encode: %w", err)
		}
	default:
		return fmt.Errorf("transport: unsupported format %q", e.Format)
	}
	return nil
}

// HeaderStamp renders t as <seconds>.<nanoseconds>, nanoseconds zero padded
// to nine digits.
func HeaderStamp(t time.Time) string {
	ns := t.UnixNano()
	sec, nsec := ns/int64(time.Second), ns%int64(time.Second)
	if nsec < 0 {
		sec--
		nsec += int64(time.Second)
	}
	s := strconv.FormatInt(nsec, 10)
	for len(s) < 9 {
		s = "0" + s
	}
	return strconv.FormatInt(sec, 10) + "." + s
}
