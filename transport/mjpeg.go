package transport

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/internal/frame"
)

// Boundary separates MJPEG parts.
const Boundary = "boundarydonotcross"

// MJPEGSink streams frames as multipart/x-mixed-replace JPEG parts.
//
// Part layout:
//
//	--boundarydonotcross\r\n
//	Content-Type: image/jpeg\r\n
//	Content-Length: <n>\r\n
//	X-Timestamp: <sec>.<nsec>\r\n
//	\r\n
//	<jpeg>\r\n
//
// Not safe for concurrent use; the session's cache lock serializes calls.
type MJPEGSink struct {
	w   http.ResponseWriter
	rc  *http.ResponseController
	ctx context.Context
	enc Encoder

	buf        bytes.Buffer
	headerSent atomic.Bool
}

// NewMJPEGSink prepares a multipart stream on w. Nothing is written until
// the first frame.
func NewMJPEGSink(w http.ResponseWriter, r *http.Request, quality int) *MJPEGSink {
	return &MJPEGSink{
		w:   w,
		rc:  http.NewResponseController(w),
		ctx: r.Context(),
		enc: Encoder{Format: FormatJPEG, Quality: quality},
	}
}

// Started reports whether the response header has been written.
func (s *MJPEGSink) Started() bool { return s.headerSent.Load() }

// SendFrame writes one part and flushes it.
func (s *MJPEGSink) SendFrame(f *frame.Canonical, stamp time.Time) error {
	if err := s.ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrDisconnected, err)
	}

	s.buf.Reset()
	if err := s.enc.Encode(&s.buf, f); err != nil {
		return err
	}

	if !s.headerSent.Load() {
		h := s.w.Header()
		h.Set("Content-Type", "multipart/x-mixed-replace;boundary="+Boundary)
		h.Set("Cache-Control", "no-cache, no-store, must-revalidate, pre-check=0, post-check=0, max-age=0")
		h.Set("Pragma", "no-cache")
		h.Set("Expires", "0")
		h.Set("Connection", "close")
		h.Set("Access-Control-Allow-Origin", "*")
		s.w.WriteHeader(http.StatusOK)
		s.headerSent.Store(true)
	}

	header := fmt.Sprintf("--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\nX-Timestamp: %s\r\n\r\n",
		Boundary, s.buf.Len(), HeaderStamp(stamp))

	if _, err := s.w.Write([]byte(header)); err != nil {
		return s.writeErr(err)
	}
	if _, err := s.w.Write(s.buf.Bytes()); err != nil {
		return s.writeErr(err)
	}
	if _, err := s.w.Write([]byte("\r\n")); err != nil {
		return s.writeErr(err)
	}
	if err := s.rc.Flush(); err != nil {
		return s.writeErr(err)
	}
	return nil
}

// writeErr marks write failures on a finished request as disconnects.
func (s *MJPEGSink) writeErr(err error) error {
	if s.ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
	return fmt.Errorf("transport: mjpeg write: %w", err)
}
