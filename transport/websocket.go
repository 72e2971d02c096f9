package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/internal/frame"
)

// WebSocket defaults.
const (
	DefaultWriteWait      = 5 * time.Second
	DefaultCloseGrace     = time.Second
	maxClientMessageBytes = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// FrameHeader is the text message sent ahead of each binary image.
type FrameHeader struct {
	Stamp    string `json:"stamp"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Encoding string `json:"encoding"`
	Size     int    `json:"size"`
}

// WebSocketSink sends each frame as a JSON text header followed by a binary
// JPEG message.
type WebSocketSink struct {
	conn      *websocket.Conn
	enc       Encoder
	writeWait time.Duration

	buf bytes.Buffer

	closeOnce sync.Once
	gone      chan struct{}
}

// UpgradeWebSocket upgrades the request and starts a read pump that notices
// when the client goes away. On failure the upgrader has already replied.
func UpgradeWebSocket(w http.ResponseWriter, r *http.Request, quality int, writeWait time.Duration) (*WebSocketSink, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket upgrade: %w", err)
	}
	if writeWait <= 0 {
		writeWait = DefaultWriteWait
	}

	s := &WebSocketSink{
		conn:      conn,
		enc:       Encoder{Format: FormatJPEG, Quality: quality},
		writeWait: writeWait,
		gone:      make(chan struct{}),
	}
	conn.SetReadLimit(maxClientMessageBytes)
	go s.readPump()
	return s, nil
}

// Gone is closed when the client disconnects or the sink is closed.
func (s *WebSocketSink) Gone() <-chan struct{} { return s.gone }

// readPump discards client messages; its only job is to surface close.
func (s *WebSocketSink) readPump() {
	defer s.markGone()
	for {
		if _, _, err := s.conn.NextReader(); err != nil {
			return
		}
	}
}

func (s *WebSocketSink) markGone() {
	s.closeOnce.Do(func() { close(s.gone) })
}

// SendFrame writes the header and image messages.
func (s *WebSocketSink) SendFrame(f *frame.Canonical, stamp time.Time) error {
	select {
	case <-s.gone:
		return ErrDisconnected
	default:
	}

	s.buf.Reset()
	if err := s.enc.Encode(&s.buf, f); err != nil {
		return err
	}

	header, err := json.Marshal(FrameHeader{
		Stamp:    HeaderStamp(stamp),
		Width:    f.Width(),
		Height:   f.Height(),
		Encoding: string(FormatJPEG),
		Size:     s.buf.Len(),
	})
	if err != nil {
		return fmt.Errorf("transport: websocket header: %w", err)
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, header); err != nil {
		return s.writeErr(err)
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, s.buf.Bytes()); err != nil {
		return s.writeErr(err)
	}
	return nil
}

func (s *WebSocketSink) writeErr(err error) error {
	s.markGone()
	return fmt.Errorf("%w: websocket: %w", ErrDisconnected, err)
}

// Close sends a normal close frame and releases the connection.
func (s *WebSocketSink) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(DefaultCloseGrace))
	s.markGone()
	return s.conn.Close()
}
