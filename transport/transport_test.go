package transport

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/internal/session"
)

func solid(w, h int, c color.RGBA) *frame.Canonical {
	f := frame.NewCanonical(w, h, time.Unix(0, 0))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			f.Set(x, y, c)
		}
	}
	return f
}

func TestHeaderStamp(t *testing.T) {
	tests := []struct {
		in   time.Time
		want string
	}{
		{time.Unix(1700000000, 5), "1700000000.000000005"},
		{time.Unix(12, 500_000_000), "12.500000000"},
		{time.Unix(0, 0), "0.000000000"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HeaderStamp(tt.in))
	}
	t.Logf("✅ stamps rendered as sec.nsec")
}

func TestEncoder_Formats(t *testing.T) {
	f := solid(8, 4, color.RGBA{200, 10, 10, 255})

	var jb bytes.Buffer
	require.NoError(t, Encoder{Format: FormatJPEG}.Encode(&jb, f))
	img, err := jpeg.Decode(&jb)
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())
	assert.Equal(t, 4, img.Bounds().Dy())

	var pb bytes.Buffer
	require.NoError(t, Encoder{Format: FormatPNG}.Encode(&pb, f))
	pimg, err := png.Decode(&pb)
	require.NoError(t, err)
	r, g, b, _ := pimg.At(3, 2).RGBA()
	assert.Equal(t, []uint32{200, 10, 10}, []uint32{r >> 8, g >> 8, b >> 8})

	err = Encoder{Format: "gif"}.Encode(io.Discard, f)
	assert.Error(t, err)
	assert.Equal(t, "image/png", Encoder{Format: FormatPNG}.ContentType())
	assert.Equal(t, "image/jpeg", Encoder{}.ContentType())
}

func TestMJPEGSink_WritesParts(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stream?topic=/cam", nil)
	sink := NewMJPEGSink(rec, req, 80)

	stamp := time.Unix(42, 7)
	require.NoError(t, sink.SendFrame(solid(16, 8, color.RGBA{0, 255, 0, 255}), stamp))
	require.NoError(t, sink.SendFrame(solid(16, 8, color.RGBA{0, 0, 255, 255}), stamp.Add(time.Second)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "multipart/x-mixed-replace;boundary="+Boundary, rec.Header().Get("Content-Type"))
	assert.True(t, rec.Flushed)

	mr := multipart.NewReader(bytes.NewReader(rec.Body.Bytes()), Boundary)
	part, err := mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", part.Header.Get("Content-Type"))
	assert.Equal(t, "42.000000007", part.Header.Get("X-Timestamp"))

	data, err := io.ReadAll(part)
	require.NoError(t, err)
	n, err := strconv.Atoi(part.Header.Get("Content-Length"))
	require.NoError(t, err)
	assert.Equal(t, n, len(data))

	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 16, img.Bounds().Dx())

	assert.Equal(t, 2, strings.Count(rec.Body.String(), "--"+Boundary+"\r\n"))
	t.Logf("✅ two multipart frames written")
}

func TestMJPEGSink_CanceledRequestIsDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	sink := NewMJPEGSink(rec, req, 0)

	cancel()
	err := sink.SendFrame(solid(4, 4, color.RGBA{}), time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDisconnected))
	assert.True(t, session.IsDisconnect(err))
	assert.Zero(t, rec.Body.Len())
}

func TestSnapshotSink_OneImage(t *testing.T) {
	tests := []struct {
		format      Format
		contentType string
	}{
		{FormatJPEG, "image/jpeg"},
		{FormatPNG, "image/png"},
	}
	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/snapshot", nil)
			sink := NewSnapshotSink(rec, req, tt.format, 0)

			err := sink.SendFrame(solid(6, 6, color.RGBA{1, 2, 3, 255}), time.Unix(3, 0))
			assert.ErrorIs(t, err, ErrDisconnected)
			assert.True(t, sink.Sent())

			select {
			case <-sink.Done():
			default:
				t.Fatal("done not closed")
			}

			assert.Equal(t, tt.contentType, rec.Header().Get("Content-Type"))
			assert.Equal(t, "3.000000000", rec.Header().Get("X-Timestamp"))
			assert.Equal(t, strconv.Itoa(rec.Body.Len()), rec.Header().Get("Content-Length"))

			before := rec.Body.Len()
			err = sink.SendFrame(solid(6, 6, color.RGBA{}), time.Now())
			assert.ErrorIs(t, err, ErrDisconnected)
			assert.Equal(t, before, rec.Body.Len())
		})
	}
}

func TestSnapshotSink_NotSentUnlessWritten(t *testing.T) {
	t.Run("canceled request", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		req := httptest.NewRequest(http.MethodGet, "/snapshot", nil).WithContext(ctx)
		rec := httptest.NewRecorder()
		sink := NewSnapshotSink(rec, req, FormatJPEG, 0)

		err := sink.SendFrame(solid(4, 4, color.RGBA{}), time.Now())
		assert.ErrorIs(t, err, ErrDisconnected)
		assert.False(t, sink.Sent())
		assert.False(t, sink.Replied())
		assert.Zero(t, rec.Body.Len())

		select {
		case <-sink.Done():
		default:
			t.Fatal("done not closed")
		}
	})

	t.Run("encode failure", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/snapshot", nil)
		rec := httptest.NewRecorder()
		sink := NewSnapshotSink(rec, req, Format("bmp"), 0)

		err := sink.SendFrame(solid(4, 4, color.RGBA{}), time.Now())
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrDisconnected))
		assert.False(t, sink.Sent())
		assert.True(t, sink.Replied())
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
	t.Logf("✅ only a written image counts as sent")
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketSink_HeaderThenImage(t *testing.T) {
	sent := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sink, err := UpgradeWebSocket(w, r, 75, time.Second)
		if err != nil {
			sent <- err
			return
		}
		sent <- sink.SendFrame(solid(10, 6, color.RGBA{9, 9, 9, 255}), time.Unix(5, 1))
		<-sink.Gone()
		_ = sink.Close()
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, <-sent)

	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Contains(t, string(data), `"stamp":"5.000000001"`)
	assert.Contains(t, string(data), `"width":10`)

	mt, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 6, img.Bounds().Dy())
	t.Logf("✅ websocket header + jpeg delivered")
}

func TestWebSocketSink_ClientCloseIsDisconnect(t *testing.T) {
	result := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sink, err := UpgradeWebSocket(w, r, 0, time.Second)
		if err != nil {
			result <- err
			return
		}
		select {
		case <-sink.Gone():
		case <-time.After(5 * time.Second):
		}
		result <- sink.SendFrame(solid(2, 2, color.RGBA{}), time.Now())
		_ = sink.Close()
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(10 * time.Second):
		t.Fatal("handler did not finish")
	}
}
