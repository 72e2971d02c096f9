package capture

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/internal/frame"
)

// sampleContext is the state GStreamer callbacks need.
type sampleContext struct {
	publish    func(frame.Encoded)
	width      int
	height     int
	traceID    string // one per pipeline run
	frames     *atomic.Uint64
	bytesRead  *atomic.Uint64
	lastSample *atomic.Int64 // unix nanos
}

// onNewSample copies the appsink buffer into an rgb8 frame and publishes it.
// A bad sample is skipped; it never stops the pipeline.
func onNewSample(sink *app.Sink, sc *sampleContext) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("capture: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("capture: failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("capture: empty buffer received")
		return gst.FlowOK
	}

	// GStreamer reuses the buffer
	payload := make([]byte, len(data))
	copy(payload, data)
	buffer.Unmap()

	now := time.Now()
	seq := sc.frames.Add(1)
	sc.bytesRead.Add(uint64(len(payload)))
	sc.lastSample.Store(now.UnixNano())

	f := frame.Encoded{
		Encoding: "rgb8",
		Width:    sc.width,
		Height:   sc.height,
		Step:     sc.width * 3,
		Stamp:    now,
		Data:     payload,
	}
	sc.publish(f)

	slog.Debug("capture: frame published",
		"seq", seq,
		"size_bytes", len(payload),
		"trace_id", sc.traceID,
	)
	return gst.FlowOK
}

// onPadAdded links a dynamic rtspsrc pad to the depayloader.
func onPadAdded(srcPad *gst.Pad, depay *gst.Element) {
	slog.Debug("capture: pad-added signal received", "pad", srcPad.GetName())

	sinkPad := depay.GetStaticPad("sink")
	if sinkPad == nil {
		slog.Error("capture: failed to get sink pad from rtph264depay")
		return
	}
	if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
		slog.Error("capture: failed to link pads",
			"src_pad", srcPad.GetName(),
			"sink_pad", sinkPad.GetName(),
			"ret", ret,
		)
		return
	}
	slog.Debug("capture: pads linked", "src_pad", srcPad.GetName())
}
