// Package transform applies the per-session visual transforms to canonical
// frames: 180° invert, resize and timestamp burn-in, in that order.
//
// Every operation returns a new frame; inputs are never modified.
package transform

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/internal/frame"
)

// ErrInvalidSize is returned when the requested output size is not positive
// or exceeds frame.MaxPixels.
var ErrInvalidSize = errors.New("transform: invalid output size")

// Overlay placement. The anchor is the text baseline origin.
var (
	OverlayAnchor = image.Pt(10, 40)
	OverlayColor  = color.RGBA{R: 0, G: 255, B: 0, A: 255}
)

// Options selects the transforms Apply runs.
type Options struct {
	Invert    bool
	Timestamp bool
}

// Transformer runs invert → resize → overlay. The zero value applies only the
// resize step. Safe for concurrent use.
type Transformer struct {
	opts Options
}

// New creates a Transformer for the given options.
func New(opts Options) Transformer {
	return Transformer{opts: opts}
}

// Apply transforms src into a new frame of exactly width×height pixels.
func (t Transformer) Apply(src *frame.Canonical, width, height int) (*frame.Canonical, error) {
	if !frame.SizeOK(width, height) {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidSize, width, height)
	}

	out := src
	if t.opts.Invert {
		out = Invert(out)
	}

	if out.Width() != width || out.Height() != height {
		out = Resize(out, width, height)
	}

	if out == src {
		out = src.Clone()
	}

	if t.opts.Timestamp {
		DrawTimestamp(out, out.Stamp)
	}
	return out, nil
}

// Invert rotates the frame by 180°: a horizontal flip followed by a
// vertical flip.
func Invert(src *frame.Canonical) *frame.Canonical {
	return FlipVertical(FlipHorizontal(src))
}

// FlipHorizontal mirrors the frame around its vertical axis.
func FlipHorizontal(src *frame.Canonical) *frame.Canonical {
	w, h := src.Width(), src.Height()
	dst := frame.NewCanonical(w, h, src.Stamp)
	for y := 0; y < h; y++ {
		s := src.Pix[y*src.Stride:]
		d := dst.Pix[y*dst.Stride:]
		for x := 0; x < w; x++ {
			copy(d[(w-1-x)*3:(w-1-x)*3+3], s[x*3:x*3+3])
		}
	}
	return dst
}

// FlipVertical mirrors the frame around its horizontal axis.
func FlipVertical(src *frame.Canonical) *frame.Canonical {
	w, h := src.Width(), src.Height()
	dst := frame.NewCanonical(w, h, src.Stamp)
	for y := 0; y < h; y++ {
		copy(dst.Pix[(h-1-y)*dst.Stride:(h-1-y)*dst.Stride+w*3], src.Pix[y*src.Stride:y*src.Stride+w*3])
	}
	return dst
}

// Resize resamples src to width×height with bilinear interpolation.
// Output is deterministic for a given input.
func Resize(src *frame.Canonical, width, height int) *frame.Canonical {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src.ToRGBA(), src.Bounds(), draw.Src, nil)

	out := frame.NewCanonical(width, height, src.Stamp)
	for y := 0; y < height; y++ {
		s := dst.Pix[y*dst.Stride:]
		d := out.Pix[y*out.Stride:]
		for x := 0; x < width; x++ {
			d[x*3+0] = s[x*4+0]
			d[x*3+1] = s[x*4+1]
			d[x*3+2] = s[x*4+2]
		}
	}
	return out
}

// DrawTimestamp burns FormatStamp(stamp) into dst at OverlayAnchor.
// dst is modified in place; callers pass a frame they own.
func DrawTimestamp(dst *frame.Canonical, stamp time.Time) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(OverlayColor),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(OverlayAnchor.X, OverlayAnchor.Y),
	}
	d.DrawString(FormatStamp(stamp))
}

// FormatStamp renders t as HH:MM:SS.d in local time. The single fractional
// digit is truncated, not rounded.
func FormatStamp(t time.Time) string {
	local := t.Local()
	return fmt.Sprintf("%s.%d", local.Format("15:04:05"), local.Nanosecond()/100_000_000)
}
