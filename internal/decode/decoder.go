// Package decode converts encoded frames into canonical packed-RGB buffers.
//
// Floating-point encodings are normalized per frame: the brightest finite
// sample maps to 255. The same physical value can therefore render at a
// different brightness in consecutive frames. This is a visualization aid,
// not a measurement.
package decode

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/internal/frame"

	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder

	_ "golang.org/x/image/webp" // Register WebP decoder
)

// Decode errors. Both are decode failures (as opposed to transform failures).
var (
	ErrUnsupportedEncoding = errors.New("decode: unsupported encoding")
	ErrMalformed           = errors.New("decode: malformed frame")
)

// channel orders
const (
	orderMono = iota
	orderRGB
	orderBGR
	orderRGBA
	orderBGRA
)

// layout describes a raw (uncompressed) pixel encoding.
type layout struct {
	bits     int
	float    bool
	channels int
	order    int
}

var namedLayouts = map[string]layout{
	"rgb8":   {bits: 8, channels: 3, order: orderRGB},
	"bgr8":   {bits: 8, channels: 3, order: orderBGR},
	"rgba8":  {bits: 8, channels: 4, order: orderRGBA},
	"bgra8":  {bits: 8, channels: 4, order: orderBGRA},
	"mono8":  {bits: 8, channels: 1, order: orderMono},
	"rgb16":  {bits: 16, channels: 3, order: orderRGB},
	"bgr16":  {bits: 16, channels: 3, order: orderBGR},
	"rgba16": {bits: 16, channels: 4, order: orderRGBA},
	"bgra16": {bits: 16, channels: 4, order: orderBGRA},
	"mono16": {bits: 16, channels: 1, order: orderMono},
}

// matches OpenCV style tags: 8UC3, 16UC1, 32FC1, 64FC3, ...
var cvTag = regexp.MustCompile(`^(8|16|32|64)([UF])C([1-4])$`)

var compressedFormats = []string{"jpeg", "jpg", "png", "gif", "webp"}

// Decoder turns frame.Encoded values into frame.Canonical values.
// The zero value is ready to use and safe for concurrent calls.
type Decoder struct{}

// Decode converts f into a freshly allocated canonical frame stamped with
// f.Stamp.
func (Decoder) Decode(f frame.Encoded) (*frame.Canonical, error) {
	enc := strings.ToLower(strings.TrimSpace(f.Encoding))

	if isCompressed(enc) {
		return decodeCompressed(f)
	}

	l, err := parseLayout(f.Encoding)
	if err != nil {
		return nil, err
	}
	return decodeRaw(f, l)
}

// IsFloat reports whether an OpenCV style tag (already upper-cased) carries
// floating-point samples.
func IsFloat(tag string) bool {
	return strings.Contains(tag, "F")
}

func isCompressed(enc string) bool {
	for _, c := range compressedFormats {
		if strings.Contains(enc, c) {
			return true
		}
	}
	return false
}

func parseLayout(encoding string) (layout, error) {
	if l, ok := namedLayouts[strings.ToLower(encoding)]; ok {
		return l, nil
	}

	m := cvTag.FindStringSubmatch(strings.ToUpper(encoding))
	if m == nil {
		return layout{}, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, encoding)
	}

	bits, _ := strconv.Atoi(m[1])
	channels, _ := strconv.Atoi(m[3])
	l := layout{bits: bits, float: IsFloat(m[0]), channels: channels}

	if l.float && bits < 32 {
		return layout{}, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, encoding)
	}
	if !l.float && bits > 16 {
		return layout{}, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, encoding)
	}

	switch channels {
	case 1:
		l.order = orderMono
	case 3:
		l.order = orderBGR
	case 4:
		l.order = orderBGRA
	default:
		// Two-channel images have no display mapping
		return layout{}, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, encoding)
	}
	return l, nil
}

func decodeCompressed(f frame.Encoded) (*frame.Canonical, error) {
	if len(f.Data) == 0 {
		return nil, fmt.Errorf("%w: empty %s payload", ErrMalformed, f.Encoding)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(f.Data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !frame.SizeOK(cfg.Width, cfg.Height) {
		return nil, fmt.Errorf("%w: %s declares %dx%d", ErrMalformed, f.Encoding, cfg.Width, cfg.Height)
	}

	img, _, err := image.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	b := img.Bounds()
	out := frame.NewCanonical(b.Dx(), b.Dy(), f.Stamp)
	for y := 0; y < b.Dy(); y++ {
		row := out.Pix[y*out.Stride:]
		for x := 0; x < b.Dx(); x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			row[x*3+0] = uint8(r >> 8)
			row[x*3+1] = uint8(g >> 8)
			row[x*3+2] = uint8(bl >> 8)
		}
	}
	return out, nil
}

func decodeRaw(f frame.Encoded, l layout) (*frame.Canonical, error) {
	if !frame.SizeOK(f.Width, f.Height) {
		return nil, fmt.Errorf("%w: invalid size %dx%d", ErrMalformed, f.Width, f.Height)
	}

	// Width is capped above, so rowBytes cannot overflow.
	bytesPerSample := l.bits / 8
	rowBytes := f.Width * l.channels * bytesPerSample
	step := f.Step
	if step == 0 {
		step = rowBytes
	}
	if step < rowBytes {
		return nil, fmt.Errorf("%w: step %d shorter than row %d", ErrMalformed, step, rowBytes)
	}
	// Same as len >= step*(h-1)+rowBytes without the multiplication.
	if len(f.Data) < rowBytes || f.Height-1 > (len(f.Data)-rowBytes)/step {
		return nil, fmt.Errorf("%w: %d bytes for %d rows of step %d", ErrMalformed, len(f.Data), f.Height, step)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if f.BigEndian {
		order = binary.BigEndian
	}

	r := sampleReader{data: f.Data, step: step, l: l, order: order, width: f.Width}

	scale := 1.0
	if l.float {
		if peak := r.maxFinite(f.Height); peak > 0 {
			scale = 255 / peak
		}
	}

	out := frame.NewCanonical(f.Width, f.Height, f.Stamp)
	var px [4]uint8
	for y := 0; y < f.Height; y++ {
		row := out.Pix[y*out.Stride:]
		for x := 0; x < f.Width; x++ {
			for c := 0; c < l.channels; c++ {
				px[c] = r.sample8(x, y, c, scale)
			}
			dst := row[x*3 : x*3+3]
			switch l.order {
			case orderMono:
				dst[0], dst[1], dst[2] = px[0], px[0], px[0]
			case orderRGB, orderRGBA:
				dst[0], dst[1], dst[2] = px[0], px[1], px[2]
			case orderBGR, orderBGRA:
				dst[0], dst[1], dst[2] = px[2], px[1], px[0]
			}
		}
	}
	return out, nil
}

// sampleReader reads individual samples out of a raw payload.
type sampleReader struct {
	data  []byte
	step  int
	width int
	l     layout
	order binary.ByteOrder
}

func (r sampleReader) offset(x, y, c int) int {
	return y*r.step + (x*r.l.channels+c)*(r.l.bits/8)
}

func (r sampleReader) float(x, y, c int) float64 {
	i := r.offset(x, y, c)
	if r.l.bits == 64 {
		return math.Float64frombits(r.order.Uint64(r.data[i:]))
	}
	return float64(math.Float32frombits(r.order.Uint32(r.data[i:])))
}

func (r sampleReader) maxFinite(height int) float64 {
	peak := math.Inf(-1)
	for y := 0; y < height; y++ {
		for x := 0; x < r.width; x++ {
			for c := 0; c < r.l.channels; c++ {
				v := r.float(x, y, c)
				if math.IsNaN(v) || math.IsInf(v, 0) {
					continue
				}
				if v > peak {
					peak = v
				}
			}
		}
	}
	return peak
}

// sample8 returns the sample at (x, y, c) mapped to 8 bits.
func (r sampleReader) sample8(x, y, c int, scale float64) uint8 {
	switch {
	case r.l.float:
		return saturate(r.float(x, y, c) * scale)
	case r.l.bits == 16:
		return uint8(r.order.Uint16(r.data[r.offset(x, y, c):]) >> 8)
	default:
		return r.data[r.offset(x, y, c)]
	}
}

// saturate rounds v to the nearest integer and clamps it to [0, 255].
// NaN maps to 0.
func saturate(v float64) uint8 {
	switch {
	case math.IsNaN(v), v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(math.Round(v))
	}
}
