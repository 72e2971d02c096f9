// Package frame holds the two frame representations that flow through a
// streaming session: the opaque Encoded frame delivered by a source and the
// Canonical packed-RGB buffer produced by decoding.
package frame

import (
	"image"
	"image/color"
	"time"
)

// Encoded is a single captured image in its wire encoding.
//
// IMMUTABILITY CONTRACT:
//   - Sources MUST NOT modify Data after handing the frame to a subscriber
//   - The decoder never aliases Data in its output
type Encoded struct {
	// Encoding identifies the pixel layout ("rgb8", "bgr8", "mono16", "32FC1")
	// or the compressed container ("jpeg", "png", "webp").
	Encoding string

	// Width and Height in pixels. Ignored for compressed encodings.
	Width  int
	Height int

	// Step is the row length in bytes. Zero means tightly packed.
	Step int

	// BigEndian reports the byte order of multi-byte samples.
	BigEndian bool

	// Stamp is the capture time (source clock, not processing time).
	Stamp time.Time

	// Data contains the payload bytes.
	Data []byte
}

// Canonical is a packed 3-channel 8-bit RGB image.
//
// Pix holds R, G, B for each pixel, rows Stride bytes apart. A Canonical
// installed in the session cache is never mutated again; transforms always
// build a new value.
type Canonical struct {
	Pix    []uint8
	Stride int
	Rect   image.Rectangle

	// Stamp is the capture time of the encoded frame it was derived from.
	Stamp time.Time
}

// MaxPixels bounds the area of any frame the pipeline will allocate.
const MaxPixels = 1 << 26

// SizeOK reports whether w×h is positive and within MaxPixels. It never
// overflows.
func SizeOK(w, h int) bool {
	return w > 0 && h > 0 && w <= MaxPixels/h
}

// NewCanonical allocates a black w×h frame. Callers check SizeOK first.
func NewCanonical(w, h int, stamp time.Time) *Canonical {
	return &Canonical{
		Pix:    make([]uint8, w*h*3),
		Stride: w * 3,
		Rect:   image.Rect(0, 0, w, h),
		Stamp:  stamp,
	}
}

// Width returns the frame width in pixels.
func (c *Canonical) Width() int { return c.Rect.Dx() }

// Height returns the frame height in pixels.
func (c *Canonical) Height() int { return c.Rect.Dy() }

// ColorModel implements image.Image.
func (c *Canonical) ColorModel() color.Model { return color.RGBAModel }

// Bounds implements image.Image.
func (c *Canonical) Bounds() image.Rectangle { return c.Rect }

// At implements image.Image.
func (c *Canonical) At(x, y int) color.Color { return c.RGBAAt(x, y) }

// RGBAAt returns the opaque color at (x, y).
func (c *Canonical) RGBAAt(x, y int) color.RGBA {
	if !(image.Point{X: x, Y: y}.In(c.Rect)) {
		return color.RGBA{}
	}
	i := c.PixOffset(x, y)
	return color.RGBA{R: c.Pix[i], G: c.Pix[i+1], B: c.Pix[i+2], A: 0xff}
}

// Set implements draw.Image. Alpha is discarded.
func (c *Canonical) Set(x, y int, col color.Color) {
	if !(image.Point{X: x, Y: y}.In(c.Rect)) {
		return
	}
	rgba := color.RGBAModel.Convert(col).(color.RGBA)
	i := c.PixOffset(x, y)
	c.Pix[i] = rgba.R
	c.Pix[i+1] = rgba.G
	c.Pix[i+2] = rgba.B
}

// PixOffset returns the index of the first byte of pixel (x, y).
func (c *Canonical) PixOffset(x, y int) int {
	return (y-c.Rect.Min.Y)*c.Stride + (x-c.Rect.Min.X)*3
}

// Clone returns a deep copy with the same stamp.
func (c *Canonical) Clone() *Canonical {
	pix := make([]uint8, len(c.Pix))
	copy(pix, c.Pix)
	return &Canonical{Pix: pix, Stride: c.Stride, Rect: c.Rect, Stamp: c.Stamp}
}

// Equal reports whether both frames have the same size and pixels.
func (c *Canonical) Equal(o *Canonical) bool {
	if c.Width() != o.Width() || c.Height() != o.Height() {
		return false
	}
	w := c.Width() * 3
	for y := 0; y < c.Height(); y++ {
		a := c.Pix[y*c.Stride : y*c.Stride+w]
		b := o.Pix[y*o.Stride : y*o.Stride+w]
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
	}
	return true
}

// ToRGBA converts to a standard *image.RGBA, for encoders that have a fast
// path for it.
func (c *Canonical) ToRGBA() *image.RGBA {
	w, h := c.Width(), c.Height()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		src := c.Pix[y*c.Stride:]
		row := dst.Pix[y*dst.Stride:]
		for x := 0; x < w; x++ {
			row[x*4+0] = src[x*3+0]
			row[x*4+1] = src[x*3+1]
			row[x*4+2] = src[x*3+2]
			row[x*4+3] = 0xff
		}
	}
	return dst
}
