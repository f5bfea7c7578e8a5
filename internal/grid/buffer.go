// Package grid holds the floating-point 2D buffer used for every image,
// gradient and displacement field in the registration pipeline.
//
// A Buffer2D stores W*H pixels of C interleaved float64 channels in row-major
// order. Buffers are allocated once and never resized. Out-of-range access
// through At and Set panics: every kernel in this module addresses pixels
// in-bounds or goes through AtClamped, so an out-of-range index is a bug.
package grid

import (
	"fmt"
	"math"
)

// Buffer2D is a fixed-size 2D array of float64 samples with C channels.
type Buffer2D struct {
	Pix      []float64
	width    int
	height   int
	channels int
}

// ShapeError reports that two buffers that must agree in shape do not.
type ShapeError struct {
	Op       string
	Expected string
	Actual   string
}

func (e *ShapeError) Error() string {
	return "shape mismatch in " + e.Op + ": expected " + e.Expected + ", got " + e.Actual
}

// NewChecked allocates a zero-filled buffer, rejecting non-positive dimensions.
func NewChecked(width, height, channels int) (*Buffer2D, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid buffer size %dx%d", width, height)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("invalid channel count %d", channels)
	}
	return &Buffer2D{
		Pix:      make([]float64, width*height*channels),
		width:    width,
		height:   height,
		channels: channels,
	}, nil
}

// New allocates a zero-filled buffer and panics on invalid dimensions.
func New(width, height, channels int) *Buffer2D {
	b, err := NewChecked(width, height, channels)
	if err != nil {
		panic(err)
	}
	return b
}

// FromSlice wraps pix as a buffer. len(pix) must equal width*height*channels.
func FromSlice(width, height, channels int, pix []float64) (*Buffer2D, error) {
	if width <= 0 || height <= 0 || channels <= 0 {
		return nil, fmt.Errorf("invalid buffer shape %dx%dx%d", width, height, channels)
	}
	if len(pix) != width*height*channels {
		return nil, fmt.Errorf("pixel data has %d samples, want %d", len(pix), width*height*channels)
	}
	return &Buffer2D{Pix: pix, width: width, height: height, channels: channels}, nil
}

func (b *Buffer2D) Width() int    { return b.width }
func (b *Buffer2D) Height() int   { return b.height }
func (b *Buffer2D) Channels() int { return b.channels }

// Stride is the number of samples in one row.
func (b *Buffer2D) Stride() int { return b.width * b.channels }

// Shape formats the dimensions as WxHxC.
func (b *Buffer2D) Shape() string {
	return fmt.Sprintf("%dx%dx%d", b.width, b.height, b.channels)
}

// Offset returns the index of channel 0 of pixel (x, y).
func (b *Buffer2D) Offset(x, y int) int {
	return (y*b.width + x) * b.channels
}

func (b *Buffer2D) checkBounds(x, y, c int) {
	if x < 0 || x >= b.width || y < 0 || y >= b.height || c < 0 || c >= b.channels {
		panic(fmt.Sprintf("grid: access (%d,%d,%d) outside %s buffer", x, y, c, b.Shape()))
	}
}

// InBounds reports whether (x, y) addresses a pixel of the buffer.
func (b *Buffer2D) InBounds(x, y int) bool {
	return x >= 0 && x < b.width && y >= 0 && y < b.height
}

// At returns channel c of pixel (x, y).
func (b *Buffer2D) At(x, y, c int) float64 {
	b.checkBounds(x, y, c)
	return b.Pix[b.Offset(x, y)+c]
}

// Set stores v in channel c of pixel (x, y).
func (b *Buffer2D) Set(x, y, c int, v float64) {
	b.checkBounds(x, y, c)
	b.Pix[b.Offset(x, y)+c] = v
}

// AtClamped reads with clamp-to-edge addressing: coordinates outside the
// buffer resolve to the nearest edge pixel.
func (b *Buffer2D) AtClamped(x, y, c int) float64 {
	return b.Pix[b.Offset(clampInt(x, b.width-1), clampInt(y, b.height-1))+c]
}

// Pixel returns a copy of all channels of pixel (x, y).
func (b *Buffer2D) Pixel(x, y int) []float64 {
	b.checkBounds(x, y, 0)
	i := b.Offset(x, y)
	out := make([]float64, b.channels)
	copy(out, b.Pix[i:i+b.channels])
	return out
}

// SameShape reports whether o has the same width, height and channel count.
func (b *Buffer2D) SameShape(o *Buffer2D) bool {
	return b.width == o.width && b.height == o.height && b.channels == o.channels
}

// SameSize reports whether o has the same width and height.
func (b *Buffer2D) SameSize(o *Buffer2D) bool {
	return b.width == o.width && b.height == o.height
}

// CopyFrom overwrites b with the contents of src, which must have the same shape.
func (b *Buffer2D) CopyFrom(src *Buffer2D) error {
	if !b.SameShape(src) {
		return &ShapeError{Op: "copy", Expected: b.Shape(), Actual: src.Shape()}
	}
	copy(b.Pix, src.Pix)
	return nil
}

// Clone returns a deep copy.
func (b *Buffer2D) Clone() *Buffer2D {
	pix := make([]float64, len(b.Pix))
	copy(pix, b.Pix)
	return &Buffer2D{Pix: pix, width: b.width, height: b.height, channels: b.channels}
}

// Fill sets every sample to v.
func (b *Buffer2D) Fill(v float64) {
	for i := range b.Pix {
		b.Pix[i] = v
	}
}

// Zero clears the buffer.
func (b *Buffer2D) Zero() {
	clear(b.Pix)
}

// Equal reports whether both buffers have the same shape and identical samples.
func (b *Buffer2D) Equal(o *Buffer2D) bool {
	if !b.SameShape(o) {
		return false
	}
	for i, v := range b.Pix {
		if v != o.Pix[i] {
			return false
		}
	}
	return true
}

// FirstNonFinite returns the location of the first NaN or Inf sample.
func (b *Buffer2D) FirstNonFinite() (x, y, c int, v float64, found bool) {
	for i, s := range b.Pix {
		if math.IsNaN(s) || math.IsInf(s, 0) {
			p := i / b.channels
			return p % b.width, p / b.width, i % b.channels, s, true
		}
	}
	return 0, 0, 0, 0, false
}

// Aliases reports whether the two buffers share backing storage.
func (b *Buffer2D) Aliases(o *Buffer2D) bool {
	if b == o {
		return true
	}
	if len(b.Pix) == 0 || len(o.Pix) == 0 {
		return false
	}
	return &b.Pix[0] == &o.Pix[0]
}

func clampInt(v, hi int) int {
	if v < 0 {
		return 0
	}
	if v > hi {
		return hi
	}
	return v
}
