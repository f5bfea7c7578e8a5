package imageio

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/cwbudde/demonsreg/internal/grid"
	"github.com/lucasb-eyer/go-colorful"
)

// DefaultDisplayScale maps image intensities 0..255 onto the full grey range.
const DefaultDisplayScale = 1.0

// IsSigned reports whether the named scalar buffer holds signed values that
// should be shown around mid-grey.
func IsSigned(name string) bool {
	return name == "difference"
}

// GrayImage renders channel c of buf as 8-bit grey: v*scale, or
// 128 + v*scale when signed. Values are clamped to 0..255.
func GrayImage(buf *grid.Buffer2D, c int, scale float64, signed bool) *image.Gray {
	w, h := buf.Width(), buf.Height()
	img := image.NewGray(image.Rect(0, 0, w, h))
	offset := 0.0
	if signed {
		offset = 128
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Pix[y*img.Stride+x] = clampByte(offset + buf.At(x, y, c)*scale)
		}
	}
	return img
}

// FlowImage renders a 2-channel vector field on a colour wheel: hue is the
// direction, value is the length times scale, saturated at 1.
func FlowImage(field *grid.Buffer2D, scale float64) *image.NRGBA {
	w, h := field.Width(), field.Height()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			vx, vy := field.At(x, y, 0), field.At(x, y, 1)
			hue := math.Atan2(vy, vx) * 180 / math.Pi
			if hue < 0 {
				hue += 360
			}
			value := math.Min(1, math.Hypot(vx, vy)*scale)
			if math.IsNaN(value) {
				value = 0
			}
			r, g, b := colorful.Hsv(hue, 1, value).Clamped().RGB255()
			img.SetNRGBA(x, y, color.NRGBA{R: r, G: g, B: b, A: 255})
		}
	}
	return img
}

// Render picks the rendering for buf: grey for one channel, colour wheel for
// vector fields.
func Render(name string, buf *grid.Buffer2D, scale float64) (image.Image, error) {
	switch buf.Channels() {
	case 1:
		return GrayImage(buf, 0, scale, IsSigned(name)), nil
	case 2:
		return FlowImage(buf, scale), nil
	default:
		return nil, fmt.Errorf("cannot render %d-channel buffer %s", buf.Channels(), name)
	}
}

// EncodePNG renders buf and writes it to w as PNG.
func EncodePNG(w io.Writer, name string, buf *grid.Buffer2D, scale float64) error {
	img, err := Render(name, buf, scale)
	if err != nil {
		return err
	}
	if err := png.Encode(w, img); err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	return nil
}

// Presenter shows a named buffer to the user.
type Presenter interface {
	Present(name string, buf *grid.Buffer2D, displayScale float64) error
}

// DirPresenter writes every presented buffer to <Dir>/<name>.png.
type DirPresenter struct {
	Dir string
}

// Present renders buf and replaces <Dir>/<name>.png.
func (p DirPresenter) Present(name string, buf *grid.Buffer2D, displayScale float64) error {
	if err := os.MkdirAll(p.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	path := filepath.Join(p.Dir, name+".png")
	tempPath := path + ".tmp"
	f, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	if err := EncodePNG(f, name, buf, displayScale); err != nil {
		f.Close()
		os.Remove(tempPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close output: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename output: %w", err)
	}
	return nil
}

func clampByte(v float64) uint8 {
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(math.Round(v))
	}
}
