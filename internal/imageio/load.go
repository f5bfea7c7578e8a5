// Package imageio converts between image files and engine buffers.
package imageio

import (
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"

	"github.com/cwbudde/demonsreg/internal/grid"
	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
)

// Image roles understood by Source implementations.
const (
	RoleFixed  = "fixed"
	RoleMoving = "moving"
)

// Source supplies the fixed and moving images as single-channel buffers with
// intensities in 0..255.
type Source interface {
	Load(role string) (*grid.Buffer2D, error)
}

// FileSource loads images from disk. When Width and Height are positive the
// decoded image is resampled to that size.
type FileSource struct {
	Fixed  string
	Moving string
	Width  int
	Height int
}

// Load decodes the image registered for role.
func (s FileSource) Load(role string) (*grid.Buffer2D, error) {
	var path string
	switch role {
	case RoleFixed:
		path = s.Fixed
	case RoleMoving:
		path = s.Moving
	default:
		return nil, fmt.Errorf("unknown image role %q", role)
	}
	if path == "" {
		return nil, fmt.Errorf("no %s image configured", role)
	}

	img, err := DecodeFile(path)
	if err != nil {
		return nil, err
	}
	if s.Width > 0 && s.Height > 0 {
		img = Resize(img, s.Width, s.Height)
	}

	buf := Luminance(img)
	slog.Info("Loaded image", "role", role, "path", path, "width", buf.Width(), "height", buf.Height())
	return buf, nil
}

// LoadPair loads the fixed and moving images from src.
func LoadPair(src Source) (fixed, moving *grid.Buffer2D, err error) {
	fixed, err = src.Load(RoleFixed)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load fixed image: %w", err)
	}
	moving, err = src.Load(RoleMoving)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load moving image: %w", err)
	}
	return fixed, moving, nil
}

// DecodeFile opens and decodes a PNG, JPEG, GIF, BMP or TIFF file.
func DecodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image %s: %w", path, err)
	}
	slog.Debug("Decoded image", "path", path, "format", format)
	return img, nil
}

// Resize resamples img to width x height with bilinear filtering.
func Resize(img image.Image, width, height int) image.Image {
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return img
	}
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}

// Luminance converts img to a single-channel buffer using Rec. 601 weights.
// Values are in 0..255 and alpha is ignored.
func Luminance(img image.Image) *grid.Buffer2D {
	b := img.Bounds()
	buf := grid.New(b.Dx(), b.Dy(), 1)

	if gray, ok := img.(*image.Gray); ok {
		for y := 0; y < b.Dy(); y++ {
			row := gray.Pix[gray.PixOffset(b.Min.X, b.Min.Y+y):]
			for x := 0; x < b.Dx(); x++ {
				buf.Set(x, y, 0, float64(row[x]))
			}
		}
		return buf
	}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBA64Model.Convert(img.At(x, y)).(color.NRGBA64)
			l := 0.299*float64(c.R) + 0.587*float64(c.G) + 0.114*float64(c.B)
			buf.Set(x-b.Min.X, y-b.Min.Y, 0, l/257)
		}
	}
	return buf
}
