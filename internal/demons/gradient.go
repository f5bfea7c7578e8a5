package demons

import "github.com/cwbudde/demonsreg/internal/grid"

// Gradient writes the central-difference gradient of the scalar image img
// into the 2-channel dst: (I(x+1)-I(x-1))/(2*delta) and the same along y.
// At the borders the missing neighbour repeats the edge pixel, so the
// difference spans one pixel there while the denominator stays 2*delta.
func (k Kernels) Gradient(dst, img *grid.Buffer2D, delta float64) {
	w, h := img.Width(), img.Height()
	mustShape("gradient", "image", img, w, h, 1)
	mustShape("gradient", "destination", dst, w, h, 2)
	mustNotAlias("gradient", dst, img)

	inv := 1 / (2 * delta)
	k.forRows(h, func(y0, y1 int) {
		for y := y0; y < y1; y++ {
			for x := 0; x < w; x++ {
				gx := (img.AtClamped(x+1, y, 0) - img.AtClamped(x-1, y, 0)) * inv
				gy := (img.AtClamped(x, y+1, 0) - img.AtClamped(x, y-1, 0)) * inv
				out := dst.Offset(x, y)
				dst.Pix[out] = gx
				dst.Pix[out+1] = gy
			}
		}
	})
}
