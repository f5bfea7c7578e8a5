package demons

import (
	"math"

	"github.com/cwbudde/demonsreg/internal/grid"
)

// Displace warps src by the displacement field r: output pixel (x, y) is src
// sampled bilinearly at (x, y) + scale*r(x, y)/delta, with clamp-to-edge
// addressing. r is in physical units, delta converts it to pixels.
func (k Kernels) Displace(dst, src, r *grid.Buffer2D, scale, delta float64) {
	w, h, ch := src.Width(), src.Height(), src.Channels()
	mustShape("displace", "destination", dst, w, h, ch)
	mustShape("displace", "displacement", r, w, h, 2)
	mustNotAlias("displace", dst, src, r)

	factor := scale / delta
	k.forRows(h, func(y0, y1 int) {
		for y := y0; y < y1; y++ {
			for x := 0; x < w; x++ {
				ri := r.Offset(x, y)
				sx := float64(x) + factor*r.Pix[ri]
				sy := float64(y) + factor*r.Pix[ri+1]
				out := dst.Offset(x, y)
				for c := 0; c < ch; c++ {
					dst.Pix[out+c] = Bilinear(src, sx, sy, c)
				}
			}
		}
	})
}

// Bilinear samples channel c of b at the continuous pixel position (x, y).
// Integer positions return the stored sample exactly. Positions outside the
// buffer clamp to the nearest edge, however far away they are.
func Bilinear(b *grid.Buffer2D, x, y float64, c int) float64 {
	x = math.Min(math.Max(x, -1), float64(b.Width()))
	y = math.Min(math.Max(y, -1), float64(b.Height()))
	fx0 := math.Floor(x)
	fy0 := math.Floor(y)
	tx := x - fx0
	ty := y - fy0
	x0, y0 := int(fx0), int(fy0)

	v00 := b.AtClamped(x0, y0, c)
	v10 := b.AtClamped(x0+1, y0, c)
	v01 := b.AtClamped(x0, y0+1, c)
	v11 := b.AtClamped(x0+1, y0+1, c)

	if tx == 0 && ty == 0 {
		return v00
	}
	top := v00*(1-tx) + v10*tx
	bottom := v01*(1-tx) + v11*tx
	return top*(1-ty) + bottom*ty
}
