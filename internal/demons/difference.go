package demons

import "github.com/cwbudde/demonsreg/internal/grid"

// Difference writes moving - fixed into dst. It is for monitoring only.
func (k Kernels) Difference(dst, moving, fixed *grid.Buffer2D) {
	w, h, ch := fixed.Width(), fixed.Height(), fixed.Channels()
	mustShape("difference", "moving", moving, w, h, ch)
	mustShape("difference", "destination", dst, w, h, ch)
	mustNotAlias("difference", dst, moving, fixed)

	stride := fixed.Stride()
	k.forRows(h, func(y0, y1 int) {
		for i := y0 * stride; i < y1*stride; i++ {
			dst.Pix[i] = moving.Pix[i] - fixed.Pix[i]
		}
	})
}
