package demons

import "github.com/cwbudde/demonsreg/internal/grid"

// Update writes r + dr into dst. dst must be a separate buffer so readers of
// r keep seeing the pre-update field until the caller copies dst back.
func (k Kernels) Update(dst, r, dr *grid.Buffer2D) {
	w, h := r.Width(), r.Height()
	mustShape("update", "displacement", r, w, h, 2)
	mustShape("update", "delta", dr, w, h, 2)
	mustShape("update", "destination", dst, w, h, 2)
	mustNotAlias("update", dst, r, dr)

	stride := r.Stride()
	k.forRows(h, func(y0, y1 int) {
		for i := y0 * stride; i < y1*stride; i++ {
			dst.Pix[i] = r.Pix[i] + dr.Pix[i]
		}
	})
}
