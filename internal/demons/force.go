package demons

import "github.com/cwbudde/demonsreg/internal/grid"

// DefaultEpsilon is the denominator below which the demons force is zero.
const DefaultEpsilon = 1e-9

// ComputeForce writes the symmetric demons force into the 2-channel dst:
//
//	diff  = fixed - moving
//	g     = fixedGrad + movingGrad
//	dst   = spacing^2 * diff * g / (|g|^2 + diff^2/spacing^2)
//
// Where the denominator is below epsilon (flat, matching regions) the force
// is zero. The magnitude is bounded by spacing^3/2.
func (k Kernels) ComputeForce(dst, fixed, fixedGrad, moving, movingGrad *grid.Buffer2D, spacing, epsilon float64) {
	w, h := fixed.Width(), fixed.Height()
	mustShape("force", "fixed", fixed, w, h, 1)
	mustShape("force", "moving", moving, w, h, 1)
	mustShape("force", "fixed gradient", fixedGrad, w, h, 2)
	mustShape("force", "moving gradient", movingGrad, w, h, 2)
	mustShape("force", "destination", dst, w, h, 2)
	mustNotAlias("force", dst, fixed, fixedGrad, moving, movingGrad)

	spacing2 := spacing * spacing
	invSpacing2 := 1 / spacing2
	k.forRows(h, func(y0, y1 int) {
		for y := y0; y < y1; y++ {
			for x := 0; x < w; x++ {
				p := y*w + x
				gi := 2 * p
				diff := fixed.Pix[p] - moving.Pix[p]
				gx := fixedGrad.Pix[gi] + movingGrad.Pix[gi]
				gy := fixedGrad.Pix[gi+1] + movingGrad.Pix[gi+1]

				denom := gx*gx + gy*gy + diff*diff*invSpacing2
				if denom < epsilon {
					dst.Pix[gi] = 0
					dst.Pix[gi+1] = 0
					continue
				}
				f := spacing2 * diff / denom
				dst.Pix[gi] = f * gx
				dst.Pix[gi+1] = f * gy
			}
		}
	})
}
