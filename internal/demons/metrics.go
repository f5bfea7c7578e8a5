package demons

import (
	"math"

	"github.com/cwbudde/demonsreg/internal/grid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Metrics summarizes how well the warped moving image matches the fixed one.
type Metrics struct {
	Iterations       int     `json:"iterations"`
	MSE              float64 `json:"mse"`
	NCC              float64 `json:"ncc"`
	MaxDisplacement  float64 `json:"maxDisplacement"`
	MeanDisplacement float64 `json:"meanDisplacement"`
}

// MeanSquaredError returns the mean of (a-b)^2 over all samples.
func MeanSquaredError(a, b *grid.Buffer2D) float64 {
	if !a.SameShape(b) {
		panic("demons: mean squared error: buffer shapes must match")
	}
	d := floats.Distance(a.Pix, b.Pix, 2)
	return d * d / float64(len(a.Pix))
}

// NormalizedCrossCorrelation returns the Pearson correlation of the samples
// of a and b, or 0 when either buffer is constant.
func NormalizedCrossCorrelation(a, b *grid.Buffer2D) float64 {
	if !a.SameShape(b) {
		panic("demons: cross correlation: buffer shapes must match")
	}
	ncc := stat.Correlation(a.Pix, b.Pix, nil)
	if math.IsNaN(ncc) {
		return 0
	}
	return ncc
}

// DisplacementStats returns the largest and mean vector length of the
// 2-channel field r. mags is reused as scratch when it is large enough.
func DisplacementStats(r *grid.Buffer2D, mags []float64) (maxLen, meanLen float64) {
	n := r.Width() * r.Height()
	if cap(mags) < n {
		mags = make([]float64, n)
	}
	mags = mags[:n]
	for i := range mags {
		mags[i] = math.Hypot(r.Pix[2*i], r.Pix[2*i+1])
	}
	return floats.Max(mags), stat.Mean(mags, nil)
}
