// Package opt wraps black-box optimizers behind a bounded minimization API.
package opt

import "fmt"

// Optimizer minimizes eval over the box [lower, upper]. Bounds may differ
// per dimension; the dimensionality is len(lower).
type Optimizer interface {
	Run(eval func([]float64) float64, lower, upper []float64) ([]float64, float64, error)
}

// BoundsError reports unusable search bounds.
type BoundsError struct {
	Dim    int
	Reason string
}

func (e *BoundsError) Error() string {
	if e.Dim < 0 {
		return "invalid bounds: " + e.Reason
	}
	return fmt.Sprintf("invalid bounds for dimension %d: %s", e.Dim, e.Reason)
}

func checkBounds(lower, upper []float64) error {
	if len(lower) == 0 {
		return &BoundsError{Dim: -1, Reason: "no dimensions"}
	}
	if len(lower) != len(upper) {
		return &BoundsError{Dim: -1, Reason: fmt.Sprintf("%d lower vs %d upper bounds", len(lower), len(upper))}
	}
	for i := range lower {
		if !(lower[i] <= upper[i]) {
			return &BoundsError{Dim: i, Reason: fmt.Sprintf("lower %v exceeds upper %v", lower[i], upper[i])}
		}
	}
	return nil
}
