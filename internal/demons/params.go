package demons

import (
	"fmt"
	"math"
)

// Params is the numeric recipe of the demons iteration. Sigmas are in the
// same physical units as Delta; with Delta = 1 they are in pixels.
type Params struct {
	// ImageSigma smooths the displaced and fixed images before gradients.
	ImageSigma float64 `yaml:"imageSigma" json:"imageSigma"`
	// GradientSigma smooths both gradient fields.
	GradientSigma float64 `yaml:"gradientSigma" json:"gradientSigma"`
	// DrSigma smooths the force increment (fluid-like regularization).
	DrSigma float64 `yaml:"drSigma" json:"drSigma"`
	// RSigma smooths the accumulated field (elastic-like regularization).
	RSigma float64 `yaml:"rSigma" json:"rSigma"`

	// Scale is the fraction of r applied when warping the moving image.
	Scale float64 `yaml:"scale" json:"scale"`
	// Delta is the physical pixel spacing.
	Delta float64 `yaml:"delta" json:"delta"`
	// Spacing normalizes the intensity term of the force denominator and
	// scales the force by its square.
	Spacing float64 `yaml:"spacing" json:"spacing"`
	// Epsilon is the force denominator below which the force is zero.
	Epsilon float64 `yaml:"epsilon" json:"epsilon"`

	// Workers bounds kernel parallelism; 0 uses GOMAXPROCS.
	Workers int `yaml:"workers" json:"workers"`
	// SkipDifference disables the monitoring difference image.
	SkipDifference bool `yaml:"skipDifference" json:"skipDifference"`
}

// DefaultParams returns the default recipe in pixel units.
func DefaultParams() Params {
	return Params{
		ImageSigma:    0,
		GradientSigma: 0,
		DrSigma:       10,
		RSigma:        1,
		Scale:         0.2,
		Delta:         1,
		Spacing:       1,
		Epsilon:       DefaultEpsilon,
	}
}

// Validate rejects parameters the pipeline cannot run with.
func (p Params) Validate() error {
	sigmas := []struct {
		name  string
		value float64
	}{
		{"imageSigma", p.ImageSigma},
		{"gradientSigma", p.GradientSigma},
		{"drSigma", p.DrSigma},
		{"rSigma", p.RSigma},
	}
	for _, s := range sigmas {
		if !isFinite(s.value) || s.value < 0 {
			return &ConfigurationError{Field: s.name, Reason: fmt.Sprintf("must be a non-negative number, got %v", s.value)}
		}
	}
	if !isFinite(p.Scale) {
		return &ConfigurationError{Field: "scale", Reason: "must be finite"}
	}
	if !isFinite(p.Delta) || p.Delta <= 0 {
		return &ConfigurationError{Field: "delta", Reason: fmt.Sprintf("must be positive, got %v", p.Delta)}
	}
	if !isFinite(p.Spacing) || p.Spacing <= 0 {
		return &ConfigurationError{Field: "spacing", Reason: fmt.Sprintf("must be positive, got %v", p.Spacing)}
	}
	if !isFinite(p.Epsilon) || p.Epsilon < 0 {
		return &ConfigurationError{Field: "epsilon", Reason: "must be a non-negative number"}
	}
	if p.Workers < 0 {
		return &ConfigurationError{Field: "workers", Reason: "cannot be negative"}
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
