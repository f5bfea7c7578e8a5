package opt

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"github.com/cwbudde/mayfly"
)

// MinPopulation is the smallest population mayfly accepts.
const MinPopulation = 20

// MayflyAdapter runs the Mayfly algorithm on the unit cube and maps
// positions onto per-dimension bounds, since mayfly only takes scalar bounds.
type MayflyAdapter struct {
	maxIters int
	popSize  int
	seed     int64
}

// NewMayfly creates a Mayfly optimizer. popSize is raised to MinPopulation.
func NewMayfly(maxIters, popSize int, seed int64) *MayflyAdapter {
	return &MayflyAdapter{
		maxIters: maxIters,
		popSize:  max(popSize, MinPopulation),
		seed:     seed,
	}
}

// Run minimizes eval over [lower, upper].
func (m *MayflyAdapter) Run(eval func([]float64) float64, lower, upper []float64) ([]float64, float64, error) {
	if err := checkBounds(lower, upper); err != nil {
		return nil, 0, err
	}
	dim := len(lower)
	scratch := make([]float64, dim)

	config := mayfly.NewDefaultConfig()
	config.ObjectiveFunc = func(u []float64) float64 {
		Denormalize(scratch, u, lower, upper)
		return eval(scratch)
	}
	config.ProblemSize = dim
	config.MaxIterations = m.maxIters
	config.NPop = m.popSize
	config.LowerBound = 0
	config.UpperBound = 1
	config.Rand = rand.New(rand.NewSource(m.seed))

	slog.Debug("Starting mayfly search", "dim", dim, "iterations", m.maxIters, "population", m.popSize, "seed", m.seed)

	result, err := mayfly.Optimize(config)
	if err != nil {
		return nil, 0, fmt.Errorf("mayfly optimization failed: %w", err)
	}

	best := make([]float64, dim)
	Denormalize(best, result.GlobalBest.Position, lower, upper)
	return best, result.GlobalBest.Cost, nil
}

// Denormalize maps unit-cube coordinates u onto [lower, upper], clamping
// coordinates that stray outside [0, 1].
func Denormalize(dst, u, lower, upper []float64) {
	for i := range dst {
		t := math.Max(0, math.Min(1, u[i]))
		dst[i] = lower[i] + t*(upper[i]-lower[i])
	}
}
