package demons

import (
	"log/slog"
	"math"
)

// ConvergenceConfig controls early stopping on a plateau of the image cost.
type ConvergenceConfig struct {
	// Enabled turns early stopping on; Run ignores it and always runs count iterations.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Patience is the number of iterations without significant improvement
	// tolerated before stopping.
	Patience int `yaml:"patience" json:"patience"`

	// Threshold is the minimum relative improvement (oldCost-newCost)/oldCost
	// that counts as progress.
	Threshold float64 `yaml:"threshold" json:"threshold"`
}

// DefaultConvergenceConfig stops after 10 iterations improving less than 0.1%.
func DefaultConvergenceConfig() ConvergenceConfig {
	return ConvergenceConfig{
		Enabled:   true,
		Patience:  10,
		Threshold: 0.001,
	}
}

// ConvergenceTracker tracks cost history and detects a plateau.
type ConvergenceTracker struct {
	config          ConvergenceConfig
	costHistory     []float64
	bestCost        float64
	lastSignificant float64
	staleCount      int
}

// NewConvergenceTracker creates a tracker with the given config.
func NewConvergenceTracker(config ConvergenceConfig) *ConvergenceTracker {
	return &ConvergenceTracker{
		config:          config,
		bestCost:        math.Inf(1),
		lastSignificant: math.Inf(1),
	}
}

// Update records a cost and returns true once the plateau exceeds Patience.
func (c *ConvergenceTracker) Update(cost float64) bool {
	if !c.config.Enabled {
		return false
	}

	c.costHistory = append(c.costHistory, cost)
	if cost < c.bestCost {
		c.bestCost = cost
	}

	if len(c.costHistory) == 1 {
		c.lastSignificant = cost
		return false
	}

	// A perfect match cannot improve further.
	var relativeImprovement float64
	if c.lastSignificant > 0 {
		relativeImprovement = (c.lastSignificant - cost) / c.lastSignificant
	}

	if relativeImprovement >= c.config.Threshold && relativeImprovement > 0 {
		c.lastSignificant = cost
		c.staleCount = 0
		slog.Debug("Cost improvement detected",
			"cost", cost,
			"relative_improvement", relativeImprovement,
		)
		return false
	}

	c.staleCount++
	if c.staleCount >= c.config.Patience {
		slog.Info("Convergence detected - stopping early",
			"stale_count", c.staleCount,
			"patience", c.config.Patience,
			"best_cost", c.bestCost,
		)
		return true
	}
	return false
}

// BestCost returns the lowest cost seen.
func (c *ConvergenceTracker) BestCost() float64 {
	return c.bestCost
}

// History returns a copy of the cost history.
func (c *ConvergenceTracker) History() []float64 {
	return append([]float64{}, c.costHistory...)
}

// StaleCount returns the number of iterations since the last significant improvement.
func (c *ConvergenceTracker) StaleCount() int {
	return c.staleCount
}

// Reset clears the tracker.
func (c *ConvergenceTracker) Reset() {
	c.costHistory = nil
	c.bestCost = math.Inf(1)
	c.lastSignificant = math.Inf(1)
	c.staleCount = 0
}
