// Package tune searches demons parameters that minimize the image cost of a
// fixed-length registration run.
package tune

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/demonsreg/internal/demons"
	"github.com/cwbudde/demonsreg/internal/grid"
	"github.com/cwbudde/demonsreg/internal/opt"
)

// PenaltyCost is returned for parameter sets whose run fails.
const PenaltyCost = 1e30

// Dimension is one tunable parameter and its search interval.
type Dimension struct {
	Name  string
	Lower float64
	Upper float64
	apply func(*demons.Params, float64)
}

// DefaultSearchSpace tunes warp scale and the three regularization sigmas.
func DefaultSearchSpace() []Dimension {
	return []Dimension{
		{Name: "scale", Lower: 0.05, Upper: 1, apply: func(p *demons.Params, v float64) { p.Scale = v }},
		{Name: "drSigma", Lower: 0, Upper: 20, apply: func(p *demons.Params, v float64) { p.DrSigma = v }},
		{Name: "rSigma", Lower: 0, Upper: 5, apply: func(p *demons.Params, v float64) { p.RSigma = v }},
		{Name: "imageSigma", Lower: 0, Upper: 3, apply: func(p *demons.Params, v float64) { p.ImageSigma = v }},
	}
}

// Apply returns base with the search position x written into it.
func Apply(space []Dimension, base demons.Params, x []float64) demons.Params {
	p := base
	for i, d := range space {
		d.apply(&p, x[i])
	}
	return p
}

// Result is the outcome of a search.
type Result struct {
	Params demons.Params `json:"params"`
	// Cost is the mean squared error after EvalSteps iterations with Params.
	Cost float64 `json:"cost"`
	// BaseCost is the same measure for the untuned base parameters.
	BaseCost    float64       `json:"baseCost"`
	Evaluations int           `json:"evaluations"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Tuner evaluates candidate parameters on one image pair.
type Tuner struct {
	Fixed     *grid.Buffer2D
	Moving    *grid.Buffer2D
	Base      demons.Params
	Space     []Dimension
	EvalSteps int
	Optimizer opt.Optimizer
}

// Evaluate runs EvalSteps iterations with p and returns the resulting MSE.
func (t *Tuner) Evaluate(ctx context.Context, p demons.Params) (float64, error) {
	e, err := demons.NewEngine(t.Fixed, t.Moving, p)
	if err != nil {
		return 0, err
	}
	if _, err := e.Run(ctx, t.EvalSteps); err != nil {
		return 0, err
	}
	return e.Metrics().MSE, nil
}

// Run searches the space and reports the best parameters found. Failing
// candidates (invalid values, numeric anomalies) score PenaltyCost.
func (t *Tuner) Run(ctx context.Context) (*Result, error) {
	if t.EvalSteps <= 0 {
		return nil, &demons.ConfigurationError{Field: "evalSteps", Reason: "must be positive"}
	}
	if len(t.Space) == 0 {
		t.Space = DefaultSearchSpace()
	}

	baseCost, err := t.Evaluate(ctx, t.Base)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate base parameters: %w", err)
	}

	lower := make([]float64, len(t.Space))
	upper := make([]float64, len(t.Space))
	for i, d := range t.Space {
		lower[i], upper[i] = d.Lower, d.Upper
	}

	start := time.Now()
	evaluations := 0
	objective := func(x []float64) float64 {
		if ctx.Err() != nil {
			return PenaltyCost
		}
		evaluations++
		cost, err := t.Evaluate(ctx, Apply(t.Space, t.Base, x))
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				slog.Debug("Candidate failed", "error", err)
			}
			return PenaltyCost
		}
		return cost
	}

	best, cost, err := t.Optimizer.Run(objective, lower, upper)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("tuning cancelled after %d evaluations: %w", evaluations, err)
	}

	result := &Result{
		Params:      Apply(t.Space, t.Base, best),
		Cost:        cost,
		BaseCost:    baseCost,
		Evaluations: evaluations,
		Elapsed:     time.Since(start),
	}
	if baseCost <= cost {
		result.Params = t.Base
		result.Cost = baseCost
	}

	slog.Info("Tuning complete",
		"evaluations", evaluations,
		"base_cost", baseCost,
		"best_cost", result.Cost,
		"elapsed", result.Elapsed,
	)
	return result, nil
}
