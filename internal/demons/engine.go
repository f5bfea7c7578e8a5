// Package demons implements dense 2D image registration with the iterative
// demons algorithm.
//
// An Engine owns every intermediate buffer of the pipeline and advances the
// displacement field r one iteration at a time:
//
//  1. displaced = Displace(moving, r, Scale), smoothed by ImageSigma
//  2. fixedSmoothed = fixed smoothed by ImageSigma
//  3. fixedGradient = Gradient(fixedSmoothed), smoothed by GradientSigma
//  4. movingGradient = Gradient(displaced), smoothed by GradientSigma
//  5. dr = ComputeForce(...), smoothed by DrSigma
//  6. r = r + dr (through scratch B), smoothed by RSigma
//  7. difference = displaced - fixedSmoothed
//
// Iterations are strictly sequential; the kernels inside one iteration are
// parallel over row bands.
package demons

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cwbudde/demonsreg/internal/grid"
)

// State is the engine's run state.
type State int32

const (
	StateIdle State = iota
	StateStepping
)

func (s State) String() string {
	if s == StateStepping {
		return "stepping"
	}
	return "idle"
}

// IterationStats is reported to the Observer after every iteration. Cost is
// the mean squared difference between the warped moving image and the fixed
// image at the start of the iteration, i.e. under the previous r.
type IterationStats struct {
	Iteration        int     `json:"iteration"`
	Cost             float64 `json:"cost"`
	MaxDisplacement  float64 `json:"maxDisplacement"`
	MeanDisplacement float64 `json:"meanDisplacement"`
}

// Observer receives per-iteration statistics. It runs on the stepping
// goroutine between iterations and may call Inspect or Snapshot.
type Observer func(IterationStats)

// RunResult summarizes one Run call.
type RunResult struct {
	Iterations      int     `json:"iterations"`
	TotalIterations int     `json:"totalIterations"`
	InitialCost     float64 `json:"initialCost"`
	FinalCost       float64 `json:"finalCost"`
	Converged       bool    `json:"converged"`
}

// Engine runs demons iterations over a fixed set of named buffers.
type Engine struct {
	mu       sync.Mutex
	state    atomic.Int32
	params   Params
	kernels  Kernels
	smoother *Smoother
	bufs     [numBuffers]*grid.Buffer2D
	width    int
	height   int

	iteration int
	last      IterationStats
	mags      []float64
	observer  Observer
}

// NewEngine validates the inputs and allocates every pipeline buffer. fixed
// and moving must be single-channel and of identical size; they are copied,
// so later changes by the caller do not affect the engine.
func NewEngine(fixed, moving *grid.Buffer2D, params Params) (*Engine, error) {
	if fixed == nil {
		return nil, &ConfigurationError{Field: "fixed", Reason: "image is required"}
	}
	if moving == nil {
		return nil, &ConfigurationError{Field: "moving", Reason: "image is required"}
	}
	if fixed.Channels() != 1 {
		return nil, &ConfigurationError{Field: "fixed", Reason: fmt.Sprintf("must have 1 channel, has %d", fixed.Channels())}
	}
	if moving.Channels() != 1 {
		return nil, &ConfigurationError{Field: "moving", Reason: fmt.Sprintf("must have 1 channel, has %d", moving.Channels())}
	}
	if !fixed.SameSize(moving) {
		return nil, &ConfigurationError{
			Field:  "moving",
			Reason: fmt.Sprintf("size %dx%d does not match fixed %dx%d", moving.Width(), moving.Height(), fixed.Width(), fixed.Height()),
		}
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		params:  params,
		kernels: Kernels{Workers: params.Workers},
		width:   fixed.Width(),
		height:  fixed.Height(),
		mags:    make([]float64, fixed.Width()*fixed.Height()),
	}
	e.smoother = NewSmoother(e.kernels)
	for _, id := range BufferIDs() {
		e.bufs[id] = grid.New(e.width, e.height, id.Channels())
	}
	copy(e.bufs[BufFixed].Pix, fixed.Pix)
	copy(e.bufs[BufMoving].Pix, moving.Pix)

	slog.Debug("Registration engine created",
		"width", e.width,
		"height", e.height,
		"scale", params.Scale,
		"dr_sigma", params.DrSigma,
		"r_sigma", params.RSigma,
		"backend", DetectBackend().String(),
	)
	return e, nil
}

// Params returns the engine's numeric recipe.
func (e *Engine) Params() Params { return e.params }

// Size returns the image dimensions shared by every buffer.
func (e *Engine) Size() (width, height int) { return e.width, e.height }

// State reports whether a run is in flight.
func (e *Engine) State() State { return State(e.state.Load()) }

// SetObserver installs fn to receive per-iteration statistics. Call it before
// running.
func (e *Engine) SetObserver(fn Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observer = fn
}

// Iterations returns the number of completed iterations.
func (e *Engine) Iterations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.iteration
}

// LastStats returns the statistics of the most recent iteration.
func (e *Engine) LastStats() IterationStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Run executes count iterations. The context is checked between iterations;
// a cancelled run keeps the iterations that finished. A NaN or Inf in any
// step output aborts with a *NumericAnomalyError.
func (e *Engine) Run(ctx context.Context, count int) (*RunResult, error) {
	return e.run(ctx, count, nil)
}

// RunUntilConverged runs up to maxCount iterations and stops early once the
// cost plateaus according to cfg.
func (e *Engine) RunUntilConverged(ctx context.Context, maxCount int, cfg ConvergenceConfig) (*RunResult, error) {
	return e.run(ctx, maxCount, NewConvergenceTracker(cfg))
}

func (e *Engine) run(ctx context.Context, count int, tracker *ConvergenceTracker) (*RunResult, error) {
	if count < 0 {
		return nil, &ConfigurationError{Field: "count", Reason: "cannot be negative"}
	}
	if !e.state.CompareAndSwap(int32(StateIdle), int32(StateStepping)) {
		return nil, ErrBusy
	}
	defer e.state.Store(int32(StateIdle))

	slog.Debug("Running demons iterations", "count", count, "start_iteration", e.Iterations())

	result := &RunResult{}
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			result.TotalIterations = e.Iterations()
			return result, fmt.Errorf("run cancelled after %d of %d iterations: %w", i, count, err)
		}

		stats, observer, err := e.iterate()
		if err != nil {
			result.TotalIterations = e.Iterations()
			slog.Error("Demons iteration failed", "error", err)
			return result, err
		}

		result.Iterations++
		if i == 0 {
			result.InitialCost = stats.Cost
		}
		result.FinalCost = stats.Cost

		if observer != nil {
			observer(stats)
		}
		if tracker != nil && tracker.Update(stats.Cost) {
			result.Converged = true
			break
		}
	}

	result.TotalIterations = e.Iterations()
	slog.Debug("Demons iterations complete",
		"iterations", result.Iterations,
		"total_iterations", result.TotalIterations,
		"final_cost", result.FinalCost,
	)
	return result, nil
}

// iterate runs one full iteration under the engine lock.
func (e *Engine) iterate() (IterationStats, Observer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.params
	b := &e.bufs
	k := e.kernels
	s := e.smoother

	k.Displace(b[BufDisplaced], b[BufMoving], b[BufDisplacement], p.Scale, p.Delta)
	if err := e.check(StepDisplace, BufDisplaced); err != nil {
		return IterationStats{}, nil, err
	}
	s.Smooth(b[BufDisplaced], b[BufScratchA], p.ImageSigma, p.Delta)
	if err := e.check(StepSmoothDisplaced, BufDisplaced); err != nil {
		return IterationStats{}, nil, err
	}

	if err := b[BufFixedSmoothed].CopyFrom(b[BufFixed]); err != nil {
		return IterationStats{}, nil, err
	}
	s.Smooth(b[BufFixedSmoothed], b[BufScratchA], p.ImageSigma, p.Delta)
	if err := e.check(StepSmoothFixed, BufFixedSmoothed); err != nil {
		return IterationStats{}, nil, err
	}

	k.Gradient(b[BufFixedGradient], b[BufFixedSmoothed], p.Delta)
	s.Smooth(b[BufFixedGradient], b[BufScratchB], p.GradientSigma, p.Delta)
	if err := e.check(StepFixedGradient, BufFixedGradient); err != nil {
		return IterationStats{}, nil, err
	}

	k.Gradient(b[BufMovingGradient], b[BufDisplaced], p.Delta)
	s.Smooth(b[BufMovingGradient], b[BufScratchB], p.GradientSigma, p.Delta)
	if err := e.check(StepMovingGradient, BufMovingGradient); err != nil {
		return IterationStats{}, nil, err
	}

	k.ComputeForce(b[BufDelta], b[BufFixedSmoothed], b[BufFixedGradient], b[BufDisplaced], b[BufMovingGradient], p.Spacing, p.Epsilon)
	s.Smooth(b[BufDelta], b[BufScratchB], p.DrSigma, p.Delta)
	if err := e.check(StepForce, BufDelta); err != nil {
		return IterationStats{}, nil, err
	}

	// r+dr goes to B first; r is only replaced once the sum is known finite.
	k.Update(b[BufScratchB], b[BufDisplacement], b[BufDelta])
	if err := e.check(StepUpdate, BufScratchB); err != nil {
		return IterationStats{}, nil, err
	}
	if err := b[BufDisplacement].CopyFrom(b[BufScratchB]); err != nil {
		return IterationStats{}, nil, err
	}
	s.Smooth(b[BufDisplacement], b[BufScratchB], p.RSigma, p.Delta)
	if err := e.check(StepSmoothR, BufDisplacement); err != nil {
		return IterationStats{}, nil, err
	}

	if !p.SkipDifference {
		k.Difference(b[BufDifference], b[BufDisplaced], b[BufFixedSmoothed])
		if err := e.check(StepDifference, BufDifference); err != nil {
			return IterationStats{}, nil, err
		}
	}

	maxLen, meanLen := DisplacementStats(b[BufDisplacement], e.mags)
	stats := IterationStats{
		Iteration:        e.iteration,
		Cost:             MeanSquaredError(b[BufDisplaced], b[BufFixedSmoothed]),
		MaxDisplacement:  maxLen,
		MeanDisplacement: meanLen,
	}
	e.iteration++
	e.last = stats

	slog.Debug("Demons iteration",
		"iteration", stats.Iteration,
		"cost", stats.Cost,
		"max_displacement", stats.MaxDisplacement,
	)
	return stats, e.observer, nil
}

func (e *Engine) check(step Step, id BufferID) error {
	x, y, c, v, found := e.bufs[id].FirstNonFinite()
	if !found {
		return nil
	}
	return &NumericAnomalyError{
		Iteration: e.iteration,
		Step:      step,
		Buffer:    id,
		X:         x,
		Y:         y,
		Channel:   c,
		Value:     v,
	}
}

// Reset zeroes the displacement field. Images, parameters and the iteration
// counter are kept. While a run is in flight it applies between iterations.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bufs[BufDisplacement].Zero()
	slog.Debug("Displacement field reset", "iteration", e.iteration)
}

// Inspect returns every channel of pixel (x, y) of the named buffer.
func (e *Engine) Inspect(id BufferID, x, y int) ([]float64, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownBuffer, int(id))
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	b := e.bufs[id]
	if !b.InBounds(x, y) {
		return nil, fmt.Errorf("%w: (%d,%d) outside %dx%d", ErrOutOfBounds, x, y, e.width, e.height)
	}
	return b.Pixel(x, y), nil
}

// Snapshot returns a copy of the named buffer.
func (e *Engine) Snapshot(id BufferID) (*grid.Buffer2D, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownBuffer, int(id))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bufs[id].Clone(), nil
}

// Displacement returns a copy of the current displacement field r.
func (e *Engine) Displacement() *grid.Buffer2D {
	r, _ := e.Snapshot(BufDisplacement)
	return r
}

// Capture returns a copy of r with the iteration count and statistics that
// produced it, read under one lock.
func (e *Engine) Capture() (r *grid.Buffer2D, iteration int, last IterationStats) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bufs[BufDisplacement].Clone(), e.iteration, e.last
}

// Restore replaces r and the iteration counter, e.g. when resuming from a
// checkpoint. r must be a WxHx2 field.
func (e *Engine) Restore(r *grid.Buffer2D, iteration int) error {
	if r == nil || r.Width() != e.width || r.Height() != e.height || r.Channels() != 2 {
		shape := "nil"
		if r != nil {
			shape = r.Shape()
		}
		return &ConfigurationError{
			Field:  "r",
			Reason: fmt.Sprintf("must be %dx%dx2, got %s", e.width, e.height, shape),
		}
	}
	if iteration < 0 {
		return &ConfigurationError{Field: "iteration", Reason: "cannot be negative"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.bufs[BufDisplacement].CopyFrom(r); err != nil {
		return err
	}
	e.iteration = iteration
	return nil
}

// Metrics computes match quality for the current r by warping the moving
// image with it. Pipeline buffers are left untouched.
func (e *Engine) Metrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.params
	warped := grid.New(e.width, e.height, 1)
	e.kernels.Displace(warped, e.bufs[BufMoving], e.bufs[BufDisplacement], p.Scale, p.Delta)
	s := NewSmoother(e.kernels)
	scratch := grid.New(e.width, e.height, 1)
	s.Smooth(warped, scratch, p.ImageSigma, p.Delta)

	fixed := e.bufs[BufFixed].Clone()
	s.Smooth(fixed, scratch, p.ImageSigma, p.Delta)

	maxLen, meanLen := DisplacementStats(e.bufs[BufDisplacement], nil)
	return Metrics{
		Iterations:       e.iteration,
		MSE:              MeanSquaredError(warped, fixed),
		NCC:              NormalizedCrossCorrelation(warped, fixed),
		MaxDisplacement:  maxLen,
		MeanDisplacement: meanLen,
	}
}
