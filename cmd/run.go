package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cwbudde/demonsreg/internal/config"
	"github.com/cwbudde/demonsreg/internal/demons"
	"github.com/cwbudde/demonsreg/internal/grid"
	"github.com/cwbudde/demonsreg/internal/imageio"
	"github.com/cwbudde/demonsreg/internal/store"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	runImages     *imageFlags
	runEngine     *engineFlags
	runOutput     *outputFlags
	runCheckpoint bool
	runDataDir    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Register a moving image onto a fixed image",
	Long: `Runs demons iterations on an image pair and writes the requested buffers
as PNG images. With --checkpoint the displacement field and a cost trace are
saved under --data-dir so the run can be continued with "resume".`,
	RunE: runRegistration,
}

func init() {
	runImages = addImageFlags(runCmd)
	runEngine = addEngineFlags(runCmd)
	runOutput = addOutputFlags(runCmd)
	runCmd.Flags().BoolVar(&runCheckpoint, "checkpoint", false, "Save a checkpoint and cost trace after the run")
	runCmd.Flags().StringVar(&runDataDir, "data-dir", "./data", "Base directory for checkpoint storage")
	rootCmd.AddCommand(runCmd)
}

// outputFlags control iteration count and rendered buffers.
type outputFlags struct {
	steps        int
	converge     bool
	outDir       string
	buffers      []string
	displayScale float64
}

func addOutputFlags(cmd *cobra.Command) *outputFlags {
	f := &outputFlags{}
	flags := cmd.Flags()
	flags.IntVar(&f.steps, "steps", 100, "Number of iterations (1, 10 and 100 are typical)")
	flags.BoolVar(&f.converge, "converge", false, "Stop early once the cost plateaus")
	flags.StringVar(&f.outDir, "out", "out", "Directory for rendered buffers")
	flags.StringSliceVar(&f.buffers, "buffers", nil, "Buffers to render (e.g. displaced,difference,r)")
	flags.Float64Var(&f.displayScale, "display-scale", 1, "Multiplier applied to buffer values before rendering")
	return f
}

func (f *outputFlags) options(cmd *cobra.Command) runOptions {
	changed := cmd.Flags().Changed
	if changed("steps") {
		cfg.Run.Steps = f.steps
	}
	if changed("converge") {
		cfg.Run.Convergence.Enabled = f.converge
	}
	if changed("out") {
		cfg.Output.Dir = f.outDir
	}
	if changed("buffers") {
		cfg.Output.Buffers = f.buffers
	}
	if changed("display-scale") {
		cfg.Output.DisplayScale = f.displayScale
	}
	return runOptions{
		Steps:        cfg.Run.Steps,
		Convergence:  cfg.Run.Convergence,
		OutDir:       cfg.Output.Dir,
		Buffers:      cfg.Output.Buffers,
		DisplayScale: cfg.Output.DisplayScale,
		Trace:        cfg.Output.Trace,
	}
}

// runOptions describes one CLI run on an already built engine.
type runOptions struct {
	Steps        int
	Convergence  demons.ConvergenceConfig
	OutDir       string
	Buffers      []string
	DisplayScale float64

	// Store enables a checkpoint after the run; SessionID names it.
	Store     *store.FSStore
	SessionID string
	Session   store.SessionConfig
	// Trace writes per-iteration costs next to the checkpoint.
	Trace       bool
	AppendTrace bool
	// InitialCost is carried over from a resumed checkpoint.
	InitialCost    float64
	HasInitialCost bool
}

// runSummary is what a CLI run reports.
type runSummary struct {
	Result  *demons.RunResult
	Metrics demons.Metrics
	Elapsed time.Duration
	// InitialCost is the cost before the first iteration of the session.
	InitialCost float64
}

func runRegistration(cmd *cobra.Command, args []string) error {
	runImages.apply(cmd, &cfg.Images)
	runEngine.apply(cmd, &cfg.Engine)
	opts := runOutput.options(cmd)
	if err := cfg.Validate(); err != nil {
		return err
	}

	engine, err := newEngine(cfg.Images, cfg.Engine)
	if err != nil {
		return err
	}
	width, height := engine.Size()

	if runCheckpoint {
		fsStore, err := store.NewFSStore(dataDir(cmd, runDataDir))
		if err != nil {
			return fmt.Errorf("failed to create checkpoint store: %w", err)
		}
		opts.Store = fsStore
		opts.SessionID = uuid.New().String()
		opts.Trace = true
		opts.Session = store.SessionConfig{
			FixedPath:  cfg.Images.Fixed,
			MovingPath: cfg.Images.Moving,
			Width:      width,
			Height:     height,
			Params:     cfg.Engine,
			Steps:      cfg.Run.Steps,
		}
	}

	slog.Info("Starting registration",
		"fixed", cfg.Images.Fixed,
		"moving", cfg.Images.Moving,
		"width", width,
		"height", height,
		"steps", opts.Steps,
		"backend", demons.DetectBackend().String(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := executeRun(ctx, engine, opts)
	if summary != nil {
		printSummary(summary, opts)
	}
	return err
}

// loadPair decodes the configured image pair.
func loadPair(images config.Images) (fixed, moving *grid.Buffer2D, err error) {
	return imageio.LoadPair(imageio.FileSource{
		Fixed:  images.Fixed,
		Moving: images.Moving,
		Width:  images.Width,
		Height: images.Height,
	})
}

func newEngine(images config.Images, params demons.Params) (*demons.Engine, error) {
	fixed, moving, err := loadPair(images)
	if err != nil {
		return nil, err
	}
	return demons.NewEngine(fixed, moving, params)
}

// sessionImages selects the image pair of a stored session at its stored size.
func sessionImages(session store.SessionConfig) config.Images {
	return config.Images{
		Fixed:  session.FixedPath,
		Moving: session.MovingPath,
		Width:  session.Width,
		Height: session.Height,
	}
}

// executeRun steps the engine, then writes the checkpoint and rendered
// buffers. An interrupted run still saves what it reached.
func executeRun(ctx context.Context, engine *demons.Engine, opts runOptions) (*runSummary, error) {
	var trace *store.TraceWriter
	var traceObserver demons.Observer
	var traceErr func() error
	if opts.Store != nil && opts.Trace {
		tw, err := store.NewTraceWriter(opts.Store.BaseDir(), opts.SessionID, opts.AppendTrace)
		if err != nil {
			return nil, err
		}
		trace = tw
		traceObserver, traceErr = tw.Observe()
	}

	engine.SetObserver(func(s demons.IterationStats) {
		slog.Debug("Iteration complete",
			"iteration", s.Iteration,
			"cost", s.Cost,
			"max_displacement", s.MaxDisplacement,
		)
		if traceObserver != nil {
			traceObserver(s)
		}
	})
	defer engine.SetObserver(nil)

	start := time.Now()
	var result *demons.RunResult
	var runErr error
	if opts.Convergence.Enabled {
		result, runErr = engine.RunUntilConverged(ctx, opts.Steps, opts.Convergence)
	} else {
		result, runErr = engine.Run(ctx, opts.Steps)
	}
	elapsed := time.Since(start)

	if trace != nil {
		if err := trace.Close(); err != nil {
			slog.Warn("Failed to close trace", "error", err)
		} else if err := traceErr(); err != nil {
			slog.Warn("Trace incomplete", "error", err)
		}
	}

	cancelled := errors.Is(runErr, context.Canceled)
	if runErr != nil && !cancelled {
		return nil, runErr
	}
	if cancelled {
		slog.Warn("Run interrupted", "iterations", result.Iterations)
	}

	summary := &runSummary{
		Result:      result,
		Metrics:     engine.Metrics(),
		Elapsed:     elapsed,
		InitialCost: result.InitialCost,
	}
	if opts.HasInitialCost {
		summary.InitialCost = opts.InitialCost
	}

	if opts.Store != nil {
		r, iteration, last := engine.Capture()
		checkpoint := store.NewCheckpoint(opts.SessionID, r, iteration, last.Cost, summary.InitialCost, opts.Session)
		if err := opts.Store.SaveCheckpoint(opts.SessionID, checkpoint); err != nil {
			return summary, err
		}
		slog.Info("Checkpoint saved", "session_id", opts.SessionID, "iteration", iteration)
	}

	if err := presentBuffers(engine, imageio.DirPresenter{Dir: opts.OutDir}, opts.Buffers, opts.DisplayScale); err != nil {
		return summary, err
	}

	if cancelled {
		return summary, runErr
	}
	return summary, nil
}

// presentBuffers renders the named engine buffers.
func presentBuffers(engine *demons.Engine, presenter imageio.Presenter, names []string, displayScale float64) error {
	for _, name := range names {
		id, err := demons.ParseBufferID(name)
		if err != nil {
			return err
		}
		buf, err := engine.Snapshot(id)
		if err != nil {
			return err
		}
		if err := presenter.Present(id.String(), buf, displayScale); err != nil {
			return fmt.Errorf("failed to present %s: %w", name, err)
		}
	}
	return nil
}

func printSummary(s *runSummary, opts runOptions) {
	rate := 0.0
	if s.Elapsed > 0 {
		rate = float64(s.Result.Iterations) / s.Elapsed.Seconds()
	}

	slog.Info("Registration complete",
		"iterations", s.Result.Iterations,
		"total_iterations", s.Result.TotalIterations,
		"converged", s.Result.Converged,
		"initial_cost", s.InitialCost,
		"final_cost", s.Metrics.MSE,
		"ncc", s.Metrics.NCC,
		"elapsed", s.Elapsed,
	)

	fmt.Printf("Ran %d iterations (total %d, %.1f it/s)\n", s.Result.Iterations, s.Result.TotalIterations, rate)
	fmt.Printf("  Cost: %.4f -> %.4f (NCC %.4f)\n", s.InitialCost, s.Metrics.MSE, s.Metrics.NCC)
	fmt.Printf("  Displacement: max %.3f, mean %.3f\n", s.Metrics.MaxDisplacement, s.Metrics.MeanDisplacement)
	if len(opts.Buffers) > 0 {
		fmt.Printf("  Buffers written to %s\n", opts.OutDir)
	}
	if opts.Store != nil {
		fmt.Printf("  Checkpoint: %s\n", opts.SessionID)
	}
}
