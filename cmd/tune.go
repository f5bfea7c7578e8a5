package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cwbudde/demonsreg/internal/config"
	"github.com/cwbudde/demonsreg/internal/opt"
	"github.com/cwbudde/demonsreg/internal/tune"
	"github.com/spf13/cobra"
)

var (
	tuneImages *imageFlags
	tuneEngine *engineFlags
	tuneIters  int
	tunePop    int
	tuneSeed   int64
	tuneSteps  int
	tuneWrite  bool
)

var tuneCmd = &cobra.Command{
	Use:   "tune",
	Short: "Search demons parameters with the Mayfly optimizer",
	Long: `Runs a short registration for every candidate parameter set and keeps the
set with the lowest mean squared error. Scale and the dr, r and image sigmas
are searched; the remaining parameters come from the config and flags.
With --write the result is stored in the config file.`,
	RunE: runTune,
}

func init() {
	tuneImages = addImageFlags(tuneCmd)
	tuneEngine = addEngineFlags(tuneCmd)
	tuneCmd.Flags().IntVar(&tuneIters, "iters", 30, "Optimizer iterations")
	tuneCmd.Flags().IntVar(&tunePop, "pop", 20, "Optimizer population size (at least 20)")
	tuneCmd.Flags().Int64Var(&tuneSeed, "seed", 42, "Random seed")
	tuneCmd.Flags().IntVar(&tuneSteps, "eval-steps", 50, "Demons iterations per candidate")
	tuneCmd.Flags().BoolVar(&tuneWrite, "write", false, "Write the tuned parameters to the config file")
	rootCmd.AddCommand(tuneCmd)
}

func runTune(cmd *cobra.Command, args []string) error {
	tuneImages.apply(cmd, &cfg.Images)
	tuneEngine.apply(cmd, &cfg.Engine)
	changed := cmd.Flags().Changed
	if changed("iters") {
		cfg.Tune.Iterations = tuneIters
	}
	if changed("pop") {
		cfg.Tune.Population = tunePop
	}
	if changed("seed") {
		cfg.Tune.Seed = tuneSeed
	}
	if changed("eval-steps") {
		cfg.Tune.EvalSteps = tuneSteps
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	fixed, moving, err := loadPair(cfg.Images)
	if err != nil {
		return err
	}

	tuner := &tune.Tuner{
		Fixed:     fixed,
		Moving:    moving,
		Base:      cfg.Engine,
		EvalSteps: cfg.Tune.EvalSteps,
		Optimizer: opt.NewMayfly(cfg.Tune.Iterations, cfg.Tune.Population, cfg.Tune.Seed),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := tuner.Run(ctx)
	if err != nil {
		return err
	}

	p := result.Params
	fmt.Printf("Tuned in %s over %d evaluations\n", result.Elapsed.Round(time.Millisecond), result.Evaluations)
	fmt.Printf("  Cost: %.4f -> %.4f\n", result.BaseCost, result.Cost)
	fmt.Printf("  scale=%.4f drSigma=%.4f rSigma=%.4f imageSigma=%.4f\n", p.Scale, p.DrSigma, p.RSigma, p.ImageSigma)

	if tuneWrite {
		cfg.Engine = p
		if err := config.SaveConfig(cfg, configPath); err != nil {
			return err
		}
		fmt.Printf("  Written to %s\n", configPath)
	}
	return nil
}
