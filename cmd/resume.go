package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cwbudde/demonsreg/internal/demons"
	"github.com/cwbudde/demonsreg/internal/store"
	"github.com/spf13/cobra"
)

var (
	resumeEngine  *engineFlags
	resumeOutput  *outputFlags
	resumeDataDir string
)

var resumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Continue a registration from its checkpoint",
	Long: `Reloads the displacement field and iteration count saved by "run --checkpoint"
or by the server, runs more iterations on the same image pair and replaces
the checkpoint. Engine flags override the stored parameters; the pixel
spacing cannot change.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeEngine = addEngineFlags(resumeCmd)
	resumeOutput = addOutputFlags(resumeCmd)
	resumeCmd.Flags().StringVar(&resumeDataDir, "data-dir", "./data", "Base directory for checkpoint storage")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	sessionID := args[0]

	fsStore, err := store.NewFSStore(dataDir(cmd, resumeDataDir))
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}
	checkpoint, err := fsStore.LoadCheckpoint(sessionID)
	if err != nil {
		return err
	}
	if err := checkpoint.Validate(); err != nil {
		return fmt.Errorf("checkpoint %s is invalid: %w", sessionID, err)
	}

	session := checkpoint.Config
	resumeEngine.apply(cmd, &session.Params)
	if err := checkpoint.IsCompatible(session); err != nil {
		return err
	}

	engine, err := restoreEngine(checkpoint, session)
	if err != nil {
		return err
	}

	opts := resumeOutput.options(cmd)
	opts.Store = fsStore
	opts.SessionID = sessionID
	opts.Session = session
	opts.Trace = true
	opts.AppendTrace = true
	opts.InitialCost = checkpoint.InitialCost
	opts.HasInitialCost = true

	slog.Info("Resuming registration",
		"session_id", sessionID,
		"iteration", checkpoint.Iteration,
		"cost", checkpoint.Cost,
		"steps", opts.Steps,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := executeRun(ctx, engine, opts)
	if summary != nil {
		printSummary(summary, opts)
	}
	return err
}

// restoreEngine reloads the image pair of a checkpoint at its stored size and
// seeds the engine with the saved field.
func restoreEngine(checkpoint *store.Checkpoint, session store.SessionConfig) (*demons.Engine, error) {
	engine, err := newEngine(sessionImages(session), session.Params)
	if err != nil {
		return nil, err
	}
	field, err := checkpoint.Field()
	if err != nil {
		return nil, err
	}
	if err := engine.Restore(field, checkpoint.Iteration); err != nil {
		return nil, err
	}
	return engine, nil
}
