package main

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/cwbudde/demonsreg/internal/config"
	"github.com/cwbudde/demonsreg/internal/demons"
	"github.com/cwbudde/demonsreg/internal/store"
	"github.com/spf13/cobra"
)

func writeStripePNG(t *testing.T, path string, from int) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := from; x < from+2; x++ {
			img.SetGray(x, y, color.Gray{Y: 100})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create image: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("Failed to encode image: %v", err)
	}
}

// stripeSession writes an image pair and returns its session config.
func stripeSession(t *testing.T) store.SessionConfig {
	t.Helper()
	dir := t.TempDir()
	session := store.SessionConfig{
		FixedPath:  filepath.Join(dir, "fixed.png"),
		MovingPath: filepath.Join(dir, "moving.png"),
		Width:      8,
		Height:     8,
		Params:     demons.DefaultParams(),
	}
	writeStripePNG(t, session.FixedPath, 1)
	writeStripePNG(t, session.MovingPath, 3)
	return session
}

func TestEngineFlags_ApplyOnlyChanged(t *testing.T) {
	cmd := &cobra.Command{}
	f := addEngineFlags(cmd)
	if err := cmd.Flags().Set("dr-sigma", "3"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := cmd.Flags().Set("workers", "2"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	p := demons.DefaultParams()
	p.Scale = 0.7
	f.apply(cmd, &p)

	if p.DrSigma != 3 || p.Workers != 2 {
		t.Errorf("Changed flags not applied: %+v", p)
	}
	if p.Scale != 0.7 {
		t.Errorf("Unchanged flag overrode scale: %v", p.Scale)
	}
}

func TestExecuteRun_WritesCheckpointTraceAndBuffers(t *testing.T) {
	session := stripeSession(t)
	fsStore, err := store.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	engine, err := newEngine(sessionImages(session), session.Params)
	if err != nil {
		t.Fatalf("Failed to build engine: %v", err)
	}

	outDir := t.TempDir()
	opts := runOptions{
		Steps:        3,
		OutDir:       outDir,
		Buffers:      []string{"r", "difference", "displaced"},
		DisplayScale: 1,
		Store:        fsStore,
		SessionID:    "cli-session",
		Session:      session,
		Trace:        true,
	}

	summary, err := executeRun(context.Background(), engine, opts)
	if err != nil {
		t.Fatalf("executeRun failed: %v", err)
	}
	if summary.Result.Iterations != 3 {
		t.Errorf("Expected 3 iterations, got %d", summary.Result.Iterations)
	}
	if summary.InitialCost <= 0 || summary.Metrics.MSE > summary.InitialCost {
		t.Errorf("Unexpected costs: initial %v, final %v", summary.InitialCost, summary.Metrics.MSE)
	}

	checkpoint, err := fsStore.LoadCheckpoint("cli-session")
	if err != nil {
		t.Fatalf("Checkpoint missing: %v", err)
	}
	if checkpoint.Iteration != 3 || checkpoint.InitialCost != summary.InitialCost {
		t.Errorf("Unexpected checkpoint: iteration %d, initial cost %v", checkpoint.Iteration, checkpoint.InitialCost)
	}

	reader, err := store.NewTraceReader(fsStore.BaseDir(), "cli-session")
	if err != nil {
		t.Fatalf("Trace missing: %v", err)
	}
	defer reader.Close()
	entries, err := reader.ReadAll()
	if err != nil || len(entries) != 3 {
		t.Errorf("Expected 3 trace entries, got %d (%v)", len(entries), err)
	}

	for _, name := range opts.Buffers {
		if _, err := os.Stat(filepath.Join(outDir, name+".png")); err != nil {
			t.Errorf("Expected %s.png: %v", name, err)
		}
	}
}

func TestExecuteRun_ResumeContinuesCheckpoint(t *testing.T) {
	session := stripeSession(t)
	fsStore, err := store.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	engine, err := newEngine(sessionImages(session), session.Params)
	if err != nil {
		t.Fatalf("Failed to build engine: %v", err)
	}

	opts := runOptions{Steps: 2, Store: fsStore, SessionID: "resumable", Session: session, Trace: true}
	first, err := executeRun(context.Background(), engine, opts)
	if err != nil {
		t.Fatalf("executeRun failed: %v", err)
	}

	checkpoint, err := fsStore.LoadCheckpoint("resumable")
	if err != nil {
		t.Fatalf("Checkpoint missing: %v", err)
	}
	resumed, err := restoreEngine(checkpoint, session)
	if err != nil {
		t.Fatalf("restoreEngine failed: %v", err)
	}
	if resumed.Iterations() != 2 {
		t.Errorf("Expected 2 restored iterations, got %d", resumed.Iterations())
	}
	if !resumed.Displacement().Equal(engine.Displacement()) {
		t.Error("Restored field differs from the saved one")
	}

	opts.AppendTrace = true
	opts.InitialCost = checkpoint.InitialCost
	opts.HasInitialCost = true
	second, err := executeRun(context.Background(), resumed, opts)
	if err != nil {
		t.Fatalf("resumed executeRun failed: %v", err)
	}
	if second.Result.TotalIterations != 4 {
		t.Errorf("Expected 4 total iterations, got %d", second.Result.TotalIterations)
	}
	if second.InitialCost != first.InitialCost {
		t.Errorf("Initial cost changed from %v to %v", first.InitialCost, second.InitialCost)
	}

	reader, err := store.NewTraceReader(fsStore.BaseDir(), "resumable")
	if err != nil {
		t.Fatalf("Trace missing: %v", err)
	}
	defer reader.Close()
	entries, _ := reader.ReadAll()
	if len(entries) != 4 {
		t.Errorf("Expected 4 appended trace entries, got %d", len(entries))
	}
}

func TestExecuteRun_Interrupted(t *testing.T) {
	session := stripeSession(t)
	fsStore, err := store.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	engine, err := newEngine(sessionImages(session), session.Params)
	if err != nil {
		t.Fatalf("Failed to build engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := executeRun(ctx, engine, runOptions{Steps: 5, Store: fsStore, SessionID: "interrupted", Session: session})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if summary == nil || summary.Result.Iterations != 0 {
		t.Fatalf("Expected a summary with 0 iterations, got %+v", summary)
	}
	if _, err := fsStore.LoadCheckpoint("interrupted"); err != nil {
		t.Errorf("Interrupted run should still checkpoint: %v", err)
	}
}

func TestPresentBuffers_UnknownName(t *testing.T) {
	engine, err := newEngine(sessionImages(stripeSession(t)), demons.DefaultParams())
	if err != nil {
		t.Fatalf("Failed to build engine: %v", err)
	}
	err = presentBuffers(engine, nil, []string{"bogus"}, 1)
	if !errors.Is(err, demons.ErrUnknownBuffer) {
		t.Errorf("Expected ErrUnknownBuffer, got %v", err)
	}
}

func TestDataDirPrefersExplicitFlag(t *testing.T) {
	saved := cfg
	defer func() { cfg = saved }()

	cfg = config.DefaultConfig()
	cfg.Server.DataDir = "/from/config"

	cmd := &cobra.Command{Use: "test"}
	var dir string
	cmd.Flags().StringVar(&dir, "data-dir", "./data", "")

	if got := dataDir(cmd, dir); got != "/from/config" {
		t.Errorf("Expected configured dir, got %q", got)
	}
	if err := cmd.Flags().Set("data-dir", "/from/flag"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got := dataDir(cmd, dir); got != "/from/flag" {
		t.Errorf("Expected flag dir, got %q", got)
	}

	cfg = nil
	if got := dataDir(nil, "./data"); got != "./data" {
		t.Errorf("Expected flag default without config, got %q", got)
	}
}
