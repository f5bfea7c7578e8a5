package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cwbudde/demonsreg/internal/server"
	"github.com/cwbudde/demonsreg/internal/store"
	"github.com/spf13/cobra"
)

var (
	serveEngine *engineFlags
	serveAddr   string
	serveData   string
	serveEvery  int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP registration server",
	Long: `Serves registration sessions over HTTP under /api/v1. Sessions are stepped,
reset and inspected remotely; progress streams as server-sent events and
checkpoints are written to --data-dir.`,
	RunE: runServe,
}

func init() {
	serveEngine = addEngineFlags(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address")
	serveCmd.Flags().StringVar(&serveData, "data-dir", "./data", "Base directory for checkpoint storage")
	serveCmd.Flags().IntVar(&serveEvery, "checkpoint-interval", 0, "Default checkpoint interval of sessions in seconds (0 = only on demand and at run end)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	changed := cmd.Flags().Changed
	if changed("addr") {
		cfg.Server.Addr = serveAddr
	}
	if changed("data-dir") {
		cfg.Server.DataDir = serveData
	}
	if changed("checkpoint-interval") {
		cfg.Server.CheckpointInterval = serveEvery
	}
	serveEngine.apply(cmd, &cfg.Engine)
	if err := cfg.Validate(); err != nil {
		return err
	}

	fsStore, err := store.NewFSStore(cfg.Server.DataDir)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	srv := server.NewServer(cfg.Server.Addr, fsStore, cfg.Engine)
	srv.SetCheckpointInterval(cfg.Server.CheckpointInterval)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("Received signal", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
