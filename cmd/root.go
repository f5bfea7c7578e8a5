package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/cwbudde/demonsreg/internal/config"
	"github.com/spf13/cobra"
)

var (
	logLevel   string
	configPath string
	logger     *slog.Logger

	// cfg is loaded before every command runs; flags override its values.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "demonsreg",
	Short: "Dense 2D image registration with the demons algorithm",
	Long: `demonsreg estimates a dense displacement field that warps a moving image
onto a fixed image, iterating the symmetric demons force with Gaussian
regularization. Runs can be checkpointed, resumed, served over HTTP and tuned.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogger(logLevel)

		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Config file path")
}

func setupLogger(levelName string) {
	var level slog.Level
	switch levelName {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	logger = slog.New(handler)
	slog.SetDefault(logger)
}
