// Package config loads and saves the YAML configuration shared by the CLI
// commands and the HTTP server.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cwbudde/demonsreg/internal/demons"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file read when --config is not given.
const DefaultPath = "demonsreg.yaml"

// Images selects the image pair. Width and Height resample both images when
// positive.
type Images struct {
	Fixed  string `yaml:"fixed"`
	Moving string `yaml:"moving"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
}

// Run controls how many iterations a run performs.
type Run struct {
	// Steps is the iteration count of one run (1, 10 and 100 are typical).
	Steps int `yaml:"steps"`
	// Convergence enables early stopping when the cost plateaus.
	Convergence demons.ConvergenceConfig `yaml:"convergence"`
}

// Output controls what a run writes to disk.
type Output struct {
	Dir string `yaml:"dir"`
	// Buffers lists the named buffers rendered as PNG after a run.
	Buffers []string `yaml:"buffers"`
	// DisplayScale multiplies buffer values before rendering.
	DisplayScale float64 `yaml:"displayScale"`
	// Trace writes a JSONL cost trace next to the checkpoint.
	Trace bool `yaml:"trace"`
}

// Server configures the HTTP server.
type Server struct {
	Addr    string `yaml:"addr"`
	DataDir string `yaml:"dataDir"`
	// CheckpointInterval saves running sessions every N seconds; 0 disables.
	CheckpointInterval int `yaml:"checkpointInterval"`
}

// Tune configures the Mayfly parameter search.
type Tune struct {
	Iterations int   `yaml:"iterations"`
	Population int   `yaml:"population"`
	Seed       int64 `yaml:"seed"`
	// EvalSteps is the number of demons iterations per candidate.
	EvalSteps int `yaml:"evalSteps"`
}

// Config is the full application configuration.
type Config struct {
	Engine demons.Params `yaml:"engine"`
	Images Images        `yaml:"images"`
	Run    Run           `yaml:"run"`
	Output Output        `yaml:"output"`
	Server Server        `yaml:"server"`
	Tune   Tune          `yaml:"tune"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	convergence := demons.DefaultConvergenceConfig()
	convergence.Enabled = false

	return &Config{
		Engine: demons.DefaultParams(),
		Run: Run{
			Steps:       100,
			Convergence: convergence,
		},
		Output: Output{
			Dir:          "out",
			Buffers:      []string{"displaced", "difference", "r"},
			DisplayScale: 1,
		},
		Server: Server{
			Addr:               ":8080",
			DataDir:            "./data",
			CheckpointInterval: 0,
		},
		Tune: Tune{
			Iterations: 30,
			Population: 20,
			Seed:       42,
			EvalSteps:  50,
		},
	}
}

// LoadConfig loads configuration from a YAML file on top of the defaults.
// A missing file yields the defaults.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	return cfg, nil
}

// SaveConfig writes cfg as YAML, creating parent directories.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}

// CreateDefaultConfigFile writes the default configuration to configPath.
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// Validate checks values that cannot be repaired by defaults.
func (c *Config) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return err
	}
	if c.Run.Steps < 0 {
		return &demons.ConfigurationError{Field: "run.steps", Reason: "cannot be negative"}
	}
	if c.Run.Convergence.Enabled && c.Run.Convergence.Patience <= 0 {
		return &demons.ConfigurationError{Field: "run.convergence.patience", Reason: "must be positive"}
	}
	if c.Images.Width < 0 || c.Images.Height < 0 {
		return &demons.ConfigurationError{Field: "images", Reason: "size cannot be negative"}
	}
	if (c.Images.Width == 0) != (c.Images.Height == 0) {
		return &demons.ConfigurationError{Field: "images", Reason: "width and height must be set together"}
	}
	for _, name := range c.Output.Buffers {
		if _, err := demons.ParseBufferID(name); err != nil {
			return &demons.ConfigurationError{Field: "output.buffers", Reason: err.Error()}
		}
	}
	if c.Server.CheckpointInterval < 0 {
		return &demons.ConfigurationError{Field: "server.checkpointInterval", Reason: "cannot be negative"}
	}
	if c.Tune.EvalSteps < 0 || c.Tune.Iterations < 0 || c.Tune.Population < 0 {
		return &demons.ConfigurationError{Field: "tune", Reason: "counts cannot be negative"}
	}
	return nil
}
