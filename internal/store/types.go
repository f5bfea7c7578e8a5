package store

import (
	"fmt"
	"math"
	"time"

	"github.com/cwbudde/demonsreg/internal/demons"
	"github.com/cwbudde/demonsreg/internal/grid"
)

// SessionConfig describes how a registration session was set up. It is stored
// with every checkpoint so a resume can verify it uses the same images.
type SessionConfig struct {
	FixedPath  string        `json:"fixedPath"`
	MovingPath string        `json:"movingPath"`
	Width      int           `json:"width"`
	Height     int           `json:"height"`
	Params     demons.Params `json:"params"`
	// Steps is the iteration count requested for the session's run.
	Steps int `json:"steps"`
	// CheckpointInterval saves every N seconds while running; 0 disables.
	CheckpointInterval int `json:"checkpointInterval,omitempty"`
}

// Checkpoint is the resumable state of a registration: the displacement
// field r and the iteration count that produced it. Every other buffer is
// recomputed from r and the images by the next iteration.
type Checkpoint struct {
	SessionID string `json:"sessionId"`

	// Iteration is the number of completed iterations.
	Iteration int `json:"iteration"`

	// Cost is the image cost of the last completed iteration.
	Cost float64 `json:"cost"`

	// InitialCost is the cost of the first iteration of the session.
	InitialCost float64 `json:"initialCost"`

	// Displacement holds r row-major with interleaved (x, y) channels.
	Displacement []float64 `json:"displacement"`

	Timestamp time.Time     `json:"timestamp"`
	Config    SessionConfig `json:"config"`
}

// CheckpointInfo is the listing view of a checkpoint without the field data.
type CheckpointInfo struct {
	SessionID  string    `json:"sessionId"`
	Cost       float64   `json:"cost"`
	Iteration  int       `json:"iteration"`
	Timestamp  time.Time `json:"timestamp"`
	FixedPath  string    `json:"fixedPath"`
	MovingPath string    `json:"movingPath"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
}

// NewCheckpoint snapshots r with its iteration statistics.
func NewCheckpoint(sessionID string, r *grid.Buffer2D, iteration int, cost, initialCost float64, config SessionConfig) *Checkpoint {
	config.Width = r.Width()
	config.Height = r.Height()
	return &Checkpoint{
		SessionID:    sessionID,
		Iteration:    iteration,
		Cost:         cost,
		InitialCost:  initialCost,
		Displacement: append([]float64(nil), r.Pix...),
		Timestamp:    time.Now(),
		Config:       config,
	}
}

// Field returns the stored displacement as a WxHx2 buffer.
func (c *Checkpoint) Field() (*grid.Buffer2D, error) {
	r, err := grid.FromSlice(c.Config.Width, c.Config.Height, 2, append([]float64(nil), c.Displacement...))
	if err != nil {
		return nil, fmt.Errorf("invalid displacement field: %w", err)
	}
	return r, nil
}

// ToInfo converts a checkpoint to its listing metadata.
func (c *Checkpoint) ToInfo() CheckpointInfo {
	return CheckpointInfo{
		SessionID:  c.SessionID,
		Cost:       c.Cost,
		Iteration:  c.Iteration,
		Timestamp:  c.Timestamp,
		FixedPath:  c.Config.FixedPath,
		MovingPath: c.Config.MovingPath,
		Width:      c.Config.Width,
		Height:     c.Config.Height,
	}
}

// Validate checks that the checkpoint can be restored.
func (c *Checkpoint) Validate() error {
	if c.SessionID == "" {
		return &ValidationError{Field: "SessionID", Reason: "cannot be empty"}
	}
	if c.Iteration < 0 {
		return &ValidationError{Field: "Iteration", Reason: "cannot be negative"}
	}
	if c.Cost < 0 || math.IsNaN(c.Cost) {
		return &ValidationError{Field: "Cost", Reason: "must be a non-negative number"}
	}
	if c.InitialCost < 0 || math.IsNaN(c.InitialCost) {
		return &ValidationError{Field: "InitialCost", Reason: "must be a non-negative number"}
	}
	if c.Timestamp.IsZero() {
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	}
	if c.Config.FixedPath == "" {
		return &ValidationError{Field: "Config.FixedPath", Reason: "cannot be empty"}
	}
	if c.Config.MovingPath == "" {
		return &ValidationError{Field: "Config.MovingPath", Reason: "cannot be empty"}
	}
	if c.Config.Width <= 0 || c.Config.Height <= 0 {
		return &ValidationError{Field: "Config.Width/Height", Reason: "must be positive"}
	}
	expected := c.Config.Width * c.Config.Height * 2
	if len(c.Displacement) != expected {
		return &ValidationError{
			Field:  "Displacement",
			Reason: fmt.Sprintf("length mismatch: expected %d values for %dx%d", expected, c.Config.Width, c.Config.Height),
		}
	}
	for i, v := range c.Displacement {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &ValidationError{Field: "Displacement", Reason: fmt.Sprintf("non-finite value at index %d", i)}
		}
	}
	if err := c.Config.Params.Validate(); err != nil {
		return &ValidationError{Field: "Config.Params", Reason: err.Error()}
	}
	return nil
}

// ValidationError reports an unusable checkpoint.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// IsCompatible checks that config registers the same image pair at the same
// resolution and pixel spacing, so the stored field can be reused. Other
// parameters may change between runs.
func (c *Checkpoint) IsCompatible(config SessionConfig) error {
	if c.Config.FixedPath != config.FixedPath {
		return &CompatibilityError{Field: "FixedPath", Expected: c.Config.FixedPath, Actual: config.FixedPath}
	}
	if c.Config.MovingPath != config.MovingPath {
		return &CompatibilityError{Field: "MovingPath", Expected: c.Config.MovingPath, Actual: config.MovingPath}
	}
	if c.Config.Width != config.Width || c.Config.Height != config.Height {
		return &CompatibilityError{
			Field:    "Size",
			Expected: fmt.Sprintf("%dx%d", c.Config.Width, c.Config.Height),
			Actual:   fmt.Sprintf("%dx%d", config.Width, config.Height),
		}
	}
	if c.Config.Params.Delta != config.Params.Delta {
		return &CompatibilityError{
			Field:    "Delta",
			Expected: fmt.Sprintf("%g", c.Config.Params.Delta),
			Actual:   fmt.Sprintf("%g", config.Params.Delta),
		}
	}
	return nil
}

// CompatibilityError reports a checkpoint that cannot seed the given session.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return "compatibility error: " + e.Field + " mismatch (expected " + e.Expected + ", got " + e.Actual + ")"
}
