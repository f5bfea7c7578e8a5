package demons

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned when a run is requested while another is stepping.
	ErrBusy = errors.New("registration is already stepping")
	// ErrUnknownBuffer is returned for a buffer name outside the fixed set.
	ErrUnknownBuffer = errors.New("unknown buffer")
	// ErrOutOfBounds is returned when inspecting a pixel outside the image.
	ErrOutOfBounds = errors.New("pixel outside buffer")
	// ErrNumericAnomaly matches every *NumericAnomalyError via errors.Is.
	ErrNumericAnomaly = errors.New("numeric anomaly")
)

// ConfigurationError reports invalid engine setup: a missing input, a size
// or channel mismatch, or an out-of-range parameter. The engine is not built.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Field + " " + e.Reason
}

// NumericAnomalyError reports the first NaN or Inf found after a step. The
// run stops; iterations completed before it are kept.
type NumericAnomalyError struct {
	Iteration int
	Step      Step
	Buffer    BufferID
	X, Y      int
	Channel   int
	Value     float64
}

func (e *NumericAnomalyError) Error() string {
	return fmt.Sprintf("numeric anomaly at iteration %d, step %s: %s(%d,%d)[%d] = %v",
		e.Iteration, e.Step, e.Buffer, e.X, e.Y, e.Channel, e.Value)
}

func (e *NumericAnomalyError) Is(target error) bool {
	return target == ErrNumericAnomaly
}
