package demons

import "fmt"

// BufferID names one of the engine-owned buffers.
type BufferID int

const (
	BufFixed BufferID = iota
	BufMoving
	BufDisplacement
	BufDelta
	BufDisplaced
	BufFixedSmoothed
	BufFixedGradient
	BufMovingGradient
	BufDifference
	BufScratchA
	BufScratchB

	numBuffers
)

var bufferNames = [numBuffers]string{
	BufFixed:          "fixed",
	BufMoving:         "moving",
	BufDisplacement:   "r",
	BufDelta:          "dr",
	BufDisplaced:      "displaced",
	BufFixedSmoothed:  "fixedSmoothed",
	BufFixedGradient:  "fixedGradient",
	BufMovingGradient: "movingGradient",
	BufDifference:     "difference",
	BufScratchA:       "A",
	BufScratchB:       "B",
}

// bufferChannels is the channel count of every buffer: scalar images use one
// channel, vector fields two. Scratch A backs scalar smoothing, B vector.
var bufferChannels = [numBuffers]int{
	BufFixed:          1,
	BufMoving:         1,
	BufDisplacement:   2,
	BufDelta:          2,
	BufDisplaced:      1,
	BufFixedSmoothed:  1,
	BufFixedGradient:  2,
	BufMovingGradient: 2,
	BufDifference:     1,
	BufScratchA:       1,
	BufScratchB:       2,
}

func (id BufferID) String() string {
	if id < 0 || id >= numBuffers {
		return fmt.Sprintf("BufferID(%d)", int(id))
	}
	return bufferNames[id]
}

// Channels returns the channel count of the buffer.
func (id BufferID) Channels() int {
	return bufferChannels[id]
}

// Valid reports whether id names an engine buffer.
func (id BufferID) Valid() bool {
	return id >= 0 && id < numBuffers
}

// ParseBufferID maps a buffer name such as "r" or "fixedGradient" to its ID.
func ParseBufferID(name string) (BufferID, error) {
	for id, n := range bufferNames {
		if n == name {
			return BufferID(id), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownBuffer, name)
}

// BufferIDs lists every engine buffer in declaration order.
func BufferIDs() []BufferID {
	ids := make([]BufferID, numBuffers)
	for i := range ids {
		ids[i] = BufferID(i)
	}
	return ids
}

// Step names a stage of one demons iteration.
type Step string

const (
	StepDisplace        Step = "displace"
	StepSmoothDisplaced Step = "smoothDisplaced"
	StepSmoothFixed     Step = "smoothFixed"
	StepFixedGradient   Step = "fixedGradient"
	StepMovingGradient  Step = "movingGradient"
	StepForce           Step = "force"
	StepUpdate          Step = "update"
	StepSmoothR         Step = "smoothR"
	StepDifference      Step = "difference"
)
