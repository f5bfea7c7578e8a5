// Package store persists registration checkpoints and cost traces.
package store

// Store persists displacement-field checkpoints per session.
// Implementations must be safe for concurrent use.
//
// Error conventions:
//   - LoadCheckpoint and DeleteCheckpoint return a *NotFoundError (matching
//     ErrNotFound via errors.Is) when the session has no checkpoint
//   - other failures are wrapped with fmt.Errorf("...: %w", err)
type Store interface {
	// SaveCheckpoint atomically replaces the checkpoint of a session.
	SaveCheckpoint(sessionID string, checkpoint *Checkpoint) error

	// LoadCheckpoint returns the checkpoint of a session.
	LoadCheckpoint(sessionID string) (*Checkpoint, error)

	// ListCheckpoints returns metadata of every readable checkpoint.
	ListCheckpoints() ([]CheckpointInfo, error)

	// DeleteCheckpoint removes a session directory with its checkpoint,
	// trace and rendered buffers.
	DeleteCheckpoint(sessionID string) error
}

// ErrNotFound matches every *NotFoundError.
var ErrNotFound = &NotFoundError{}

// NotFoundError reports a missing checkpoint.
type NotFoundError struct {
	SessionID string
}

func (e *NotFoundError) Error() string {
	if e.SessionID != "" {
		return "checkpoint not found: " + e.SessionID
	}
	return "checkpoint not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}
