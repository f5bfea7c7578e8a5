package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// FSStore keeps one directory per session under <baseDir>/sessions/<id>/.
// Writes go through a temp file and rename, so concurrent readers never see
// a partial checkpoint.
type FSStore struct {
	baseDir string
}

// NewFSStore creates the base directory if needed.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FSStore{baseDir: baseDir}, nil
}

// BaseDir returns the root data directory.
func (fs *FSStore) BaseDir() string {
	return fs.baseDir
}

// SessionDir returns the directory holding a session's files.
func (fs *FSStore) SessionDir(sessionID string) string {
	return SessionDir(fs.baseDir, sessionID)
}

// SessionDir returns <baseDir>/sessions/<sessionID>.
func SessionDir(baseDir, sessionID string) string {
	return filepath.Join(baseDir, "sessions", sessionID)
}

func (fs *FSStore) checkpointPath(sessionID string) string {
	return filepath.Join(fs.SessionDir(sessionID), "checkpoint.json")
}

// SaveCheckpoint writes checkpoint.json atomically.
func (fs *FSStore) SaveCheckpoint(sessionID string, checkpoint *Checkpoint) error {
	if sessionID == "" {
		return fmt.Errorf("sessionID cannot be empty")
	}
	if checkpoint == nil {
		return fmt.Errorf("checkpoint cannot be nil")
	}

	dir := fs.SessionDir(sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to serialize checkpoint: %w", err)
	}

	finalPath := fs.checkpointPath(sessionID)
	tempPath := finalPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp checkpoint file: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename checkpoint file: %w", err)
	}

	slog.Debug("Checkpoint saved", "session_id", sessionID, "iteration", checkpoint.Iteration, "path", finalPath)
	return nil
}

// LoadCheckpoint reads and decodes checkpoint.json.
func (fs *FSStore) LoadCheckpoint(sessionID string) (*Checkpoint, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("sessionID cannot be empty")
	}

	path := fs.checkpointPath(sessionID)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, &NotFoundError{SessionID: sessionID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to deserialize checkpoint: %w", err)
	}

	slog.Debug("Checkpoint loaded", "session_id", sessionID, "iteration", checkpoint.Iteration)
	return &checkpoint, nil
}

// ListCheckpoints scans every session directory, newest first. Unreadable
// checkpoints are skipped with a warning.
func (fs *FSStore) ListCheckpoints() ([]CheckpointInfo, error) {
	sessionsDir := filepath.Join(fs.baseDir, "sessions")
	entries, err := os.ReadDir(sessionsDir)
	if os.IsNotExist(err) {
		return []CheckpointInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	infos := []CheckpointInfo{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		if _, err := os.Stat(fs.checkpointPath(id)); os.IsNotExist(err) {
			continue
		}

		checkpoint, err := fs.LoadCheckpoint(id)
		if err != nil {
			slog.Warn("Failed to load checkpoint for listing", "session_id", id, "error", err)
			continue
		}
		infos = append(infos, checkpoint.ToInfo())
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Timestamp.After(infos[j].Timestamp)
	})
	slog.Debug("Listed checkpoints", "count", len(infos))
	return infos, nil
}

// DeleteCheckpoint removes the whole session directory.
func (fs *FSStore) DeleteCheckpoint(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("sessionID cannot be empty")
	}

	dir := fs.SessionDir(sessionID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return &NotFoundError{SessionID: sessionID}
	} else if err != nil {
		return fmt.Errorf("failed to stat session directory: %w", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove session directory: %w", err)
	}

	slog.Debug("Checkpoint deleted", "session_id", sessionID, "path", dir)
	return nil
}
