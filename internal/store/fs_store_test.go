package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cwbudde/demonsreg/internal/demons"
	"github.com/cwbudde/demonsreg/internal/grid"
)

func setupTestStore(t *testing.T) (*FSStore, string) {
	t.Helper()

	dir := t.TempDir()
	s, err := NewFSStore(dir)
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	return s, dir
}

// createTestCheckpoint builds a valid 3x2 checkpoint whose field encodes its
// sample index.
func createTestCheckpoint(sessionID string) *Checkpoint {
	r := grid.New(3, 2, 2)
	for i := range r.Pix {
		r.Pix[i] = float64(i) * 0.25
	}
	return NewCheckpoint(sessionID, r, 120, 12.5, 400, SessionConfig{
		FixedPath:  "testdata/fixed.png",
		MovingPath: "testdata/moving.png",
		Params:     demons.DefaultParams(),
		Steps:      100,
	})
}

func TestSaveAndLoadCheckpoint(t *testing.T) {
	s, dir := setupTestStore(t)
	cp := createTestCheckpoint("session-1")

	if err := s.SaveCheckpoint("session-1", cp); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	path := filepath.Join(dir, "sessions", "session-1", "checkpoint.json")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Checkpoint file missing: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("Temp file should not remain after save")
	}

	loaded, err := s.LoadCheckpoint("session-1")
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if err := loaded.Validate(); err != nil {
		t.Errorf("Loaded checkpoint invalid: %v", err)
	}
	if loaded.Iteration != 120 || loaded.Cost != 12.5 || loaded.InitialCost != 400 {
		t.Errorf("Unexpected statistics: %+v", loaded)
	}
	if loaded.Config.Params != demons.DefaultParams() {
		t.Errorf("Params lost: %+v", loaded.Config.Params)
	}

	field, err := loaded.Field()
	if err != nil {
		t.Fatalf("Field failed: %v", err)
	}
	if field.Shape() != "3x2x2" || field.At(2, 1, 1) != 11*0.25 {
		t.Errorf("Unexpected field %s with last value %v", field.Shape(), field.At(2, 1, 1))
	}
}

func TestSaveCheckpoint_Overwrite(t *testing.T) {
	s, _ := setupTestStore(t)
	cp := createTestCheckpoint("s")
	if err := s.SaveCheckpoint("s", cp); err != nil {
		t.Fatal(err)
	}

	cp.Iteration = 300
	if err := s.SaveCheckpoint("s", cp); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.LoadCheckpoint("s")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Iteration != 300 {
		t.Errorf("Expected overwritten iteration 300, got %d", loaded.Iteration)
	}
}

func TestSaveCheckpoint_InvalidArguments(t *testing.T) {
	s, _ := setupTestStore(t)

	if err := s.SaveCheckpoint("", createTestCheckpoint("x")); err == nil {
		t.Error("Expected error for empty session ID")
	}
	if err := s.SaveCheckpoint("x", nil); err == nil {
		t.Error("Expected error for nil checkpoint")
	}
	if _, err := s.LoadCheckpoint(""); err == nil {
		t.Error("Expected error for empty session ID")
	}
}

func TestLoadCheckpoint_NotFound(t *testing.T) {
	s, _ := setupTestStore(t)

	_, err := s.LoadCheckpoint("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.SessionID != "missing" {
		t.Errorf("Expected NotFoundError for 'missing', got %v", err)
	}
}

func TestLoadCheckpoint_Corrupted(t *testing.T) {
	s, dir := setupTestStore(t)
	sessionDir := filepath.Join(dir, "sessions", "bad")
	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sessionDir, "checkpoint.json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := s.LoadCheckpoint("bad"); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("Expected decode error, got %v", err)
	}
}

func TestListCheckpoints(t *testing.T) {
	s, dir := setupTestStore(t)

	infos, err := s.ListCheckpoints()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 0 {
		t.Fatalf("Expected no checkpoints, got %d", len(infos))
	}

	base := time.Now()
	for i := 0; i < 3; i++ {
		cp := createTestCheckpoint(fmt.Sprintf("s%d", i))
		cp.Timestamp = base.Add(time.Duration(i) * time.Minute)
		if err := s.SaveCheckpoint(cp.SessionID, cp); err != nil {
			t.Fatal(err)
		}
	}
	// Directories without a checkpoint and stray files are skipped.
	os.MkdirAll(filepath.Join(dir, "sessions", "empty"), 0755)
	os.WriteFile(filepath.Join(dir, "sessions", "note.txt"), []byte("x"), 0644)

	infos, err = s.ListCheckpoints()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 3 {
		t.Fatalf("Expected 3 checkpoints, got %d", len(infos))
	}
	if infos[0].SessionID != "s2" || infos[2].SessionID != "s0" {
		t.Errorf("Expected newest first, got %s..%s", infos[0].SessionID, infos[2].SessionID)
	}
	if infos[0].Width != 3 || infos[0].Height != 2 || infos[0].FixedPath != "testdata/fixed.png" {
		t.Errorf("Unexpected info %+v", infos[0])
	}
}

func TestDeleteCheckpoint(t *testing.T) {
	s, _ := setupTestStore(t)
	if err := s.SaveCheckpoint("s", createTestCheckpoint("s")); err != nil {
		t.Fatal(err)
	}
	tw, err := NewTraceWriter(s.BaseDir(), "s", false)
	if err != nil {
		t.Fatal(err)
	}
	tw.Close()

	if err := s.DeleteCheckpoint("s"); err != nil {
		t.Fatalf("DeleteCheckpoint failed: %v", err)
	}
	if _, err := os.Stat(s.SessionDir("s")); !os.IsNotExist(err) {
		t.Error("Session directory should be removed")
	}
	if err := s.DeleteCheckpoint("s"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second delete, got %v", err)
	}
	if err := s.DeleteCheckpoint(""); err == nil {
		t.Error("Expected error for empty session ID")
	}
}

func TestConcurrentSave(t *testing.T) {
	s, _ := setupTestStore(t)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			if err := s.SaveCheckpoint(id, createTestCheckpoint(id)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Concurrent save failed: %v", err)
	}

	infos, err := s.ListCheckpoints()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 8 {
		t.Errorf("Expected 8 checkpoints, got %d", len(infos))
	}
}
