package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cwbudde/demonsreg/internal/demons"
)

// TraceEntry is one line of trace.jsonl: the statistics of one iteration.
type TraceEntry struct {
	Iteration        int       `json:"iteration"`
	Cost             float64   `json:"cost"`
	MaxDisplacement  float64   `json:"maxDisplacement"`
	MeanDisplacement float64   `json:"meanDisplacement"`
	Timestamp        time.Time `json:"timestamp"`
}

// EntryFromStats converts engine statistics into a trace entry.
func EntryFromStats(s demons.IterationStats) TraceEntry {
	return TraceEntry{
		Iteration:        s.Iteration,
		Cost:             s.Cost,
		MaxDisplacement:  s.MaxDisplacement,
		MeanDisplacement: s.MeanDisplacement,
		Timestamp:        time.Now(),
	}
}

func tracePath(baseDir, sessionID string) string {
	return filepath.Join(SessionDir(baseDir, sessionID), "trace.jsonl")
}

// TraceWriter appends JSON lines to a session's trace file through a buffer.
// It is safe for concurrent use.
type TraceWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	path   string
}

// NewTraceWriter opens <baseDir>/sessions/<id>/trace.jsonl, truncating it
// unless appendMode is set.
func NewTraceWriter(baseDir, sessionID string, appendMode bool) (*TraceWriter, error) {
	if err := os.MkdirAll(SessionDir(baseDir, sessionID), 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	path := tracePath(baseDir, sessionID)
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendMode {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	return &TraceWriter{
		file:   file,
		writer: bufio.NewWriterSize(file, 64*1024),
		path:   path,
	}, nil
}

// Write buffers one entry.
func (tw *TraceWriter) Write(entry TraceEntry) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal trace entry: %w", err)
	}
	data = append(data, '\n')
	if _, err := tw.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write trace entry: %w", err)
	}
	return nil
}

// Observe adapts the writer to a demons.Observer. Write failures are
// remembered and returned by Close.
func (tw *TraceWriter) Observe() (demons.Observer, func() error) {
	var firstErr error
	observe := func(s demons.IterationStats) {
		if err := tw.Write(EntryFromStats(s)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return observe, func() error { return firstErr }
}

// Flush writes buffered entries and syncs the file.
func (tw *TraceWriter) Flush() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush trace writer: %w", err)
	}
	if err := tw.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync trace file: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (tw *TraceWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.writer.Flush(); err != nil {
		tw.file.Close()
		return fmt.Errorf("failed to flush on close: %w", err)
	}
	if err := tw.file.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}
	return nil
}

// Path returns the trace file location.
func (tw *TraceWriter) Path() string {
	return tw.path
}

// TraceReader reads entries back one line at a time.
type TraceReader struct {
	file    *os.File
	scanner *bufio.Scanner
}

// NewTraceReader opens a session's trace; a missing file is a *NotFoundError.
func NewTraceReader(baseDir, sessionID string) (*TraceReader, error) {
	file, err := os.Open(tracePath(baseDir, sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{SessionID: sessionID}
		}
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}
	return &TraceReader{file: file, scanner: bufio.NewScanner(file)}, nil
}

// Read returns the next entry or io.EOF.
func (tr *TraceReader) Read() (*TraceEntry, error) {
	if !tr.scanner.Scan() {
		if err := tr.scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to scan trace line: %w", err)
		}
		return nil, io.EOF
	}

	var entry TraceEntry
	if err := json.Unmarshal(tr.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trace entry: %w", err)
	}
	return &entry, nil
}

// ReadAll returns every remaining entry.
func (tr *TraceReader) ReadAll() ([]TraceEntry, error) {
	var entries []TraceEntry
	for {
		entry, err := tr.Read()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
}

// Close closes the underlying file.
func (tr *TraceReader) Close() error {
	if err := tr.file.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}
	return nil
}
