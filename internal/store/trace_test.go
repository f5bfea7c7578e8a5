package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/cwbudde/demonsreg/internal/demons"
)

func TestTraceWriter_WriteAndRead(t *testing.T) {
	dir := t.TempDir()

	writer, err := NewTraceWriter(dir, "s1", false)
	if err != nil {
		t.Fatalf("Failed to create trace writer: %v", err)
	}

	entries := []TraceEntry{
		{Iteration: 0, Cost: 800, Timestamp: time.Now()},
		{Iteration: 1, Cost: 620, MaxDisplacement: 0.4, MeanDisplacement: 0.1, Timestamp: time.Now()},
		{Iteration: 2, Cost: 510, MaxDisplacement: 0.7, MeanDisplacement: 0.2, Timestamp: time.Now()},
	}
	for _, e := range entries {
		if err := writer.Write(e); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reader, err := NewTraceReader(dir, "s1")
	if err != nil {
		t.Fatalf("Failed to open trace: %v", err)
	}
	defer reader.Close()

	got, err := reader.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("Expected %d entries, got %d", len(entries), len(got))
	}
	for i := range entries {
		if got[i].Iteration != entries[i].Iteration || got[i].Cost != entries[i].Cost ||
			got[i].MaxDisplacement != entries[i].MaxDisplacement {
			t.Errorf("Entry %d mismatch: %+v vs %+v", i, got[i], entries[i])
		}
	}
}

func TestTraceWriter_AppendAndTruncate(t *testing.T) {
	dir := t.TempDir()

	write := func(appendMode bool, iterations ...int) {
		t.Helper()
		w, err := NewTraceWriter(dir, "s", appendMode)
		if err != nil {
			t.Fatal(err)
		}
		for _, it := range iterations {
			if err := w.Write(TraceEntry{Iteration: it}); err != nil {
				t.Fatal(err)
			}
		}
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}
	}
	count := func() int {
		t.Helper()
		r, err := NewTraceReader(dir, "s")
		if err != nil {
			t.Fatal(err)
		}
		defer r.Close()
		all, err := r.ReadAll()
		if err != nil {
			t.Fatal(err)
		}
		return len(all)
	}

	write(false, 0, 1)
	write(true, 2, 3, 4)
	if n := count(); n != 5 {
		t.Errorf("Expected 5 entries after append, got %d", n)
	}

	write(false, 0)
	if n := count(); n != 1 {
		t.Errorf("Expected truncation to 1 entry, got %d", n)
	}
}

func TestTraceWriter_Observe(t *testing.T) {
	dir := t.TempDir()
	w, err := NewTraceWriter(dir, "obs", false)
	if err != nil {
		t.Fatal(err)
	}

	observe, errFn := w.Observe()
	observe(demons.IterationStats{Iteration: 4, Cost: 2.5, MaxDisplacement: 1})
	observe(demons.IterationStats{Iteration: 5, Cost: 2.0, MaxDisplacement: 1.5})
	if err := errFn(); err != nil {
		t.Fatalf("Observer reported error: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	r, err := NewTraceReader(dir, "obs")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	first, err := r.Read()
	if err != nil {
		t.Fatal(err)
	}
	if first.Iteration != 4 || first.Cost != 2.5 || first.Timestamp.IsZero() {
		t.Errorf("Unexpected entry %+v", first)
	}
	if _, err := r.Read(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Read(); err != io.EOF {
		t.Errorf("Expected io.EOF, got %v", err)
	}
}

func TestTraceReader_NotFound(t *testing.T) {
	_, err := NewTraceReader(t.TempDir(), "none")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestTraceReader_CorruptLine(t *testing.T) {
	dir := t.TempDir()
	w, err := NewTraceWriter(dir, "c", false)
	if err != nil {
		t.Fatal(err)
	}
	w.Close()
	if err := os.WriteFile(w.Path(), []byte("{\"iteration\":1}\nnot json\n"), 0644); err != nil {
		t.Fatal(err)
	}

	r, err := NewTraceReader(dir, "c")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if _, err := r.ReadAll(); err == nil {
		t.Error("Expected error for corrupt line")
	}
}

func TestTraceWriter_ConcurrentWrites(t *testing.T) {
	dir := t.TempDir()
	w, err := NewTraceWriter(dir, "cc", false)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if err := w.Write(TraceEntry{Iteration: g*100 + i}); err != nil {
					t.Error(fmt.Errorf("goroutine %d: %w", g, err))
					return
				}
			}
		}(g)
	}
	wg.Wait()
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := NewTraceReader(dir, "cc")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	all, err := r.ReadAll()
	if err != nil {
		t.Fatalf("Interleaved lines corrupted the trace: %v", err)
	}
	if len(all) != 200 {
		t.Errorf("Expected 200 entries, got %d", len(all))
	}
}
