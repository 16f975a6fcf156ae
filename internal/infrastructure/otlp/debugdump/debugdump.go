// Package debugdump implements the optional raw-batch JSONL mirror
// named in spec.md §4.D item 3: every accepted OTLP export batch is
// appended, one JSON line per batch, to an hourly file named the way
// the teacher names its dated export downloads (prefix + date +
// extension), so an operator can replay or diff raw collector traffic
// without re-querying the stream topic.
package debugdump

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one mirrored batch.
type Entry struct {
	ReceivedAt time.Time       `json:"received_at"`
	ProjectID  string          `json:"project_id"`
	Signal     string          `json:"signal"` // "traces", "metrics", "logs"
	Body       json.RawMessage `json:"body"`
}

// Writer appends Entry records to hourly-rotated files under Dir.
// Disabled (a no-op) when Dir is empty, matching the "optional" framing
// in the spec: most deployments won't want a raw OTLP mirror on disk.
type Writer struct {
	Dir string

	mu      sync.Mutex
	file    *os.File
	current string
}

func New(dir string) *Writer {
	return &Writer{Dir: dir}
}

// Write appends entry to the current hour's file, opening/rotating to a
// new file as the hour boundary is crossed.
func (w *Writer) Write(entry Entry) error {
	if w == nil || w.Dir == "" {
		return nil
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("debugdump: encode entry: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	name := entry.ReceivedAt.UTC().Format("otlp_2006-01-02T15") + ".jsonl"
	if name != w.current {
		if w.file != nil {
			_ = w.file.Close()
		}
		if err := os.MkdirAll(w.Dir, 0o755); err != nil {
			return fmt.Errorf("debugdump: mkdir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(w.Dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("debugdump: open: %w", err)
		}
		w.file = f
		w.current = name
	}

	_, err = w.file.Write(line)
	return err
}

// Close closes the currently open file, if any.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
