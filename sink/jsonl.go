// Package sink persists runner records.
//
// Every sink implements runner.Sink and is safe for concurrent use. JSONL
// appends one line per record to a file, Redis stores records in hashes and
// announces them on a channel, and SQLite upserts them into a results table.
package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zero-day-ai/rubriceval/runner"
)

// JSONL writes records as JSON lines.
type JSONL struct {
	path string
	file *os.File
	mu   sync.Mutex
}

var _ runner.Sink = (*JSONL)(nil)

// NewJSONL opens path for appending, creating it and its directory as
// needed. The sink must be closed.
func NewJSONL(path string) (*JSONL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open results file %s: %w", path, err)
	}
	return &JSONL{path: path, file: file}, nil
}

// Path returns the file being written.
func (j *JSONL) Path() string {
	return j.path
}

// Write appends rec as one line and syncs the file.
func (j *JSONL) Write(ctx context.Context, rec runner.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to flush results file: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (j *JSONL) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to flush results file before close: %w", err)
	}
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("failed to close results file: %w", err)
	}
	return nil
}

// ReadJSONL loads every record from a JSONL results file. When the same
// unit appears more than once the last line wins.
func ReadJSONL(path string) ([]runner.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open results file: %w", err)
	}
	defer f.Close()

	latest := make(map[runner.Key]runner.Record)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec runner.Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("%s:%d: failed to parse record: %w", path, line, err)
		}
		latest[rec.Key()] = rec
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read results file: %w", err)
	}

	out := make([]runner.Record, 0, len(latest))
	for _, rec := range latest {
		out = append(out, rec)
	}
	runner.SortRecords(out)
	return out, nil
}
