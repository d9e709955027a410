// Package eventlog writes simulation records to newline-delimited JSON
// files, batching writes in memory and flushing on a size threshold or on
// Close to amortize I/O over a run.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const defaultBatchSize = 1000

// Writer appends JSON-encoded records to one file, flushing every
// batchSize records or on Close/Flush.
type Writer struct {
	mu        sync.Mutex
	f         *os.File
	buf       *bufio.Writer
	enc       *json.Encoder
	batchSize int
	pending   int
}

// Option configures a Writer at construction time.
type Option func(*Writer)

// WithBatchSize overrides the default flush threshold (1000 records).
func WithBatchSize(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// Open creates (or truncates) path and returns a ready Writer.
func Open(path string, opts ...Option) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: mkdir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	buf := bufio.NewWriter(f)
	w := &Writer{f: f, buf: buf, enc: json.NewEncoder(buf), batchSize: defaultBatchSize}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

// Write appends one JSON record. A flush happens automatically once
// batchSize records are buffered.
func (w *Writer) Write(record any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(record); err != nil {
		return fmt.Errorf("eventlog: encode: %w", err)
	}
	w.pending++
	if w.pending >= w.batchSize {
		return w.flushLocked()
	}
	return nil
}

func (w *Writer) flushLocked() error {
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("eventlog: flush: %w", err)
	}
	w.pending = 0
	return nil
}

// Flush forces any buffered records to disk without closing the file.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

// Close flushes any pending records and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flushLocked(); err != nil {
		_ = w.f.Close()
		return err
	}
	return w.f.Close()
}

// Set is the three-file event-log layout: config.jsonl (run configuration
// records), events.jsonl (one record per metrics event), and summary.jsonl
// (run summary records). What goes into each file, and when, is up to the
// caller.
type Set struct {
	Config  *Writer
	Events  *Writer
	Summary *Writer
}

// OpenSet creates the three standard log files under dir.
func OpenSet(dir string, opts ...Option) (*Set, error) {
	cfg, err := Open(filepath.Join(dir, "config.jsonl"), opts...)
	if err != nil {
		return nil, err
	}
	events, err := Open(filepath.Join(dir, "events.jsonl"), opts...)
	if err != nil {
		_ = cfg.Close()
		return nil, err
	}
	summary, err := Open(filepath.Join(dir, "summary.jsonl"), opts...)
	if err != nil {
		_ = cfg.Close()
		_ = events.Close()
		return nil, err
	}
	return &Set{Config: cfg, Events: events, Summary: summary}, nil
}

// Close closes all three files, returning the first error encountered.
func (s *Set) Close() error {
	var firstErr error
	for _, w := range []*Writer{s.Config, s.Events, s.Summary} {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
