// Package logfile implements the append-only per-session log file: the only
// durable history of a session's canonical event stream and raw child output.
package logfile

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agendo/agendo/internal/session"
)

// Stream tags a log line with its origin.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	StreamSystem Stream = "system"
	StreamUser   Stream = "user"
)

// Path returns the canonical log path {root}/sessions/{yyyy}/{mm}/{id}.log.
func Path(root, sessionID string, now time.Time) string {
	return filepath.Join(root, "sessions",
		fmt.Sprintf("%04d", now.Year()),
		fmt.Sprintf("%02d", int(now.Month())),
		sessionID+".log")
}

// Writer appends lines to a session log file. Single-writer: only the
// supervisor holding the session claim writes; closed on exit.
type Writer struct {
	mu   sync.Mutex
	path string
	f    *os.File
	buf  *bufio.Writer
}

// Open creates (or appends to) the session log file, creating parent
// directories as needed.
func Open(root, sessionID string, now time.Time) (*Writer, error) {
	path := Path(root, sessionID, now)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &Writer{path: path, f: f, buf: bufio.NewWriter(f)}, nil
}

// OpenPath appends to an existing log file path (resume case).
func OpenPath(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &Writer{path: path, f: f, buf: bufio.NewWriter(f)}, nil
}

// FilePath returns the path of the underlying file.
func (w *Writer) FilePath() string {
	return w.path
}

// WriteRaw appends one raw line under the given stream tag.
// Line format: "[<stream>] <body>\n".
func (w *Writer) WriteRaw(stream Stream, body string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return fmt.Errorf("log writer closed")
	}
	if _, err := fmt.Fprintf(w.buf, "[%s] %s\n", stream, body); err != nil {
		return err
	}
	return w.buf.Flush()
}

// WriteEvent appends a canonical event under the given stream tag.
// Body format: "[<id>|<type>] <json>".
func (w *Writer) WriteEvent(stream Stream, ev *session.Event) error {
	data, err := ev.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return w.WriteRaw(stream, fmt.Sprintf("[%d|%s] %s", ev.ID, ev.Type, data))
}

// Flush forces buffered lines to disk.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf == nil {
		return nil
	}
	return w.buf.Flush()
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	flushErr := w.buf.Flush()
	closeErr := w.f.Close()
	w.f = nil
	w.buf = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
