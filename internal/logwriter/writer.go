// Package logwriter implements the optional per-session append-only
// log file spec.md §3/§6 describes: a real-time, line-buffered mirror
// of a session's sanitised output, created on session start and closed on
// stop.
//
// Grounded on the teacher's internal/recording/recorder.go file
// lifecycle (create-on-start, write, flush, close), adapted from
// asciicast-v2 event framing to spec.md's plain mirrored-line format.
package logwriter

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Writer mirrors a session's sanitised output lines to a file. Writes
// are best-effort: a failure disables further logging for the
// remainder of the session but never fails the caller's operation.
type Writer struct {
	mu       sync.Mutex
	file     *os.File
	buf      *bufio.Writer
	disabled bool
}

// Path returns the log file path for a session, matching spec.md §6's
// naming scheme: pty_<command_basename>_<session_id>.log.
func Path(logDir, command, sessionID string) string {
	base := filepath.Base(command)
	return filepath.Join(logDir, fmt.Sprintf("pty_%s_%s.log", base, sessionID))
}

// Open creates (or truncates) the log file at path for writing.
func Open(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return &Writer{file: f, buf: bufio.NewWriter(f)}, nil
}

// WriteLine appends text to the log, flushing immediately so the file
// stays current for tail -f style consumers. A write failure disables
// further logging; it is logged once here rather than surfaced to the
// caller, per spec.md §7's "log writer is best-effort" rule.
func (w *Writer) WriteLine(text string) {
	if text == "" {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.disabled {
		return
	}

	if _, err := w.buf.WriteString(text); err != nil {
		w.disableLocked(err)
		return
	}
	if err := w.buf.Flush(); err != nil {
		w.disableLocked(err)
	}
}

func (w *Writer) disableLocked(err error) {
	w.disabled = true
	slog.Warn("session log writer disabled after write failure", slog.String("error", err.Error()))
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.disabled {
		return w.file.Close()
	}
	if err := w.buf.Flush(); err != nil {
		_ = w.file.Close()
		return fmt.Errorf("flush log file: %w", err)
	}
	return w.file.Close()
}
