package exchange

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	logSuffix   = ".jsonl"
	errorSuffix = ".error.jsonl"
)

// Writer appends records to JSON lines files. One Writer is shared by all
// virtual users; each append is a single write under the lock, so lines from
// concurrent users never interleave.
type Writer struct {
	mu    sync.Mutex
	files map[string]*os.File
}

func NewWriter() *Writer {
	return &Writer{files: make(map[string]*os.File)}
}

// Append writes rec as one line to path, creating parent directories.
func (w *Writer) Append(path string, rec Record) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		return fmt.Errorf("encode record %s: %w", rec.TraceID, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	f, ok := w.files[path]
	if !ok {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		w.files[path] = f
	}
	_, err := f.Write(buf.Bytes())
	return err
}

// Close closes every file opened so far.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var first error
	for p, f := range w.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
		delete(w.files, p)
	}
	return first
}

// ErrorPath is the error-log path next to a log path.
func ErrorPath(path string) string {
	return strings.TrimSuffix(path, logSuffix) + errorSuffix
}

// SessionLog is one virtual user's view of the shared writer. Its file is
// {dir}/{parent}/{title}/{YYYYMMDD}/{session}.jsonl, dated per append.
type SessionLog struct {
	w       *Writer
	dir     string
	parent  string
	title   string
	session string
	now     func() time.Time
}

func NewSessionLog(w *Writer, dir, parent, title, session string) *SessionLog {
	return &SessionLog{w: w, dir: dir, parent: parent, title: title, session: session, now: time.Now}
}

// Path is the log file for today.
func (l *SessionLog) Path() string {
	return filepath.Join(l.dir, l.parent, l.title, l.now().Format("20060102"), l.session+logSuffix)
}

// Write appends rec to the session log.
func (l *SessionLog) Write(rec Record) error {
	return l.w.Append(l.Path(), rec)
}

// WriteError appends rec to the session's error log.
func (l *SessionLog) WriteError(rec Record) error {
	return l.w.Append(ErrorPath(l.Path()), rec)
}
