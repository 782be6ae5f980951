package transcript

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TextLogger appends entries to <dir>/<session id>.txt.
type TextLogger struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// NewTextLogger creates dir if needed and opens the session file for appending.
// A leading "~" in dir is expanded to the user's home directory.
func NewTextLogger(dir, sessionID string) (*TextLogger, error) {
	dir, err := expandHome(dir)
	if err != nil {
		return nil, err
	}
	// #nosec G301 -- transcripts are readable by the owning user's tools
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}

	path := filepath.Join(dir, sessionID+".txt")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	return &TextLogger{path: path, f: f}, nil
}

// Path is the file being written.
func (l *TextLogger) Path() string { return l.path }

func (l *TextLogger) Log(_ context.Context, at time.Time, counter int, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := bufio.NewWriter(l.f)
	w.WriteString("---\n")
	writeField(w, "TIME", at.Format(time.RFC3339Nano))
	writeField(w, "COUNTER", strconv.Itoa(counter))
	writeField(w, "TYPE", e.Type)
	writeField(w, "INPUT", e.Input)
	writeField(w, "OUTPUT", e.Output)
	writeField(w, "EXCEPTION", e.Exception)
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	return nil
}

func writeField(w *bufio.Writer, label, value string) {
	w.WriteString(":" + label + ":" + value + "\n")
}

func (l *TextLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

func expandHome(dir string) (string, error) {
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(dir, "~")), nil
}
