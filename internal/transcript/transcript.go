// Package transcript keeps a durable log of everything a session executed.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dontdude/scriptq/internal/domain"
)

// Entry types.
const (
	TypeScript  = "script"
	TypeDropped = "dropped"
)

// Entry is one logged interaction.
type Entry struct {
	Type      string
	Input     string
	Output    string
	Exception string
}

// Logger is a transcript sink.
type Logger interface {
	Log(ctx context.Context, at time.Time, counter int, e Entry) error
	Close() error
}

// NewSessionID builds an id of the form <username>_<RFC3339 time>_<16 hex>.
func NewSessionID(username string, now time.Time) string {
	if username == "" {
		username = "anonymous"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	return fmt.Sprintf("%s_%s_%s", username, now.UTC().Format(time.RFC3339), suffix)
}

// Transcript numbers entries and fans them out to its loggers.
type Transcript struct {
	id string

	mu      sync.Mutex
	counter int
	loggers []Logger
	now     func() time.Time
}

var _ domain.Recorder = (*Transcript)(nil)

func New(sessionID string, loggers ...Logger) *Transcript {
	return &Transcript{
		id:      sessionID,
		loggers: loggers,
		now:     time.Now,
	}
}

func (t *Transcript) ID() string { return t.id }

// Log writes e to every logger. All loggers are attempted even if one fails.
func (t *Transcript) Log(ctx context.Context, e Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counter++
	at := t.now()

	var errs []error
	for _, l := range t.loggers {
		if err := l.Log(ctx, at, t.counter, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Record logs a finished job and, if its failure flushed the backlog, one
// entry per dropped job.
func (t *Transcript) Record(ctx context.Context, o domain.Outcome) error {
	e := Entry{Type: TypeScript, Input: o.Script}
	if o.Err != nil {
		e.Exception = o.Err.Error()
	} else if o.Value != nil {
		e.Output = fmt.Sprint(o.Value)
	}

	errs := []error{t.Log(ctx, e)}
	for _, name := range o.Dropped {
		errs = append(errs, t.Log(ctx, Entry{
			Type:      TypeDropped,
			Input:     name,
			Exception: fmt.Sprintf("dropped after %q failed", o.Name),
		}))
	}
	return errors.Join(errs...)
}

func (t *Transcript) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	for _, l := range t.loggers {
		errs = append(errs, l.Close())
	}
	return errors.Join(errs...)
}
