// Package session implements a named, strictly ordered script execution queue.
//
// A Session owns one interpreter and one worker goroutine. Callers submit
// scripts without blocking, poll per-job messages with Status, and block for a
// specific job's value with Await. A failing job trips a session-wide error
// latch and discards everything still queued behind it; the latch must be
// drained by exactly one Await or CheckError before new submissions are accepted.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dontdude/scriptq/internal/domain"
	"github.com/dontdude/scriptq/internal/observability"
)

// Option configures a Session.
type Option func(*Session)

// WithBus publishes every job message to bus in addition to the local message log.
func WithBus(bus domain.MessageBus) Option {
	return func(s *Session) { s.bus = bus }
}

// WithRecorder persists each job outcome through r.
func WithRecorder(r domain.Recorder) Option {
	return func(s *Session) { s.recorder = r }
}

// WithAwaitTimeout bounds every Await call. Zero means wait forever.
func WithAwaitTimeout(d time.Duration) Option {
	return func(s *Session) { s.awaitTimeout = d }
}

// Session is the shared state between callers and the worker.
type Session struct {
	interp       domain.Interpreter
	bus          domain.MessageBus
	recorder     domain.Recorder
	awaitTimeout time.Duration

	// mu guards everything below.
	mu       sync.Mutex
	backlog  []domain.Job
	results  map[string]any
	failures map[string]error
	logs     map[string]*messageLog
	signals  map[string]*signal
	running  string
	failure  *domain.JobError
	failCh   chan struct{}
	closed   bool

	wake      chan struct{}
	halt      chan struct{}
	haltOnce  sync.Once
	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// Snapshot is a view of the queue itself.
type Snapshot struct {
	Running string   `json:"running"`
	Pending []string `json:"pending"`
}

// New creates a session around interp. Call Start before submitting work.
func New(interp domain.Interpreter, opts ...Option) *Session {
	s := &Session{
		interp:   interp,
		results:  make(map[string]any),
		failures: make(map[string]error),
		logs:     make(map[string]*messageLog),
		signals:  make(map[string]*signal),
		failCh:   make(chan struct{}),
		wake:     make(chan struct{}, 1),
		halt:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewJobName returns a fresh random 32-character hex name.
func NewJobName() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Submit appends a job to the tail of the backlog and returns its name.
// An empty name is replaced by a generated one. Submit never blocks.
func (s *Session) Submit(name, script string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = NewJobName()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", domain.ErrSessionClosed
	}
	if s.failure != nil {
		err := fmt.Errorf("%w: %w", domain.ErrSubmissionRejected, s.failure)
		s.mu.Unlock()
		return "", err
	}
	delete(s.failures, name)
	s.backlog = append(s.backlog, domain.Job{
		Name:        name,
		Script:      script,
		SubmittedAt: time.Now().UTC(),
	})
	depth := len(s.backlog)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	observability.Logger.Debug("Job submitted", zap.String("job", name), zap.Int("backlog", depth))
	return name, nil
}

// Status delivers any buffered messages for name and reports its progress.
func (s *Session) Status(name string) (domain.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.logs[name]
	if !ok {
		return domain.Status{}, fmt.Errorf("%w: %s", domain.ErrUnknownJob, name)
	}

	delivered := log.flush()
	history := make([]string, len(log.history))
	copy(history, log.history)
	_, finished := s.results[name]
	return domain.Status{
		Name:     name,
		State:    s.stateLocked(name),
		Finished: finished,
		Messages: history,
		New:      delivered,
	}, nil
}

// Await blocks until name has a result and returns it.
//
// If the result is not available and the error latch is set, Await clears the
// latch and returns the failure, whichever job it belongs to.
func (s *Session) Await(ctx context.Context, name string) (any, error) {
	if s.awaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.awaitTimeout)
		defer cancel()
	}

	for {
		s.mu.Lock()
		if v, ok := s.results[name]; ok {
			s.mu.Unlock()
			return v, nil
		}
		if s.closed {
			s.mu.Unlock()
			return nil, domain.ErrSessionClosed
		}
		if s.failure != nil {
			err := s.clearFailureLocked()
			s.mu.Unlock()
			return nil, err
		}
		if err, ok := s.failures[name]; ok {
			s.mu.Unlock()
			return nil, err
		}
		sig := s.waitLocked(name)
		fail := s.failCh
		s.mu.Unlock()

		// Every wake re-checks the conditions above.
		var cerr error
		select {
		case <-sig.done:
		case <-fail:
		case <-s.halt:
		case <-ctx.Done():
			cerr = ctx.Err()
		}

		s.mu.Lock()
		s.unwaitLocked(name, sig)
		s.mu.Unlock()

		if cerr != nil {
			if errors.Is(cerr, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", domain.ErrAwaitTimeout, name)
			}
			return nil, cerr
		}
	}
}

// CheckError clears and returns a pending failure, or returns nil.
func (s *Session) CheckError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure == nil {
		return nil
	}
	return s.clearFailureLocked()
}

// Reset clears the interpreter's environment. It refuses while any job is
// queued or running.
func (s *Session) Reset() error {
	r, ok := s.interp.(domain.Resetter)
	if !ok {
		return domain.ErrResetUnsupported
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrSessionClosed
	}
	if s.running != "" || len(s.backlog) > 0 {
		return fmt.Errorf("%w: running %q, %d queued", domain.ErrSessionBusy, s.running, len(s.backlog))
	}
	r.Reset()
	observability.Logger.Info("Interpreter reset")
	return nil
}

// Snapshot reports the running job and the names still waiting in the backlog.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := make([]string, 0, len(s.backlog))
	for _, j := range s.backlog {
		pending = append(pending, j.Name)
	}
	return Snapshot{Running: s.running, Pending: pending}
}

func (s *Session) clearFailureLocked() error {
	err := s.failure
	s.failure = nil
	s.dropBacklogLocked(err)
	observability.Logger.Debug("Failure acknowledged", zap.String("job", err.Name))
	return err
}

// dropBacklogLocked discards every queued job, remembering why.
func (s *Session) dropBacklogLocked(cause *domain.JobError) []string {
	if len(s.backlog) == 0 {
		return nil
	}
	names := make([]string, 0, len(s.backlog))
	for _, j := range s.backlog {
		names = append(names, j.Name)
		s.notifyLocked(j.Name)
		if j.Name == cause.Name {
			continue
		}
		s.failures[j.Name] = &domain.JobError{
			Name: j.Name,
			Err:  fmt.Errorf("%w after %q failed: %w", domain.ErrJobDropped, cause.Name, cause.Err),
		}
	}
	s.backlog = nil
	return names
}

// signal is closed when its job settles. waiters counts the Awaits holding it.
type signal struct {
	done    chan struct{}
	waiters int
}

func (s *Session) waitLocked(name string) *signal {
	sig, ok := s.signals[name]
	if !ok {
		sig = &signal{done: make(chan struct{})}
		s.signals[name] = sig
	}
	sig.waiters++
	return sig
}

// unwaitLocked drops sig once its last waiter has left.
func (s *Session) unwaitLocked(name string, sig *signal) {
	sig.waiters--
	if sig.waiters == 0 && s.signals[name] == sig {
		delete(s.signals, name)
	}
}

// notifyLocked releases every Await blocked on name.
func (s *Session) notifyLocked(name string) {
	if sig, ok := s.signals[name]; ok {
		close(sig.done)
		delete(s.signals, name)
	}
}

// wakeWaitersLocked releases every Await blocked on the failure broadcast.
func (s *Session) wakeWaitersLocked() {
	close(s.failCh)
	s.failCh = make(chan struct{})
}

func (s *Session) stateLocked(name string) domain.JobState {
	if s.running == name {
		return domain.JobStateRunning
	}
	for _, j := range s.backlog {
		if j.Name == name {
			return domain.JobStateQueued
		}
	}
	if _, ok := s.results[name]; ok {
		return domain.JobStateCompleted
	}
	if err, ok := s.failures[name]; ok {
		if errors.Is(err, domain.ErrJobDropped) {
			return domain.JobStateDropped
		}
		return domain.JobStateFailed
	}
	return domain.JobStateQueued
}

// messageLog holds one job's undelivered and delivered messages.
type messageLog struct {
	queue   []string
	history []string
	seq     int
}

func (l *messageLog) push(text string) int {
	l.queue = append(l.queue, text)
	l.seq++
	return l.seq
}

func (l *messageLog) flush() []string {
	delivered := l.queue
	l.history = append(l.history, delivered...)
	l.queue = nil
	if delivered == nil {
		delivered = []string{}
	}
	return delivered
}
