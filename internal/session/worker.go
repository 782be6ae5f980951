package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dontdude/scriptq/internal/domain"
	"github.com/dontdude/scriptq/internal/observability"
)

// Start spawns the worker goroutine. It returns immediately.
// The worker stops when ctx is done or Stop is called.
func (s *Session) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		observability.Logger.Info("Starting session worker")
		go s.worker(ctx)
	})
}

// Stop initiates shutdown and blocks until the worker has exited.
// The job being executed (if any) sees its context cancelled; queued jobs are
// abandoned and further submissions fail with ErrSessionClosed.
func (s *Session) Stop() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.haltOnce.Do(func() { close(s.halt) })

	started := true
	s.startOnce.Do(func() { started = false })
	if !started {
		return
	}
	s.cancel()
	<-s.done
	observability.Logger.Info("Session worker stopped")
}

// worker drains the backlog one job at a time until ctx is done.
func (s *Session) worker(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.haltOnce.Do(func() { close(s.halt) })
		close(s.done)
	}()

	for {
		job, ok := s.next(ctx)
		if !ok {
			return
		}
		s.execute(ctx, job)
	}
}

// next blocks until the backlog has a head job, then dequeues it.
func (s *Session) next(ctx context.Context) (domain.Job, bool) {
	for {
		if ctx.Err() != nil {
			return domain.Job{}, false
		}

		s.mu.Lock()
		if len(s.backlog) > 0 {
			job := s.backlog[0]
			s.backlog[0] = domain.Job{}
			s.backlog = s.backlog[1:]
			s.mu.Unlock()
			return job, true
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return domain.Job{}, false
		case <-s.wake:
		}
	}
}

func (s *Session) execute(ctx context.Context, job domain.Job) {
	started := time.Now().UTC()
	logger := observability.Logger.With(zap.String("job", job.Name))

	s.mu.Lock()
	s.running = job.Name
	var err error
	if _, duplicate := s.results[job.Name]; duplicate {
		err = fmt.Errorf("%w: %s", domain.ErrDuplicateJobName, job.Name)
	}
	log, ok := s.logs[job.Name]
	if err == nil || !ok {
		log = &messageLog{}
		s.logs[job.Name] = log
	}
	s.mu.Unlock()

	logger.Debug("Processing job")

	var value any
	if err == nil {
		emit := func(text string) {
			s.mu.Lock()
			seq := log.push(text)
			s.mu.Unlock()
			s.broadcast(ctx, domain.JobMessage{JobName: job.Name, Seq: seq, Text: text, At: time.Now().UTC()})
		}
		value, err = s.invoke(ctx, job.Script, emit)
	}

	var (
		final   domain.JobMessage
		dropped []string
	)
	s.mu.Lock()
	s.running = ""
	if err != nil {
		jobErr := &domain.JobError{Name: job.Name, Err: err}
		s.failure = jobErr
		s.failures[job.Name] = jobErr
		seq := log.push(err.Error())
		dropped = s.dropBacklogLocked(jobErr)
		s.notifyLocked(job.Name)
		s.wakeWaitersLocked()
		final = domain.JobMessage{JobName: job.Name, Seq: seq, Text: err.Error(), Final: true, State: domain.JobStateFailed}
	} else {
		s.results[job.Name] = value
		s.notifyLocked(job.Name)
		final = domain.JobMessage{JobName: job.Name, Seq: log.seq, Text: formatValue(value), Final: true, State: domain.JobStateCompleted}
	}
	s.mu.Unlock()

	finished := time.Now().UTC()
	final.At = finished
	s.broadcast(ctx, final)

	if err != nil {
		logger.Warn("Job failed",
			zap.Error(err),
			zap.Strings("dropped", dropped),
			zap.Duration("duration", finished.Sub(started)))
	} else {
		logger.Info("Job completed", zap.Duration("duration", finished.Sub(started)))
	}

	if s.recorder != nil {
		outcome := domain.Outcome{
			Name:       job.Name,
			Script:     job.Script,
			Value:      value,
			Err:        err,
			Dropped:    dropped,
			StartedAt:  started,
			FinishedAt: finished,
		}
		if rerr := s.recorder.Record(ctx, outcome); rerr != nil {
			logger.Warn("Failed to record job outcome", zap.Error(rerr))
		}
	}
}

// invoke runs one script, converting interpreter errors and panics into
// ErrScriptExecution failures.
func (s *Session) invoke(ctx context.Context, script string, emit func(string)) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("%w: panic: %v", domain.ErrScriptExecution, r)
		}
	}()

	value, err = s.interp.Execute(ctx, script, emit)
	if err != nil && !errors.Is(err, domain.ErrScriptExecution) {
		err = fmt.Errorf("%w: %w", domain.ErrScriptExecution, err)
	}
	return value, err
}

func (s *Session) broadcast(ctx context.Context, msg domain.JobMessage) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Broadcast(ctx, msg); err != nil {
		observability.Logger.Warn("Failed to broadcast job message",
			zap.String("job", msg.JobName), zap.Error(err))
	}
}

func formatValue(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
