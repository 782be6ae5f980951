package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/dontdude/scriptq/internal/config"
	"github.com/dontdude/scriptq/internal/domain"
	"github.com/dontdude/scriptq/internal/interp/exprlang"
	"github.com/dontdude/scriptq/internal/observability"
	"github.com/dontdude/scriptq/internal/platform/docker"
	"github.com/dontdude/scriptq/internal/platform/queue"
	"github.com/dontdude/scriptq/internal/session"
	"github.com/dontdude/scriptq/internal/transcript"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// buildInterpreter returns the configured interpreter and a closer for its resources.
func buildInterpreter(ctx context.Context, c *config.Config) (domain.Interpreter, io.Closer, error) {
	switch c.Interpreter.Kind {
	case "expr":
		return exprlang.New(), nopCloser{}, nil
	case "docker":
		d := c.Interpreter.Docker
		cli, err := docker.NewClient(ctx, docker.Options{
			Image:    d.Image,
			Language: d.Language,
			MemoryMB: d.MemoryMB,
			Timeout:  d.Timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return cli, cli, nil
	default:
		return nil, nil, fmt.Errorf("unknown interpreter %q", c.Interpreter.Kind)
	}
}

// buildTranscript opens the configured loggers. It returns nil when transcripts are disabled.
func buildTranscript(ctx context.Context, c *config.Config) (*transcript.Transcript, error) {
	if !c.Transcript.Enabled {
		return nil, nil
	}

	id := transcript.NewSessionID(c.Session.Username, time.Now())
	var loggers []transcript.Logger

	text, err := transcript.NewTextLogger(c.Transcript.Dir, id)
	if err != nil {
		return nil, err
	}
	loggers = append(loggers, text)

	if c.Transcript.SQLitePath != "" {
		sqlLogger, err := transcript.OpenSQLLogger(ctx, c.Transcript.SQLitePath, id)
		if err != nil {
			_ = text.Close()
			return nil, err
		}
		loggers = append(loggers, sqlLogger)
	}

	observability.Logger.Info("Session transcript", zap.String("session_id", id), zap.String("path", text.Path()))
	return transcript.New(id, loggers...), nil
}

func openRedis(ctx context.Context, c *config.Config) (*queue.RedisQueue, error) {
	return queue.NewRedisQueue(ctx, queue.Options{
		Addr:    c.Redis.Addr,
		Stream:  c.Redis.Stream,
		Group:   c.Redis.Group,
		Channel: c.Redis.Channel,
	})
}

// localSession is a session plus everything it owns.
type localSession struct {
	*session.Session
	closers []io.Closer
}

func (l *localSession) Close() error {
	l.Stop()
	var errs []error
	for i := len(l.closers) - 1; i >= 0; i-- {
		errs = append(errs, l.closers[i].Close())
	}
	return errors.Join(errs...)
}

// startSession builds and starts a session from config. Extra options are applied last.
func startSession(ctx context.Context, c *config.Config, extra ...session.Option) (*localSession, error) {
	interp, interpCloser, err := buildInterpreter(ctx, c)
	if err != nil {
		return nil, err
	}
	ls := &localSession{closers: []io.Closer{interpCloser}}

	opts := []session.Option{session.WithAwaitTimeout(c.Session.AwaitTimeout)}
	tr, err := buildTranscript(ctx, c)
	if err != nil {
		_ = interpCloser.Close()
		return nil, err
	}
	if tr != nil {
		opts = append(opts, session.WithRecorder(tr))
		ls.closers = append(ls.closers, tr)
	}
	opts = append(opts, extra...)

	ls.Session = session.New(interp, opts...)
	ls.Start(ctx)
	return ls, nil
}
