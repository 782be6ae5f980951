// Package server exposes a session over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/dontdude/scriptq/internal/domain"
	"github.com/dontdude/scriptq/internal/observability"
	"github.com/dontdude/scriptq/internal/platform/web"
	"github.com/dontdude/scriptq/internal/session"
)

// Queue is the session surface the API needs.
type Queue interface {
	Submit(name, script string) (string, error)
	Status(name string) (domain.Status, error)
	Await(ctx context.Context, name string) (any, error)
	CheckError() error
	Reset() error
	Snapshot() session.Snapshot
}

// Options configures a Server.
type Options struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Version         string

	// Limiter throttles submissions. Nil disables rate limiting.
	Limiter *web.RateLimiter
	// Bus feeds /api/ws. Nil disables the WebSocket endpoint.
	Bus domain.MessageBus
}

type Server struct {
	queue  Queue
	opts   Options
	hub    *Hub
	router chi.Router
}

func New(q Queue, opts Options) *Server {
	s := &Server{
		queue: q,
		opts:  opts,
		hub:   NewHub(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(Recovery)
	r.Use(enableCORS)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, fmt.Sprintf("no route for %s", r.URL.Path), nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, fmt.Sprintf("%s not allowed on %s", r.Method, r.URL.Path), nil)
	})

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		submit := http.Handler(http.HandlerFunc(s.handleSubmit))
		if s.opts.Limiter != nil {
			submit = s.opts.Limiter.Middleware(submit)
		}
		r.Method(http.MethodPost, "/jobs", submit)
		r.Get("/jobs/{name}", s.handleStatus)
		r.Get("/jobs/{name}/result", s.handleResult)

		r.Get("/session", s.handleSession)
		r.Post("/session/check", s.handleCheck)
		r.Post("/session/reset", s.handleReset)

		r.Get("/ws", s.handleWS)
	})
	return r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// Run serves until ctx is done, then shuts down within ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	if s.opts.Bus != nil {
		go func() {
			if err := s.hub.Run(ctx, s.opts.Bus); err != nil && !errors.Is(err, context.Canceled) {
				observability.Logger.Error("Message broadcaster stopped", zap.Error(err))
			}
		}()
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port),
		Handler:      s.router,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		// Blocked awaits are released when the server is asked to stop.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		observability.Logger.Info("API server starting", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	timeout := s.opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	observability.Logger.Info("API server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
