package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dontdude/scriptq/internal/domain"
	"github.com/dontdude/scriptq/internal/observability"
)

const maxBodyBytes = 1 << 20

type submitRequest struct {
	Name   string `json:"name"`
	Script string `json:"script"`
}

type submitResponse struct {
	Name  string          `json:"name"`
	State domain.JobState `json:"state"`
}

type resultResponse struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.opts.Version})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body", map[string]any{"reason": err.Error()})
		return
	}
	if strings.TrimSpace(req.Script) == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "script is required", nil)
		return
	}

	name, err := s.queue.Submit(req.Name, req.Script)
	if err != nil {
		respondWithError(w, err)
		return
	}

	observability.Logger.Info("Received submission", zap.String("job", name))
	writeJSON(w, http.StatusAccepted, submitResponse{Name: name, State: domain.JobStateQueued})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.queue.Status(chi.URLParam(r, "name"))
	if err != nil {
		respondWithError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	timeout, err := s.awaitTimeout(r.URL.Query().Get("timeout"))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error(), nil)
		return
	}
	ctx := r.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	value, err := s.queue.Await(ctx, name)
	if err != nil {
		respondWithError(w, err)
		return
	}

	resp := resultResponse{Name: name, Value: value}
	if _, err := json.Marshal(resp); err != nil {
		// Values that JSON cannot represent are sent in their printed form.
		resp.Value = fmt.Sprint(value)
	}
	writeJSON(w, http.StatusOK, resp)
}

// awaitTimeout parses ?timeout= and keeps the wait inside the server's write timeout,
// so a slow job yields AWAIT_TIMEOUT instead of a severed connection.
func (s *Server) awaitTimeout(raw string) (time.Duration, error) {
	var d time.Duration
	if raw != "" {
		var err error
		if d, err = time.ParseDuration(raw); err != nil || d < 0 {
			return 0, fmt.Errorf("invalid timeout %q", raw)
		}
	}
	if limit := s.opts.WriteTimeout - time.Second; limit > 0 && (d == 0 || d > limit) {
		d = limit
	}
	return d, nil
}

func (s *Server) handleCheck(w http.ResponseWriter, _ *http.Request) {
	if err := s.queue.CheckError(); err != nil {
		var jobErr *domain.JobError
		if errors.As(err, &jobErr) {
			writeError(w, http.StatusConflict, CodeJobFailed, err.Error(), jobDetails(err))
			return
		}
		respondWithError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	if err := s.queue.Reset(); err != nil {
		respondWithError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Snapshot())
}
