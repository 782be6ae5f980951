package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/dontdude/scriptq/internal/domain"
	"github.com/dontdude/scriptq/internal/observability"
)

// Error codes carried in the response envelope.
const (
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodePriorJobFailed   = "PRIOR_JOB_FAILED"
	CodeUnknownJob       = "UNKNOWN_JOB"
	CodeJobFailed        = "JOB_FAILED"
	CodeAwaitTimeout     = "AWAIT_TIMEOUT"
	CodeSessionClosed    = "SESSION_CLOSED"
	CodeSessionBusy      = "SESSION_BUSY"
	CodeResetUnsupported = "RESET_UNSUPPORTED"
	CodeRequestCancelled = "REQUEST_CANCELLED"
	CodeBusDisabled      = "BUS_DISABLED"
	CodeNotFound         = "NOT_FOUND"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	CodeInternal         = "INTERNAL_ERROR"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		observability.Logger.Warn("Failed to encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	writeJSON(w, status, ErrorResponse{Error: ErrorBody{Code: code, Message: message, Details: details}})
}

// respondWithError maps a session error onto a status code and envelope.
func respondWithError(w http.ResponseWriter, err error) {
	var jobErr *domain.JobError
	switch {
	case errors.Is(err, domain.ErrSubmissionRejected):
		writeError(w, http.StatusConflict, CodePriorJobFailed, err.Error(), jobDetails(err))
	case errors.Is(err, domain.ErrSessionClosed):
		writeError(w, http.StatusServiceUnavailable, CodeSessionClosed, err.Error(), nil)
	case errors.Is(err, domain.ErrSessionBusy):
		writeError(w, http.StatusConflict, CodeSessionBusy, err.Error(), nil)
	case errors.Is(err, domain.ErrResetUnsupported):
		writeError(w, http.StatusNotImplemented, CodeResetUnsupported, err.Error(), nil)
	case errors.Is(err, domain.ErrUnknownJob):
		writeError(w, http.StatusNotFound, CodeUnknownJob, err.Error(), nil)
	case errors.Is(err, domain.ErrAwaitTimeout):
		writeError(w, http.StatusGatewayTimeout, CodeAwaitTimeout, err.Error(), nil)
	case errors.As(err, &jobErr):
		writeError(w, http.StatusUnprocessableEntity, CodeJobFailed, err.Error(), jobDetails(err))
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusRequestTimeout, CodeRequestCancelled, err.Error(), nil)
	default:
		observability.Logger.Error("Unhandled request error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal server error", nil)
	}
}

func jobDetails(err error) map[string]any {
	var jobErr *domain.JobError
	if !errors.As(err, &jobErr) {
		return nil
	}
	return map[string]any{
		"job":     jobErr.Name,
		"dropped": errors.Is(jobErr, domain.ErrJobDropped),
	}
}
