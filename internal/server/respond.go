package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/finrisklabs/finrisk/internal/checkpoint"
	"github.com/finrisklabs/finrisk/internal/study"
)

// ErrorResponse is the generic error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ValidationResponse is the 422 body for rejected submissions. It carries
// everything the client needs to render inline issues and decide whether
// resubmitting is worthwhile.
type ValidationResponse struct {
	Message        string             `json:"message"`
	Issues         []checkpoint.Issue `json:"issues"`
	AttemptCount   int                `json:"attempt_count"`
	MaxRetries     int                `json:"max_retries"`
	RetryAvailable bool               `json:"retry_available"`
}

// SchemaResponse is the 422 body for rejected definition writes.
type SchemaResponse struct {
	Message string             `json:"message"`
	Issues  []checkpoint.Issue `json:"issues"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// decodeJSON reads the request body strictly: unknown fields are rejected
// so typos surface instead of being silently dropped.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// writeDomainError translates engine and study errors into the HTTP
// contract. Anything unrecognized is a 500 with a generic body; the real
// error goes to the log only.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *checkpoint.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusUnprocessableEntity, ValidationResponse{
			Message:        "Checkpoint submission validation failed",
			Issues:         verr.Issues,
			AttemptCount:   verr.AttemptCount,
			MaxRetries:     verr.MaxRetries,
			RetryAvailable: verr.RetryAvailable(),
		})
		return
	}
	var serr *checkpoint.SchemaError
	if errors.As(err, &serr) {
		writeJSON(w, http.StatusUnprocessableEntity, SchemaResponse{
			Message: "Invalid checkpoint definition",
			Issues:  serr.Issues,
		})
		return
	}
	var perr *study.PreconditionError
	if errors.As(err, &perr) {
		writeError(w, http.StatusBadRequest, perr.Message)
		return
	}
	var gerr *study.GatewayError
	if errors.As(err, &gerr) {
		writeError(w, gerr.StatusCode, gerr.Message)
		return
	}

	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, study.ErrSessionNotFound),
		errors.Is(err, study.ErrTaskNotFound),
		errors.Is(err, study.ErrParticipantNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, checkpoint.ErrDuplicateControlType),
		errors.Is(err, checkpoint.ErrSkipNotAllowed),
		errors.Is(err, checkpoint.ErrAlreadyFinalized),
		errors.Is(err, checkpoint.ErrRetryExhausted),
		errors.Is(err, checkpoint.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, study.ErrInvalidParticipantID):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
