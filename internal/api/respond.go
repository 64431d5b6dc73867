// internal/api/respond.go
package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/quoteflow/internal/engine"
	"github.com/xkilldash9x/quoteflow/internal/orchestrator"
	"github.com/xkilldash9x/quoteflow/internal/premium"
	"github.com/xkilldash9x/quoteflow/internal/progress"
	"github.com/xkilldash9x/quoteflow/internal/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxBodyBytes bounds request bodies; calculation payloads carry ~100 rows.
const maxBodyBytes = 4 << 20

// errBadJSON is reported for bodies that do not decode.
var errBadJSON = errors.New("invalid JSON body")

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return nil
}

// statusFor maps domain errors onto HTTP status codes and client messages.
func statusFor(err error) (int, string) {
	var (
		paramErr *premium.ParamError
		ageErr   *premium.AgeError
	)
	switch {
	case errors.Is(err, errBadJSON):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "Session not found"
	case errors.Is(err, session.ErrSessionBusy),
		errors.Is(err, session.ErrInvalidState),
		errors.Is(err, progress.ErrSubscriberActive):
		return http.StatusConflict, err.Error()
	case errors.Is(err, orchestrator.ErrEmptyAmount):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, engine.ErrNotRunning):
		return http.StatusServiceUnavailable, "Service is shutting down"
	case errors.Is(err, premium.ErrPlanNotFound):
		return http.StatusNotFound, "Plan data not found"
	case errors.As(err, &paramErr):
		return http.StatusBadRequest, paramErr.Error()
	case errors.As(err, &ageErr):
		return http.StatusBadRequest, ageErr.Error()
	case errors.Is(err, premium.ErrMalformed):
		return http.StatusInternalServerError, "Invalid JSON data"
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed.", zapRequest(r, err)...)
	} else {
		s.logger.Debug("Request rejected.", zapRequest(r, err)...)
	}
	Error(w, status, msg)
}
