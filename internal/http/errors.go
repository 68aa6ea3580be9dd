package http

import (
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"

	"github.com/robertarktes/concert-seat-admission/internal/domain"
	"github.com/robertarktes/concert-seat-admission/internal/observability"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusOf maps an error class to an HTTP status and a stable code.
func statusOf(err error) (int, string) {
	switch {
	case domain.IsFatal(err):
		return http.StatusInternalServerError, "internal"
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "conflict"
	case domain.IsTransient(err):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, logger observability.Logger, err error) {
	status, code := statusOf(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		logger.WithError(err).WithField("status", status).Error("request failed")
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_input", Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
