package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/conclave/internal/domain"
	"github.com/Strob0t/conclave/internal/resilience"
)

const maxRequestBodySize = 1 << 20 // 1 MB

// ---------------------------------------------------------------------------
// Request helpers
// ---------------------------------------------------------------------------

// readJSON decodes a JSON request body with a size limit.
func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}

// urlParam is a short alias for chi.URLParam.
func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// requireField writes a 400 error and returns false when value is empty.
func requireField(w http.ResponseWriter, value, fieldName string) bool {
	if strings.TrimSpace(value) == "" {
		writeError(w, http.StatusBadRequest, fieldName+" is required")
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeDomainError(w http.ResponseWriter, err error, fallbackMsg string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, fallbackMsg)
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, strings.TrimPrefix(err.Error(), domain.ErrConflict.Error()+": "))
	case errors.Is(err, domain.ErrValidation):
		msg := strings.TrimPrefix(err.Error(), domain.ErrValidation.Error()+": ")
		writeError(w, http.StatusBadRequest, msg)
	case errors.Is(err, domain.ErrNoAgentAvailable):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "no agent available")
	case resilience.IsCircuitOpen(err):
		writeError(w, http.StatusServiceUnavailable, "backend circuit open")
	default:
		slog.Error("unhandled domain error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
