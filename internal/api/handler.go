// Package api provides HTTP handlers for the review bridge API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/review-bridge/internal/domain"
	"github.com/ashureev/review-bridge/internal/review"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20 // 1MB

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

// writeDomainError maps orchestrator errors onto status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		ve *domain.ValidationError
		te *domain.TransportError
		re *domain.RemoteError
	)
	switch {
	case errors.As(err, &ve):
		Error(w, http.StatusBadRequest, ve.Error())
	case errors.Is(err, domain.ErrNotFound):
		Error(w, http.StatusNotFound, "session not found")
	case errors.Is(err, domain.ErrNotReady):
		Error(w, http.StatusConflict, err.Error())
	case errors.As(err, &te):
		Error(w, http.StatusBadGateway, te.Error())
	case errors.As(err, &re):
		Error(w, http.StatusBadGateway, re.Error())
	case errors.Is(err, review.ErrShuttingDown):
		Error(w, http.StatusServiceUnavailable, err.Error())
	default:
		slog.Error("Request failed", "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON reads a bounded JSON body into v. It writes the error response
// itself and reports whether decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, v any) bool {
	if maxBytes <= 0 {
		maxBytes = defaultMaxRequestBodySize
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
