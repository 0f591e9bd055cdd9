// Package httpserver contains the gateway's HTTP handlers and middleware.
//
// It exposes the client-facing applications and batch-jobs API, the SSE
// stream endpoint, and the internal worker callback endpoint, keeping HTTP
// concerns apart from the usecase services.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/fairyhunter13/ai-apply-gateway/internal/domain"
)

// errorBody is the uniform error envelope returned on every non-2xx response.
type errorBody struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorKind maps a domain sentinel to the wire error code and HTTP status.
func errorKind(err error) (string, int) {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		return "VALIDATION", http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthenticated):
		return "UNAUTHENTICATED", http.StatusUnauthorized
	case errors.Is(err, domain.ErrQuotaExceeded):
		return "QUOTA_EXCEEDED", http.StatusPaymentRequired
	case errors.Is(err, domain.ErrModelNotAllowed):
		return "MODEL_NOT_ALLOWED", http.StatusForbidden
	case errors.Is(err, domain.ErrForbidden):
		return "FORBIDDEN", http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return "NOT_FOUND", http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return "CONFLICT", http.StatusConflict
	case errors.Is(err, domain.ErrRateLimited):
		return "RATE_LIMIT_EXCEEDED", http.StatusTooManyRequests
	case errors.Is(err, domain.ErrTooManyConnections):
		return "TOO_MANY_CONNECTIONS", http.StatusTooManyRequests
	case errors.Is(err, domain.ErrUpstreamUnavail):
		return "UPSTREAM_UNAVAILABLE", http.StatusServiceUnavailable
	default:
		return "INTERNAL", http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, status := errorKind(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		// Driver errors never leak to clients.
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{
		Error:     code,
		Message:   msg,
		Timestamp: time.Now().UTC(),
		Path:      r.URL.Path,
	})
}
