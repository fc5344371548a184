package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/opensource-finance/crowdguard/internal/domain"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error             string `json:"error"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
	AttemptsRemaining *int   `json:"attemptsRemaining,omitempty"`
	TraceID           string `json:"traceId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps domain errors to HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := ErrorResponse{Error: err.Error(), TraceID: GetTraceID(r.Context())}
	status := http.StatusInternalServerError

	var rateLimited *domain.RateLimitError
	var mismatch *domain.MismatchError
	switch {
	case errors.As(err, &rateLimited):
		status = http.StatusTooManyRequests
		secs := int(math.Ceil(rateLimited.RetryAfter.Seconds()))
		resp.RetryAfterSeconds = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	case errors.As(err, &mismatch):
		status = http.StatusUnprocessableEntity
		resp.AttemptsRemaining = &mismatch.Remaining
	case errors.Is(err, domain.ErrOTPExpired), errors.Is(err, domain.ErrOTPExhausted):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrTransientStore):
		status = http.StatusServiceUnavailable
		resp.Error = "temporarily unavailable, retry the request"
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
	}

	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
		if status == http.StatusInternalServerError {
			resp.Error = "internal server error"
		}
	}

	writeJSON(w, status, resp)
}

// decodeJSON reads the request body into v.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.Validationf("invalid JSON request body")
	}
	return nil
}
