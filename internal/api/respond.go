package api

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/vietddude/intake/internal/core/apperr"
)

type errorBody struct {
	Kind              apperr.Kind `json:"kind"`
	Message           string      `json:"message"`
	Field             string      `json:"field,omitempty"`
	Violation         string      `json:"violation,omitempty"`
	NextRetryAt       *time.Time  `json:"next_retry_at,omitempty"`
	RetryAfterSeconds int         `json:"retry_after_seconds,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError maps err onto its kind's status code.
func respondError(w http.ResponseWriter, log *slog.Logger, err error) {
	e, ok := apperr.As(err)
	if !ok {
		e = apperr.Classify(err, nil)
	}

	body := errorBody{
		Kind:      e.Kind,
		Message:   e.Message,
		Field:     e.Field,
		Violation: e.Violation,
	}
	if !e.NextRetryAt.IsZero() {
		at := e.NextRetryAt
		body.NextRetryAt = &at
	}
	if e.RetryAfter > 0 {
		body.RetryAfterSeconds = int(math.Ceil(e.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfterSeconds))
	}

	status := e.Status
	if status == 0 {
		status = e.Kind.Status()
	}
	if status >= http.StatusInternalServerError {
		log.Error("Request failed", "kind", e.Kind, "status", status, "error", err)
	}
	respondJSON(w, status, map[string]errorBody{"error": body})
}

func badRequest(field, message string) error {
	return apperr.Validation(field, "invalid", message)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("body", "request body must be valid JSON: "+err.Error())
	}
	return nil
}
