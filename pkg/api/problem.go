// Package api is the HTTP controller surface of the control plane. Error
// responses use RFC 7807 problem details; raw internal error text never
// reaches clients.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/opx-platform/opx-core/pkg/contracts"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Code is the machine-readable pipeline error code.
	Code string `json:"code,omitempty"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Field is the offending request field, when known.
	Field string `json:"field,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// TraceID links to the request trace.
	TraceID string `json:"trace_id,omitempty"`
}

// WriteProblem writes a problem response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, code, title, detail string) {
	problem := &ProblemDetail{
		Type:     fmt.Sprintf("https://opx.dev/errors/%d", status),
		Title:    title,
		Status:   status,
		Code:     code,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteError maps a pipeline error onto the HTTP taxonomy. Classified errors
// surface their code and message; everything else becomes an opaque 500.
func WriteError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var pe *contracts.Error
	if !errors.As(err, &pe) {
		logger.Error("unclassified error", "path", r.URL.Path, "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, contracts.CodeInternalError,
			"Internal Server Error", "An unexpected error occurred. Please try again later.")
		return
	}

	status := statusFor(pe.Kind)
	if status == http.StatusInternalServerError {
		// Infra detail is logged, never echoed.
		logger.Error("infra error", "path", r.URL.Path, "error", err)
		WriteProblem(w, r, status, pe.Code,
			http.StatusText(status), "An unexpected error occurred. Please try again later.")
		return
	}
	if pe.Kind == contracts.KindRateLimit {
		if secs, ok := pe.Details["retryAfterSeconds"].(int); ok {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
		}
	}
	problem := &ProblemDetail{
		Type:     fmt.Sprintf("https://opx.dev/errors/%d", status),
		Title:    http.StatusText(status),
		Status:   status,
		Code:     pe.Code,
		Detail:   pe.Message,
		Field:    pe.Field,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

func statusFor(kind contracts.ErrorKind) int {
	switch kind {
	case contracts.KindValidation:
		return http.StatusBadRequest
	case contracts.KindNotFound:
		return http.StatusNotFound
	case contracts.KindAuthority:
		return http.StatusForbidden
	case contracts.KindIllegalTransition, contracts.KindConflict:
		return http.StatusConflict
	case contracts.KindRateLimit:
		return http.StatusTooManyRequests
	case contracts.KindFailClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON writes a JSON success response.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteBadRequest writes a 400 problem response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, r, http.StatusBadRequest, contracts.CodeInvalidRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 problem response.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteProblem(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", detail)
}

// WriteTooManyRequests writes a 429 problem response with Retry-After.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteProblem(w, r, http.StatusTooManyRequests, contracts.CodeRateLimitExceeded,
		"Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}
