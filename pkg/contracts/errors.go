package contracts

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline errors. Kinds, not concrete types, drive the
// HTTP mapping and retry decisions.
type ErrorKind string

const (
	KindValidation        ErrorKind = "VALIDATION"
	KindNotFound          ErrorKind = "NOT_FOUND"
	KindAuthority         ErrorKind = "AUTHORITY"
	KindIllegalTransition ErrorKind = "ILLEGAL_TRANSITION"
	KindConflict          ErrorKind = "CONFLICT"
	KindRateLimit         ErrorKind = "RATE_LIMIT"
	KindFailClosed        ErrorKind = "FAIL_CLOSED"
	KindInfra             ErrorKind = "INFRA"
)

// Error is the client-visible error value of the pipeline. Internal error
// text never rides in Message; it is logged at the boundary instead.
type Error struct {
	Kind    ErrorKind      `json:"kind"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Field   string         `json:"field,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s/%s: %s (field %s)", e.Kind, e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s/%s: %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the caller may retry the same request.
func (e *Error) Retryable() bool {
	return e.Kind == KindInfra || e.Kind == KindRateLimit || e.Kind == KindConflict
}

// NewError builds a pipeline error.
func NewError(kind ErrorKind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// WithField attaches the offending field path.
func (e *Error) WithField(field string) *Error {
	e.Field = field
	return e
}

// WithDetail attaches a detail entry.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// WithCause wraps an underlying error without exposing its text.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// KindOf extracts the kind of err, or KindInfra for unclassified errors.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInfra
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == kind
}

// Common codes shared across packages.
const (
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeMissingResolution   = "MISSING_RESOLUTION"
	CodeNotFound            = "NOT_FOUND"
	CodeIllegalTransition   = "ILLEGAL_TRANSITION"
	CodeResolutionImmutable = "RESOLUTION_IMMUTABLE"
	CodeConflict            = "CONFLICT"
	CodeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	CodeInternalError       = "INTERNAL_ERROR"
	CodeGateInternal        = "GATE_INTERNAL_ERROR"
	CodeAuthorityForbidden  = "AUTHORITY_FORBIDDEN"
	CodeOutcomeNotHuman     = "OUTCOME_AUTHORITY_NOT_HUMAN"
	CodeKillSwitchEngaged   = "KILL_SWITCH_ENGAGED"
)
