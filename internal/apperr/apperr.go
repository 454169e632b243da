// Package apperr defines the discriminated application errors the HTTP layer
// maps onto status codes. Services return these; handlers never invent their
// own status mapping.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind discriminates application errors for transport mapping.
type Kind string

const (
	KindAuthRequired       Kind = "AUTH_REQUIRED"
	KindForbidden          Kind = "FORBIDDEN"
	KindNotFound           Kind = "NOT_FOUND"
	KindValidation         Kind = "VALIDATION"
	KindQuotaExceeded      Kind = "QUOTA_EXCEEDED"
	KindMediaTypeForbidden Kind = "MEDIA_TYPE_FORBIDDEN"
	KindInstanceUnavail    Kind = "INSTANCE_UNAVAILABLE"
	KindRequestConflict    Kind = "REQUEST_CONFLICT"
	KindIntegrationTimeout Kind = "INTEGRATION_TIMEOUT"
	KindUpstream           Kind = "INTEGRATION_UPSTREAM_ERROR"
	KindJobRunning         Kind = "JOB_ALREADY_RUNNING"
	KindInternal           Kind = "INTERNAL"
)

// Conflict sub-reasons for KindRequestConflict.
const (
	ConflictAlreadyRequestedMovie = "already_requested_movie"
	ConflictWholeSeriesExists     = "whole_series_exists"
	ConflictSeasonExists          = "season_exists"
	ConflictEpisodeExists         = "episode_exists"
)

// Error is an application error with a machine-readable kind and optional
// structured details serialized into API responses.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an application error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an application error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause while keeping the kind and message.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetails attaches structured details and returns the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// QuotaExceeded builds the quota error carrying the current and limit counts.
func QuotaExceeded(current, limit int) *Error {
	return Newf(KindQuotaExceeded, "Request limit reached (%d/%d)", current, limit).
		WithDetails(map[string]any{"current": current, "limit": limit})
}

// Conflict builds a request-conflict error with its sub-reason.
func Conflict(reason, message string) *Error {
	return New(KindRequestConflict, message).
		WithDetails(map[string]any{"reason": reason})
}

// KindOf extracts the kind from an error chain, defaulting to KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// HTTPStatus maps a kind onto its transport status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindAuthRequired:
		return http.StatusUnauthorized
	case KindForbidden, KindMediaTypeForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindQuotaExceeded, KindRequestConflict, KindJobRunning:
		return http.StatusConflict
	case KindInstanceUnavail:
		return http.StatusServiceUnavailable
	case KindIntegrationTimeout:
		return http.StatusGatewayTimeout
	case KindUpstream:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
