// Package apperr defines the error taxonomy shared across components.
// Every error crossing a component boundary carries a Kind so transports
// can map it to a status code and retry loops can classify it without
// string matching.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping and retry decisions.
type Kind string

const (
	KindValidation   Kind = "VALIDATION"
	KindNotFound     Kind = "NOT_FOUND"
	KindUnauthorized Kind = "UNAUTHORIZED"
	KindForbidden    Kind = "FORBIDDEN"
	KindConflict     Kind = "CONFLICT"
	KindRateLimited  Kind = "RATE_LIMITED"
	KindProvider     Kind = "PROVIDER_ERROR"
	KindLLM          Kind = "LLM_ERROR"
	KindDatabase     Kind = "DATABASE_ERROR"
	KindWebhook      Kind = "WEBHOOK_ERROR"
	KindInternal     Kind = "INTERNAL"
)

// Error is a classified error with optional request correlation.
type Error struct {
	Kind      Kind
	Message   string
	RequestID string
	Details   map[string]any
	err       error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.err
}

// New creates a classified error without a wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an existing error. A nil cause returns nil.
func Wrap(kind Kind, message string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, err: err}
}

// WithRequestID attaches a correlation id and returns the error.
func (e *Error) WithRequestID(id string) *Error {
	e.RequestID = id
	return e
}

// WithDetail attaches a named detail and returns the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// KindOf extracts the Kind from an error chain, defaulting to KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether errors of this kind may succeed on retry.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindProvider, KindLLM, KindDatabase:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a kind to its HTTP status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation, KindWebhook:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindProvider:
		return http.StatusBadGateway
	case KindLLM:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
