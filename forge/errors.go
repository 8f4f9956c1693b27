package forge

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode classifies provider failures.
type ErrorCode string

const (
	// ErrCodeNotFound covers missing repos, PRs, files, and refs.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrCodeRateLimited covers primary and abuse rate limits.
	ErrCodeRateLimited ErrorCode = "RATE_LIMITED"
	// ErrCodeServerError covers provider 5xx responses.
	ErrCodeServerError ErrorCode = "SERVER_ERROR"
	// ErrCodeValidation covers rejected payloads and bad parameters.
	ErrCodeValidation ErrorCode = "VALIDATION"
)

// RequestError is a typed provider failure.
type RequestError struct {
	Code       ErrorCode
	Status     int
	Message    string
	RetryAfter time.Duration // set when the provider asked us to back off
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("forge %s (status %d): %s", e.Code, e.Status, e.Message)
}

// Retryable reports whether the failure is worth retrying.
func (e *RequestError) Retryable() bool {
	return e.Code == ErrCodeRateLimited || e.Code == ErrCodeServerError
}

// IsNotFound reports whether err is a NOT_FOUND provider error.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsRateLimited reports whether err is a RATE_LIMITED provider error.
func IsRateLimited(err error) bool {
	return hasCode(err, ErrCodeRateLimited)
}

// IsServerError reports whether err is a SERVER_ERROR provider error.
func IsServerError(err error) bool {
	return hasCode(err, ErrCodeServerError)
}

// IsValidation reports whether err is a VALIDATION provider error.
func IsValidation(err error) bool {
	return hasCode(err, ErrCodeValidation)
}

func hasCode(err error, code ErrorCode) bool {
	var re *RequestError
	return errors.As(err, &re) && re.Code == code
}

// classifyStatus maps an HTTP response to a RequestError. A 403 counts
// as rate limiting only when the provider signals exhaustion; otherwise
// it is a validation-class rejection.
func classifyStatus(status int, message string, retryAfter time.Duration, remaining string) *RequestError {
	e := &RequestError{Status: status, Message: message, RetryAfter: retryAfter}
	switch {
	case status == http.StatusNotFound, status == http.StatusGone:
		e.Code = ErrCodeNotFound
	case status == http.StatusTooManyRequests:
		e.Code = ErrCodeRateLimited
	case status == http.StatusForbidden && (remaining == "0" || retryAfter > 0):
		e.Code = ErrCodeRateLimited
	case status >= 500:
		e.Code = ErrCodeServerError
	default:
		e.Code = ErrCodeValidation
	}
	return e
}
