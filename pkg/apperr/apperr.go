// Package apperr defines the gateway error taxonomy and its HTTP mapping.
// Every user-visible failure is an *Error with a machine-readable code; bare
// strings never leave the service.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeAuthentication    Code = "AUTHENTICATION_FAILED"
	CodeAuthorization     Code = "NOT_AUTHORIZED"
	CodeValidation        Code = "INVALID_INPUT"
	CodeNotFound          Code = "NOT_FOUND"
	CodeConflict          Code = "CONFLICT"
	CodeRateLimited       Code = "RATE_LIMIT_EXCEEDED"
	CodeRemoteUnavailable Code = "REMOTE_UNAVAILABLE"
	CodeRemoteApplication Code = "REMOTE_APPLICATION_ERROR"
	CodeInternal          Code = "INTERNAL_SERVER_ERROR"
)

// Error carries the structured failure payload returned to callers.
// Fields enumerates offending parameter paths for validation failures;
// RetryAfter is seconds, set only for rate-limit rejections.
type Error struct {
	Code       Code     `json:"code"`
	Message    string   `json:"message"`
	Fields     []string `json:"fields,omitempty"`
	Detail     string   `json:"detail,omitempty"`
	RetryAfter int      `json:"retry_after,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeAuthentication:
		return http.StatusUnauthorized
	case CodeAuthorization:
		return http.StatusForbidden
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeRemoteUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// From classifies an arbitrary error. Already-typed errors pass through;
// anything else becomes an internal error with the original text kept
// server-side only (the Detail field stays empty).
func From(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return New(CodeInternal, "internal server error")
}
