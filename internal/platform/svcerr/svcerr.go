// Package svcerr provides the unified error taxonomy used across activekg:
// auth, validation, storage, rate-limit and ingestion errors all carry a
// stable code, an HTTP status, and structured details for API responses.
package svcerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a category of service error.
type Code string

const (
	CodeAuth           Code = "AUTH"
	CodeScope          Code = "SCOPE"
	CodeValidation     Code = "VALIDATION"
	CodeNotFound       Code = "NOT_FOUND"
	CodeConflict       Code = "CONFLICT"
	CodeRateLimited    Code = "RATE_LIMITED"
	CodeDependency     Code = "DEPENDENCY"
	CodeStorage        Code = "STORAGE"
	CodeTransientConn  Code = "TRANSIENT_CONNECTOR"
	CodePermanentConn  Code = "PERMANENT_CONNECTOR"
	CodeConfig         Code = "CONFIG"
)

// ServiceError is the structured error returned to API callers as
// {"detail": ..., "error_type": ...} with an HTTP status attached.
type ServiceError struct {
	Code       Code                   `json:"error_type"`
	Message    string                 `json:"detail"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// WithDetails attaches a key/value pair to the error's details map.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func New(code Code, message string, httpStatus int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus}
}

func Wrap(code Code, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// As unwraps target into a *ServiceError, returning ok=false if err is not one.
func As(err error) (*ServiceError, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// Auth / scope

func Unauthorized(message string) *ServiceError {
	return New(CodeAuth, message, http.StatusUnauthorized)
}

func InvalidToken(err error) *ServiceError {
	return Wrap(CodeAuth, "invalid authentication token", http.StatusUnauthorized, err)
}

func TokenExpired() *ServiceError {
	return New(CodeAuth, "authentication token has expired", http.StatusUnauthorized)
}

func Forbidden(message string) *ServiceError {
	return New(CodeScope, message, http.StatusForbidden)
}

func MissingScope(scope string) *ServiceError {
	return New(CodeScope, "missing required scope", http.StatusForbidden).WithDetails("scope", scope)
}

// Validation

func Invalid(field, reason string) *ServiceError {
	return New(CodeValidation, "invalid input", http.StatusBadRequest).
		WithDetails("field", field).WithDetails("reason", reason)
}

func InvalidUnprocessable(field, reason string) *ServiceError {
	return New(CodeValidation, "invalid input", http.StatusUnprocessableEntity).
		WithDetails("field", field).WithDetails("reason", reason)
}

// Resource

func NotFound(resource string) *ServiceError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func Conflict(message string) *ServiceError {
	return New(CodeConflict, message, http.StatusConflict)
}

// Rate limit / dependency / storage

func RateLimitExceeded(limit int, window string) *ServiceError {
	return New(CodeRateLimited, "rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("limit", limit).WithDetails("window", window)
}

func DependencyUnavailable(name string, err error) *ServiceError {
	return Wrap(CodeDependency, fmt.Sprintf("%s unavailable", name), http.StatusServiceUnavailable, err)
}

func Storage(message string, err error) *ServiceError {
	return Wrap(CodeStorage, message, http.StatusInternalServerError, err)
}

// Ingestion-only error kinds (not mapped to HTTP — classify retry behavior).

type TransientConnectorError struct{ Err error }

func (e *TransientConnectorError) Error() string { return fmt.Sprintf("transient connector error: %v", e.Err) }
func (e *TransientConnectorError) Unwrap() error { return e.Err }

type PermanentConnectorError struct{ Err error }

func (e *PermanentConnectorError) Error() string { return fmt.Sprintf("permanent connector error: %v", e.Err) }
func (e *PermanentConnectorError) Unwrap() error { return e.Err }

func Transient(err error) error { return &TransientConnectorError{Err: err} }
func Permanent(err error) error { return &PermanentConnectorError{Err: err} }

func IsTransient(err error) bool {
	var t *TransientConnectorError
	return errors.As(err, &t)
}

func IsPermanent(err error) bool {
	var p *PermanentConnectorError
	return errors.As(err, &p)
}

// Config (connector secret store) errors.

func ConfigError(message string, err error) *ServiceError {
	return Wrap(CodeConfig, message, http.StatusInternalServerError, err)
}
