// Package ignerr defines the coded error taxonomy shared by the store and
// job-queue packages.
package ignerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a stable error kind across the module.
type Code string

const (
	// Configuration
	CodeAdapterRequired Code = "STORE_ADAPTER_REQUIRED"
	CodeServiceRequired Code = "STORE_SERVICE_REQUIRED"

	// Naming
	CodeInvalidNamespace   Code = "STORE_INVALID_NAMESPACE"
	CodeReservedNamespace  Code = "STORE_RESERVED_NAMESPACE"
	CodeDuplicateNamespace Code = "STORE_DUPLICATE_NAMESPACE"
	CodeDuplicateEvent     Code = "STORE_DUPLICATE_EVENT"
	CodeInvalidEventName   Code = "STORE_INVALID_EVENT_NAME"
	CodeDuplicateScope     Code = "STORE_DUPLICATE_SCOPE"
	CodeInvalidScopeKey    Code = "STORE_INVALID_SCOPE_KEY"

	// Scope
	CodeScopeKeyRequired        Code = "STORE_SCOPE_KEY_REQUIRED"
	CodeScopeIdentifierRequired Code = "STORE_SCOPE_IDENTIFIER_REQUIRED"

	// Data
	CodeSchemaValidationFailed Code = "STORE_SCHEMA_VALIDATION_FAILED"

	// Adapter / resilience
	CodeAdapterUnavailable Code = "STORE_ADAPTER_UNAVAILABLE"
	CodeCommandFailed      Code = "STORE_COMMAND_FAILED"

	// Job broker
	CodeJobNotRegistered     Code = "JOB_NOT_REGISTERED"
	CodeJobNotFound          Code = "JOB_NOT_FOUND"
	CodeInvalidJob           Code = "INVALID_JOB"
	CodeInvalidPayload       Code = "INVALID_PAYLOAD"
	CodeInvalidContext       Code = "INVALID_CONTEXT"
	CodeInvalidJobNamespace  Code = "INVALID_NAMESPACE"
	CodeInvalidCronExpr      Code = "INVALID_CRON_EXPRESSION"
	CodeInvalidMinuteValue   Code = "INVALID_MINUTE_VALUE"
	CodeInvalidHourValue     Code = "INVALID_HOUR_VALUE"
	CodeInvalidCronField     Code = "INVALID_CRON_FIELD"
	CodeInvalidScheduleOpts  Code = "INVALID_SCHEDULE_OPTIONS"
	CodeInvalidScheduleTime  Code = "INVALID_SCHEDULE_TIME"
)

// httpStatus gives each code an HTTP-status hint for callers that expose
// these over a transport of their own choosing (the module itself has none).
var httpStatus = map[Code]int{
	CodeAdapterRequired:        http.StatusInternalServerError,
	CodeServiceRequired:        http.StatusInternalServerError,
	CodeInvalidNamespace:       http.StatusBadRequest,
	CodeReservedNamespace:      http.StatusBadRequest,
	CodeDuplicateNamespace:     http.StatusConflict,
	CodeDuplicateEvent:         http.StatusConflict,
	CodeInvalidEventName:       http.StatusBadRequest,
	CodeDuplicateScope:         http.StatusConflict,
	CodeInvalidScopeKey:        http.StatusBadRequest,
	CodeScopeKeyRequired:       http.StatusBadRequest,
	CodeScopeIdentifierRequired: http.StatusBadRequest,
	CodeSchemaValidationFailed: http.StatusUnprocessableEntity,
	CodeAdapterUnavailable:     http.StatusServiceUnavailable,
	CodeCommandFailed:          http.StatusBadGateway,
	CodeJobNotRegistered:       http.StatusNotFound,
	CodeJobNotFound:            http.StatusNotFound,
	CodeInvalidJob:             http.StatusBadRequest,
	CodeInvalidPayload:         http.StatusUnprocessableEntity,
	CodeInvalidContext:         http.StatusInternalServerError,
	CodeInvalidJobNamespace:    http.StatusConflict,
	CodeInvalidCronExpr:        http.StatusBadRequest,
	CodeInvalidMinuteValue:     http.StatusBadRequest,
	CodeInvalidHourValue:       http.StatusBadRequest,
	CodeInvalidCronField:       http.StatusBadRequest,
	CodeInvalidScheduleOpts:    http.StatusBadRequest,
	CodeInvalidScheduleTime:    http.StatusBadRequest,
}

// Error is the single coded-error type used across store and jobs.
type Error struct {
	code    Code
	message string
	details map[string]any
	cause   error
}

// New creates a coded error with a message.
func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{code: code, message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error that wraps a cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{code: code, message: message, cause: cause}
}

// WithDetails attaches diagnostic details and returns the receiver for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.details = details
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

// Unwrap exposes the underlying cause, if any, to errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// Code returns the stable error code.
func (e *Error) Code() Code { return e.code }

// HTTPStatus returns the HTTP status hint for this error's code.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Details returns diagnostic details attached to this error (nil if none).
func (e *Error) Details() map[string]any { return e.details }

// Is reports whether err carries the given code, unwrapping as needed.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.code == code
	}
	return false
}
