// Package apperr classifies failures so that every layer can map them to a
// caller-facing status without knowing where they came from.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the classification of an error for handling purposes
type Kind int

const (
	// KindInternal is an unexpected failure
	KindInternal Kind = iota
	// KindConfiguration means a required upstream is not configured or reachable
	KindConfiguration
	// KindValidation means the caller sent malformed input
	KindValidation
	// KindAuth means the credential is missing, unknown or inactive
	KindAuth
	// KindPermission means the caller is authenticated but not allowed
	KindPermission
	// KindRateLimit means the caller must back off
	KindRateLimit
	// KindUpstream means the model or gateway call failed
	KindUpstream
	// KindNotFound means the addressed record does not exist
	KindNotFound
	// KindConflict means the record already exists
	KindConflict
)

// String returns the string representation of the Kind
func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindPermission:
		return "permission"
	case KindRateLimit:
		return "rate_limit"
	case KindUpstream:
		return "upstream"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// Error wraps an error with its classification
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String() + " error"
	}
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error with a message
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Configuration is shorthand for a KindConfiguration error
func Configuration(op, message string) *Error { return New(KindConfiguration, op, message) }

// Validation is shorthand for a KindValidation error
func Validation(op, message string) *Error { return New(KindValidation, op, message) }

// Auth is shorthand for a KindAuth error
func Auth(op, message string) *Error { return New(KindAuth, op, message) }

// Permission is shorthand for a KindPermission error
func Permission(op, message string) *Error { return New(KindPermission, op, message) }

// RateLimit is shorthand for a KindRateLimit error
func RateLimit(op, message string) *Error { return New(KindRateLimit, op, message) }

// Upstream is shorthand for a KindUpstream error
func Upstream(op, message string) *Error { return New(KindUpstream, op, message) }

// Internal is shorthand for a KindInternal error
func Internal(op, message string) *Error { return New(KindInternal, op, message) }

// KindOf returns the classification of err, KindInternal when unclassified
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is classified as kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps an error to the status code returned to callers
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch KindOf(err) {
	case KindConfiguration:
		return http.StatusServiceUnavailable
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindPermission:
		return http.StatusForbidden
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
