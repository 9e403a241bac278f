// Package errors provides a fluent, chainable error type used across this
// module instead of raw fmt.Errorf/errors.New. Every exported operation in
// this repository returns this type (or nil) so callers can classify
// failures without string matching.
package errors

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// ErrCode is a closed set of error classifications. API-boundary callers
// map these onto the spec's string error codes (ENTITLEMENT_NOT_FOUND,
// LIMIT_EXCEEDED, ...); the core only needs the coarser classification to
// decide retry/no-retry and HTTP-status-equivalent behavior.
type ErrCode string

const (
	ErrNotFound         ErrCode = "not_found"
	ErrValidation       ErrCode = "validation"
	ErrAlreadyExists    ErrCode = "already_exists"
	ErrPermissionDenied ErrCode = "permission_denied"
	ErrInvalidOperation ErrCode = "invalid_operation"
	ErrDatabase         ErrCode = "database"
	ErrSystem           ErrCode = "system"
	ErrInternal         ErrCode = "internal"
)

// Retryable reports whether a failure of this class is worth retrying
// without operator intervention, per spec.md §7's fetch-error taxonomy.
func (c ErrCode) Retryable() bool {
	switch c {
	case ErrDatabase, ErrSystem:
		return true
	default:
		return false
	}
}

// Error is the fluent error type. The zero value is not usable; build one
// with NewError or WithError.
type Error struct {
	msg     string
	hint    string
	code    ErrCode
	details map[string]interface{}
	cause   error
}

// NewError starts a new error builder with the given message.
func NewError(msg string) *Error {
	return &Error{msg: msg}
}

// NewErrorf is NewError with fmt.Sprintf-style formatting.
func NewErrorf(format string, args ...interface{}) *Error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

// WithError wraps a foreign error (storage driver, SDK, stdlib) while
// preserving it for errors.Is/errors.As via cockroachdb/errors.
func WithError(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{msg: err.Error(), cause: err}
}

// WithHint attaches a user-facing remediation string.
func (e *Error) WithHint(hint string) *Error {
	if e == nil {
		return nil
	}
	e.hint = hint
	return e
}

// WithReportableDetails attaches structured context surfaced to API
// clients and logs (never secrets — callers are responsible for that).
func (e *Error) WithReportableDetails(details map[string]interface{}) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

// Mark assigns the error's classification. Unmarked errors default to
// ErrInternal when inspected via Code().
func (e *Error) Mark(code ErrCode) *Error {
	if e == nil {
		return nil
	}
	e.code = code
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil && e.msg == e.cause.Error() {
		return e.msg
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", e.msg, e.cause.Error())
	}
	return e.msg
}

// Unwrap lets errors.Is/errors.As see through to the wrapped cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Hint returns the remediation string, if any.
func (e *Error) Hint() string {
	if e == nil {
		return ""
	}
	return e.hint
}

// Details returns the reportable details map, if any.
func (e *Error) Details() map[string]interface{} {
	if e == nil {
		return nil
	}
	return e.details
}

// Code returns the error's classification, defaulting to ErrInternal.
func (e *Error) Code() ErrCode {
	if e == nil || e.code == "" {
		return ErrInternal
	}
	return e.code
}

// Retryable reports whether the error's class is safely retryable.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	return e.code.Retryable()
}

// ErrorDetail is the wire-shape used when surfacing an *Error at an API
// boundary (intentionally decoupled from the internal struct layout).
type ErrorDetail struct {
	Message string                 `json:"message"`
	Hint    string                 `json:"hint,omitempty"`
	Code    ErrCode                `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ErrorResponse is the top-level envelope for an error returned to a
// caller at the public API boundary.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ToErrorResponse converts any error into a reportable envelope, coercing
// foreign errors into ErrInternal.
func ToErrorResponse(err error) ErrorResponse {
	if err == nil {
		return ErrorResponse{}
	}
	if e, ok := err.(*Error); ok {
		return ErrorResponse{Error: ErrorDetail{
			Message: e.msg,
			Hint:    e.hint,
			Code:    e.Code(),
			Details: e.details,
		}}
	}
	return ErrorResponse{Error: ErrorDetail{Message: err.Error(), Code: ErrInternal}}
}

// IsNotFound reports whether err (or any error in its chain) is marked
// ErrNotFound.
func IsNotFound(err error) bool { return hasCode(err, ErrNotFound) }

// IsValidation reports whether err is marked ErrValidation.
func IsValidation(err error) bool { return hasCode(err, ErrValidation) }

// IsAlreadyExists reports whether err is marked ErrAlreadyExists.
func IsAlreadyExists(err error) bool { return hasCode(err, ErrAlreadyExists) }

// IsRetryable reports whether err's class permits automatic retry.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

func hasCode(err error, code ErrCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code() == code
	}
	return false
}
