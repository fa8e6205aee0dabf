package contracts

import (
	"errors"
	"fmt"
)

// Category groups error codes by what the caller can do about them.
type Category string

const (
	CategoryPermission Category = "permission"
	CategoryResource   Category = "resource"
	CategoryValidation Category = "validation"
	CategoryExecution  Category = "execution"
)

// Code identifies a failure precisely enough for agents to branch on.
// Agents parse codes, never message prose.
type Code string

const (
	CodeNotAuthorized Code = "not_authorized"

	CodeNotFound          Code = "not_found"
	CodeDeleted           Code = "deleted"
	CodeInsufficientFunds Code = "insufficient_funds"
	CodeQuotaExceeded     Code = "quota_exceeded"
	CodeBudgetExhausted   Code = "budget_exhausted"

	CodeInvalidArgument Code = "invalid_argument"
	CodeInvalidType     Code = "invalid_type"
	CodeIDCollision     Code = "id_collision"

	CodeRuntimeError  Code = "runtime_error"
	CodeTimeout       Code = "timeout"
	CodeInvokeTooDeep Code = "invoke_too_deep"
)

// CategoryOf maps a code to its category. Unknown codes classify as
// execution failures so nothing ever escapes the taxonomy.
func CategoryOf(code Code) Category {
	switch code {
	case CodeNotAuthorized:
		return CategoryPermission
	case CodeNotFound, CodeDeleted, CodeInsufficientFunds, CodeQuotaExceeded, CodeBudgetExhausted:
		return CategoryResource
	case CodeInvalidArgument, CodeInvalidType, CodeIDCollision:
		return CategoryValidation
	default:
		return CategoryExecution
	}
}

// Retriable reports whether the same call may succeed later without a
// different request: true only for rate-window waits and timeouts.
func Retriable(code Code) bool {
	switch code {
	case CodeQuotaExceeded, CodeTimeout:
		return true
	}
	return false
}

// Error is the single failure type every kernel API returns. It wraps an
// optional cause and carries the taxonomy fields the dispatcher copies onto
// ActionResult.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Error struct {
	Code    Code           `json:"error_code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	cause   error
}

// NewError builds an Error with the given code and message.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf builds an Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a cause; errors.Is/As see through it.
func WrapError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithDetail returns the error with an extra detail field set.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Category returns the taxonomy category for the error's code.
func (e *Error) Category() Category { return CategoryOf(e.Code) }

// Retriable reports whether retrying the identical call can succeed.
func (e *Error) Retriable() bool { return Retriable(e.Code) }

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause to errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// AsError extracts a taxonomy error from err. Arbitrary errors classify as
// runtime_error so sandbox internals never leak upward unstructured.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ke *Error
	if errors.As(err, &ke) {
		return ke
	}
	return &Error{Code: CodeRuntimeError, Message: err.Error(), cause: err}
}
