package canvas

import (
	"errors"
	"fmt"
)

// ErrorCode is the wire-level failure classification returned by apply and propose.
type ErrorCode string

const (
	CodeStaleVersion           ErrorCode = "STALE_VERSION"
	CodeIllegalPhaseTransition ErrorCode = "ILLEGAL_PHASE_TRANSITION"
	CodeValidation             ErrorCode = "VALIDATION_ERROR"
	CodeNotFound               ErrorCode = "NOT_FOUND"
	CodeInternal               ErrorCode = "INTERNAL"
)

// Retryable reports whether the caller may retry after refreshing state (or verbatim for INTERNAL).
func (code ErrorCode) Retryable() bool {
	switch code {
	case CodeStaleVersion, CodeValidation, CodeInternal:
		return true
	default:
		return false
	}
}

// Error is the typed failure returned by the reducer. No failure path commits state.
type Error struct {
	Code           ErrorCode
	Message        string
	CurrentVersion int64
	err            error
}

func (e *Error) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// AsError extracts a typed reducer error; anything else is reported as INTERNAL.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	return &Error{Code: CodeInternal, Message: "internal error", err: err}
}

func staleVersion(expected, current int64) *Error {
	return &Error{
		Code:           CodeStaleVersion,
		Message:        fmt.Sprintf("expected version %d but canvas is at %d", expected, current),
		CurrentVersion: current,
	}
}

func illegalPhase(actionType ActionType, phase Phase) *Error {
	return &Error{
		Code:    CodeIllegalPhaseTransition,
		Message: fmt.Sprintf("%s is not allowed while canvas is %s", actionType, phase),
	}
}

func validationError(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func validationCause(message string, cause error) *Error {
	return &Error{Code: CodeValidation, Message: message, err: cause}
}

func notFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// internalError keeps the operation.reason detail of the failure for logs.
func internalError(operation, reason string, cause error) *Error {
	return &Error{Code: CodeInternal, Message: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}
