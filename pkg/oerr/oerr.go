// Package oerr carries the error taxonomy shared by the job pipeline and the
// service policy engine. Transport layers switch on Code; everything else
// just wraps and returns.
package oerr

import (
	"errors"
	"fmt"
)

// Code represents a stable error category that callers can switch on.
type Code string

const (
	CodeUnknown               Code = "unknown"
	CodeNotFound              Code = "not_found"
	CodeInvalidInput          Code = "invalid_input"
	CodeUnauthorized          Code = "unauthorized"
	CodeForbidden             Code = "forbidden"
	CodeConflict              Code = "conflict"
	CodeQueueUnavailable      Code = "queue_unavailable"
	CodePolicyPrecondition    Code = "policy_precondition"
	CodeExternalActionFailure Code = "external_action_failure"
	CodeExecutionFault        Code = "execution_fault"
)

// Error is a simple value type that carries a Code plus the underlying error.
type Error struct {
	Code Code
	err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.err == nil {
		return string(e.Code)
	}
	return e.err.Error()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// New wraps an error with the provided code. If err is nil a nil is returned.
func New(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, err: err}
}

// Newf builds a coded error from a format string. %w verbs are honored.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, err: fmt.Errorf(format, args...)}
}

// CodeOf returns the outermost Code found in the wrap chain, or CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsCode helps callers compare codes without type assertions.
func IsCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}
