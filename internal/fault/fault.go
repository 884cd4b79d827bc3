// Package fault defines the runtime-wide error taxonomy. Every error that
// crosses a component boundary carries one of the stable kind codes below so
// that callers (and ultimately the turn loop) can react without string
// matching.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind is a stable error category code.
type Kind string

const (
	ValidationError  Kind = "VALIDATION_ERROR"
	ToolNotFound     Kind = "TOOL_NOT_FOUND"
	NoRoute          Kind = "NO_ROUTE"
	ExecutionTimeout Kind = "EXECUTION_TIMEOUT"
	ExecutionFailed  Kind = "EXECUTION_FAILED"
	ApprovalDenied   Kind = "APPROVAL_DENIED"
	ApprovalTimeout  Kind = "APPROVAL_TIMEOUT"
	AuthError        Kind = "AUTH_ERROR"
	NetworkError     Kind = "NETWORK_ERROR"
	RateLimit        Kind = "RATE_LIMIT"
	ServerError      Kind = "SERVER_ERROR"
	LLMParseError    Kind = "LLM_PARSE_ERROR"
	Cancelled        Kind = "CANCELLED"
	LockTimeout      Kind = "LOCK_TIMEOUT"
	NoCredentials    Kind = "NO_VALID_CREDENTIALS"
)

// Error is a kinded error. It wraps an optional cause so errors.Is/As keep
// working through the classification layer.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a kinded error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error. A nil cause returns nil.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind carried by err, or ExecutionFailed when err is not
// a kinded error. Context cancellation and deadline expiry are recognised
// even when they arrive unwrapped from the stdlib.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ExecutionTimeout
	}
	return ExecutionFailed
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}
