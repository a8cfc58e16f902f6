// Package apperr defines the error taxonomy shared by the graph, decision,
// expertise and search components. Every expected failure is an *Error with
// a Kind the transport layer can map without inspecting messages.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation       Kind = "validation"
	KindInvalidReference Kind = "invalid_reference"
	KindConflict         Kind = "conflict"
	KindNotFound         Kind = "not_found"
	KindRetrieval        Kind = "retrieval"
)

type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Retryable reports whether the same call may succeed later without changing
// the input. Conflicts need a re-read first; retrieval failures need backoff.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	return e.Kind == KindConflict || e.Kind == KindRetrieval
}

func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

func newError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Validation(code, message string) *Error {
	return newError(KindValidation, code, message)
}

func InvalidReference(code, message string) *Error {
	return newError(KindInvalidReference, code, message)
}

func Conflict(code, message string) *Error {
	return newError(KindConflict, code, message)
}

func NotFound(code, message string) *Error {
	return newError(KindNotFound, code, message)
}

func Retrieval(code, message string, cause error) *Error {
	return newError(KindRetrieval, code, message).WithCause(cause)
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) && target != nil {
		return target, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
