package hookstack

import (
	"errors"

	"github.com/pboyd/hookstack/access"
	"github.com/pboyd/hookstack/detour"
	"github.com/pboyd/hookstack/dmd"
	"github.com/pboyd/hookstack/rt"
)

// Code classifies an engine error.
type Code string

const (
	CodeUnsupported    Code = "UNSUPPORTED"
	CodeResolutionMiss Code = "RESOLUTION_MISS"
	CodeDetourFailed   Code = "DETOUR_FAILED"
	CodeCompileFailed  Code = "COMPILE_FAILED"
	CodeStateConsumed  Code = "STATE_CONSUMED"
	CodeReplayFailed   Code = "REPLAY_FAILED"
	CodeDisposed       Code = "DISPOSED"
	CodeInternal       Code = "INTERNAL"
)

var (
	// ErrConsumed is returned, or panicked with, when a Pending is used
	// after Commit.
	ErrConsumed = errors.New("pending changes already committed")

	// ErrDisposed is returned by operations on a disposed Endpoint.
	ErrDisposed = errors.New("endpoint disposed")

	// ErrNotHookable is returned for methods without a patchable entry.
	ErrNotHookable = errors.New("method has no patchable entry")
)

// Error is an engine error with its classification, the operation that
// failed and the method it failed on.
type Error struct {
	Code   Code
	Op     string
	Method string
	cause  error
}

func newError(code Code, op, method string, cause error) *Error {
	return &Error{Code: code, Op: op, Method: method, cause: cause}
}

// wrap classifies err by the sentinel errors it wraps. An *Error passes
// through unchanged.
func wrap(op, method string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return newError(classify(err), op, method, err)
}

func classify(err error) Code {
	var compileErr *rt.CompileError
	switch {
	case errors.Is(err, ErrConsumed):
		return CodeStateConsumed
	case errors.Is(err, ErrDisposed), errors.Is(err, detour.ErrDisposed):
		return CodeDisposed
	case errors.Is(err, rt.ErrUnsupported), errors.Is(err, detour.ErrUnsupported), errors.Is(err, ErrNotHookable):
		return CodeUnsupported
	case errors.Is(err, dmd.ErrUnresolved), errors.Is(err, access.ErrNotFound):
		return CodeResolutionMiss
	case errors.As(err, &compileErr), errors.Is(err, dmd.ErrNoBody), errors.Is(err, rt.ErrNoCompiler):
		return CodeCompileFailed
	case errors.Is(err, detour.ErrNotFunc), errors.Is(err, detour.ErrSignature),
		errors.Is(err, detour.ErrTooSmall), errors.Is(err, detour.ErrUnknownFunc):
		return CodeDetourFailed
	}
	return CodeInternal
}

func (e *Error) Error() string {
	msg := string(e.Code) + ": " + e.Op
	if e.Method != "" {
		msg += " " + e.Method
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches another *Error by code, so errors.Is(err, &Error{Code: c})
// tests the classification.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code && t.Op == "" && t.Method == ""
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
