package detour

import "errors"

var (
	// ErrNotFunc is returned when an argument is not a function.
	ErrNotFunc = errors.New("not a function")

	// ErrSignature is returned when the two functions of a detour have
	// different signatures.
	ErrSignature = errors.New("function signatures do not match")

	// ErrTooSmall is returned when a function is too short to hold a jump.
	ErrTooSmall = errors.New("function too small for jump instruction")

	// ErrUnsupported is returned on architectures or operating systems that
	// can't be patched.
	ErrUnsupported = errors.New("patching not supported on this platform")

	// ErrUnknownFunc is returned when the runtime has no metadata for a
	// function entry.
	ErrUnknownFunc = errors.New("unknown function entry")

	// ErrDisposed is returned when applying a detour that was disposed.
	ErrDisposed = errors.New("detour disposed")
)
