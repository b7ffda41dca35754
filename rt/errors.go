package rt

import "errors"

var (
	// ErrUnsupported is returned for constructs the runtime can't represent.
	// Other packages wrap it for their own unsupported cases.
	ErrUnsupported = errors.New("not supported")

	ErrDuplicateAssembly = errors.New("assembly already loaded")
	ErrNoCompiler        = errors.New("no compiler configured")
	ErrNullReference     = errors.New("null reference")
	ErrIndexOutOfRange   = errors.New("index out of range")
	ErrTypeArguments     = errors.New("wrong number of type arguments")
)

// CompileError is raised by a method's entry when its body can't be
// compiled. Invoke returns it as an error.
type CompileError struct {
	Method string
	Err    error
}

func (e *CompileError) Error() string {
	return "compiling " + e.Method + ": " + e.Err.Error()
}

func (e *CompileError) Unwrap() error {
	return e.Err
}
