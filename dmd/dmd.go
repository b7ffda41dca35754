package dmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/pboyd/hookstack/il"
	"github.com/pboyd/hookstack/internal/logging"
	"github.com/pboyd/hookstack/interp"
	"github.com/pboyd/hookstack/meta"
	"github.com/pboyd/hookstack/rt"
)

var (
	// ErrNoBody is returned for methods without an instruction body.
	ErrNoBody = errors.New("method has no body")

	// ErrUnresolved is returned when a reference in the body names nothing.
	ErrUnresolved = errors.New("unresolved reference")
)

// Resolver turns the metadata references of a body into runtime symbols.
// *resolve.Resolver implements it.
type Resolver interface {
	Resolve(ref meta.Reference) (rt.Symbol, error)
}

// Option configures a Definition.
type Option func(*Definition)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Definition) { d.log = logging.Component(l, "dmd") }
}

// Definition is an editable copy of a method body. The copy has every
// reference resolved, so it can be handed to manipulators and compiled
// any number of times.
//
// A Definition isn't safe for concurrent use.
type Definition struct {
	method   *rt.Method
	pristine *il.Body
	body     *il.Body
	log      *slog.Logger
}

// New copies the body of m, resolving references through r.
func New(m *rt.Method, r Resolver, opts ...Option) (*Definition, error) {
	def := m.Definition()
	if def.Body == nil {
		return nil, fmt.Errorf("%s: %w", m.FullName(), ErrNoBody)
	}
	if m.IsGeneric() {
		return nil, fmt.Errorf("%w: generic method %s", rt.ErrUnsupported, m.FullName())
	}
	if decl := m.DeclaringType(); decl != nil && (decl.Kind() == rt.KindGenericInstance || decl.IsGenericDefinition()) {
		return nil, fmt.Errorf("%w: %s has a generic declaring type", rt.ErrUnsupported, m.FullName())
	}

	d := &Definition{
		method: m,
		log:    logging.NewDiscardLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}

	resolved, err := def.Body.CloneWith(func(v any) (any, error) {
		ref, ok := v.(meta.Reference)
		if !ok {
			return v, nil
		}
		sym, err := r.Resolve(ref)
		if err != nil {
			return nil, err
		}
		if sym == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnresolved, ref.FullName())
		}
		return sym, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.FullName(), err)
	}

	d.pristine = resolved
	d.body = resolved.Clone()
	d.log.Debug("copied method body", "method", m.FullName(), "instructions", resolved.Len())
	return d, nil
}

func (d *Definition) Method() *rt.Method { return d.method }

// Body returns the live body that manipulators edit.
func (d *Definition) Body() *il.Body { return d.body }

// Generate compiles the live body. Every call gives a new callable, and
// later edits don't change callables already generated.
func (d *Definition) Generate() (rt.Func, error) {
	return interp.Compile(d.method, d.body)
}

// Apply runs manip on the live body. If it fails, the body is left as it
// was.
func (d *Definition) Apply(manip il.Manipulator) error {
	before := d.body.Clone()
	if err := manip(d.body); err != nil {
		d.body = before
		return err
	}
	d.log.Debug("applied manipulator", "method", d.method.FullName(), "instructions", d.body.Len())
	return nil
}

// Reset discards every edit.
func (d *Definition) Reset() {
	d.body = d.pristine.Clone()
}

// Snapshot returns a copy of the live body for Rollback.
func (d *Definition) Snapshot() *il.Body {
	return d.body.Clone()
}

// Rollback makes b the live body.
func (d *Definition) Rollback(b *il.Body) {
	d.body = b
}

// Compiler compiles method bodies on demand. Methods with a host
// implementation use it as is.
type Compiler struct {
	Resolver Resolver
}

func (c Compiler) Compile(m *rt.Method) (rt.Func, error) {
	if impl := m.Impl(); impl != nil {
		return impl, nil
	}
	d, err := New(m, c.Resolver)
	if err != nil {
		return nil, err
	}
	return d.Generate()
}
