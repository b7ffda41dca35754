package rt

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pboyd/hookstack/detour"
	"github.com/pboyd/hookstack/meta"
)

// Method is a loaded method.
type Method struct {
	ctx       *Context
	def       *meta.MethodDefinition
	declaring *Type
	module    *Module
	public    atomic.Bool

	open    *Method
	generic []*Type

	entryOnce sync.Once
	stub      *detour.Stub[Func]
	entry     Func

	compileOnce sync.Once
	compiled    Func
	compileErr  error

	instMu    sync.Mutex
	instances map[string]*Method
}

func newMethod(ctx *Context, def *meta.MethodDefinition, declaring *Type, module *Module) *Method {
	m := &Method{ctx: ctx, def: def, declaring: declaring, module: module}
	m.public.Store(def.Public)
	return m
}

func (*Method) symbol() {}

func (m *Method) Context() *Context                  { return m.ctx }
func (m *Method) Name() string                       { return m.def.Name }
func (m *Method) Definition() *meta.MethodDefinition { return m.def }

// DeclaringType returns the owning type, or nil for module globals.
func (m *Method) DeclaringType() *Type { return m.declaring }
func (m *Method) Module() *Module      { return m.module }

func (m *Method) IsStatic() bool      { return m.def.Static }
func (m *Method) IsVirtual() bool     { return m.def.Virtual }
func (m *Method) IsConstructor() bool { return m.def.Name == ".ctor" }

// HasThis reports whether the method takes a receiver.
func (m *Method) HasThis() bool { return m.def.HasThis && !m.def.Static }

func (m *Method) IsPublic() bool { return m.public.Load() }

// SetPublic makes the method accessible from any type.
func (m *Method) SetPublic() { m.public.Store(true) }

func (m *Method) FindableID() string { return m.def.FindableID() }

// FullName returns "Ret Decl::Name(P1,P2)" with the runtime name of the
// declaring type.
func (m *Method) FullName() string {
	ret, rest, _ := strings.Cut(m.def.FindableID(), " ")
	owner := meta.ModuleTypeName
	if m.declaring != nil {
		owner = m.declaring.name
	}
	if len(m.generic) > 0 {
		names := make([]string, len(m.generic))
		for i, g := range m.generic {
			names[i] = g.name
		}
		name, params, _ := strings.Cut(rest, "(")
		name, _, _ = strings.Cut(name, "`")
		rest = name + "<" + strings.Join(names, ",") + ">(" + params
	}
	return ret + " " + owner + "::" + rest
}

func (m *Method) String() string { return m.FullName() }

// ParamCount returns the number of arguments the callable takes, the
// receiver included.
func (m *Method) ParamCount() int {
	n := len(m.def.Parameters)
	if m.HasThis() {
		n++
	}
	return n
}

// ReturnsValue reports whether calls leave a value on the stack.
func (m *Method) ReturnsValue() bool {
	return !meta.IsVoid(m.def.ReturnType)
}

// ReturnType resolves the declared return type.
func (m *Method) ReturnType() (*Type, error) {
	if m.def.ReturnType == nil {
		return m.ctx.CoreType("System.Void"), nil
	}
	return m.ctx.ResolveType(m.def.ReturnType)
}

// GenericArguments returns the type arguments of a generic method instance.
func (m *Method) GenericArguments() []*Type { return m.generic }

// GenericDefinition returns the open method of an instance, or nil.
func (m *Method) GenericDefinition() *Method { return m.open }

// IsGeneric reports whether the method is open generic or an instance of
// one.
func (m *Method) IsGeneric() bool {
	return m.def.GenericArity > 0 || len(m.def.GenericParameters) > 0 || m.open != nil
}

// MakeGeneric binds a generic method to type arguments. The same arguments
// give the same method.
func (m *Method) MakeGeneric(args ...*Type) (*Method, error) {
	arity := max(m.def.GenericArity, len(m.def.GenericParameters))
	if m.open != nil || arity == 0 {
		return nil, fmt.Errorf("%w: %s is not a generic definition", ErrUnsupported, m.FullName())
	}
	if len(args) != arity {
		return nil, fmt.Errorf("%w: %s takes %d, got %d", ErrTypeArguments, m.FullName(), arity, len(args))
	}

	var key strings.Builder
	for _, a := range args {
		fmt.Fprintf(&key, "%p,", a)
	}

	m.instMu.Lock()
	defer m.instMu.Unlock()
	if inst, ok := m.instances[key.String()]; ok {
		return inst, nil
	}
	if m.instances == nil {
		m.instances = map[string]*Method{}
	}
	inst := newMethod(m.ctx, m.def, m.declaring, m.module)
	inst.open = m
	inst.generic = append([]*Type(nil), args...)
	m.instances[key.String()] = inst
	return inst, nil
}

// Impl returns the host implementation, or nil if the method has a body.
// Faults raised by the implementation become managed exceptions.
func (m *Method) Impl() Func {
	impl := m.def.Impl
	if impl == nil {
		return nil
	}
	return func(args []any) any {
		defer m.ctx.convertFault()
		return impl(args)
	}
}

// Pristine returns the method compiled from its original definition. It's
// compiled once, on first use.
func (m *Method) Pristine() (Func, error) {
	m.compileOnce.Do(func() {
		c := m.ctx.Compiler()
		switch {
		case c != nil:
			m.compiled, m.compileErr = c.Compile(m)
		case m.def.Impl != nil:
			m.compiled = m.Impl()
		default:
			m.compileErr = ErrNoCompiler
		}
		if m.compileErr != nil {
			m.ctx.log.Debug("compile failed", "method", m.FullName(), "error", m.compileErr)
		}
	})
	return m.compiled, m.compileErr
}

// Entry returns the callable every call of the method goes through. Where
// native stubs are supported it's a patchable entry point, so detours
// installed on it intercept all callers.
func (m *Method) Entry() Func {
	m.entryOnce.Do(func() {
		pristine := Func(func(args []any) any {
			fn, err := m.Pristine()
			if err != nil {
				panic(&CompileError{Method: m.FullName(), Err: err})
			}
			return fn(args)
		})

		stub, err := detour.NewStub(pristine)
		if err != nil {
			m.ctx.log.Debug("native stub unavailable", "method", m.FullName(), "error", err)
			m.entry = pristine
			return
		}
		m.stub = stub
		m.entry = stub.Func()
	})
	return m.entry
}

// Hookable reports whether Entry is a patchable stub.
func (m *Method) Hookable() bool {
	m.Entry()
	return m.stub != nil
}

// Invoke calls the method through its entry. A managed exception that
// escapes, or a failure to compile, is returned as an error.
func (m *Method) Invoke(args ...any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case *Exception:
				err = v
			case *CompileError:
				err = v
			default:
				panic(r)
			}
		}
	}()

	if len(args) != m.ParamCount() {
		return nil, fmt.Errorf("%s takes %d arguments, got %d", m.FullName(), m.ParamCount(), len(args))
	}
	return m.Entry()(args), nil
}

func arrayMethods(t *Type) []*Method {
	indexes := func(extra ...meta.Parameter) []meta.Parameter {
		params := make([]meta.Parameter, 0, t.rank+len(extra))
		for i := range t.rank {
			params = append(params, meta.Param(fmt.Sprintf("i%d", i), meta.Int32))
		}
		return append(params, extra...)
	}
	// The constructor takes only the lengths, the accessors take the array
	// first.
	pseudo := func(name string, ret meta.TypeReference, params []meta.Parameter, impl func([]any) any) *Method {
		def := &meta.MethodDefinition{
			MethodReference: meta.MethodReference{
				Name:       name,
				ReturnType: ret,
				Parameters: params,
				HasThis:    name != ".ctor",
			},
			Public: true,
			Impl:   impl,
		}
		return newMethod(t.ctx, def, t, t.module)
	}

	throwRange := func(err error) {
		t.ctx.Throw("System.IndexOutOfRangeException", "%v", err)
	}

	return []*Method{
		pseudo(".ctor", meta.Void, indexes(), func(args []any) any {
			lengths, err := intArgs(args)
			if err == nil {
				var a *Array
				if a, err = NewArray(t, lengths...); err == nil {
					return a
				}
			}
			throwRange(err)
			return nil
		}),
		pseudo("Get", meta.Object, indexes(), func(args []any) any {
			a, idx := arrayArgs(t, args)
			v, err := a.Get(idx...)
			if err != nil {
				throwRange(err)
			}
			return v
		}),
		pseudo("Set", meta.Void, indexes(meta.Param("value", meta.Object)), func(args []any) any {
			a, idx := arrayArgs(t, args[:len(args)-1])
			if err := a.Set(args[len(args)-1], idx...); err != nil {
				throwRange(err)
			}
			return nil
		}),
		pseudo("Address", &meta.ByReferenceType{Element: meta.Object}, indexes(), func(args []any) any {
			a, idx := arrayArgs(t, args)
			ref, err := a.Address(idx...)
			if err != nil {
				throwRange(err)
			}
			return ref
		}),
	}
}

func arrayArgs(t *Type, args []any) (*Array, []int) {
	a, ok := args[0].(*Array)
	if !ok {
		t.ctx.Throw("System.NullReferenceException", "array receiver is %T", args[0])
	}
	idx, err := intArgs(args[1:])
	if err != nil {
		t.ctx.Throw("System.InvalidCastException", "%v", err)
	}
	return a, idx
}

func intArgs(args []any) ([]int, error) {
	out := make([]int, len(args))
	for i, v := range args {
		n, ok := AsInt(v)
		if !ok {
			return nil, fmt.Errorf("argument %d is %T, not an integer", i, v)
		}
		out[i] = int(n)
	}
	return out, nil
}

// AsInt converts the integer representations managed code may see to int64.
func AsInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
