package rt

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pboyd/hookstack/internal/logging"
	"github.com/pboyd/hookstack/meta"
)

// Func is the calling convention of every managed callable. Instance
// methods receive their receiver as args[0].
type Func func(args []any) any

// Symbol is anything a metadata reference resolves to: *Type, *Method,
// *Field, *Property, *Event or *Signature.
type Symbol interface {
	FullName() string
	symbol()
}

// Binder resolves type references for the runtime, most importantly base
// types.
type Binder interface {
	ResolveType(ref meta.TypeReference) (*Type, error)
}

// Compiler turns a method into a callable.
type Compiler interface {
	Compile(m *Method) (Func, error)
}

// Provider supplies the definition of an assembly that isn't loaded yet. It
// returns nil for names it doesn't know.
type Provider func(name string) *meta.AssemblyDefinition

// Option configures a Context.
type Option func(*Context)

// WithCompiler sets the compiler used for pristine method bodies.
func WithCompiler(c Compiler) Option {
	return func(ctx *Context) { ctx.compiler = c }
}

// WithProvider sets the fallback used by Provide.
func WithProvider(p Provider) Option {
	return func(ctx *Context) { ctx.provider = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(ctx *Context) { ctx.log = logging.OrDiscard(l) }
}

// Context is a set of loaded assemblies and the runtime state that goes
// with them: types, static fields and method entries.
type Context struct {
	mu         sync.RWMutex
	assemblies []*Assembly
	byName     map[string]*Assembly
	provider   Provider
	compiler   Compiler
	binder     Binder
	log        *slog.Logger
	corlib     *Assembly

	internMu sync.Mutex
	interned map[internKey]*Type

	sharedMu sync.Mutex
	shared   map[any]any
}

type internKey struct {
	kind Kind
	elem *Type
	rank int
	args string
}

// NewContext creates a context with the core library loaded.
func NewContext(opts ...Option) *Context {
	c := &Context{
		byName:   map[string]*Assembly{},
		interned: map[internKey]*Type{},
		log:      logging.NewDiscardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	corlib, err := c.Load(meta.CoreLibrary())
	if err != nil {
		panic(err)
	}
	c.corlib = corlib
	return c
}

// Shared returns the value stored under key, calling create to make it on
// first use. Packages built on the runtime keep state here that has to be
// the same for every user of the context. Keys should be unexported types,
// as with context.Context values.
func (c *Context) Shared(key any, create func() any) any {
	c.sharedMu.Lock()
	defer c.sharedMu.Unlock()
	if v, ok := c.shared[key]; ok {
		return v
	}
	if c.shared == nil {
		c.shared = map[any]any{}
	}
	v := create()
	c.shared[key] = v
	return v
}

// Load registers def under its declared name.
func (c *Context) Load(def *meta.AssemblyDefinition) (*Assembly, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.byName[def.Name.Name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateAssembly, def.Name.Name)
	}

	a := newAssembly(c, def)
	c.assemblies = append(c.assemblies, a)
	c.byName[def.Name.Name] = a
	c.byName[def.Name.FullName()] = a

	c.log.Debug("loaded assembly", "assembly", def.Name.FullName(), "modules", len(a.modules))
	return a, nil
}

// Assembly returns the loaded assembly with the given simple or full name.
func (c *Context) Assembly(name string) *Assembly {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if a, ok := c.byName[name]; ok {
		return a
	}
	simple, _, _ := strings.Cut(name, ",")
	return c.byName[strings.TrimSpace(simple)]
}

// Assemblies returns every loaded assembly in load order.
func (c *Context) Assemblies() []*Assembly {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Assembly(nil), c.assemblies...)
}

// Provide returns the named assembly, loading it through the Provider if
// it isn't loaded yet. It returns nil when nothing supplies it.
func (c *Context) Provide(name string) (*Assembly, error) {
	if a := c.Assembly(name); a != nil {
		return a, nil
	}
	if c.provider == nil {
		return nil, nil
	}
	def := c.provider(name)
	if def == nil {
		return nil, nil
	}

	a, err := c.Load(def)
	if err != nil {
		// Someone else got there first.
		if a := c.Assembly(def.Name.Name); a != nil {
			return a, nil
		}
		return nil, err
	}
	return a, nil
}

// CoreLibrary returns the loaded core library.
func (c *Context) CoreLibrary() *Assembly {
	return c.corlib
}

// CoreType returns a core library type by full name, or nil.
func (c *Context) CoreType(fullName string) *Type {
	return c.corlib.MainModule().Type(fullName)
}

// Bind sets the binder used to resolve type references.
func (c *Context) Bind(b Binder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.binder = b
}

// SetCompiler sets the compiler used for pristine method bodies.
func (c *Context) SetCompiler(comp Compiler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compiler = comp
}

func (c *Context) Compiler() Compiler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.compiler
}

func (c *Context) Logger() *slog.Logger {
	return c.log
}

// ResolveType resolves ref through the binder. Without a binder only
// definitions and references to loaded assemblies work.
func (c *Context) ResolveType(ref meta.TypeReference) (*Type, error) {
	c.mu.RLock()
	b := c.binder
	c.mu.RUnlock()

	if b != nil {
		return b.ResolveType(ref)
	}
	return c.lookup(ref)
}

func (c *Context) lookup(ref meta.TypeReference) (*Type, error) {
	switch v := ref.(type) {
	case *meta.TypeDefinition:
		return c.lookupRef(&v.TypeRef)
	case *meta.TypeRef:
		return c.lookupRef(v)
	case *meta.ArrayType:
		e, err := c.lookup(v.Element)
		if e == nil || err != nil {
			return nil, err
		}
		return e.MakeArray(v.Dimensions()), nil
	case *meta.ByReferenceType:
		e, err := c.lookup(v.Element)
		if e == nil || err != nil {
			return nil, err
		}
		return e.MakeByRef(), nil
	case *meta.PointerType:
		e, err := c.lookup(v.Element)
		if e == nil || err != nil {
			return nil, err
		}
		return e.MakePointer(), nil
	}
	return nil, fmt.Errorf("%w: %s without a binder", ErrUnsupported, ref.FullName())
}

func (c *Context) lookupRef(t *meta.TypeRef) (*Type, error) {
	var name string
	switch s := t.Scope.(type) {
	case *meta.AssemblyNameReference:
		name = s.Name
	case *meta.ModuleDefinition:
		if s.Assembly != nil {
			name = s.Assembly.Name.Name
		}
	}
	if name == "" {
		return nil, fmt.Errorf("%w: scope of %s", ErrUnsupported, t.FullName())
	}

	a := c.Assembly(name)
	if a == nil {
		return nil, nil
	}
	for _, m := range a.modules {
		if found := m.Type(t.FullName()); found != nil {
			return found, nil
		}
	}
	return nil, nil
}

func (c *Context) intern(key internKey, build func() *Type) *Type {
	c.internMu.Lock()
	defer c.internMu.Unlock()

	if t, ok := c.interned[key]; ok {
		return t
	}
	t := build()
	c.interned[key] = t
	return t
}

// NewException creates an exception of a core library type. Unknown names
// fall back to System.Exception.
func (c *Context) NewException(typeName, message string) *Exception {
	t := c.CoreType(typeName)
	if t == nil {
		t = c.CoreType("System.Exception")
	}
	obj := NewObject(t)
	obj.set(c.messageField(), message)
	return &Exception{Object: obj}
}

// Throw panics with a new exception. Managed code running under Invoke or a
// catch handler sees it like one raised by the throw instruction.
func (c *Context) Throw(typeName, format string, args ...any) {
	panic(c.NewException(typeName, fmt.Sprintf(format, args...)))
}

func (c *Context) messageField() *Field {
	return c.CoreType("System.Exception").Field("_message")
}

// convertFault turns a Fault raised by a host implementation into a managed
// exception. It must be deferred directly.
func (c *Context) convertFault() {
	r := recover()
	if r == nil {
		return
	}
	if f, ok := r.(*meta.Fault); ok {
		panic(c.NewException(f.Type, f.Message))
	}
	panic(r)
}
