package resolve

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pboyd/hookstack/config"
	"github.com/pboyd/hookstack/internal/logging"
	"github.com/pboyd/hookstack/meta"
	"github.com/pboyd/hookstack/rt"
)

// ErrModuleType is returned when a reference names the <Module> type
// itself instead of one of its members.
var ErrModuleType = errors.New("the <Module> type cannot be referenced")

// Option configures a Resolver.
type Option func(*Resolver)

// WithCache sets the symbol cache. The default is a new MemoryCache.
func WithCache(c Cache) Option {
	return func(r *Resolver) {
		if c != nil {
			r.cache = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.log = logging.Component(l, "resolve") }
}

// WithUnmanagedCallSites allows call sites with an unmanaged calling
// convention.
func WithUnmanagedCallSites(allow bool) Option {
	return func(r *Resolver) { r.unmanaged = allow }
}

// WithConfig applies the resolver section of the configuration.
func WithConfig(cfg config.ResolverConfig) Option {
	return func(r *Resolver) { r.unmanaged = cfg.UnmanagedCallSites }
}

// Resolver turns metadata references into runtime symbols of one Context.
// It's safe for concurrent use.
type Resolver struct {
	ctx       *rt.Context
	cache     Cache
	log       *slog.Logger
	unmanaged bool
	scans     atomic.Int64

	mu         sync.Mutex
	assemblies map[string]*rt.Assembly
}

// New creates a resolver and binds it as ctx's type binder.
func New(ctx *rt.Context, opts ...Option) *Resolver {
	r := &Resolver{
		ctx:        ctx,
		cache:      NewCache(),
		log:        logging.NewDiscardLogger(),
		assemblies: map[string]*rt.Assembly{},
	}
	for _, opt := range opts {
		opt(r)
	}
	ctx.Bind(r)
	return r
}

func (r *Resolver) Context() *rt.Context { return r.ctx }

func (r *Resolver) Cache() Cache { return r.cache }

// Scans returns how many module type tables have been searched.
func (r *Resolver) Scans() int64 { return r.scans.Load() }

// Resolve returns the symbol ref names. A reference that names nothing
// gives (nil, nil). Only found symbols are cached.
func (r *Resolver) Resolve(ref meta.Reference) (rt.Symbol, error) {
	if ref == nil {
		return nil, nil
	}
	key, err := keyOf(ref)
	if err != nil {
		return nil, err
	}
	if sym, ok := r.cache.Load(key); ok {
		return sym, nil
	}

	sym, err := r.resolve(ref)
	if err != nil {
		return nil, err
	}
	if sym == nil {
		r.log.Debug("unresolved reference", "ref", ref.FullName())
		return nil, nil
	}
	r.cache.Store(key, sym)
	return sym, nil
}

// ResolveType resolves a type reference.
func (r *Resolver) ResolveType(ref meta.TypeReference) (*rt.Type, error) {
	if ref == nil {
		return nil, nil
	}
	sym, err := r.Resolve(ref)
	if sym == nil {
		return nil, err
	}
	return sym.(*rt.Type), nil
}

// ResolveMethod resolves a *meta.MethodReference, *meta.MethodDefinition or
// *meta.GenericInstanceMethod.
func (r *Resolver) ResolveMethod(ref meta.Reference) (*rt.Method, error) {
	sym, err := r.Resolve(ref)
	if sym == nil {
		return nil, err
	}
	m, ok := sym.(*rt.Method)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a method", rt.ErrUnsupported, ref.FullName())
	}
	return m, nil
}

// ResolveField resolves a *meta.FieldReference or *meta.FieldDefinition.
func (r *Resolver) ResolveField(ref meta.Reference) (*rt.Field, error) {
	sym, err := r.Resolve(ref)
	if sym == nil {
		return nil, err
	}
	f, ok := sym.(*rt.Field)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a field", rt.ErrUnsupported, ref.FullName())
	}
	return f, nil
}

func (r *Resolver) ResolveProperty(ref *meta.PropertyReference) (*rt.Property, error) {
	sym, err := r.Resolve(ref)
	if sym == nil {
		return nil, err
	}
	return sym.(*rt.Property), nil
}

func (r *Resolver) ResolveEvent(ref *meta.EventReference) (*rt.Event, error) {
	sym, err := r.Resolve(ref)
	if sym == nil {
		return nil, err
	}
	return sym.(*rt.Event), nil
}

// ResolveSignature resolves the signature of an indirect call.
func (r *Resolver) ResolveSignature(ref *meta.CallSite) (*rt.Signature, error) {
	sym, err := r.Resolve(ref)
	if sym == nil {
		return nil, err
	}
	return sym.(*rt.Signature), nil
}

func (r *Resolver) resolve(ref meta.Reference) (rt.Symbol, error) {
	switch v := ref.(type) {
	case meta.TypeReference:
		t, err := r.resolveType(v)
		if t == nil {
			return nil, err
		}
		return t, err
	case *meta.MethodDefinition:
		return nonNil(r.resolveMethod(&v.MethodReference))
	case *meta.MethodReference:
		return nonNil(r.resolveMethod(v))
	case *meta.GenericInstanceMethod:
		return nonNil(r.resolveGenericMethod(v))
	case *meta.FieldDefinition:
		return nonNil(r.resolveField(&v.FieldReference))
	case *meta.FieldReference:
		return nonNil(r.resolveField(v))
	case *meta.PropertyDefinition:
		return nonNil(r.resolveProperty(&v.PropertyReference))
	case *meta.PropertyReference:
		return nonNil(r.resolveProperty(v))
	case *meta.EventDefinition:
		return nonNil(r.resolveEvent(&v.EventReference))
	case *meta.EventReference:
		return nonNil(r.resolveEvent(v))
	case *meta.CallSite:
		return nonNil(r.resolveSignature(v))
	}
	return nil, fmt.Errorf("%w: reference %T", rt.ErrUnsupported, ref)
}

// nonNil keeps a nil pointer from becoming a non-nil Symbol.
func nonNil[T interface {
	comparable
	rt.Symbol
}](sym T, err error) (rt.Symbol, error) {
	var zero T
	if sym == zero {
		return nil, err
	}
	return sym, err
}

func (r *Resolver) resolveType(ref meta.TypeReference) (*rt.Type, error) {
	switch v := ref.(type) {
	case *meta.TypeDefinition:
		return r.resolveRef(&v.TypeRef)
	case *meta.TypeRef:
		return r.resolveRef(v)

	case *meta.ArrayType:
		e, err := r.ResolveType(v.Element)
		if e == nil {
			return nil, err
		}
		return e.MakeArray(v.Dimensions()), nil
	case *meta.ByReferenceType:
		e, err := r.ResolveType(v.Element)
		if e == nil {
			return nil, err
		}
		return e.MakeByRef(), nil
	case *meta.PointerType:
		e, err := r.ResolveType(v.Element)
		if e == nil {
			return nil, err
		}
		return e.MakePointer(), nil
	case *meta.GenericInstanceType:
		open, err := r.ResolveType(v.Element)
		if open == nil {
			return nil, err
		}
		args := make([]*rt.Type, len(v.Arguments))
		for i, a := range v.Arguments {
			if args[i], err = r.ResolveType(a); args[i] == nil {
				return nil, err
			}
		}
		return open.MakeGeneric(args...)

	// Wrappers only matter to call sites.
	case *meta.RequiredModifierType:
		return r.ResolveType(v.Element)
	case *meta.OptionalModifierType:
		return r.ResolveType(v.Element)
	case *meta.PinnedType:
		return r.ResolveType(v.Element)
	case *meta.SentinelType:
		return r.ResolveType(v.Element)

	case *meta.GenericParameter:
		return nil, fmt.Errorf("%w: generic parameter %s", rt.ErrUnsupported, v.Name)
	}
	return nil, fmt.Errorf("%w: type reference %T", rt.ErrUnsupported, ref)
}

func (r *Resolver) resolveRef(ref *meta.TypeRef) (*rt.Type, error) {
	if ref.IsModuleType() {
		return nil, ErrModuleType
	}
	if ref.DeclaringType != nil {
		outer, err := r.ResolveType(ref.DeclaringType)
		if outer == nil {
			return nil, err
		}
		return outer.Nested(ref.Name), nil
	}

	name := ref.FullName()
	asm, err := r.scopeAssembly(ref.Scope, ref.Module)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", name, err)
	}

	// Follow forwarders until the type turns up or the chain loops.
	seen := map[*rt.Assembly]bool{}
	var searched *rt.Assembly
	for asm != nil && !seen[asm] {
		seen[asm] = true
		searched = asm
		if t := r.scanTypes(asm, name); t != nil {
			return t, nil
		}
		fwd := forwarder(asm, name)
		if fwd == nil {
			break
		}
		r.log.Debug("following type forwarder", "type", name, "from", asm.Name().Name, "to", fwd.Scope.ScopeName())
		if asm, err = r.scopeAssembly(fwd.Scope, nil); err != nil {
			return nil, fmt.Errorf("resolving %s: %w", name, err)
		}
	}

	// The scope named the wrong assembly. Look everywhere else.
	for _, a := range r.ctx.Assemblies() {
		if a == searched || seen[a] {
			continue
		}
		if t := r.scanTypes(a, name); t != nil {
			r.log.Debug("type found outside its scope", "type", name, "assembly", a.Name().Name)
			return t, nil
		}
	}
	return nil, nil
}

func (r *Resolver) scanTypes(asm *rt.Assembly, fullName string) *rt.Type {
	for _, m := range asm.Modules() {
		r.scans.Add(1)
		if t := m.Type(fullName); t != nil {
			return t
		}
	}
	return nil
}

func forwarder(asm *rt.Assembly, fullName string) *meta.ExportedType {
	for _, m := range asm.Modules() {
		if e, ok := m.Forwarded(fullName); ok && e.Scope != nil {
			return e
		}
	}
	return nil
}

// scopeAssembly maps a reference scope to a loaded assembly. module is the
// module the reference appears in, which ModuleReference scopes need.
func (r *Resolver) scopeAssembly(s meta.Scope, module *meta.ModuleDefinition) (*rt.Assembly, error) {
	switch v := s.(type) {
	case *meta.AssemblyNameReference:
		return r.assembly(v.Name)
	case *meta.ModuleDefinition:
		if v.Assembly != nil {
			return r.assembly(v.Assembly.Name.Name)
		}
	case *meta.ModuleReference:
		if module != nil && module.Assembly != nil {
			return r.assembly(module.Assembly.Name.Name)
		}
	case nil:
		return nil, fmt.Errorf("%w: nil scope", rt.ErrUnsupported)
	}
	return nil, fmt.Errorf("%w: scope %s", rt.ErrUnsupported, s.ScopeName())
}

func (r *Resolver) assembly(name string) (*rt.Assembly, error) {
	r.mu.Lock()
	a, ok := r.assemblies[name]
	r.mu.Unlock()
	if ok {
		return a, nil
	}

	a, err := r.ctx.Provide(name)
	if a == nil {
		return nil, err
	}
	r.mu.Lock()
	r.assemblies[name] = a
	r.mu.Unlock()
	return a, nil
}

func (r *Resolver) resolveMethod(ref *meta.MethodReference) (*rt.Method, error) {
	if tr, ok := ref.DeclaringType.(*meta.TypeRef); ok && tr.IsModuleType() {
		return r.resolveGlobalMethod(tr, ref)
	}

	decl, err := r.ResolveType(ref.DeclaringType)
	if decl == nil {
		return nil, err
	}
	if decl.Kind() == rt.KindArray {
		// Array pseudo-methods match on the signature without the owner,
		// parameter and return types included.
		id := ref.FindableID()
		for _, m := range decl.MethodsNamed(ref.Name) {
			if m.FindableID() == id {
				return m, nil
			}
		}
		return nil, nil
	}

	id := ref.FindableID()
	for t := decl; t != nil; t = base(t) {
		if m := t.Method(id); m != nil {
			return m, nil
		}
	}
	return nil, nil
}

func (r *Resolver) resolveGlobalMethod(owner *meta.TypeRef, ref *meta.MethodReference) (*rt.Method, error) {
	id := ref.FindableID()
	modules, err := r.globalScope(owner)
	if err != nil {
		return nil, err
	}
	for _, mod := range modules {
		r.scans.Add(1)
		for _, m := range mod.Methods() {
			if m.FindableID() == id {
				return m, nil
			}
		}
	}
	return nil, nil
}

// globalScope returns the modules whose globals a <Module> reference can
// name: the modules of its scope, or every module when the scope isn't
// loaded.
func (r *Resolver) globalScope(owner *meta.TypeRef) ([]*rt.Module, error) {
	asm, err := r.scopeAssembly(owner.Scope, owner.Module)
	if err != nil {
		return nil, err
	}
	if asm != nil {
		if md, ok := owner.Scope.(*meta.ModuleDefinition); ok {
			for _, m := range asm.Modules() {
				if m.Definition() == md {
					return []*rt.Module{m}, nil
				}
			}
		}
		return asm.Modules(), nil
	}
	var all []*rt.Module
	for _, a := range r.ctx.Assemblies() {
		all = append(all, a.Modules()...)
	}
	return all, nil
}

func (r *Resolver) resolveGenericMethod(ref *meta.GenericInstanceMethod) (*rt.Method, error) {
	open, err := r.ResolveMethod(ref.Element)
	if open == nil {
		return nil, err
	}
	args := make([]*rt.Type, len(ref.Arguments))
	for i, a := range ref.Arguments {
		if args[i], err = r.ResolveType(a); args[i] == nil {
			return nil, err
		}
	}
	return open.MakeGeneric(args...)
}

func (r *Resolver) resolveField(ref *meta.FieldReference) (*rt.Field, error) {
	match := func(f *rt.Field) bool {
		if f == nil || f.Name() != ref.Name {
			return false
		}
		return ref.FieldType == nil || f.Definition().FieldType == nil ||
			f.Definition().FieldType.FullName() == ref.FieldType.FullName()
	}

	if tr, ok := ref.DeclaringType.(*meta.TypeRef); ok && tr.IsModuleType() {
		modules, err := r.globalScope(tr)
		if err != nil {
			return nil, err
		}
		for _, mod := range modules {
			r.scans.Add(1)
			for _, f := range mod.Fields() {
				if match(f) {
					return f, nil
				}
			}
		}
		return nil, nil
	}

	decl, err := r.ResolveType(ref.DeclaringType)
	if decl == nil {
		return nil, err
	}
	for t := decl; t != nil; t = base(t) {
		if f := t.Field(ref.Name); match(f) {
			return f, nil
		}
	}
	return nil, nil
}

func (r *Resolver) resolveProperty(ref *meta.PropertyReference) (*rt.Property, error) {
	decl, err := r.ResolveType(ref.DeclaringType)
	if decl == nil {
		return nil, err
	}
	for t := decl; t != nil; t = base(t) {
		if p := t.Property(ref.Name); p != nil {
			return p, nil
		}
	}
	return nil, nil
}

func (r *Resolver) resolveEvent(ref *meta.EventReference) (*rt.Event, error) {
	decl, err := r.ResolveType(ref.DeclaringType)
	if decl == nil {
		return nil, err
	}
	for t := decl; t != nil; t = base(t) {
		if e := t.Event(ref.Name); e != nil {
			return e, nil
		}
	}
	return nil, nil
}

func (r *Resolver) resolveSignature(c *meta.CallSite) (*rt.Signature, error) {
	if c.CallingConvention.Unmanaged() && !r.unmanaged {
		return nil, fmt.Errorf("%w: %s call site", rt.ErrUnsupported, c.CallingConvention)
	}

	sig := &rt.Signature{
		CallingConvention: c.CallingConvention,
		HasThis:           c.HasThis,
		ExplicitThis:      c.ExplicitThis,
	}
	if c.ReturnType == nil {
		sig.Return = r.ctx.CoreType("System.Void")
	} else {
		ret, err := r.ResolveType(c.ReturnType)
		if ret == nil {
			return nil, err
		}
		sig.Return = ret
	}

	for _, p := range c.Parameters {
		sp, err := r.sigParam(p)
		if sp.Type == nil {
			return nil, err
		}
		sig.Params = append(sig.Params, sp)
	}
	return sig, nil
}

// sigParam peels modifier, pinned and sentinel wrappers off t, outermost
// first.
func (r *Resolver) sigParam(t meta.TypeReference) (rt.SigParam, error) {
	var sp rt.SigParam
	for {
		switch v := t.(type) {
		case *meta.RequiredModifierType:
			m, err := r.ResolveType(v.Modifier)
			if m == nil {
				return rt.SigParam{}, err
			}
			sp.Required = append(sp.Required, m)
			t = v.Element
		case *meta.OptionalModifierType:
			m, err := r.ResolveType(v.Modifier)
			if m == nil {
				return rt.SigParam{}, err
			}
			sp.Optional = append(sp.Optional, m)
			t = v.Element
		case *meta.PinnedType:
			sp.Pinned = true
			t = v.Element
		case *meta.SentinelType:
			sp.Sentinel = true
			t = v.Element
		default:
			typ, err := r.ResolveType(t)
			sp.Type = typ
			return sp, err
		}
	}
}

// FindType looks a type up by full name in every loaded assembly. Nested
// types may be separated by "+" or "/". A miss gives (nil, nil).
func (r *Resolver) FindType(fullName string) (*rt.Type, error) {
	key := "N:" + fullName
	if sym, ok := r.cache.Load(key); ok {
		return sym.(*rt.Type), nil
	}
	for _, a := range r.ctx.Assemblies() {
		if t := r.scanTypes(a, fullName); t != nil {
			r.cache.Store(key, t)
			return t, nil
		}
	}
	r.log.Debug("type not found", "type", fullName)
	return nil, nil
}

// FindField returns the field named name on t or its base types.
func (r *Resolver) FindField(t *rt.Type, name string) *rt.Field {
	for ; t != nil; t = base(t) {
		if f := t.Field(name); f != nil {
			return f
		}
	}
	return nil
}

// FindMethod returns the first method named name on t or its base types
// taking params parameters, the receiver not counted. A negative params
// matches any count.
func (r *Resolver) FindMethod(t *rt.Type, name string, params int) *rt.Method {
	for ; t != nil; t = base(t) {
		for _, m := range t.MethodsNamed(name) {
			if params < 0 || len(m.Definition().Parameters) == params {
				return m
			}
		}
	}
	return nil
}

func base(t *rt.Type) *rt.Type {
	b, err := t.BaseType()
	if err != nil {
		return nil
	}
	return b
}
