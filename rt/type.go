package rt

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pboyd/hookstack/meta"
)

// Kind is the shape of a runtime type.
type Kind uint8

const (
	KindClass Kind = iota
	KindValueType
	KindInterface
	KindByRef
	KindPointer
	KindArray
	KindGenericInstance
)

func (k Kind) String() string {
	switch k {
	case KindValueType:
		return "valuetype"
	case KindInterface:
		return "interface"
	case KindByRef:
		return "byref"
	case KindPointer:
		return "pointer"
	case KindArray:
		return "array"
	case KindGenericInstance:
		return "generic instance"
	}
	return "class"
}

// Type is a loaded or constructed type.
type Type struct {
	ctx       *Context
	kind      Kind
	def       *meta.TypeDefinition
	module    *Module
	declaring *Type
	elem      *Type
	rank      int
	args      []*Type
	name      string
	nested    []*Type

	membersOnce sync.Once
	methods     []*Method
	fields      []*Field
	properties  []*Property
	events      []*Event

	baseOnce sync.Once
	base     *Type
	baseErr  error
}

func newDefType(m *Module, td *meta.TypeDefinition, declaring *Type) *Type {
	t := &Type{
		ctx:       m.assembly.ctx,
		kind:      KindClass,
		def:       td,
		module:    m,
		declaring: declaring,
	}
	switch {
	case td.Interface:
		t.kind = KindInterface
	case td.ValueType:
		t.kind = KindValueType
	}
	if declaring != nil {
		t.name = declaring.name + "+" + td.Name
	} else if td.Namespace != "" {
		t.name = td.Namespace + "." + td.Name
	} else {
		t.name = td.Name
	}
	return t
}

func (*Type) symbol() {}

func (t *Type) Context() *Context { return t.ctx }
func (t *Type) Kind() Kind        { return t.kind }

// FullName returns the runtime name: "+" between nested types and generic
// arguments in angle brackets.
func (t *Type) FullName() string { return t.name }

func (t *Type) String() string { return t.name }

// Name returns the name without namespace or declaring type.
func (t *Type) Name() string {
	if t.def != nil && t.kind != KindGenericInstance {
		return t.def.Name
	}
	return t.name
}

// Module returns the module the type, or its element type, was loaded from.
func (t *Type) Module() *Module { return t.module }

// Definition returns the metadata of the type. Generic instances return the
// open definition, and constructed types return nil.
func (t *Type) Definition() *meta.TypeDefinition { return t.def }

func (t *Type) DeclaringType() *Type { return t.declaring }

// Elem returns the element type of a by-ref, pointer or array type, and the
// open type of a generic instance.
func (t *Type) Elem() *Type { return t.elem }

func (t *Type) Rank() int { return t.rank }

func (t *Type) GenericArguments() []*Type { return t.args }

func (t *Type) NestedTypes() []*Type { return t.nested }

// IsGenericDefinition reports whether t is an open generic type.
func (t *Type) IsGenericDefinition() bool {
	return t.def != nil && t.kind != KindGenericInstance && len(t.def.GenericParameters) > 0
}

// IsPublic reports the declared visibility. Constructed types are public.
func (t *Type) IsPublic() bool {
	return t.def == nil || t.def.Public
}

// Nested returns the nested type with the given simple name, or nil.
func (t *Type) Nested(name string) *Type {
	for _, n := range t.nested {
		if n.def.Name == name {
			return n
		}
	}
	return nil
}

func (t *Type) Methods() []*Method {
	t.buildMembers()
	return t.methods
}

func (t *Type) Fields() []*Field {
	t.buildMembers()
	return t.fields
}

func (t *Type) Properties() []*Property {
	t.buildMembers()
	return t.properties
}

func (t *Type) Events() []*Event {
	t.buildMembers()
	return t.events
}

// Method returns the method declared on t with the given findable ID.
func (t *Type) Method(findableID string) *Method {
	for _, m := range t.Methods() {
		if m.FindableID() == findableID {
			return m
		}
	}
	return nil
}

// MethodsNamed returns the methods declared on t with the given name.
func (t *Type) MethodsNamed(name string) []*Method {
	var out []*Method
	for _, m := range t.Methods() {
		if m.Name() == name {
			out = append(out, m)
		}
	}
	return out
}

// Field returns the field declared on t with the given name.
func (t *Type) Field(name string) *Field {
	for _, f := range t.Fields() {
		if f.Name() == name {
			return f
		}
	}
	return nil
}

func (t *Type) Property(name string) *Property {
	for _, p := range t.Properties() {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

func (t *Type) Event(name string) *Event {
	for _, e := range t.Events() {
		if e.Name() == name {
			return e
		}
	}
	return nil
}

func (t *Type) buildMembers() {
	t.membersOnce.Do(func() {
		switch {
		case t.kind == KindArray:
			t.methods = arrayMethods(t)
		case t.def != nil:
			byDef := map[*meta.MethodDefinition]*Method{}
			for _, md := range t.def.Methods {
				m := newMethod(t.ctx, md, t, t.module)
				byDef[md] = m
				t.methods = append(t.methods, m)
			}
			for _, fd := range t.def.Fields {
				t.fields = append(t.fields, newField(t.ctx, fd, t, t.module))
			}
			for _, pd := range t.def.Properties {
				t.properties = append(t.properties, &Property{def: pd, declaring: t, getter: byDef[pd.Getter], setter: byDef[pd.Setter]})
			}
			for _, ed := range t.def.Events {
				t.events = append(t.events, &Event{def: ed, declaring: t, add: byDef[ed.Add], remove: byDef[ed.Remove]})
			}
		}
	})
}

// BaseType returns the type t derives from, or nil for System.Object,
// interfaces, by-refs and pointers.
func (t *Type) BaseType() (*Type, error) {
	switch t.kind {
	case KindArray:
		return t.ctx.CoreType("System.Array"), nil
	case KindByRef, KindPointer:
		return nil, nil
	}
	if t.def == nil || t.def.BaseType == nil {
		return nil, nil
	}
	t.baseOnce.Do(func() {
		t.base, t.baseErr = t.ctx.ResolveType(t.def.BaseType)
	})
	return t.base, t.baseErr
}

// IsAssignableTo reports whether a value of type t can be used where other
// is expected.
func (t *Type) IsAssignableTo(other *Type) bool {
	if other == nil {
		return false
	}
	for cur := t; cur != nil; {
		if cur == other || cur.implements(other) {
			return true
		}
		next, err := cur.BaseType()
		if err != nil {
			return false
		}
		cur = next
	}
	return false
}

func (t *Type) implements(iface *Type) bool {
	if t.def == nil {
		return false
	}
	for _, ref := range t.def.Interfaces {
		it, err := t.ctx.ResolveType(ref)
		if err != nil || it == nil {
			continue
		}
		if it == iface || it.IsAssignableTo(iface) {
			return true
		}
	}
	return false
}

// FindOverride returns the implementation of virtual method m for an object
// of type t, searching from t up the base chain. Non-virtual methods are
// returned unchanged.
func (t *Type) FindOverride(m *Method) *Method {
	if m == nil || !m.IsVirtual() {
		return m
	}
	id := m.FindableID()
	for cur := t; cur != nil; {
		for _, cm := range cur.Methods() {
			if cm.IsVirtual() && cm.Name() == m.Name() && cm.FindableID() == id {
				return cm
			}
		}
		next, err := cur.BaseType()
		if err != nil {
			break
		}
		cur = next
	}
	return m
}

// MakeByRef returns T&.
func (t *Type) MakeByRef() *Type {
	return t.ctx.intern(internKey{kind: KindByRef, elem: t}, func() *Type {
		return &Type{ctx: t.ctx, kind: KindByRef, elem: t, module: t.module, name: t.name + "&"}
	})
}

// MakePointer returns T*.
func (t *Type) MakePointer() *Type {
	return t.ctx.intern(internKey{kind: KindPointer, elem: t}, func() *Type {
		return &Type{ctx: t.ctx, kind: KindPointer, elem: t, module: t.module, name: t.name + "*"}
	})
}

// MakeArray returns an array of t with the given rank. Ranks below one are
// treated as one.
func (t *Type) MakeArray(rank int) *Type {
	if rank < 1 {
		rank = 1
	}
	return t.ctx.intern(internKey{kind: KindArray, elem: t, rank: rank}, func() *Type {
		return &Type{
			ctx:    t.ctx,
			kind:   KindArray,
			elem:   t,
			rank:   rank,
			module: t.module,
			name:   t.name + "[" + strings.Repeat(",", rank-1) + "]",
		}
	})
}

// MakeGeneric binds the open generic type t to args.
func (t *Type) MakeGeneric(args ...*Type) (*Type, error) {
	if !t.IsGenericDefinition() {
		return nil, fmt.Errorf("%w: %s is not a generic definition", ErrUnsupported, t.name)
	}
	if len(args) != len(t.def.GenericParameters) {
		return nil, fmt.Errorf("%w: %s takes %d, got %d", ErrTypeArguments, t.name, len(t.def.GenericParameters), len(args))
	}

	names := make([]string, len(args))
	var key strings.Builder
	for i, a := range args {
		if a == nil {
			return nil, fmt.Errorf("%w: nil argument %d for %s", ErrTypeArguments, i, t.name)
		}
		names[i] = a.name
		fmt.Fprintf(&key, "%p,", a)
	}

	return t.ctx.intern(internKey{kind: KindGenericInstance, elem: t, args: key.String()}, func() *Type {
		return &Type{
			ctx:       t.ctx,
			kind:      KindGenericInstance,
			def:       t.def,
			module:    t.module,
			declaring: t.declaring,
			elem:      t,
			args:      append([]*Type(nil), args...),
			name:      t.name + "<" + strings.Join(names, ",") + ">",
		}
	}), nil
}

// IsValueType reports whether values of t are copied rather than shared.
func (t *Type) IsValueType() bool {
	return t.kind == KindValueType || (t.kind == KindGenericInstance && t.def.ValueType)
}

// zero returns the default value of a field or element of type t.
func (t *Type) zero() any {
	if t == nil {
		return nil
	}
	return zeroByName(t.name)
}

func zeroOf(ref meta.TypeReference) any {
	if ref == nil {
		return nil
	}
	return zeroByName(ref.FullName())
}

func zeroByName(name string) any {
	switch name {
	case "System.Int32", "System.Int64":
		return int64(0)
	case "System.Boolean":
		return false
	case "System.Double":
		return float64(0)
	}
	return nil
}

// Zero returns the default value of a local, field or element of type t.
func Zero(t *Type) any {
	return t.zero()
}
