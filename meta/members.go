package meta

import (
	"strings"

	"github.com/pboyd/hookstack/il"
)

// CallingConvention of a method or call site.
type CallingConvention uint8

const (
	Default CallingConvention = iota
	C
	StdCall
	ThisCall
	FastCall
	VarArg
)

func (c CallingConvention) String() string {
	switch c {
	case C:
		return "unmanaged cdecl"
	case StdCall:
		return "unmanaged stdcall"
	case ThisCall:
		return "unmanaged thiscall"
	case FastCall:
		return "unmanaged fastcall"
	case VarArg:
		return "vararg"
	}
	return "default"
}

// Unmanaged reports whether c is a native calling convention.
func (c CallingConvention) Unmanaged() bool {
	switch c {
	case C, StdCall, ThisCall, FastCall:
		return true
	}
	return false
}

// Parameter of a method.
type Parameter struct {
	Name string
	Type TypeReference
}

// Param is shorthand for a Parameter.
func Param(name string, typ TypeReference) Parameter {
	return Parameter{Name: name, Type: typ}
}

// MethodReference names a method by declaring type and signature.
type MethodReference struct {
	DeclaringType     TypeReference
	Name              string
	ReturnType        TypeReference
	Parameters        []Parameter
	HasThis           bool
	ExplicitThis      bool
	CallingConvention CallingConvention
	GenericArity      int
}

func (*MethodReference) reference() {}

// FullName returns "Ret Decl::Name(P1,P2)".
func (m *MethodReference) FullName() string {
	return m.signature(false, true, nil)
}

// FindableID returns the signature without the declaring type, with generic
// parameters written by position.
func (m *MethodReference) FindableID() string {
	return m.signature(true, false, nil)
}

func (m *MethodReference) signature(ids, withType bool, args []TypeReference) string {
	var sb strings.Builder
	sb.WriteString(returnName(m.ReturnType, ids))
	sb.WriteByte(' ')
	if withType && m.DeclaringType != nil {
		sb.WriteString(nameOf(m.DeclaringType, ids))
		sb.WriteString("::")
	}
	sb.WriteString(m.Name)
	switch {
	case len(args) > 0:
		sb.WriteByte('<')
		sb.WriteString(joinNames(args, ids))
		sb.WriteByte('>')
	case ids && m.GenericArity > 0:
		sb.WriteByte('`')
		sb.WriteString(itoa(m.GenericArity))
	}
	sb.WriteByte('(')
	for i, p := range m.Parameters {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(nameOf(p.Type, ids))
	}
	sb.WriteByte(')')
	return sb.String()
}

// MethodDefinition is a method with a body or a host implementation.
type MethodDefinition struct {
	MethodReference

	Body    *il.Body
	Static  bool
	Public  bool
	Virtual bool

	GenericParameters []string

	// Impl runs in place of a body. Arguments include the receiver of
	// instance methods.
	Impl func(args []any) any
}

// Reference returns the embedded reference.
func (m *MethodDefinition) Reference() *MethodReference {
	return &m.MethodReference
}

// SetBody replaces the body with one holding instrs and returns m.
func (m *MethodDefinition) SetBody(instrs ...*il.Instruction) *MethodDefinition {
	m.Body = il.NewBody(instrs...)
	return m
}

// GenericInstanceMethod binds a generic method to arguments.
type GenericInstanceMethod struct {
	Element   *MethodReference
	Arguments []TypeReference
}

func (*GenericInstanceMethod) reference() {}

func (m *GenericInstanceMethod) FullName() string {
	return m.Element.signature(false, true, m.Arguments)
}

// FieldReference names a field by declaring type, name and type.
type FieldReference struct {
	DeclaringType TypeReference
	Name          string
	FieldType     TypeReference
}

func (*FieldReference) reference() {}

func (f *FieldReference) FullName() string {
	return nameOf(f.FieldType, false) + " " + memberOwner(f.DeclaringType) + f.Name
}

// FieldDefinition is a field with its attributes.
type FieldDefinition struct {
	FieldReference

	Static   bool
	Public   bool
	Constant any
}

func (f *FieldDefinition) Reference() *FieldReference {
	return &f.FieldReference
}

// PropertyReference names a property.
type PropertyReference struct {
	DeclaringType TypeReference
	Name          string
	PropertyType  TypeReference
}

func (*PropertyReference) reference() {}

func (p *PropertyReference) FullName() string {
	return nameOf(p.PropertyType, false) + " " + memberOwner(p.DeclaringType) + p.Name + "()"
}

type PropertyDefinition struct {
	PropertyReference

	Getter *MethodDefinition
	Setter *MethodDefinition
}

// EventReference names an event.
type EventReference struct {
	DeclaringType TypeReference
	Name          string
	EventType     TypeReference
}

func (*EventReference) reference() {}

func (e *EventReference) FullName() string {
	return nameOf(e.EventType, false) + " " + memberOwner(e.DeclaringType) + e.Name
}

type EventDefinition struct {
	EventReference

	Add    *MethodDefinition
	Remove *MethodDefinition
}

// CallSite describes the signature of an indirect call. Parameter types may
// carry modifier, pinned and sentinel wrappers.
type CallSite struct {
	CallingConvention CallingConvention
	HasThis           bool
	ExplicitThis      bool
	ReturnType        TypeReference
	Parameters        []TypeReference
}

func (*CallSite) reference() {}

func (c *CallSite) FullName() string {
	var sb strings.Builder
	if c.CallingConvention != Default {
		sb.WriteString(c.CallingConvention.String())
		sb.WriteByte(' ')
	}
	if c.HasThis {
		sb.WriteString("instance ")
	}
	if c.ExplicitThis {
		sb.WriteString("explicit ")
	}
	sb.WriteString(returnName(c.ReturnType, false))
	sb.WriteString(" *(")
	sb.WriteString(joinNames(c.Parameters, false))
	sb.WriteByte(')')
	return sb.String()
}

func memberOwner(t TypeReference) string {
	if t == nil {
		return ""
	}
	return nameOf(t, false) + "::"
}
