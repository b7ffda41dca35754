package meta

// ModuleTypeName is the name of the pseudo type owning global members.
const ModuleTypeName = "<Module>"

// Reference is any piece of metadata an instruction can refer to.
type Reference interface {
	FullName() string
	reference()
}

// TypeReference is one of the type reference variants below.
type TypeReference interface {
	Reference
	typeReference()
}

// TypeRef names a type by scope, namespace and name. Nested types carry
// their declaring type.
type TypeRef struct {
	Scope         Scope
	Module        *ModuleDefinition // module the reference appears in
	Namespace     string
	Name          string
	DeclaringType *TypeRef
}

func (t *TypeRef) FullName() string { return nameOf(t, false) }
func (*TypeRef) reference()         {}
func (*TypeRef) typeReference()     {}

// IsModuleType reports whether t is the pseudo type of module globals.
func (t *TypeRef) IsModuleType() bool {
	return t.DeclaringType == nil && t.Namespace == "" && t.Name == ModuleTypeName
}

// TypeDefinition is a type with its members.
type TypeDefinition struct {
	TypeRef

	BaseType          TypeReference
	Interfaces        []TypeReference
	GenericParameters []string

	Methods     []*MethodDefinition
	Fields      []*FieldDefinition
	Properties  []*PropertyDefinition
	Events      []*EventDefinition
	NestedTypes []*TypeDefinition

	Public    bool
	Interface bool
	ValueType bool
}

// Ref returns the embedded reference. Nested definitions point at it from
// DeclaringType.
func (t *TypeDefinition) Ref() *TypeRef {
	return &t.TypeRef
}

// ByReferenceType is T&.
type ByReferenceType struct {
	Element TypeReference
}

func (t *ByReferenceType) FullName() string { return nameOf(t, false) }
func (*ByReferenceType) reference()         {}
func (*ByReferenceType) typeReference()     {}

// PointerType is T*.
type PointerType struct {
	Element TypeReference
}

func (t *PointerType) FullName() string { return nameOf(t, false) }
func (*PointerType) reference()         {}
func (*PointerType) typeReference()     {}

// ArrayType is T[] or, with a rank above one, T[,...].
type ArrayType struct {
	Element TypeReference
	Rank    int
}

func (t *ArrayType) FullName() string { return nameOf(t, false) }
func (*ArrayType) reference()         {}
func (*ArrayType) typeReference()     {}

// Dimensions returns the rank, treating zero as one.
func (t *ArrayType) Dimensions() int {
	if t.Rank < 1 {
		return 1
	}
	return t.Rank
}

// GenericInstanceType is an open generic type bound to arguments.
type GenericInstanceType struct {
	Element   TypeReference
	Arguments []TypeReference
}

func (t *GenericInstanceType) FullName() string { return nameOf(t, false) }
func (*GenericInstanceType) reference()         {}
func (*GenericInstanceType) typeReference()     {}

// RequiredModifierType is T modreq(M).
type RequiredModifierType struct {
	Modifier TypeReference
	Element  TypeReference
}

func (t *RequiredModifierType) FullName() string { return nameOf(t, false) }
func (*RequiredModifierType) reference()         {}
func (*RequiredModifierType) typeReference()     {}

// OptionalModifierType is T modopt(M).
type OptionalModifierType struct {
	Modifier TypeReference
	Element  TypeReference
}

func (t *OptionalModifierType) FullName() string { return nameOf(t, false) }
func (*OptionalModifierType) reference()         {}
func (*OptionalModifierType) typeReference()     {}

// PinnedType marks a pinned local or parameter.
type PinnedType struct {
	Element TypeReference
}

func (t *PinnedType) FullName() string { return nameOf(t, false) }
func (*PinnedType) reference()         {}
func (*PinnedType) typeReference()     {}

// SentinelType marks the start of the variable part of a vararg signature.
type SentinelType struct {
	Element TypeReference
}

func (t *SentinelType) FullName() string { return nameOf(t, false) }
func (*SentinelType) reference()         {}
func (*SentinelType) typeReference()     {}

// GenericParameter is an unbound type or method type parameter.
type GenericParameter struct {
	Name     string
	Position int
	Method   bool
}

func (t *GenericParameter) FullName() string { return nameOf(t, false) }
func (*GenericParameter) reference()         {}
func (*GenericParameter) typeReference()     {}

// ElementType strips every construction off t and returns the named type at
// its core.
func ElementType(t TypeReference) TypeReference {
	for {
		switch v := t.(type) {
		case *ByReferenceType:
			t = v.Element
		case *PointerType:
			t = v.Element
		case *ArrayType:
			t = v.Element
		case *GenericInstanceType:
			t = v.Element
		case *RequiredModifierType:
			t = v.Element
		case *OptionalModifierType:
			t = v.Element
		case *PinnedType:
			t = v.Element
		case *SentinelType:
			t = v.Element
		default:
			return t
		}
	}
}
