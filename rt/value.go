package rt

import (
	"fmt"
	"strings"
)

// Object is an instance of a class. Objects are not synchronized.
type Object struct {
	typ    *Type
	fields map[*Field]any
}

// NewObject allocates an object of type t with every field at its zero
// value. No constructor runs.
func NewObject(t *Type) *Object {
	return &Object{typ: t, fields: map[*Field]any{}}
}

func (o *Object) Type() *Type { return o.typ }

func (o *Object) String() string { return o.typ.name }

// Get reads an instance field by name, searching the base chain.
func (o *Object) Get(name string) (any, bool) {
	f := o.lookup(name)
	if f == nil {
		return nil, false
	}
	return o.get(f), true
}

// Set writes an instance field by name, searching the base chain.
func (o *Object) Set(name string, v any) bool {
	f := o.lookup(name)
	if f == nil {
		return false
	}
	o.set(f, v)
	return true
}

func (o *Object) lookup(name string) *Field {
	for t := o.typ; t != nil; {
		if f := t.Field(name); f != nil && !f.IsStatic() {
			return f
		}
		next, err := t.BaseType()
		if err != nil {
			return nil
		}
		t = next
	}
	return nil
}

func (o *Object) get(f *Field) any {
	if v, ok := o.fields[f]; ok {
		return v
	}
	return zeroOf(f.def.FieldType)
}

func (o *Object) set(f *Field, v any) {
	o.fields[f] = v
}

// Array is an array of any rank, stored row-major.
type Array struct {
	typ     *Type
	lengths []int
	data    []any
}

// NewArray allocates an array of array type t. There must be one length per
// dimension.
func NewArray(t *Type, lengths ...int) (*Array, error) {
	if t.kind != KindArray {
		return nil, fmt.Errorf("%w: %s is not an array type", ErrUnsupported, t.name)
	}
	if len(lengths) != t.rank {
		return nil, fmt.Errorf("%w: %s needs %d lengths, got %d", ErrIndexOutOfRange, t.name, t.rank, len(lengths))
	}
	n := 1
	for _, l := range lengths {
		if l < 0 {
			return nil, fmt.Errorf("%w: negative length %d", ErrIndexOutOfRange, l)
		}
		n *= l
	}

	a := &Array{typ: t, lengths: append([]int(nil), lengths...), data: make([]any, n)}
	if zero := t.elem.zero(); zero != nil {
		for i := range a.data {
			a.data[i] = zero
		}
	}
	return a, nil
}

func (a *Array) Type() *Type { return a.typ }
func (a *Array) Rank() int   { return len(a.lengths) }

// Len returns the total number of elements.
func (a *Array) Len() int { return len(a.data) }

// Length returns the length of one dimension.
func (a *Array) Length(dim int) int { return a.lengths[dim] }

func (a *Array) offset(idx []int) (int, error) {
	if len(idx) != len(a.lengths) {
		return 0, fmt.Errorf("%w: %d indexes for rank %d", ErrIndexOutOfRange, len(idx), len(a.lengths))
	}
	off := 0
	for d, i := range idx {
		if i < 0 || i >= a.lengths[d] {
			return 0, fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, i, a.lengths[d])
		}
		off = off*a.lengths[d] + i
	}
	return off, nil
}

func (a *Array) Get(idx ...int) (any, error) {
	off, err := a.offset(idx)
	if err != nil {
		return nil, err
	}
	return a.data[off], nil
}

func (a *Array) Set(v any, idx ...int) error {
	off, err := a.offset(idx)
	if err != nil {
		return err
	}
	a.data[off] = v
	return nil
}

// Address returns a reference to one element.
func (a *Array) Address(idx ...int) (*ElementRef, error) {
	off, err := a.offset(idx)
	if err != nil {
		return nil, err
	}
	return &ElementRef{array: a, offset: off}, nil
}

// Elements returns a copy of the elements in storage order.
func (a *Array) Elements() []any {
	return append([]any(nil), a.data...)
}

func (a *Array) String() string {
	dims := make([]string, len(a.lengths))
	for i, l := range a.lengths {
		dims[i] = fmt.Sprint(l)
	}
	return a.typ.elem.name + "[" + strings.Join(dims, ",") + "]"
}

// ElementRef is the address of an array element.
type ElementRef struct {
	array  *Array
	offset int
}

func (r *ElementRef) Load() any   { return r.array.data[r.offset] }
func (r *ElementRef) Store(v any) { r.array.data[r.offset] = v }

// Exception is a thrown managed exception. It's what managed code panics
// with, and what Invoke returns.
type Exception struct {
	Object *Object
}

func (e *Exception) Type() *Type { return e.Object.typ }

// Message returns the exception's message.
func (e *Exception) Message() string {
	f := e.Object.typ.ctx.messageField()
	if f == nil {
		return ""
	}
	s, _ := e.Object.get(f).(string)
	return s
}

// IsA reports whether the exception's type is, or derives from, the type
// with the given full name.
func (e *Exception) IsA(fullName string) bool {
	for t := e.Object.typ; t != nil; {
		if t.name == fullName {
			return true
		}
		next, err := t.BaseType()
		if err != nil {
			return false
		}
		t = next
	}
	return false
}

func (e *Exception) Error() string {
	return e.Object.typ.name + ": " + e.Message()
}
