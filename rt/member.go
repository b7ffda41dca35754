package rt

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pboyd/hookstack/meta"
)

// Field is a loaded field. Static fields hold their value here, instance
// fields hold it in each Object.
type Field struct {
	ctx       *Context
	def       *meta.FieldDefinition
	declaring *Type
	module    *Module
	public    atomic.Bool

	mu    sync.Mutex
	value any
}

func newField(ctx *Context, def *meta.FieldDefinition, declaring *Type, module *Module) *Field {
	f := &Field{ctx: ctx, def: def, declaring: declaring, module: module}
	f.public.Store(def.Public)
	if def.Static {
		f.value = def.Constant
		if f.value == nil {
			f.value = zeroOf(def.FieldType)
		}
	}
	return f
}

func (*Field) symbol() {}

func (f *Field) Name() string                      { return f.def.Name }
func (f *Field) Definition() *meta.FieldDefinition { return f.def }
func (f *Field) DeclaringType() *Type              { return f.declaring }
func (f *Field) Module() *Module                   { return f.module }
func (f *Field) IsStatic() bool                    { return f.def.Static }
func (f *Field) IsPublic() bool                    { return f.public.Load() }

// SetPublic makes the field accessible from any type.
func (f *Field) SetPublic() { f.public.Store(true) }

func (f *Field) FullName() string {
	owner := meta.ModuleTypeName
	if f.declaring != nil {
		owner = f.declaring.name
	}
	typ := ""
	if f.def.FieldType != nil {
		typ = f.def.FieldType.FullName() + " "
	}
	return typ + owner + "::" + f.def.Name
}

func (f *Field) String() string { return f.FullName() }

// FieldType resolves the declared type of the field.
func (f *Field) FieldType() (*Type, error) {
	return f.ctx.ResolveType(f.def.FieldType)
}

// Load reads the field. obj is ignored for static fields.
func (f *Field) Load(obj *Object) (any, error) {
	if f.def.Static {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.value, nil
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: loading %s", ErrNullReference, f.FullName())
	}
	return obj.get(f), nil
}

// Store writes the field. obj is ignored for static fields.
func (f *Field) Store(obj *Object, v any) error {
	if f.def.Static {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.value = v
		return nil
	}
	if obj == nil {
		return fmt.Errorf("%w: storing %s", ErrNullReference, f.FullName())
	}
	obj.set(f, v)
	return nil
}

// Property is a loaded property and its accessors.
type Property struct {
	def       *meta.PropertyDefinition
	declaring *Type
	getter    *Method
	setter    *Method
}

func (*Property) symbol() {}

func (p *Property) Name() string                         { return p.def.Name }
func (p *Property) Definition() *meta.PropertyDefinition { return p.def }
func (p *Property) DeclaringType() *Type                 { return p.declaring }
func (p *Property) Getter() *Method                      { return p.getter }
func (p *Property) Setter() *Method                      { return p.setter }

func (p *Property) FullName() string {
	return p.def.PropertyType.FullName() + " " + p.declaring.name + "::" + p.def.Name + "()"
}

// Event is a loaded event and its accessors.
type Event struct {
	def       *meta.EventDefinition
	declaring *Type
	add       *Method
	remove    *Method
}

func (*Event) symbol() {}

func (e *Event) Name() string                      { return e.def.Name }
func (e *Event) Definition() *meta.EventDefinition { return e.def }
func (e *Event) DeclaringType() *Type              { return e.declaring }
func (e *Event) AddMethod() *Method                { return e.add }
func (e *Event) RemoveMethod() *Method             { return e.remove }

func (e *Event) FullName() string {
	return e.def.EventType.FullName() + " " + e.declaring.name + "::" + e.def.Name
}
