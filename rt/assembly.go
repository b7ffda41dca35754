package rt

import (
	"strings"

	"github.com/pboyd/hookstack/meta"
)

// Assembly is a loaded assembly.
type Assembly struct {
	ctx     *Context
	def     *meta.AssemblyDefinition
	modules []*Module
}

func newAssembly(ctx *Context, def *meta.AssemblyDefinition) *Assembly {
	a := &Assembly{ctx: ctx, def: def}
	for _, md := range def.Modules {
		a.modules = append(a.modules, newModule(a, md))
	}
	return a
}

func (a *Assembly) Name() meta.AssemblyName              { return a.def.Name }
func (a *Assembly) Definition() *meta.AssemblyDefinition { return a.def }
func (a *Assembly) Context() *Context                    { return a.ctx }
func (a *Assembly) Modules() []*Module                   { return a.modules }

// MainModule returns the first module, or nil.
func (a *Assembly) MainModule() *Module {
	if len(a.modules) == 0 {
		return nil
	}
	return a.modules[0]
}

func (a *Assembly) String() string {
	return a.def.Name.FullName()
}

// Module is a loaded module.
type Module struct {
	assembly *Assembly
	def      *meta.ModuleDefinition

	types    []*Type
	byName   map[string]*Type
	methods  []*Method
	fields   []*Field
	exported map[string]*meta.ExportedType
}

func newModule(a *Assembly, def *meta.ModuleDefinition) *Module {
	m := &Module{
		assembly: a,
		def:      def,
		byName:   map[string]*Type{},
		exported: map[string]*meta.ExportedType{},
	}
	for _, td := range def.Types {
		m.addType(td, nil)
	}
	for _, md := range def.Methods {
		m.methods = append(m.methods, newMethod(a.ctx, md, nil, m))
	}
	for _, fd := range def.Fields {
		m.fields = append(m.fields, newField(a.ctx, fd, nil, m))
	}
	for _, e := range def.ExportedTypes {
		m.exported[e.FullName()] = e
	}
	return m
}

func (m *Module) addType(td *meta.TypeDefinition, declaring *Type) *Type {
	t := newDefType(m, td, declaring)
	m.types = append(m.types, t)
	m.byName[t.name] = t
	for _, nd := range td.NestedTypes {
		t.nested = append(t.nested, m.addType(nd, t))
	}
	return t
}

func (m *Module) Name() string                       { return m.def.Name }
func (m *Module) Assembly() *Assembly                { return m.assembly }
func (m *Module) Definition() *meta.ModuleDefinition { return m.def }

// Type returns a type by full name. Nested types may be separated by "+"
// or "/".
func (m *Module) Type(fullName string) *Type {
	return m.byName[strings.ReplaceAll(fullName, "/", "+")]
}

// Types returns every type of the module, nested types included.
func (m *Module) Types() []*Type {
	return m.types
}

// Methods returns the module's global methods.
func (m *Module) Methods() []*Method {
	return m.methods
}

// Fields returns the module's global fields.
func (m *Module) Fields() []*Field {
	return m.fields
}

// Forwarded returns the forwarder for a type this module exports but
// doesn't define.
func (m *Module) Forwarded(fullName string) (*meta.ExportedType, bool) {
	e, ok := m.exported[fullName]
	return e, ok
}

func (m *Module) String() string {
	return m.def.Name
}
