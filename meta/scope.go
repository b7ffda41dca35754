package meta

// Scope is where a type reference points: an assembly, a module of some
// assembly, or a module of the referencing assembly.
type Scope interface {
	ScopeName() string
	scope()
}

// AssemblyName identifies an assembly.
type AssemblyName struct {
	Name    string
	Version string
}

// FullName returns the display name, including the version when set.
func (n AssemblyName) FullName() string {
	if n.Version == "" {
		return n.Name
	}
	return n.Name + ", Version=" + n.Version
}

func (n AssemblyName) String() string {
	return n.FullName()
}

// AssemblyNameReference is a scope naming another assembly.
type AssemblyNameReference struct {
	Name    string
	Version string
}

func (r *AssemblyNameReference) ScopeName() string { return r.Name }
func (*AssemblyNameReference) scope()              {}

// FullName returns the display name of the referenced assembly.
func (r *AssemblyNameReference) FullName() string {
	return AssemblyName{Name: r.Name, Version: r.Version}.FullName()
}

// ModuleReference is a scope naming a module of the referencing assembly.
type ModuleReference struct {
	Name string
}

func (r *ModuleReference) ScopeName() string { return r.Name }
func (*ModuleReference) scope()              {}

// AssemblyDefinition is a loadable unit made of one or more modules.
type AssemblyDefinition struct {
	Name    AssemblyName
	Modules []*ModuleDefinition
}

// MainModule returns the first module, or nil.
func (a *AssemblyDefinition) MainModule() *ModuleDefinition {
	if len(a.Modules) == 0 {
		return nil
	}
	return a.Modules[0]
}

// Reference returns a scope that names a.
func (a *AssemblyDefinition) Reference() *AssemblyNameReference {
	return &AssemblyNameReference{Name: a.Name.Name, Version: a.Name.Version}
}

// ExportedType is a type forwarder: a type this module claims but that
// lives in another scope.
type ExportedType struct {
	Namespace string
	Name      string
	Scope     Scope
}

// FullName returns the namespace-qualified name of the forwarded type.
func (e *ExportedType) FullName() string {
	return qualify(e.Namespace, e.Name)
}

// ModuleDefinition holds types, global members and forwarders.
type ModuleDefinition struct {
	Name     string
	Assembly *AssemblyDefinition

	Types         []*TypeDefinition
	Methods       []*MethodDefinition
	Fields        []*FieldDefinition
	ExportedTypes []*ExportedType

	moduleType *TypeRef
}

func (m *ModuleDefinition) ScopeName() string { return m.Name }
func (*ModuleDefinition) scope()              {}

// ModuleType returns the reference to the pseudo type that owns global
// members.
func (m *ModuleDefinition) ModuleType() *TypeRef {
	if m.moduleType == nil {
		m.moduleType = &TypeRef{Scope: m, Module: m, Name: ModuleTypeName}
	}
	return m.moduleType
}

// AllTypes returns every type of the module, nested types included, outer
// types first.
func (m *ModuleDefinition) AllTypes() []*TypeDefinition {
	var out []*TypeDefinition
	var walk func([]*TypeDefinition)
	walk = func(ts []*TypeDefinition) {
		for _, t := range ts {
			out = append(out, t)
			walk(t.NestedTypes)
		}
	}
	walk(m.Types)
	return out
}
