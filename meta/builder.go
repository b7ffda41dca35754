package meta

// NewAssembly creates an assembly with a single module named after it.
// An optional version may follow the name.
func NewAssembly(name string, version ...string) *AssemblyDefinition {
	a := &AssemblyDefinition{Name: AssemblyName{Name: name}}
	if len(version) > 0 {
		a.Name.Version = version[0]
	}
	a.Modules = []*ModuleDefinition{{Name: name + ".dll", Assembly: a}}
	return a
}

// AddModule appends another module to a.
func (a *AssemblyDefinition) AddModule(name string) *ModuleDefinition {
	m := &ModuleDefinition{Name: name, Assembly: a}
	a.Modules = append(a.Modules, m)
	return m
}

// DefineType adds a public class to the module. A nil base means
// System.Object.
func (m *ModuleDefinition) DefineType(namespace, name string, base TypeReference) *TypeDefinition {
	t := newType(m, namespace, name, base)
	m.Types = append(m.Types, t)
	return t
}

// DefineNestedType adds a public class nested in t.
func (t *TypeDefinition) DefineNestedType(name string, base TypeReference) *TypeDefinition {
	n := newType(t.Module, "", name, base)
	n.DeclaringType = t.Ref()
	t.NestedTypes = append(t.NestedTypes, n)
	return n
}

func newType(m *ModuleDefinition, namespace, name string, base TypeReference) *TypeDefinition {
	if base == nil {
		base = Object
	}
	return &TypeDefinition{
		TypeRef:  TypeRef{Scope: m, Module: m, Namespace: namespace, Name: name},
		BaseType: base,
		Public:   true,
	}
}

// DefineMethod adds a public instance method.
func (t *TypeDefinition) DefineMethod(name string, ret TypeReference, params ...Parameter) *MethodDefinition {
	md := newMethod(t, name, ret, params)
	md.HasThis = true
	t.Methods = append(t.Methods, md)
	return md
}

// DefineStaticMethod adds a public static method.
func (t *TypeDefinition) DefineStaticMethod(name string, ret TypeReference, params ...Parameter) *MethodDefinition {
	md := newMethod(t, name, ret, params)
	md.Static = true
	t.Methods = append(t.Methods, md)
	return md
}

// DefineConstructor adds a public instance constructor.
func (t *TypeDefinition) DefineConstructor(params ...Parameter) *MethodDefinition {
	return t.DefineMethod(".ctor", Void, params...)
}

func newMethod(decl TypeReference, name string, ret TypeReference, params []Parameter) *MethodDefinition {
	if ret == nil {
		ret = Void
	}
	return &MethodDefinition{
		MethodReference: MethodReference{
			DeclaringType: decl,
			Name:          name,
			ReturnType:    ret,
			Parameters:    params,
		},
		Public: true,
	}
}

// DefineField adds a public instance field.
func (t *TypeDefinition) DefineField(name string, typ TypeReference) *FieldDefinition {
	f := newField(t, name, typ)
	t.Fields = append(t.Fields, f)
	return f
}

// DefineStaticField adds a public static field.
func (t *TypeDefinition) DefineStaticField(name string, typ TypeReference) *FieldDefinition {
	f := newField(t, name, typ)
	f.Static = true
	t.Fields = append(t.Fields, f)
	return f
}

func newField(decl TypeReference, name string, typ TypeReference) *FieldDefinition {
	return &FieldDefinition{
		FieldReference: FieldReference{DeclaringType: decl, Name: name, FieldType: typ},
		Public:         true,
	}
}

// DefineProperty adds a property made of existing accessor methods. Either
// accessor may be nil.
func (t *TypeDefinition) DefineProperty(name string, typ TypeReference, getter, setter *MethodDefinition) *PropertyDefinition {
	p := &PropertyDefinition{
		PropertyReference: PropertyReference{DeclaringType: t, Name: name, PropertyType: typ},
		Getter:            getter,
		Setter:            setter,
	}
	t.Properties = append(t.Properties, p)
	return p
}

// DefineEvent adds an event made of existing add and remove methods.
func (t *TypeDefinition) DefineEvent(name string, typ TypeReference, add, remove *MethodDefinition) *EventDefinition {
	e := &EventDefinition{
		EventReference: EventReference{DeclaringType: t, Name: name, EventType: typ},
		Add:            add,
		Remove:         remove,
	}
	t.Events = append(t.Events, e)
	return e
}

// DefineGlobalMethod adds a static method owned by the module itself.
func (m *ModuleDefinition) DefineGlobalMethod(name string, ret TypeReference, params ...Parameter) *MethodDefinition {
	md := newMethod(m.ModuleType(), name, ret, params)
	md.Static = true
	m.Methods = append(m.Methods, md)
	return md
}

// DefineGlobalField adds a static field owned by the module itself.
func (m *ModuleDefinition) DefineGlobalField(name string, typ TypeReference) *FieldDefinition {
	f := newField(m.ModuleType(), name, typ)
	f.Static = true
	m.Fields = append(m.Fields, f)
	return f
}

// Forward records that namespace.name lives in to.
func (m *ModuleDefinition) Forward(namespace, name string, to Scope) *ExportedType {
	e := &ExportedType{Namespace: namespace, Name: name, Scope: to}
	m.ExportedTypes = append(m.ExportedTypes, e)
	return e
}

// Import returns a reference to t scoped to t's assembly, the way another
// assembly would refer to it.
func Import(t *TypeDefinition) *TypeRef {
	return importRef(&t.TypeRef)
}

func importRef(t *TypeRef) *TypeRef {
	out := &TypeRef{Namespace: t.Namespace, Name: t.Name}
	if t.Module != nil && t.Module.Assembly != nil {
		out.Scope = t.Module.Assembly.Reference()
	} else {
		out.Scope = t.Scope
	}
	if t.DeclaringType != nil {
		out.DeclaringType = importRef(t.DeclaringType)
		out.Scope = out.DeclaringType.Scope
	}
	return out
}

// ImportMethod returns a reference to m through an imported declaring type.
func ImportMethod(m *MethodDefinition) *MethodReference {
	ref := m.MethodReference
	ref.DeclaringType = importType(m.DeclaringType)
	return &ref
}

// ImportField returns a reference to f through an imported declaring type.
func ImportField(f *FieldDefinition) *FieldReference {
	ref := f.FieldReference
	ref.DeclaringType = importType(f.DeclaringType)
	return &ref
}

func importType(t TypeReference) TypeReference {
	switch v := t.(type) {
	case *TypeDefinition:
		return Import(v)
	case *TypeRef:
		if v.IsModuleType() {
			return v
		}
		return importRef(v)
	}
	return t
}
