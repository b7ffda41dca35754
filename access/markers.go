package access

import (
	"sync"

	"github.com/pboyd/hookstack/meta"
	"github.com/pboyd/hookstack/rt"
)

// MarkerAssembly is the name of the assembly holding the marker types.
const MarkerAssembly = "InlineRT"

// MarkerNamespace is the namespace of the marker types.
const MarkerNamespace = "InlineRT"

// Dispatch method names.
const (
	OpNew  = "New"
	OpCall = "Call"
	OpGet  = "Get"
	OpSet  = "Set"
)

type markerSet struct {
	asm          *meta.AssemblyDefinition
	access       *meta.TypeDefinition
	accessOf     *meta.TypeDefinition
	static       *meta.TypeDefinition
	staticOf     *meta.TypeDefinition
	instanceDefs map[*meta.TypeDefinition]bool
}

var (
	markersOnce sync.Once
	markers     *markerSet
)

// Markers returns the marker assembly. Code that needs to reach members it
// can't normally see builds a marker, for example
//
//	new Access<Foo>(self, "bar").Get(new object[0])
//
// and the pass replaces the whole sequence with a direct access. The marker
// methods throw System.NotSupportedException if they run unrewritten.
func Markers() *meta.AssemblyDefinition {
	return loadMarkers().asm
}

func loadMarkers() *markerSet {
	markersOnce.Do(func() {
		asm := meta.NewAssembly(MarkerAssembly, "1.0.0.0")
		m := asm.MainModule()
		self := meta.Param("self", meta.Object)
		typ := meta.Param("type", meta.String)
		name := meta.Param("name", meta.String)

		s := &markerSet{asm: asm}
		s.access = defineMarker(m, "Access", []meta.Parameter{self, name}, []meta.Parameter{self, typ, name})
		s.accessOf = defineMarker(m, "Access`1", []meta.Parameter{self, name})
		s.static = defineMarker(m, "StaticAccess", []meta.Parameter{name}, []meta.Parameter{typ, name})
		s.staticOf = defineMarker(m, "StaticAccess`1", []meta.Parameter{name})
		s.accessOf.GenericParameters = []string{"T"}
		s.staticOf.GenericParameters = []string{"T"}
		s.instanceDefs = map[*meta.TypeDefinition]bool{s.access: true, s.accessOf: true}
		markers = s
	})
	return markers
}

func defineMarker(m *meta.ModuleDefinition, name string, ctors ...[]meta.Parameter) *meta.TypeDefinition {
	t := m.DefineType(MarkerNamespace, name, nil)
	for _, params := range ctors {
		t.DefineConstructor(params...).Impl = func([]any) any { return nil }
	}

	unrewritten := func([]any) any {
		meta.Throw("System.NotSupportedException", "access marker "+name+" was not rewritten")
		return nil
	}
	args := meta.Param("args", meta.ObjectArray)
	for _, op := range []string{OpNew, OpCall, OpGet} {
		t.DefineMethod(op, meta.Object, args).Impl = unrewritten
	}
	t.DefineMethod(OpSet, meta.Void, args).Impl = unrewritten
	return t
}

// marker describes the marker type a constructor or dispatch call belongs
// to.
type marker struct {
	static   bool
	explicit bool     // the type is given by name
	typeArg  *rt.Type // the type argument of a generic marker
}

// markerOf reports whether m belongs to a marker type.
func markerOf(m *rt.Method) (marker, bool) {
	decl := m.DeclaringType()
	if decl == nil {
		return marker{}, false
	}
	s := loadMarkers()
	def := decl.Definition()
	switch def {
	case s.access, s.accessOf, s.static, s.staticOf:
	default:
		return marker{}, false
	}

	mk := marker{static: !s.instanceDefs[def]}
	if args := decl.GenericArguments(); len(args) == 1 {
		mk.typeArg = args[0]
	}
	for _, p := range m.Definition().Parameters {
		if p.Name == "type" {
			mk.explicit = true
		}
	}
	return mk, true
}
