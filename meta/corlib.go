package meta

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pboyd/hookstack/il"
)

// CoreLibraryName is the name of the assembly holding the System types.
const CoreLibraryName = "mscorlib"

var corlibScope = &AssemblyNameReference{Name: CoreLibraryName, Version: "4.0.0.0"}

func systemType(name string) *TypeRef {
	return &TypeRef{Scope: corlibScope, Namespace: "System", Name: name}
}

// References to core library types.
var (
	Object    = systemType("Object")
	Void      = systemType("Void")
	Boolean   = systemType("Boolean")
	Int32     = systemType("Int32")
	Int64     = systemType("Int64")
	Double    = systemType("Double")
	String    = systemType("String")
	Array     = systemType("Array")
	Exception = systemType("Exception")

	MemberAccessException     = systemType("MemberAccessException")
	NullReferenceException    = systemType("NullReferenceException")
	NotSupportedException     = systemType("NotSupportedException")
	InvalidCastException      = systemType("InvalidCastException")
	IndexOutOfRangeException  = systemType("IndexOutOfRangeException")
	DivideByZeroException     = systemType("DivideByZeroException")
	InvalidOperationException = systemType("InvalidOperationException")
)

// ObjectArray is object[].
var ObjectArray = &ArrayType{Element: Object, Rank: 1}

// Fault is raised by a host implementation to throw a managed exception of
// the named type.
type Fault struct {
	Type    string
	Message string
}

func (f *Fault) Error() string {
	return f.Type + ": " + f.Message
}

// Throw panics with a Fault. The runtime turns it into a managed exception.
func Throw(typeName, message string) {
	panic(&Fault{Type: typeName, Message: message})
}

var (
	corlibOnce sync.Once
	corlib     *AssemblyDefinition
)

// CoreLibrary returns the shared core library definition.
func CoreLibrary() *AssemblyDefinition {
	corlibOnce.Do(func() {
		corlib = buildCoreLibrary()
	})
	return corlib
}

func buildCoreLibrary() *AssemblyDefinition {
	a := NewAssembly(CoreLibraryName, corlibScope.Version)
	m := a.MainModule()

	object := m.DefineType("System", "Object", nil)
	object.BaseType = nil
	object.DefineConstructor().Impl = func([]any) any { return nil }
	toString := object.DefineMethod("ToString", String)
	toString.Virtual = true
	toString.Impl = func(args []any) any { return fmt.Sprint(args[0]) }

	for _, name := range []string{"Void", "Boolean", "Int32", "Int64", "Double"} {
		m.DefineType("System", name, Object).ValueType = true
	}

	str := m.DefineType("System", "String", Object)
	concat := str.DefineStaticMethod("Concat", String, Param("a", String), Param("b", String))
	concat.Impl = func(args []any) any {
		var sb strings.Builder
		for _, v := range args {
			if v != nil {
				fmt.Fprint(&sb, v)
			}
		}
		return sb.String()
	}

	m.DefineType("System", "Array", Object)

	exc := m.DefineType("System", "Exception", Object)
	message := exc.DefineField("_message", String)
	message.Public = false

	exc.DefineConstructor().SetBody(il.Create(il.Ret, nil))
	baseCtor := exc.DefineConstructor(Param("message", String)).SetBody(
		il.Create(il.Ldarg, 0),
		il.Create(il.Ldarg, 1),
		il.Create(il.Stfld, message),
		il.Create(il.Ret, nil),
	)
	getMessage := exc.DefineMethod("get_Message", String).SetBody(
		il.Create(il.Ldarg, 0),
		il.Create(il.Ldfld, message),
		il.Create(il.Ret, nil),
	)
	getMessage.Virtual = true
	exc.DefineProperty("Message", String, getMessage, nil)

	for _, name := range []string{
		"MemberAccessException",
		"NullReferenceException",
		"NotSupportedException",
		"InvalidCastException",
		"IndexOutOfRangeException",
		"DivideByZeroException",
		"InvalidOperationException",
	} {
		t := m.DefineType("System", name, Exception)
		t.DefineConstructor().SetBody(il.Create(il.Ret, nil))
		t.DefineConstructor(Param("message", String)).SetBody(
			il.Create(il.Ldarg, 0),
			il.Create(il.Ldarg, 1),
			il.Create(il.Call, baseCtor),
			il.Create(il.Ret, nil),
		)
	}

	return a
}
