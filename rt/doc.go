// Package rt is the live side of the metadata in package meta: loaded
// assemblies, types with their members, objects, arrays and exceptions.
//
// A Context owns everything loaded into it, so two contexts never share
// static fields or method entries. Type references are resolved through a
// Binder set with Bind, and method bodies are turned into callables by a
// Compiler set with SetCompiler. Without them the context can still run
// methods that have a host implementation.
//
// Every method is called through its Entry. On amd64 and arm64 the entry is a
// native stub from package detour, which is what makes methods hookable.
//
// Values are represented as follows:
//
//	integers    int64
//	floats      float64
//	booleans    bool
//	strings     string
//	objects     *Object
//	arrays      *Array
//	callables   Func
package rt
