// Package meta describes assemblies, types and members statically, the way
// they appear in compiled metadata before anything is loaded.
//
// References are a closed set. Every variant implements Reference, and type
// variants also implement TypeReference, so code that handles them switches
// on the concrete type:
//
//	switch t := ref.(type) {
//	case *meta.ArrayType:
//		...
//	case *meta.GenericInstanceType:
//		...
//	}
//
// Names follow Cecil: nested types are separated by "/", generic instances
// list their arguments in angle brackets, and methods print as
// "Ret Decl::Name(P1,P2)".
package meta
