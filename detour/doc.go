// Package detour redirects Go functions at runtime.
//
// A detour overwrites the entry of a function with a jump to another func
// value, closures included. Detours on the same function stack: the newest
// applied one is live, [Next] reaches the layer beneath, and undoing any
// layer leaves the others intact. Undoing the last one puts the original
// machine code back.
//
// [NewStub] allocates a small entry point in executable memory that can be
// detoured like a function. Stubs are how the runtime in this module gives
// its methods patchable native entries.
//
// Limitations:
//   - Only supports amd64 and arm64 (arm64 needs cgo to flush the
//     instruction cache)
//   - Relies on internal Go APIs that can break at any time
//   - Silently fails to redefine inline functions
//   - Silently fails to redefine generic functions
package detour
