// Package resolve maps metadata references to the runtime symbols of a
// Context.
//
// References are keyed by what they name and the scope they name it
// through, so a reference resolved once is served from the Cache after that.
// Nested types resolve their declaring type first, which caches every level
// of the chain. Type forwarders are followed, and a type missing from the
// assembly its scope names is searched for in every loaded assembly.
//
// A reference that names nothing resolves to nil without an error. Generic
// parameters and, unless enabled, unmanaged call sites return
// rt.ErrUnsupported.
package resolve
