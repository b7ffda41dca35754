// Package interp turns a resolved method body into a callable.
//
// Compile snapshots the body, so the result never changes when the body is
// edited afterwards. Calls go through the callee's Entry, which means hooks
// installed on a callee are seen by every compiled caller.
//
// Managed exceptions are Go panics carrying *rt.Exception. Catch handlers
// recover them, and finally handlers run on both paths. Members that aren't
// public are only accessible from their declaring type and the types nested
// in it. Anything else throws System.MemberAccessException.
package interp
