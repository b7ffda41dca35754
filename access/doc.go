// Package access rewrites access markers into direct member access.
//
// A marker names a type and one of its members by string. The pass finds
// each marker window in a resolved body, looks the member up, makes it
// public and replaces the window with the one instruction that touches the
// member. Markers may nest inside the argument arrays of other markers.
//
// The marker types live in the assembly returned by Markers, which has to
// be loaded into the Context before bodies that use it are resolved.
package access
