// Package dmd builds rewritable copies of method bodies.
//
// A Definition holds a resolved copy of a method's instructions, locals and
// exception regions. Manipulators edit the copy, and Generate compiles it
// into a new callable. The receiver of an instance method is its first
// argument. Generic methods and methods of generic types aren't supported.
package dmd
