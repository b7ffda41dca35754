package detour

import (
	"errors"
	"fmt"
	"reflect"
)

type funcDifferences struct {
	In  []*argDifference
	Out []*argDifference
}

func (d *funcDifferences) empty() bool {
	for _, arg := range d.In {
		if arg != nil {
			return false
		}
	}
	for _, out := range d.Out {
		if out != nil {
			return false
		}
	}
	return true
}

func (d *funcDifferences) Error() error {
	errs := []error{}
	for i, arg := range d.In {
		if arg != nil {
			errs = append(errs, fmt.Errorf("argument %d: %v != %v", i, arg.A, arg.B))
		}
	}
	for i, out := range d.Out {
		if out != nil {
			errs = append(errs, fmt.Errorf("output %d: %v != %v", i, out.A, out.B))
		}
	}

	return errors.Join(errs...)
}

type argDifference struct {
	A reflect.Type
	B reflect.Type
}

// diffFuncs compares the signatures of two funcs position by position. A
// missing position on either side is reported with a nil type.
func diffFuncs(a, b reflect.Type) *funcDifferences {
	return &funcDifferences{
		In:  diffArgs(a.NumIn(), b.NumIn(), a.In, b.In),
		Out: diffArgs(a.NumOut(), b.NumOut(), a.Out, b.Out),
	}
}

func diffArgs(na, nb int, at, bt func(int) reflect.Type) []*argDifference {
	diffs := make([]*argDifference, max(na, nb))
	for i := range diffs {
		var a, b reflect.Type
		if i < na {
			a = at(i)
		}
		if i < nb {
			b = bt(i)
		}
		if a != b {
			diffs[i] = &argDifference{A: a, B: b}
		}
	}
	return diffs
}

// checkSignatures returns an error unless from and to are funcs of the same
// type shape.
func checkSignatures(from, to reflect.Value) error {
	if from.Kind() != reflect.Func {
		return fmt.Errorf("%w, kind: %v", ErrNotFunc, from.Kind())
	}
	if to.Kind() != reflect.Func {
		return fmt.Errorf("%w, kind: %v", ErrNotFunc, to.Kind())
	}
	if from.Type().IsVariadic() != to.Type().IsVariadic() {
		return fmt.Errorf("%w: variadic mismatch", ErrSignature)
	}
	if diff := diffFuncs(from.Type(), to.Type()); !diff.empty() {
		return fmt.Errorf("%w: %w", ErrSignature, diff.Error())
	}
	return nil
}
