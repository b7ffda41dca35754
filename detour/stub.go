package detour

import (
	"fmt"
	"reflect"
	"slices"
	"unsafe"
)

// stubSize is the size of the jump pad handed out for each stub.
const stubSize = (jumpSize + 0xf) &^ 0xf

// Stub is a patchable entry point allocated in executable memory. Until it
// is detoured it jumps straight to its fallback.
type Stub[T any] struct {
	fn       T
	fallback T
	code     []byte
	site     *site
}

// NewStub allocates a stub that behaves like fallback. Detours can be
// installed on the stub's Func like on any other function, and Original of
// the stub's Func returns fallback.
func NewStub[T any](fallback T) (*Stub[T], error) {
	fv := reflect.ValueOf(fallback)
	if fv.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w, kind: %v", ErrNotFunc, fv.Kind())
	}
	if fv.IsNil() {
		return nil, fmt.Errorf("%w: nil func", ErrNotFunc)
	}
	if jumpSize == 0 {
		return nil, ErrUnsupported
	}

	if err := codeAllocator.BeginMutate(); err != nil {
		return nil, err
	}
	code, err := codeAllocator.Allocate(stubSize)
	if err == nil {
		err = writeJump(code, funcvalOf(fallback))
		if err != nil {
			codeAllocator.Free(code)
		}
	}
	if endErr := codeAllocator.EndMutate(); err == nil {
		err = endErr
	}
	if err != nil {
		return nil, err
	}
	cacheflush(code)

	s := &Stub[T]{
		fallback: fallback,
		code:     code,
	}
	s.fn = makeFunc(fv.Type(), code).(T)

	entry := uintptr(unsafe.Pointer(unsafe.SliceData(code)))
	s.site = &site{
		entry:    entry,
		fnType:   fv.Type(),
		code:     code,
		pristine: slices.Clone(code),
		fallback: fallback,
	}

	mu.Lock()
	sites[entry] = s.site
	mu.Unlock()

	return s, nil
}

// Func returns the stub as a callable func.
func (s *Stub[T]) Func() T {
	return s.fn
}

// Fallback returns the func the stub jumps to when nothing is installed.
func (s *Stub[T]) Fallback() T {
	return s.fallback
}

// Free releases the stub's memory. Any detours on it are dropped. The stub
// must not be called afterwards.
func (s *Stub[T]) Free() {
	mu.Lock()
	defer mu.Unlock()

	if s.code == nil {
		return
	}
	for _, l := range s.site.layers {
		l.applied = false
		l.disposed = true
	}
	s.site.layers = nil
	delete(sites, s.site.entry)

	codeAllocator.BeginMutate()
	codeAllocator.Free(s.code)
	codeAllocator.EndMutate()
	s.code = nil
}
