package detour

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"unsafe"
)

// buildTrampoline makes a copy of a site's pristine function that persists
// after the function has been patched. Callers hold mu.
func buildTrampoline(s *site) (any, []byte, error) {
	// The live text may start with a jump, so put the pristine bytes back
	// for the copy.
	originalCode := slices.Clone(s.text)
	copy(originalCode, s.pristine)

	if err := codeAllocator.BeginMutate(); err != nil {
		return nil, nil, err
	}
	defer codeAllocator.EndMutate()

	// Leave room for out-of-range call trampolines.
	buf, err := codeAllocator.Allocate(2*len(originalCode) + 64)
	if err != nil {
		return nil, nil, err
	}

	newCode, err := relocateFunc(originalCode, s.entry, buf)
	if err != nil {
		codeAllocator.Free(buf)
		return nil, nil, fmt.Errorf("relocating 0x%x: %w", s.entry, err)
	}
	cacheflush(newCode)

	if l := log(); l.Enabled(context.Background(), slog.LevelDebug) {
		if asm, err := disassemble(newCode); err == nil {
			l.Debug("built trampoline", "entry", fmt.Sprintf("0x%x", s.entry), "code", asm)
		}
	}

	return makeFunc(s.fnType, newCode), buf, nil
}

// makeFunc convinces Go that code is a function of type typ. A func value
// is a pointer to a word holding the code address, so allocate that word
// and treat a pointer to it as the func.
func makeFunc(typ reflect.Type, code []byte) any {
	codeData := new(uintptr)
	*codeData = uintptr(unsafe.Pointer(unsafe.SliceData(code)))
	return reflect.NewAt(typ, unsafe.Pointer(&codeData)).Elem().Interface()
}
