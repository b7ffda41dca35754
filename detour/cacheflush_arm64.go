//go:build arm64 && cgo

package detour

import "unsafe"

/*
static void cacheflush(char *start, char *end) {
	__builtin___clear_cache(start, end);
}
*/
import "C"

// cacheflush makes freshly written instructions in buf visible to the
// instruction fetch unit.
func cacheflush(buf []byte) {
	if len(buf) == 0 {
		return
	}
	start := unsafe.Pointer(unsafe.SliceData(buf))
	end := unsafe.Pointer(uintptr(len(buf)) + uintptr(start))
	C.cacheflush((*C.char)(start), (*C.char)(end))
}
