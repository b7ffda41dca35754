package detour

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pboyd/malloc"
)

// DefaultArenaSize is the initial size of the executable arena that holds
// stubs and trampolines.
const DefaultArenaSize = 1 << 20

// allocator hands out executable memory from a malloc.Arena. The arena is
// kept read+exec except between BeginMutate and EndMutate.
type allocator struct {
	*malloc.Arena
	mprotect func(int) error
	mu       sync.Mutex
	initOnce sync.Once
	initErr  error
	size     int
	mutable  bool
	depth    int
}

func (a *allocator) init() error {
	a.initOnce.Do(func() {
		size := a.size
		if size <= 0 {
			size = DefaultArenaSize
		}

		be := malloc.MmapBackend(malloc.MmapProt(mprotectExec), malloc.MmapFlags(map_32bit))
		if protBE, ok := be.(malloc.ProtectedArenaBackend); ok {
			a.mprotect = protBE.Protect
		} else {
			a.mprotect = func(int) error {
				return nil
			}
		}

		a.Arena = malloc.NewArena(uint64(size), malloc.Backend(be))
		if a.Arena == nil {
			a.initErr = errors.New("unable to initialize arena")
			return
		}
		a.mutable = true
	})
	return a.initErr
}

// BeginMutate makes the arena writable. Calls nest, and the arena goes back
// to read+exec when the outermost EndMutate runs.
func (a *allocator) BeginMutate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.init(); err != nil {
		return fmt.Errorf("error initializing allocator: %w", err)
	}

	a.depth++
	if a.mutable {
		return nil
	}

	err := a.mprotect(mprotectRWX)
	if err == nil {
		a.mutable = true
	}
	return err
}

func (a *allocator) EndMutate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.depth > 0 {
		a.depth--
	}
	if !a.mutable || a.depth > 0 {
		return nil
	}

	err := a.mprotect(mprotectRX)
	if err == nil {
		a.mutable = false
	}
	return err
}

func (a *allocator) Allocate(size int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.init(); err != nil {
		return nil, fmt.Errorf("error initializing allocator: %w", err)
	}

	if !a.mutable {
		panic("Allocate called in immutable state")
	}

	return malloc.MallocSlice[byte](a.Arena, size)
}

func (a *allocator) Free(buf []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.mutable {
		panic("Free called in immutable state")
	}

	malloc.FreeSlice(a.Arena, buf)
}

var codeAllocator = &allocator{}

// Configure sets the initial size of the executable arena. There's one
// arena per process and the first stub or trampoline allocated fixes its
// size, so after that Configure does nothing and returns false.
func Configure(arenaSize int) bool {
	codeAllocator.mu.Lock()
	defer codeAllocator.mu.Unlock()
	if codeAllocator.Arena != nil || codeAllocator.initErr != nil {
		return false
	}
	codeAllocator.size = arenaSize
	return true
}
