package detour

import (
	"cmp"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pboyd/hookstack/internal/logging"
)

var (
	mu    sync.Mutex
	sites = map[uintptr]*site{}
	seq   uint64

	logger atomic.Pointer[slog.Logger]
)

// SetLogger sets the logger used to report patches. Patch sites are shared
// by the whole process, and so is the logger. Nil restores the default,
// which discards everything.
func SetLogger(l *slog.Logger) {
	logger.Store(l)
}

func log() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	return logging.NewDiscardLogger()
}

// site is one patchable entry point. Every detour on the same entry shares
// a site, and the newest applied layer is the one that's live.
type site struct {
	entry    uintptr
	fnType   reflect.Type
	code     []byte // the bytes that get overwritten
	text     []byte // the whole function, nil for stubs
	pristine []byte

	// fallback is the pristine behavior of a stub.
	fallback any

	layers []*Detour // applied layers, sorted by seq

	trampoline any
	tramCode   []byte
}

func (s *site) isStub() bool {
	return s.text == nil
}

// write replaces the patchable bytes of the site. Callers hold mu.
func (s *site) write(newCode []byte) error {
	if s.isStub() {
		if err := codeAllocator.BeginMutate(); err != nil {
			return err
		}
		copy(s.code, newCode)
		if err := codeAllocator.EndMutate(); err != nil {
			return err
		}
	} else {
		if err := mprotect(s.code, mprotectRWX); err != nil {
			return err
		}
		copy(s.code, newCode)
		if err := mprotect(s.code, mprotectRX); err != nil {
			return err
		}
	}
	cacheflush(s.code)
	return nil
}

// sync writes the jump for the top layer, or restores the pristine bytes
// when nothing is applied.
func (s *site) sync() error {
	if len(s.layers) == 0 {
		log().Debug("restoring entry", "entry", fmt.Sprintf("0x%x", s.entry))
		return s.write(s.pristine)
	}

	top := s.layers[len(s.layers)-1]
	buf := make([]byte, len(s.code))
	if err := writeJump(buf, top.funcval); err != nil {
		return err
	}
	log().Debug("patching entry", "entry", fmt.Sprintf("0x%x", s.entry), "layers", len(s.layers))
	return s.write(buf)
}

// below returns the callable beneath the layer with sequence number n.
// Callers hold mu.
func (s *site) below(n uint64) any {
	for i := len(s.layers) - 1; i >= 0; i-- {
		if s.layers[i].seq < n {
			return s.layers[i].to
		}
	}
	return s.original()
}

// original returns the pristine behavior of the site, building a
// trampoline for text functions the first time it's asked for. Callers
// hold mu.
func (s *site) original() any {
	if s.isStub() {
		return s.fallback
	}
	if s.trampoline != nil {
		return s.trampoline
	}

	fn, code, err := buildTrampoline(s)
	if err != nil {
		log().Warn("unable to build trampoline", "entry", fmt.Sprintf("0x%x", s.entry), "error", err)
		return nil
	}
	s.trampoline = fn
	s.tramCode = code
	return fn
}

// Detour is one redirect layer on a function's entry point.
type Detour struct {
	site *site

	// to is kept here so the closure it refers to stays alive while the
	// jump in machine code points at it.
	to      any
	funcval uintptr
	seq     uint64

	applied  bool
	disposed bool
}

// Install redirects calls of from to to and returns the new layer. Both must
// be funcs with the same signature. If from already has detours, the new one
// goes on top of them.
//
// Note that if from has been inlined this will silently fail. If possible,
// add a noinline directive to work-around this problem:
//
//	//go:noinline
//	func myfunc() {
//		...
//	}
func Install(from, to any) (*Detour, error) {
	d, err := NewDetour(from, to)
	if err != nil {
		return nil, err
	}
	if err := d.Apply(); err != nil {
		return nil, err
	}
	return d, nil
}

// NewDetour prepares a detour from from to to without applying it.
func NewDetour(from, to any) (*Detour, error) {
	fromv := reflect.ValueOf(from)
	tov := reflect.ValueOf(to)
	if err := checkSignatures(fromv, tov); err != nil {
		return nil, err
	}
	if fromv.IsNil() || tov.IsNil() {
		return nil, fmt.Errorf("%w: nil func", ErrNotFunc)
	}

	mu.Lock()
	defer mu.Unlock()

	s, err := siteFor(fromv)
	if err != nil {
		return nil, err
	}

	seq++
	return &Detour{
		site:    s,
		to:      to,
		funcval: funcvalOf(to),
		seq:     seq,
	}, nil
}

// Apply makes the detour live. A detour that was undone goes back to its
// original position among the other layers of the same function.
func (d *Detour) Apply() error {
	mu.Lock()
	defer mu.Unlock()

	if d.disposed {
		return ErrDisposed
	}
	if d.applied {
		return nil
	}

	s := d.site
	i, _ := slices.BinarySearchFunc(s.layers, d.seq, func(l *Detour, n uint64) int {
		return cmp.Compare(l.seq, n)
	})
	s.layers = slices.Insert(s.layers, i, d)

	if err := s.sync(); err != nil {
		s.layers = slices.Delete(s.layers, i, i+1)
		// Put back whatever was live before.
		s.sync()
		return err
	}

	d.applied = true
	return nil
}

// Undo removes the detour from its function. If a newer detour on the same
// function is live it stays live. The detour can be applied again.
func (d *Detour) Undo() error {
	mu.Lock()
	defer mu.Unlock()
	return d.undo()
}

func (d *Detour) undo() error {
	if !d.applied {
		return nil
	}

	s := d.site
	i := slices.Index(s.layers, d)
	if i < 0 {
		d.applied = false
		return nil
	}
	top := i == len(s.layers)-1
	s.layers = slices.Delete(s.layers, i, i+1)
	d.applied = false

	if !top {
		// Only the newest layer is in machine code.
		return nil
	}
	return s.sync()
}

// Dispose undoes the detour and releases it. Disposing more than once is
// harmless.
func (d *Detour) Dispose() error {
	mu.Lock()
	defer mu.Unlock()

	if d.disposed {
		return nil
	}
	err := d.undo()
	d.disposed = true
	return err
}

// Active reports whether the detour is applied.
func (d *Detour) Active() bool {
	mu.Lock()
	defer mu.Unlock()
	return d.applied
}

// Target returns the func calls are redirected to.
func (d *Detour) Target() any {
	return d.to
}

// Next returns the callable directly beneath d: the target of the next older
// layer on the same function, or the pristine function if there is
// none. It's evaluated at call time, so a layer undone in the middle of a
// stack is skipped.
func Next[T any](d *Detour) T {
	var zero T
	if d == nil {
		return zero
	}

	mu.Lock()
	fn := d.site.below(d.seq)
	mu.Unlock()

	return as[T](fn)
}

// Original returns a function with the same behavior as the original version
// of the function. If the function has no detours the passed function is
// returned.
//
// If the original function cannot be found for any reason Original returns
// the zero value.
//
// For text functions this returns a copy of the original that's been
// relocated and had relative addresses adjusted. This process may introduce
// problems.
func Original[T any](fn T) T {
	var zero T
	fnv := reflect.ValueOf(fn)
	if fnv.Kind() != reflect.Func {
		return zero
	}

	mu.Lock()
	s, ok := sites[fnv.Pointer()]
	var orig any
	if ok {
		orig = s.original()
	}
	mu.Unlock()

	if !ok {
		return fn
	}
	return as[T](orig)
}

// as converts a func value to T. Func types that differ only by name are
// convertible.
func as[T any](fn any) T {
	var zero T
	if fn == nil {
		return zero
	}
	if t, ok := fn.(T); ok {
		return t
	}
	v := reflect.ValueOf(fn)
	to := reflect.TypeFor[T]()
	if !v.Type().ConvertibleTo(to) {
		return zero
	}
	return v.Convert(to).Interface().(T)
}

// Restore undoes every detour on fn.
func Restore(fn any) error {
	fnv := reflect.ValueOf(fn)
	if fnv.Kind() != reflect.Func {
		return fmt.Errorf("%w, kind: %v", ErrNotFunc, fnv.Kind())
	}

	mu.Lock()
	defer mu.Unlock()

	s, ok := sites[fnv.Pointer()]
	if !ok {
		return nil
	}
	for _, l := range s.layers {
		l.applied = false
	}
	s.layers = nil
	return s.sync()
}

// siteFor returns the site for fn's entry, registering a text site if this
// is the first detour on it. Callers hold mu.
func siteFor(fn reflect.Value) (*site, error) {
	entry := fn.Pointer()
	if s, ok := sites[entry]; ok {
		if s.fnType != fn.Type() {
			return nil, fmt.Errorf("%w: entry already patched as %v", ErrSignature, s.fnType)
		}
		return s, nil
	}

	if jumpSize == 0 {
		return nil, ErrUnsupported
	}

	text, err := textSlice(entry)
	if err != nil {
		return nil, err
	}
	if len(text) < jumpSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooSmall, len(text))
	}

	s := &site{
		entry:    entry,
		fnType:   fn.Type(),
		code:     text[:jumpSize],
		text:     text,
		pristine: slices.Clone(text[:jumpSize]),
	}
	sites[entry] = s
	return s, nil
}

// funcvalOf returns the closure pointer held in the data word of fn.
func funcvalOf(fn any) uintptr {
	return uintptr((*[2]unsafe.Pointer)(unsafe.Pointer(&fn))[1])
}
