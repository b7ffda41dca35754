package hookstack

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"unsafe"

	"github.com/google/uuid"
	"github.com/pboyd/hookstack/detour"
	"github.com/pboyd/hookstack/dmd"
	"github.com/pboyd/hookstack/il"
	"github.com/pboyd/hookstack/internal/logging"
	"github.com/pboyd/hookstack/rt"
)

// HookFunc intercepts calls to a method. orig is the implementation the
// hook wraps: the next older hook, or the method itself.
//
// A HookFunc is identified by its closure pointer. Passing the same
// variable to Add and Remove names the same callback, but evaluating a
// func literal or a method value twice gives two different callbacks.
type HookFunc func(orig rt.Func, args []any) any

// funcID returns the closure pointer of fn. A top-level func always has the
// same one, while every evaluation of a func literal or method value makes
// a new one.
func funcID[F any](fn F) uintptr {
	return *(*uintptr)(unsafe.Pointer(&fn))
}

type hookRecord struct {
	fn     HookFunc
	seq    uint64
	detour *detour.Detour
}

// bodyState is what Modify and Unmodify change, saved for rollback.
type bodyState struct {
	manipulators []il.Manipulator
	body         *il.Body
	generated    rt.Func
}

// Endpoint is the hook state of one method. Calls go through three levels:
// hooks are detours on the method's entry, the oldest of which reaches a
// private stub, and the stub is detoured to the body generated by the
// manipulators, or runs the original method when there are none.
//
// An Endpoint's mutations aren't meant to race with each other. Calls of
// the method may happen at any time.
type Endpoint struct {
	engine   *Engine
	method   *rt.Method
	identity MethodIdentity
	id       uuid.UUID
	log      *slog.Logger

	mu         sync.Mutex
	target     *detour.Stub[rt.Func]
	ilDetour   *detour.Detour
	bodyDetour *detour.Detour
	def        *dmd.Definition
	generated  rt.Func
	hooks      map[uintptr][]*hookRecord
	hookSeq    uint64
	manips     []il.Manipulator
	disposed   bool
}

func newEndpoint(e *Engine, m *rt.Method, identity MethodIdentity) (*Endpoint, error) {
	if !m.Hookable() {
		return nil, fmt.Errorf("%w: %s", ErrNotHookable, m.FullName())
	}

	// The stub's fallback is the method's own entry fallback, which runs
	// the pristine compiled method.
	target, err := detour.NewStub(detour.Original(m.Entry()))
	if err != nil {
		return nil, err
	}
	entry, err := detour.Install(m.Entry(), target.Func())
	if err != nil {
		target.Free()
		return nil, err
	}

	ep := &Endpoint{
		engine:   e,
		method:   m,
		identity: identity,
		id:       uuid.New(),
		target:   target,
		ilDetour: entry,
		hooks:    map[uintptr][]*hookRecord{},
	}
	ep.log = logging.Component(e.log, "endpoint").With("method", m.FullName(), "endpoint", ep.id.String())
	return ep, nil
}

func (ep *Endpoint) ID() uuid.UUID { return ep.id }

func (ep *Endpoint) Identity() MethodIdentity { return ep.identity }

func (ep *Endpoint) Method() *rt.Method { return ep.method }

// Add attaches fn. It runs before every hook attached earlier. Adding the
// same fn again stacks another record for it. A nil fn is ignored.
func (ep *Endpoint) Add(fn HookFunc) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if err := ep.usable("add"); err != nil {
		return err
	}
	if fn == nil {
		return nil
	}
	_, err := ep.add(fn)
	return wrap("add", ep.method.FullName(), err)
}

func (ep *Endpoint) add(fn HookFunc) (*hookRecord, error) {
	if fn == nil {
		return nil, errors.New("nil hook")
	}
	rec := &hookRecord{fn: fn}
	dispatch := rt.Func(func(args []any) any {
		return fn(detour.Next[rt.Func](rec.detour), args)
	})
	d, err := detour.NewDetour(ep.method.Entry(), dispatch)
	if err != nil {
		return nil, err
	}
	rec.detour = d
	if err := d.Apply(); err != nil {
		d.Dispose()
		return nil, err
	}

	ep.hookSeq++
	rec.seq = ep.hookSeq
	key := funcID(fn)
	ep.hooks[key] = append(ep.hooks[key], rec)
	ep.log.Debug("added hook", "records", len(ep.hooks[key]))
	return rec, nil
}

// Remove detaches the most recently added record of fn, found by the same
// identity Add used. It's a no-op if fn is nil or isn't attached.
func (ep *Endpoint) Remove(fn HookFunc) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if err := ep.usable("remove"); err != nil {
		return err
	}
	rec, err := ep.pop(fn)
	if err != nil || rec == nil {
		return wrap("remove", ep.method.FullName(), err)
	}
	return wrap("remove", ep.method.FullName(), rec.detour.Dispose())
}

// pop undoes the top record of fn and takes it off the stack. The record's
// detour isn't disposed, so push can put it back where it was.
func (ep *Endpoint) pop(fn HookFunc) (*hookRecord, error) {
	key := funcID(fn)
	stack := ep.hooks[key]
	if len(stack) == 0 {
		return nil, nil
	}
	rec := stack[len(stack)-1]
	if err := rec.detour.Undo(); err != nil {
		return nil, err
	}
	if len(stack) == 1 {
		delete(ep.hooks, key)
	} else {
		ep.hooks[key] = stack[:len(stack)-1]
	}
	ep.log.Debug("removed hook", "records", len(stack)-1)
	return rec, nil
}

func (ep *Endpoint) push(rec *hookRecord) error {
	if err := rec.detour.Apply(); err != nil {
		return err
	}
	key := funcID(rec.fn)
	ep.hooks[key] = append(ep.hooks[key], rec)
	return nil
}

// Callbacks returns the attached callbacks in the order they were first
// attached. Each appears once however many records it has.
func (ep *Endpoint) Callbacks() []HookFunc {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	stacks := make([][]*hookRecord, 0, len(ep.hooks))
	for _, s := range ep.hooks {
		stacks = append(stacks, s)
	}
	slices.SortFunc(stacks, func(a, b []*hookRecord) int {
		return cmp.Compare(a[0].seq, b[0].seq)
	})

	out := make([]HookFunc, len(stacks))
	for i, s := range stacks {
		out[i] = s[0].fn
	}
	return out
}

// Count returns the number of active records of fn.
func (ep *Endpoint) Count(fn HookFunc) int {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return len(ep.hooks[funcID(fn)])
}

// Manipulators returns the number of manipulators in effect.
func (ep *Endpoint) Manipulators() int {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return len(ep.manips)
}

// Modify applies manip to the method's body and makes calls run the
// result. Manipulators apply in the order they're added, each to the
// output of the ones before. If anything fails the method is left as it
// was.
func (ep *Endpoint) Modify(manip il.Manipulator) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if err := ep.usable("modify"); err != nil {
		return err
	}
	return wrap("modify", ep.method.FullName(), ep.modify(manip))
}

func (ep *Endpoint) modify(manip il.Manipulator) error {
	if manip == nil {
		return errors.New("nil manipulator")
	}
	if ep.def == nil {
		def, err := dmd.New(ep.method, ep.engine.resolver, dmd.WithLogger(ep.engine.log))
		if err != nil {
			return err
		}
		ep.def = def
	}

	snap := ep.def.Snapshot()
	if err := ep.def.Apply(manip); err != nil {
		return err
	}
	fn, err := ep.def.Generate()
	if err == nil {
		err = ep.install(fn)
	}
	if err != nil {
		ep.def.Rollback(snap)
		return err
	}

	ep.manips = append(ep.manips, manip)
	ep.log.Debug("applied manipulator", "manipulators", len(ep.manips), "instructions", ep.def.Body().Len())
	return nil
}

// Unmodify removes the most recently added instance of manip. The body is
// rebuilt from the original and the remaining manipulators are applied
// again in order, so they must give the same result every time they run.
// Removing a manipulator that isn't in effect is a no-op.
func (ep *Endpoint) Unmodify(manip il.Manipulator) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if err := ep.usable("unmodify"); err != nil {
		return err
	}
	return ep.unmodify(manip)
}

func (ep *Endpoint) unmodify(manip il.Manipulator) error {
	key := funcID(manip)
	idx := -1
	for j := len(ep.manips) - 1; j >= 0; j-- {
		if funcID(ep.manips[j]) == key {
			idx = j
			break
		}
	}
	if idx < 0 {
		return nil
	}

	saved := ep.save()
	remaining := slices.Delete(slices.Clone(ep.manips), idx, idx+1)

	ep.def.Reset()
	for n, m := range remaining {
		if err := ep.def.Apply(m); err != nil {
			err = fmt.Errorf("replaying manipulator %d: %w", n, err)
			return newError(CodeReplayFailed, "unmodify", ep.method.FullName(), errors.Join(err, ep.restoreBody(saved)))
		}
	}

	var err error
	if len(remaining) == 0 {
		err = ep.uninstall()
	} else {
		var fn rt.Func
		if fn, err = ep.def.Generate(); err == nil {
			err = ep.install(fn)
		}
	}
	if err != nil {
		return wrap("unmodify", ep.method.FullName(), errors.Join(err, ep.restoreBody(saved)))
	}

	ep.manips = remaining
	ep.log.Debug("replayed manipulators", "manipulators", len(remaining))
	return nil
}

// install makes the stub run fn. The previous body detour is undone before
// the new one goes live and disposed after.
func (ep *Endpoint) install(fn rt.Func) error {
	next, err := detour.NewDetour(ep.target.Func(), fn)
	if err != nil {
		return err
	}
	prev := ep.bodyDetour
	if prev != nil {
		if err := prev.Undo(); err != nil {
			return err
		}
	}
	if err := next.Apply(); err != nil {
		next.Dispose()
		if prev != nil {
			err = errors.Join(err, prev.Apply())
		}
		return err
	}
	if prev != nil {
		prev.Dispose()
	}
	ep.bodyDetour = next
	ep.generated = fn
	return nil
}

// uninstall makes the stub run the original method again.
func (ep *Endpoint) uninstall() error {
	if ep.bodyDetour == nil {
		return nil
	}
	if err := ep.bodyDetour.Dispose(); err != nil {
		return err
	}
	ep.bodyDetour = nil
	ep.generated = nil
	return nil
}

func (ep *Endpoint) save() bodyState {
	s := bodyState{
		manipulators: slices.Clone(ep.manips),
		generated:    ep.generated,
	}
	if ep.def != nil {
		s.body = ep.def.Snapshot()
	}
	return s
}

func (ep *Endpoint) restoreBody(s bodyState) error {
	ep.manips = s.manipulators
	switch {
	case s.body == nil:
		ep.def = nil
	case ep.def != nil:
		ep.def.Rollback(s.body)
	}
	if s.generated == nil {
		return ep.uninstall()
	}
	return ep.install(s.generated)
}

// Stage starts a set of changes to the endpoint that only take effect on
// Commit.
func (ep *Endpoint) Stage() *Pending {
	return newPending(ep.engine, ep.method, ep)
}

// Dispose removes every hook and manipulator. The method behaves as it did
// before the endpoint was created, and the engine creates a new endpoint
// the next time one is asked for.
func (ep *Endpoint) Dispose() error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.disposed {
		return nil
	}
	ep.disposed = true

	var errs []error
	for _, stack := range ep.hooks {
		for _, rec := range stack {
			errs = append(errs, rec.detour.Dispose())
		}
	}
	ep.hooks = map[uintptr][]*hookRecord{}
	errs = append(errs, ep.uninstall(), ep.ilDetour.Dispose())
	ep.target.Free()
	ep.manips = nil
	ep.def = nil

	ep.engine.forget(ep)
	ep.log.Debug("disposed endpoint")
	return wrap("dispose", ep.method.FullName(), errors.Join(errs...))
}

func (ep *Endpoint) usable(op string) error {
	if ep.disposed {
		return newError(CodeDisposed, op, ep.method.FullName(), ErrDisposed)
	}
	return nil
}
