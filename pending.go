package hookstack

import (
	"errors"
	"slices"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pboyd/hookstack/il"
	"github.com/pboyd/hookstack/rt"
)

type opKind uint8

const (
	opAdd opKind = iota
	opRemove
	opModify
	opUnmodify
)

type pendingOp struct {
	kind  opKind
	hook  HookFunc
	manip il.Manipulator
}

// Pending is a queue of changes to one method's endpoint that haven't been
// applied. The builder methods return a new Pending and leave the receiver
// as it was. Commit applies the queue to the live endpoint as one
// transaction.
//
// Every Pending derived from the same Stage call shares one lifetime: once
// any of them is committed, all of them are consumed.
type Pending struct {
	engine   *Engine
	method   *rt.Method
	base     *Endpoint
	id       uuid.UUID
	ops      []pendingOp
	consumed *atomic.Bool
}

func newPending(e *Engine, m *rt.Method, base *Endpoint) *Pending {
	return &Pending{
		engine:   e,
		method:   m,
		base:     base,
		id:       uuid.New(),
		consumed: &atomic.Bool{},
	}
}

// ID identifies the staging session. Derived values share it.
func (p *Pending) ID() uuid.UUID { return p.id }

func (p *Pending) then(op pendingOp) *Pending {
	p.mustLive()
	next := *p
	next.ops = append(slices.Clone(p.ops), op)
	return &next
}

func (p *Pending) mustLive() {
	if p.consumed.Load() {
		panic(newError(CodeStateConsumed, "stage", p.method.FullName(), ErrConsumed))
	}
}

// With queues attaching fn. A nil fn is ignored on Commit.
func (p *Pending) With(fn HookFunc) *Pending {
	return p.then(pendingOp{kind: opAdd, hook: fn})
}

// Without queues detaching the newest record of fn.
func (p *Pending) Without(fn HookFunc) *Pending {
	return p.then(pendingOp{kind: opRemove, hook: fn})
}

// ModifyWith queues a manipulator.
func (p *Pending) ModifyWith(m il.Manipulator) *Pending {
	return p.then(pendingOp{kind: opModify, manip: m})
}

// UnmodifyWith queues removing a manipulator.
func (p *Pending) UnmodifyWith(m il.Manipulator) *Pending {
	return p.then(pendingOp{kind: opUnmodify, manip: m})
}

// Len returns the number of queued changes.
func (p *Pending) Len() int { return len(p.ops) }

// Consumed reports whether the changes have been committed.
func (p *Pending) Consumed() bool { return p.consumed.Load() }

// Count returns the number of records fn would have after Commit.
func (p *Pending) Count(fn HookFunc) int {
	n := 0
	if ep := p.live(); ep != nil {
		n = ep.Count(fn)
	}
	key := funcID(fn)
	for _, op := range p.ops {
		if op.hook == nil || funcID(op.hook) != key {
			continue
		}
		switch op.kind {
		case opAdd:
			n++
		case opRemove:
			n = max(n-1, 0)
		}
	}
	return n
}

func (p *Pending) live() *Endpoint {
	if p.base != nil && !p.base.isDisposed() {
		return p.base
	}
	ep, _ := p.engine.Lookup(IdentityOf(p.method))
	return ep
}

// undo reverses one applied change. Callers hold the endpoint's lock.
type undo func() error

// Commit applies the queued changes in order to the method's live
// endpoint, creating it if needed. If any change fails, the ones before it
// are reverted and an endpoint created by the commit is disposed. Either
// way the Pending is consumed.
func (p *Pending) Commit() (*Endpoint, error) {
	if p.consumed.Swap(true) {
		return nil, newError(CodeStateConsumed, "commit", p.method.FullName(), ErrConsumed)
	}

	_, existed := p.engine.Lookup(IdentityOf(p.method))
	ep, err := p.engine.Endpoint(p.method)
	if err != nil {
		return nil, err
	}

	if err := ep.apply(p.ops); err != nil {
		if !existed {
			err = errors.Join(err, ep.Dispose())
		}
		return nil, err
	}
	ep.log.Debug("committed pending changes", "changes", len(p.ops), "pending", p.id.String())
	return ep, nil
}

// apply runs ops as a transaction. Errors from undoing the changes that
// did apply are joined to the one that stopped it.
func (ep *Endpoint) apply(ops []pendingOp) (err error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if err := ep.usable("commit"); err != nil {
		return err
	}

	// Removed records are disposed once the transaction holds, unless
	// rollback put them back.
	var removed []*hookRecord
	defer func() {
		for _, rec := range removed {
			if slices.Contains(ep.hooks[funcID(rec.fn)], rec) {
				continue
			}
			if derr := rec.detour.Dispose(); derr != nil {
				err = errors.Join(err, wrap("commit", ep.method.FullName(), derr))
			}
		}
	}()

	var undos []undo
	rollback := func(err error) error {
		errs := []error{err}
		for _, u := range slices.Backward(undos) {
			errs = append(errs, u())
		}
		return errors.Join(errs...)
	}

	for _, op := range ops {
		switch op.kind {
		case opAdd:
			if op.hook == nil {
				continue
			}
			rec, err := ep.add(op.hook)
			if err != nil {
				return rollback(wrap("commit", ep.method.FullName(), err))
			}
			undos = append(undos, func() error {
				if _, err := ep.pop(rec.fn); err != nil {
					return err
				}
				return rec.detour.Dispose()
			})

		case opRemove:
			rec, err := ep.pop(op.hook)
			if err != nil {
				return rollback(wrap("commit", ep.method.FullName(), err))
			}
			if rec == nil {
				continue
			}
			removed = append(removed, rec)
			undos = append(undos, func() error { return ep.push(rec) })

		case opModify, opUnmodify:
			saved := ep.save()
			var err error
			if op.kind == opModify {
				err = ep.modify(op.manip)
			} else {
				err = ep.unmodify(op.manip)
			}
			if err != nil {
				return rollback(wrap("commit", ep.method.FullName(), err))
			}
			undos = append(undos, func() error { return ep.restoreBody(saved) })
		}
	}
	return nil
}

func (ep *Endpoint) isDisposed() bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.disposed
}
