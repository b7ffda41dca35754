package access

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pboyd/hookstack/config"
	"github.com/pboyd/hookstack/il"
	"github.com/pboyd/hookstack/internal/logging"
	"github.com/pboyd/hookstack/rt"
)

var (
	// ErrMalformed is returned when a marker sequence doesn't follow the
	// expected shape.
	ErrMalformed = errors.New("malformed access marker")

	// ErrNotFound is returned when the target type or member doesn't exist.
	ErrNotFound = errors.New("access target not found")

	// ErrInstanceNew is returned for New on an instance marker.
	ErrInstanceNew = errors.New("New requires a static access marker")

	// ErrTooDeep is returned when markers nest deeper than the pass allows.
	ErrTooDeep = errors.New("access markers nested too deeply")
)

const (
	fieldPrefix  = "field:"
	methodPrefix = "method:"
)

// DefaultMaxDepth is the default bound on marker nesting.
const DefaultMaxDepth = 32

// Resolver looks up the targets of access markers. *resolve.Resolver
// implements it.
type Resolver interface {
	FindType(fullName string) (*rt.Type, error)
	FindField(t *rt.Type, name string) *rt.Field
	FindMethod(t *rt.Type, name string, params int) *rt.Method
}

// Option configures a Pass.
type Option func(*Pass)

// WithMaxDepth bounds how deeply markers and arrays may nest.
func WithMaxDepth(n int) Option {
	return func(p *Pass) {
		if n > 0 {
			p.maxDepth = n
		}
	}
}

// WithConfig applies the access section of the configuration.
func WithConfig(cfg config.AccessConfig) Option {
	return WithMaxDepth(cfg.MaxDepth)
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pass) { p.log = logging.Component(l, "access") }
}

// Pass rewrites access markers into direct member access. It works on
// resolved bodies, where operands are runtime symbols.
type Pass struct {
	r        Resolver
	maxDepth int
	log      *slog.Logger
}

// New creates a pass that finds targets through r.
func New(r Resolver, opts ...Option) *Pass {
	p := &Pass{
		r:        r,
		maxDepth: DefaultMaxDepth,
		log:      logging.NewDiscardLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Manipulator returns the pass as a body manipulator.
func (p *Pass) Manipulator() il.Manipulator {
	return p.Apply
}

// Apply rewrites every marker window in b. Each target member is made
// public. On error b may be partly rewritten, so callers should apply the
// pass to a copy or roll back.
func (p *Pass) Apply(b *il.Body) error {
	w := &rewriter{pass: p, body: b}
	for i := 0; i < b.Len(); i++ {
		if !isMarkerCtor(b.At(i)) {
			continue
		}
		end, err := w.window(i, 1)
		if err != nil {
			return err
		}
		i = end
	}
	if w.count > 0 {
		p.log.Debug("rewrote access markers", "windows", w.count)
	}
	return nil
}

func isMarkerCtor(ins *il.Instruction) bool {
	if ins == nil || ins.OpCode != il.Newobj {
		return false
	}
	m, ok := ins.Operand.(*rt.Method)
	if !ok || !m.IsConstructor() {
		return false
	}
	_, ok = markerOf(m)
	return ok
}

// rewriter is a recursive descent parser over one body. Positions are
// indexes into the body as it is at the time, and every method returns the
// position it stopped at.
type rewriter struct {
	pass  *Pass
	body  *il.Body
	count int
}

// window rewrites the marker window whose constructor call is at n and
// returns the position of the last instruction emitted for it.
//
//	[receiver] [ldstr type] ldstr name newobj marker
//	ldc.i4 count newarr
//	count * (dup ldc.i4 index <expr> [box] stelem)
//	call New|Call|Get|Set
func (w *rewriter) window(n, depth int) (int, error) {
	if depth > w.pass.maxDepth {
		return 0, fmt.Errorf("%w: limit is %d", ErrTooDeep, w.pass.maxDepth)
	}
	b := w.body
	ctor := b.At(n)
	mk, _ := markerOf(ctor.Operand.(*rt.Method))
	drop := []*il.Instruction{ctor}

	name, nameIns, err := w.str(n - 1)
	if err != nil {
		return 0, fmt.Errorf("member name: %w", err)
	}
	drop = append(drop, nameIns)

	typ := mk.typeArg
	if mk.explicit {
		typeName, typeIns, err := w.str(n - 2)
		if err != nil {
			return 0, fmt.Errorf("type name: %w", err)
		}
		drop = append(drop, typeIns)
		if typ, err = w.pass.r.FindType(typeName); err != nil {
			return 0, err
		}
		if typ == nil {
			return 0, fmt.Errorf("%w: type %s", ErrNotFound, typeName)
		}
	}
	if typ == nil {
		return 0, fmt.Errorf("%w: no target type", ErrMalformed)
	}

	pos := n + 1
	if !w.is(pos, il.LdcI4) {
		return 0, fmt.Errorf("%w: expected argument count at %d", ErrMalformed, pos)
	}
	count, ok := b.At(pos).Int()
	if !ok || count < 0 {
		return 0, fmt.Errorf("%w: argument count %v", ErrMalformed, b.At(pos).Operand)
	}
	if !w.is(pos+1, il.Newarr) {
		return 0, fmt.Errorf("%w: expected newarr at %d", ErrMalformed, pos+1)
	}
	drop = append(drop, b.At(pos), b.At(pos+1))
	pos += 2

	for i := range count {
		if !w.is(pos, il.Dup) || !w.is(pos+1, il.LdcI4) {
			return 0, fmt.Errorf("%w: expected element %d at %d", ErrMalformed, i, pos)
		}
		if idx, _ := b.At(pos + 1).Int(); idx != i {
			return 0, fmt.Errorf("%w: element %d stored at index %d", ErrMalformed, i, idx)
		}
		drop = append(drop, b.At(pos), b.At(pos+1))
		pos += 2

		start := pos
		if pos, err = w.expr(pos, depth); err != nil {
			return 0, err
		}
		if pos > start && w.is(pos-1, il.Box) {
			drop = append(drop, b.At(pos-1))
		}
		drop = append(drop, b.At(pos))
		pos++
	}

	call := b.At(pos)
	dispatch, ok := w.dispatch(call)
	if !ok {
		return 0, fmt.Errorf("%w: expected a dispatch call at %d", ErrMalformed, pos)
	}

	emitted, err := w.pass.lower(mk, dispatch, typ, name, count)
	if err != nil {
		return 0, err
	}

	if err := b.Replace(pos, emitted[0]); err != nil {
		return 0, err
	}
	if err := b.Insert(pos+1, emitted[1:]...); err != nil {
		return 0, err
	}
	for _, ins := range drop {
		if err := b.Remove(ins); err != nil {
			return 0, err
		}
	}

	w.count++
	w.pass.log.Debug("rewrote access marker", "op", dispatch, "type", typ.FullName(), "member", name, "depth", depth)
	return b.IndexOf(emitted[len(emitted)-1]), nil
}

// expr skips an array element expression up to its stelem, rewriting any
// nested windows and parsing nested arrays on the way.
func (w *rewriter) expr(pos, depth int) (int, error) {
	for {
		ins := w.body.At(pos)
		switch {
		case ins == nil:
			return 0, fmt.Errorf("%w: unterminated array element", ErrMalformed)
		case ins.OpCode == il.Stelem:
			return pos, nil
		case isMarkerCtor(ins):
			end, err := w.window(pos, depth+1)
			if err != nil {
				return 0, err
			}
			pos = end + 1
		case ins.OpCode == il.Newarr:
			var err error
			if pos, err = w.array(pos, depth+1); err != nil {
				return 0, err
			}
		default:
			pos++
		}
	}
}

// array skips a plain array built inside an element expression. It's left
// in place.
func (w *rewriter) array(pos, depth int) (int, error) {
	if depth > w.pass.maxDepth {
		return 0, fmt.Errorf("%w: limit is %d", ErrTooDeep, w.pass.maxDepth)
	}
	pos++
	for w.is(pos, il.Dup) && w.is(pos+1, il.LdcI4) {
		var err error
		if pos, err = w.expr(pos+2, depth); err != nil {
			return 0, err
		}
		pos++
	}
	return pos, nil
}

func (w *rewriter) is(pos int, op il.OpCode) bool {
	ins := w.body.At(pos)
	return ins != nil && ins.OpCode == op
}

func (w *rewriter) str(pos int) (string, *il.Instruction, error) {
	ins := w.body.At(pos)
	if ins == nil || ins.OpCode != il.Ldstr {
		return "", nil, fmt.Errorf("%w: expected ldstr at %d", ErrMalformed, pos)
	}
	s, ok := ins.Operand.(string)
	if !ok {
		return "", nil, fmt.Errorf("%w: ldstr operand %T", ErrMalformed, ins.Operand)
	}
	return s, ins, nil
}

func (w *rewriter) dispatch(ins *il.Instruction) (string, bool) {
	if ins == nil || ins.OpCode != il.Call {
		return "", false
	}
	m, ok := ins.Operand.(*rt.Method)
	if !ok || m.IsConstructor() {
		return "", false
	}
	if _, ok := markerOf(m); !ok {
		return "", false
	}
	switch m.Name() {
	case OpNew, OpCall, OpGet, OpSet:
		return m.Name(), true
	}
	return "", false
}

// lower returns the instructions that replace a window: the access itself,
// and a ldnull or pop when the member's result doesn't match the marker's.
func (p *Pass) lower(mk marker, op string, t *rt.Type, name string, argc int) ([]*il.Instruction, error) {
	if op == OpNew {
		if !mk.static {
			return nil, ErrInstanceNew
		}
		if name == "" {
			name = ".ctor"
		}
		ctor := p.r.FindMethod(t, name, argc)
		if ctor == nil || !ctor.IsConstructor() {
			return nil, fmt.Errorf("%w: %s has no constructor taking %d arguments", ErrNotFound, t.FullName(), argc)
		}
		ctor.SetPublic()
		return []*il.Instruction{il.Create(il.Newobj, ctor)}, nil
	}

	field, method := p.member(t, name, argc, op == OpCall)
	switch {
	case field != nil:
		if field.IsStatic() != mk.static {
			return nil, fmt.Errorf("%w: %s doesn't match the marker's static-ness", ErrMalformed, field.FullName())
		}
		var code il.OpCode
		switch op {
		case OpGet:
			code = pick(mk.static, il.Ldsfld, il.Ldfld)
		case OpSet:
			code = pick(mk.static, il.Stsfld, il.Stfld)
		default:
			return nil, fmt.Errorf("%w: can't %s field %s", ErrMalformed, op, field.FullName())
		}
		field.SetPublic()
		return []*il.Instruction{il.Create(code, field)}, nil

	case method != nil:
		if method.IsStatic() != mk.static {
			return nil, fmt.Errorf("%w: %s doesn't match the marker's static-ness", ErrMalformed, method.FullName())
		}
		method.SetPublic()
		out := []*il.Instruction{il.Create(pick(mk.static, il.Call, il.Callvirt), method)}
		// Get and Call leave an object, Set leaves nothing.
		switch wantValue := op != OpSet; {
		case wantValue && !method.ReturnsValue():
			out = append(out, il.Create(il.Ldnull, nil))
		case !wantValue && method.ReturnsValue():
			out = append(out, il.Create(il.Pop, nil))
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s::%s", ErrNotFound, t.FullName(), name)
}

// member finds the named member of t. A "field:" or "method:" prefix picks
// the kind, otherwise fields win.
func (p *Pass) member(t *rt.Type, name string, argc int, methodOnly bool) (*rt.Field, *rt.Method) {
	findMethod := func(name string) *rt.Method {
		if m := p.r.FindMethod(t, name, argc); m != nil {
			return m
		}
		return p.r.FindMethod(t, name, -1)
	}

	switch {
	case strings.HasPrefix(name, fieldPrefix):
		if methodOnly {
			return nil, nil
		}
		return p.r.FindField(t, strings.TrimSpace(strings.TrimPrefix(name, fieldPrefix))), nil
	case strings.HasPrefix(name, methodPrefix):
		return nil, findMethod(strings.TrimSpace(strings.TrimPrefix(name, methodPrefix)))
	}

	if !methodOnly {
		if f := p.r.FindField(t, name); f != nil {
			return f, nil
		}
	}
	return nil, findMethod(name)
}

func pick(static bool, ifStatic, ifInstance il.OpCode) il.OpCode {
	if static {
		return ifStatic
	}
	return ifInstance
}
