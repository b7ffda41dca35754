package interp

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/pboyd/hookstack/il"
	"github.com/pboyd/hookstack/meta"
	"github.com/pboyd/hookstack/rt"
)

var (
	// ErrUnresolved means an operand is still a metadata reference.
	ErrUnresolved = errors.New("unresolved operand")

	// ErrInvalid means the body can't be run as written.
	ErrInvalid = errors.New("invalid program")
)

type op struct {
	code    il.OpCode
	operand any
	target  int
	i64     int64
	f64     float64
}

type handler struct {
	kind     il.HandlerKind
	tryStart int
	tryEnd   int
	start    int
	end      int
	catch    *rt.Type
}

// program is an immutable snapshot of a body.
type program struct {
	owner    *rt.Method
	ctx      *rt.Context
	ops      []op
	nargs    int
	locals   []any
	handlers []handler
}

// Compile snapshots body into a callable for owner. Later edits to body
// don't affect the result, so every call gives an independent callable.
//
// Every operand must already be resolved: methods as *rt.Method, fields as
// *rt.Field, types as *rt.Type and call sites as *rt.Signature.
func Compile(owner *rt.Method, body *il.Body) (rt.Func, error) {
	p, err := newProgram(owner, body)
	if err != nil {
		return nil, fmt.Errorf("compiling %s: %w", owner.FullName(), err)
	}
	return p.run, nil
}

func newProgram(owner *rt.Method, body *il.Body) (*program, error) {
	p := &program{
		owner: owner,
		ctx:   owner.Context(),
		ops:   make([]op, len(body.Instructions)),
		nargs: owner.ParamCount(),
	}

	index := make(map[*il.Instruction]int, len(body.Instructions))
	for i, ins := range body.Instructions {
		index[ins] = i
	}
	target := func(ins *il.Instruction) (int, bool) {
		if ins == nil {
			return len(body.Instructions), true
		}
		i, ok := index[ins]
		return i, ok
	}

	for i, v := range body.Variables {
		switch t := v.Type.(type) {
		case nil:
			p.locals = append(p.locals, nil)
		case *rt.Type:
			p.locals = append(p.locals, rt.Zero(t))
		default:
			return nil, fmt.Errorf("local %d: %w: %v", i, ErrUnresolved, v.Type)
		}
	}

	for i, ins := range body.Instructions {
		o, err := p.lower(ins, target)
		if err != nil {
			return nil, fmt.Errorf("IL_%04d %s: %w", i, ins.OpCode, err)
		}
		p.ops[i] = o
	}

	for i, h := range body.Handlers {
		var hd handler
		var ok [4]bool
		hd.kind = h.Kind
		hd.tryStart, ok[0] = target(h.TryStart)
		hd.tryEnd, ok[1] = target(h.TryEnd)
		hd.start, ok[2] = target(h.HandlerStart)
		hd.end, ok[3] = target(h.HandlerEnd)
		if ok != [4]bool{true, true, true, true} || h.TryStart == nil || h.HandlerStart == nil {
			return nil, fmt.Errorf("%s handler %d: %w: bounds outside the body", h.Kind, i, ErrInvalid)
		}
		if hd.tryStart >= hd.tryEnd || hd.start >= hd.end {
			return nil, fmt.Errorf("%s handler %d: %w: empty region", h.Kind, i, ErrInvalid)
		}
		switch t := h.CatchType.(type) {
		case nil:
		case *rt.Type:
			hd.catch = t
		default:
			return nil, fmt.Errorf("%s handler %d: %w: %v", h.Kind, i, ErrUnresolved, h.CatchType)
		}
		p.handlers = append(p.handlers, hd)
	}

	// Outer regions first. Handlers sharing a region are listed innermost
	// first in the body, so the later one is outer.
	order := make([]int, len(p.handlers))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		ha, hb := p.handlers[a], p.handlers[b]
		if c := cmp.Compare(ha.tryStart, hb.tryStart); c != 0 {
			return c
		}
		if c := cmp.Compare(hb.tryEnd, ha.tryEnd); c != 0 {
			return c
		}
		return cmp.Compare(b, a)
	})
	sorted := make([]handler, len(order))
	for i, j := range order {
		sorted[i] = p.handlers[j]
	}
	p.handlers = sorted

	return p, nil
}

func (p *program) lower(ins *il.Instruction, target func(*il.Instruction) (int, bool)) (op, error) {
	o := op{code: ins.OpCode, operand: ins.Operand}
	if _, ok := ins.Operand.(meta.Reference); ok {
		return o, fmt.Errorf("%w: %s", ErrUnresolved, ins.Operand.(meta.Reference).FullName())
	}

	switch ins.OpCode {
	case il.Ldarg, il.Starg:
		n, ok := ins.Operand.(int)
		if !ok || n < 0 || n >= p.nargs {
			return o, fmt.Errorf("%w: argument %v of %d", ErrInvalid, ins.Operand, p.nargs)
		}
		o.target = n

	case il.Ldloc, il.Stloc:
		n, ok := ins.Operand.(int)
		if !ok || n < 0 || n >= len(p.locals) {
			return o, fmt.Errorf("%w: local %v of %d", ErrInvalid, ins.Operand, len(p.locals))
		}
		o.target = n

	case il.LdcI4, il.LdcI8:
		n, ok := rt.AsInt(ins.Operand)
		if !ok {
			return o, fmt.Errorf("%w: integer constant %T", ErrInvalid, ins.Operand)
		}
		o.i64 = n

	case il.LdcR8:
		f, ok := ins.Operand.(float64)
		if !ok {
			return o, fmt.Errorf("%w: float constant %T", ErrInvalid, ins.Operand)
		}
		o.f64 = f

	case il.Ldstr:
		if _, ok := ins.Operand.(string); !ok {
			return o, fmt.Errorf("%w: string constant %T", ErrInvalid, ins.Operand)
		}

	case il.Br, il.Brtrue, il.Brfalse, il.Leave:
		t, ok := ins.Operand.(*il.Instruction)
		if !ok {
			return o, fmt.Errorf("%w: branch operand %T", ErrInvalid, ins.Operand)
		}
		i, ok := target(t)
		if !ok {
			return o, fmt.Errorf("%w: branch target %w", ErrInvalid, il.ErrNotInBody)
		}
		o.target = i

	case il.Call, il.Ldftn:
		if _, err := methodOperand(ins); err != nil {
			return o, err
		}

	case il.Callvirt:
		m, err := methodOperand(ins)
		if err != nil {
			return o, err
		}
		if !m.HasThis() {
			return o, fmt.Errorf("%w: callvirt of static %s", ErrInvalid, m.FullName())
		}

	case il.Newobj:
		m, err := methodOperand(ins)
		if err != nil {
			return o, err
		}
		if !m.IsConstructor() || m.DeclaringType() == nil {
			return o, fmt.Errorf("%w: newobj of %s", ErrInvalid, m.FullName())
		}

	case il.Calli:
		if _, ok := ins.Operand.(*rt.Signature); !ok {
			return o, fmt.Errorf("%w: call site %T", ErrInvalid, ins.Operand)
		}

	case il.Ldfld, il.Stfld, il.Ldsfld, il.Stsfld:
		if _, ok := ins.Operand.(*rt.Field); !ok {
			return o, fmt.Errorf("%w: field %T", ErrInvalid, ins.Operand)
		}

	case il.Newarr, il.Box, il.Unbox, il.Castclass, il.Isinst:
		if _, ok := ins.Operand.(*rt.Type); !ok {
			return o, fmt.Errorf("%w: type %T", ErrInvalid, ins.Operand)
		}

	case il.Ldelem, il.Stelem:
		// The element type operand is informational.

	default:
		if ins.OpCode.String() == "invalid" {
			return o, fmt.Errorf("%w: opcode %d", ErrInvalid, ins.OpCode)
		}
	}
	return o, nil
}

func methodOperand(ins *il.Instruction) (*rt.Method, error) {
	m, ok := ins.Operand.(*rt.Method)
	if !ok {
		return nil, fmt.Errorf("%w: method %T", ErrInvalid, ins.Operand)
	}
	return m, nil
}
