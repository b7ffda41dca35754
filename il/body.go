package il

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrNotInBody is returned when an instruction passed to an edit operation
// isn't part of the body.
var ErrNotInBody = errors.New("instruction not in body")

// HandlerKind is the kind of an exception handling region.
type HandlerKind uint8

const (
	Catch HandlerKind = iota
	Finally
)

func (k HandlerKind) String() string {
	if k == Finally {
		return "finally"
	}
	return "catch"
}

// ExceptionHandler is a protected region and its handler. End bounds are
// exclusive, and a nil end means the end of the body.
type ExceptionHandler struct {
	Kind         HandlerKind
	TryStart     *Instruction
	TryEnd       *Instruction
	HandlerStart *Instruction
	HandlerEnd   *Instruction

	// CatchType is the exception type caught by a Catch handler.
	CatchType any
}

// Variable is a local variable slot.
type Variable struct {
	Type any
}

// Body is an editable instruction sequence with its locals and exception
// regions.
type Body struct {
	Instructions []*Instruction
	Variables    []Variable
	Handlers     []*ExceptionHandler
	InitLocals   bool
}

// NewBody returns a body holding instrs.
func NewBody(instrs ...*Instruction) *Body {
	return &Body{Instructions: instrs, InitLocals: true}
}

// Manipulator edits a body in place.
type Manipulator func(*Body) error

// Len returns the number of instructions.
func (b *Body) Len() int {
	return len(b.Instructions)
}

// At returns the instruction at index i, or nil when i is out of range.
func (b *Body) At(i int) *Instruction {
	if i < 0 || i >= len(b.Instructions) {
		return nil
	}
	return b.Instructions[i]
}

// IndexOf returns the index of ins, or -1.
func (b *Body) IndexOf(ins *Instruction) int {
	return slices.Index(b.Instructions, ins)
}

// Insert inserts instrs before index i. i may equal Len to append.
func (b *Body) Insert(i int, instrs ...*Instruction) error {
	if i < 0 || i > len(b.Instructions) {
		return fmt.Errorf("insert index %d out of range [0, %d]", i, len(b.Instructions))
	}
	b.Instructions = slices.Insert(b.Instructions, i, instrs...)
	return nil
}

// InsertBefore inserts instrs in front of target.
func (b *Body) InsertBefore(target *Instruction, instrs ...*Instruction) error {
	i := b.IndexOf(target)
	if i < 0 {
		return ErrNotInBody
	}
	return b.Insert(i, instrs...)
}

// InsertAfter inserts instrs after target.
func (b *Body) InsertAfter(target *Instruction, instrs ...*Instruction) error {
	i := b.IndexOf(target)
	if i < 0 {
		return ErrNotInBody
	}
	return b.Insert(i+1, instrs...)
}

// Append adds instrs to the end of the body.
func (b *Body) Append(instrs ...*Instruction) {
	b.Instructions = append(b.Instructions, instrs...)
}

// RemoveAt deletes the instruction at index i. Branches and handler bounds
// that pointed at it move to the instruction that followed it.
func (b *Body) RemoveAt(i int) error {
	if i < 0 || i >= len(b.Instructions) {
		return fmt.Errorf("remove index %d out of range [0, %d)", i, len(b.Instructions))
	}
	old := b.Instructions[i]
	b.Instructions = slices.Delete(b.Instructions, i, i+1)
	b.retarget(old, b.At(i))
	return nil
}

// Remove deletes ins from the body.
func (b *Body) Remove(ins *Instruction) error {
	i := b.IndexOf(ins)
	if i < 0 {
		return ErrNotInBody
	}
	return b.RemoveAt(i)
}

// Replace puts ins at index i in place of what was there. References to the
// old instruction move to ins.
func (b *Body) Replace(i int, ins *Instruction) error {
	if i < 0 || i >= len(b.Instructions) {
		return fmt.Errorf("replace index %d out of range [0, %d)", i, len(b.Instructions))
	}
	old := b.Instructions[i]
	b.Instructions[i] = ins
	b.retarget(old, ins)
	return nil
}

// AddHandler adds an exception handling region.
func (b *Body) AddHandler(h *ExceptionHandler) {
	b.Handlers = append(b.Handlers, h)
}

// AddVariable adds a local and returns its index.
func (b *Body) AddVariable(typ any) int {
	b.Variables = append(b.Variables, Variable{Type: typ})
	return len(b.Variables) - 1
}

func (b *Body) retarget(old, ins *Instruction) {
	for _, other := range b.Instructions {
		if other.OpCode.IsBranch() && other.Operand == old {
			other.Operand = ins
		}
	}
	for _, h := range b.Handlers {
		for _, p := range []**Instruction{&h.TryStart, &h.TryEnd, &h.HandlerStart, &h.HandlerEnd} {
			if *p == old {
				*p = ins
			}
		}
	}
}

// Clone returns a deep copy of the body. Branch targets and handler bounds
// refer to the copied instructions.
func (b *Body) Clone() *Body {
	c, _ := b.CloneWith(nil)
	return c
}

// CloneWith returns a deep copy of the body with every non-branch operand,
// variable type and catch type passed through mapOperand. A nil mapOperand
// keeps values as they are.
func (b *Body) CloneWith(mapOperand func(any) (any, error)) (*Body, error) {
	if mapOperand == nil {
		mapOperand = func(v any) (any, error) { return v, nil }
	}

	copies := make(map[*Instruction]*Instruction, len(b.Instructions))
	c := &Body{
		Instructions: make([]*Instruction, len(b.Instructions)),
		Variables:    make([]Variable, len(b.Variables)),
		InitLocals:   b.InitLocals,
	}
	for i, ins := range b.Instructions {
		n := &Instruction{OpCode: ins.OpCode, Operand: ins.Operand}
		c.Instructions[i] = n
		copies[ins] = n
	}

	for i, ins := range c.Instructions {
		if target, ok := ins.Operand.(*Instruction); ok && ins.OpCode.IsBranch() {
			mapped, ok := copies[target]
			if !ok {
				return nil, fmt.Errorf("instruction %d: branch target %w", i, ErrNotInBody)
			}
			ins.Operand = mapped
			continue
		}
		op, err := mapOperand(ins.Operand)
		if err != nil {
			return nil, fmt.Errorf("instruction %d (%s): %w", i, ins.OpCode, err)
		}
		ins.Operand = op
	}

	for i, v := range b.Variables {
		typ, err := mapOperand(v.Type)
		if err != nil {
			return nil, fmt.Errorf("variable %d: %w", i, err)
		}
		c.Variables[i] = Variable{Type: typ}
	}

	for _, h := range b.Handlers {
		catchType, err := mapOperand(h.CatchType)
		if err != nil {
			return nil, fmt.Errorf("%s handler: %w", h.Kind, err)
		}
		c.Handlers = append(c.Handlers, &ExceptionHandler{
			Kind:         h.Kind,
			TryStart:     copies[h.TryStart],
			TryEnd:       copies[h.TryEnd],
			HandlerStart: copies[h.HandlerStart],
			HandlerEnd:   copies[h.HandlerEnd],
			CatchType:    catchType,
		})
	}

	return c, nil
}

// String lists the instructions one per line.
func (b *Body) String() string {
	var sb strings.Builder
	for i, ins := range b.Instructions {
		fmt.Fprintf(&sb, "IL_%04d: %s\n", i, ins)
	}
	return sb.String()
}
