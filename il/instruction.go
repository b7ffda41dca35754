package il

import (
	"fmt"
	"strconv"
)

// Instruction is one instruction of a body.
//
// Operands by opcode:
//   - Ldarg, Starg, Ldloc, Stloc: int index
//   - LdcI4: int32, LdcI8: int64, LdcR8: float64, Ldstr: string
//   - branches: *Instruction, the target in the same body
//   - everything else: a metadata reference or a resolved runtime entity
type Instruction struct {
	OpCode  OpCode
	Operand any
}

// Create returns a new instruction.
func Create(op OpCode, operand any) *Instruction {
	return &Instruction{OpCode: op, Operand: operand}
}

// Int returns the value of an integer constant instruction.
func (i *Instruction) Int() (int, bool) {
	switch v := i.Operand.(type) {
	case int32:
		return int(v), i.OpCode == LdcI4
	case int64:
		return int(v), i.OpCode == LdcI8
	case int:
		return v, i.OpCode == LdcI4 || i.OpCode == LdcI8
	}
	return 0, false
}

func (i *Instruction) String() string {
	switch v := i.Operand.(type) {
	case nil:
		return i.OpCode.String()
	case string:
		return i.OpCode.String() + " " + strconv.Quote(v)
	case *Instruction:
		return i.OpCode.String() + " -> " + v.OpCode.String()
	case fmt.Stringer:
		return i.OpCode.String() + " " + v.String()
	case interface{ FullName() string }:
		return i.OpCode.String() + " " + v.FullName()
	default:
		return fmt.Sprintf("%s %v", i.OpCode, v)
	}
}
