package il

// OpCode identifies an instruction.
type OpCode uint8

const (
	Nop OpCode = iota
	Ldarg
	Starg
	Ldloc
	Stloc
	LdcI4
	LdcI8
	LdcR8
	Ldstr
	Ldnull
	Dup
	Pop
	Add
	Sub
	Mul
	Div
	Rem
	Neg
	Ceq
	Cgt
	Clt
	Br
	Brtrue
	Brfalse
	Call
	Callvirt
	Calli
	Ldftn
	Newobj
	Ldfld
	Stfld
	Ldsfld
	Stsfld
	Newarr
	Ldlen
	Ldelem
	Stelem
	Box
	Unbox
	Castclass
	Isinst
	Throw
	Rethrow
	Leave
	Endfinally
	Ret

	numOpCodes
)

var opNames = [numOpCodes]string{
	Nop:        "nop",
	Ldarg:      "ldarg",
	Starg:      "starg",
	Ldloc:      "ldloc",
	Stloc:      "stloc",
	LdcI4:      "ldc.i4",
	LdcI8:      "ldc.i8",
	LdcR8:      "ldc.r8",
	Ldstr:      "ldstr",
	Ldnull:     "ldnull",
	Dup:        "dup",
	Pop:        "pop",
	Add:        "add",
	Sub:        "sub",
	Mul:        "mul",
	Div:        "div",
	Rem:        "rem",
	Neg:        "neg",
	Ceq:        "ceq",
	Cgt:        "cgt",
	Clt:        "clt",
	Br:         "br",
	Brtrue:     "brtrue",
	Brfalse:    "brfalse",
	Call:       "call",
	Callvirt:   "callvirt",
	Calli:      "calli",
	Ldftn:      "ldftn",
	Newobj:     "newobj",
	Ldfld:      "ldfld",
	Stfld:      "stfld",
	Ldsfld:     "ldsfld",
	Stsfld:     "stsfld",
	Newarr:     "newarr",
	Ldlen:      "ldlen",
	Ldelem:     "ldelem",
	Stelem:     "stelem",
	Box:        "box",
	Unbox:      "unbox",
	Castclass:  "castclass",
	Isinst:     "isinst",
	Throw:      "throw",
	Rethrow:    "rethrow",
	Leave:      "leave",
	Endfinally: "endfinally",
	Ret:        "ret",
}

func (op OpCode) String() string {
	if op < numOpCodes {
		return opNames[op]
	}
	return "invalid"
}

// IsBranch reports whether the operand of op is a branch target.
func (op OpCode) IsBranch() bool {
	switch op {
	case Br, Brtrue, Brfalse, Leave:
		return true
	}
	return false
}
