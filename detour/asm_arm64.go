package detour

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"unsafe"

	"golang.org/x/arch/arm64/arm64asm"
)

const (
	// -----------------------------------
	// | 000101 | ... 26 bit address ... |
	// -----------------------------------
	_B = uint32(5 << 26)

	// -----------------------------------
	// | 100101 | ... 26 bit address ... |
	// -----------------------------------
	_BL = uint32(1<<31 | _B)

	// ADR/ADRP is encoded as:
	// --------------------------------------------------
	// | P | lo 2 bits | 10000 | hi 19 bits | 5-bit reg |
	// --------------------------------------------------
	// Mask for the address:
	adrAddressMask = uint32(3<<29 | 0x7ffff<<5)

	_MOVZ = uint32(0xd2800000) // MOVZ Xd, #imm16, LSL #hw*16
	_MOVK = uint32(0xf2800000) // MOVK Xd, #imm16, LSL #hw*16

	_LDR_X27_X26 = uint32(0xf940035b) // LDR X27, [X26]
	_BR_X27      = uint32(0xd61f0360) // BR X27

	// R26 holds the closure context.
	regContext = 26
)

// jumpSize is the length of the sequence written by writeJump.
const jumpSize = 24

// writeJump overwrites the start of buf with code that loads funcval into
// the closure context register and branches through it:
//
//	MOVZ X26, #funcval[0:16]
//	MOVK X26, #funcval[16:32], LSL #16
//	MOVK X26, #funcval[32:48], LSL #32
//	MOVK X26, #funcval[48:64], LSL #48
//	LDR  X27, [X26]
//	BR   X27
func writeJump(buf []byte, funcval uintptr) error {
	if len(buf) < jumpSize {
		return ErrTooSmall
	}

	v := uint64(funcval)
	for hw := 0; hw < 4; hw++ {
		base := _MOVK
		if hw == 0 {
			base = _MOVZ
		}
		imm := uint32(v>>(16*hw)) & 0xffff
		binary.LittleEndian.PutUint32(buf[hw*4:], base|uint32(hw)<<21|imm<<5|regContext)
	}
	binary.LittleEndian.PutUint32(buf[16:], _LDR_X27_X26)
	binary.LittleEndian.PutUint32(buf[20:], _BR_X27)

	// Pad the rest of the buffer with nulls
	for i := jumpSize; i < len(buf); i++ {
		buf[i] = 0
	}

	return nil
}

// relocateFunc copies machine instructions from src into dest translating
// relative instructions as it goes. srcBase is the address src was compiled
// to run from. dest must be at least as large as src.
//
// The data underlying dest is assumed to be the address the code will
// execute from.
func relocateFunc(src []byte, srcBase uintptr, dest []byte) ([]byte, error) {
	if cap(dest) < len(src) {
		return nil, fmt.Errorf("relocation buffer too small: %d < %d", cap(dest), len(src))
	}
	dest = dest[:len(src)]
	copy(dest, src)

	srcPC := srcBase

	for i := 0; i+4 <= len(src); i += 4 {
		raw := dest[i : i+4]

		instruction, err := arm64asm.Decode(raw)
		if err != nil {
			// Stop if the bad instruction was padding
			if bytes.Equal(raw, []byte{0, 0, 0, 0}) {
				break
			}
			return nil, fmt.Errorf("decode error at offset %d %v: %w", i, raw, err)
		}

		for _, arg := range instruction.Args {
			if _, ok := arg.(arm64asm.PCRel); ok {
				err = fixPCRelAddress(instruction, srcPC, srcBase, srcBase+uintptr(len(src)), raw)
				if err != nil {
					return nil, err
				}
			}
		}
		srcPC += 4
	}

	return dest, nil
}

// fixPCRelAddress rewrites one PC-relative instruction copied from srcPC.
// Branches that land inside [start, end) are local and left alone.
func fixPCRelAddress(inst arm64asm.Inst, srcPC, start, end uintptr, dest []byte) error {
	destPC := uintptr(unsafe.Pointer(unsafe.SliceData(dest)))

	switch inst.Op {
	case arm64asm.ADRP:
		// Get the offset (arm64asm converts it to bytes)
		oldOffset := int64(inst.Args[1].(arm64asm.PCRel))

		// Page-align both addresses before computing the offset
		newOffsetPages := (int64(srcPC&^uintptr(0xfff)) + oldOffset - int64(destPC&^uintptr(0xfff))) >> 12

		if newOffsetPages < -(1<<20) || newOffsetPages >= (1<<20) {
			return fmt.Errorf("ADRP target out of range: %d pages exceeds 4GiB", newOffsetPages)
		}

		p := uint32(newOffsetPages)
		encoded := binary.LittleEndian.Uint32(dest) &^ adrAddressMask
		encoded |= (p & 3) << 29 // Lowest 2 bits to bits 30 and 29
		encoded |= (p >> 2) << 5 // Highest 19 bits to bits 23 to 5
		binary.LittleEndian.PutUint32(dest, encoded)

	case arm64asm.BL, arm64asm.B:
		rel, ok := inst.Args[0].(arm64asm.PCRel)
		if !ok {
			return nil
		}
		target := uintptr(int64(srcPC) + int64(rel))
		if target >= start && target < end {
			return nil
		}
		offset := int64(target) - int64(destPC)

		// B and BL encode a 26-bit signed instruction offset.
		if offset < -(1<<27) || offset >= (1<<27) {
			return fmt.Errorf("%v target out of range: %d bytes exceeds 128MiB", inst.Op, offset)
		}

		op := _B
		if inst.Op == arm64asm.BL {
			op = _BL
		}
		// Conditional branches decode as B too, but they are always local
		// and keep their encoding.
		if binary.LittleEndian.Uint32(dest)&^(1<<26-1) != op {
			return nil
		}
		binary.LittleEndian.PutUint32(dest, op|(uint32(offset>>2)&(1<<26-1)))

	default:
		// Most PC-relative addresses are local. Go only seems to
		// generate ADRP and BL that are external to the function.
	}

	return nil
}

func disassemble(code []byte) (string, error) {
	var buf bytes.Buffer

	baseAddr := uintptr(unsafe.Pointer(unsafe.SliceData(code)))

	for i := 0; i < len(code)&^3; i += 4 {
		var asm string
		instruction, err := arm64asm.Decode(code[i:])
		if err == nil {
			asm = instruction.String()
		} else {
			asm = "?"
		}
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", baseAddr+uintptr(i), hex.EncodeToString(code[i:i+4]), asm)
	}

	return buf.String(), nil
}
