package detour

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"unsafe"

	"golang.org/x/arch/x86/x86asm"
)

const (
	opcodeCALLabs = 0xff // CALL abs32
	opcodeCALLrel = 0xe8 // CALL rel32
	opcodeINT3    = 0xcc
	opcodeJMP     = 0xe9 // JMP rel32
	opcodeLEA     = 0x8d

	opcodeMOV_imm_rm = 0xc7 // MOV imm, r/m
	opcodeMOV_r_rm   = 0x8b // MOV r, r/m

	regModeDirect = 3
	registerBP    = 5
)

// jumpSize is the length of the sequence written by writeJump.
const jumpSize = 12

// writeJump overwrites the start of buf with:
//
//	MOVQ $funcval, DX
//	JMP  (DX)
//
// DX is the closure context register, so the target may be any Go func
// value, closures included.
func writeJump(buf []byte, funcval uintptr) error {
	if len(buf) < jumpSize {
		return ErrTooSmall
	}

	buf[0] = 0x48 // REX.W
	buf[1] = 0xba // MOV imm64, DX
	binary.LittleEndian.PutUint64(buf[2:], uint64(funcval))
	buf[10] = 0xff // JMP r/m64
	buf[11] = 0x22 // [DX]

	// Pad the rest of the buffer INT3 opcodes to match what the compiler does
	for i := jumpSize; i < len(buf); i++ {
		buf[i] = opcodeINT3
	}

	return nil
}

// relocateFunc copies machine instructions from src into dest translating
// relative instructions as it goes. srcBase is the address src was compiled
// to run from, which is not necessarily where src lives now. dest must have
// room to grow for out-of-range call trampolines.
//
// The data underlying dest is assumed to be the address the code will
// execute from. The dest slice is returned after being resized.
func relocateFunc(src []byte, srcBase uintptr, dest []byte) ([]byte, error) {
	destBase := uintptr(unsafe.Pointer(unsafe.SliceData(dest)))
	limit := cap(dest)

	// Trim INT3 opcodes from the end of src
	padStart := len(src) - 1
	for ; padStart > 0 && src[padStart] == opcodeINT3; padStart-- {
	}
	src = src[:padStart+1]

	if len(src) > limit {
		return nil, fmt.Errorf("relocation buffer too small: %d < %d", limit, len(src))
	}
	dest = dest[:len(src)]

	srcEnd := srcBase + uintptr(len(src))

	for i := 0; i < len(src); {
		instruction, err := x86asm.Decode(src[i:], 64)
		if err != nil {
			return nil, fmt.Errorf("decode error at offset %d: %w", i, err)
		}

		srcAddr := srcBase + uintptr(i) + uintptr(instruction.Len)
		destAddr := destBase + uintptr(i) + uintptr(instruction.Len)

		switch op := instruction.Opcode >> 24; {
		case op == opcodeCALLrel || (op == opcodeJMP && instruction.Len == 5):
			rel, ok := instruction.Args[0].(x86asm.Rel)
			if !ok {
				return nil, fmt.Errorf("decode error at offset %d: unknown argument", i)
			}

			absDest := srcAddr + uintptr(rel)
			if absDest >= srcBase && absDest < srcEnd {
				// Local jumps keep their offsets.
				copy(dest[i:], src[i:i+instruction.Len])
				break
			}

			newRelAddr := int64(absDest) - int64(destAddr)
			if newRelAddr >= math.MinInt32 && newRelAddr <= math.MaxInt32 {
				dest[i] = byte(op)
				binary.LittleEndian.PutUint32(dest[i+1:], uint32(newRelAddr))
				break
			}

			if op == opcodeJMP {
				return nil, fmt.Errorf("offset %d: tail jump target out of range", i)
			}

			// The new address is too far to call directly
			jumpBack := int32(i + instruction.Len - len(dest))
			ccBuf, err := trampoline(absDest, jumpBack)
			if err != nil {
				return nil, fmt.Errorf("unable to generate call code: %w", err)
			}
			if len(dest)+len(ccBuf) > limit {
				return nil, fmt.Errorf("relocation buffer too small for call trampoline at offset %d", i)
			}
			jumpTo := int32(len(dest) - (i + instruction.Len))

			dest = append(dest, ccBuf...)

			dest[i] = opcodeJMP
			binary.LittleEndian.PutUint32(dest[i+1:], uint32(jumpTo))
		case op == opcodeLEA || op == opcodeMOV_r_rm:
			mem, ok := instruction.Args[1].(x86asm.Mem)
			if !ok {
				return nil, fmt.Errorf("decode error at offset %d: unknown argument", i)
			}
			if mem.Base == x86asm.RIP {
				copy(dest[i:], src[i:i+instruction.Len-4])

				newDisp := (int64(srcAddr) + mem.Disp) - int64(destAddr)
				if newDisp < math.MinInt32 || newDisp > math.MaxInt32 {
					return nil, fmt.Errorf("decode error at offset %d: unable to translate instruction relative address", i)
				}

				binary.LittleEndian.PutUint32(dest[i+instruction.Len-4:], uint32(newDisp))
			} else {
				copy(dest[i:], src[i:i+instruction.Len])
			}
		default:
			copy(dest[i:], src[i:i+instruction.Len])
		}

		i += instruction.Len
	}

	// Pad to 16-bytes
	for len(dest)&0xf != 0 && len(dest) < limit {
		dest = append(dest, opcodeINT3)
	}

	return dest, nil
}

// trampoline returns the x86-64 machine code equivalent of:
//
//	MOVQ <callDest>, BP
//	CALL BP
//	JMP <jumpBack+offset>
//
// jumpBack should be relative to the beginning of the block and will be
// adjusted for it's final address.
func trampoline(callDest uintptr, jumpBack int32) ([]byte, error) {
	if callDest > math.MaxUint32 {
		return nil, errors.New("64-bit call is not implemented")
	}

	buf := make([]byte, 14)
	i := 0

	// MOVQ <callDest> BP
	buf[i] = byte(x86asm.PrefixREX) | byte(x86asm.PrefixREXW)
	i++
	buf[i] = opcodeMOV_imm_rm
	i++
	buf[i] = regModeDirect<<6 | registerBP
	i++

	binary.LittleEndian.PutUint32(buf[i:], uint32(callDest))
	i += 4

	// CALL BP
	buf[i] = opcodeCALLabs
	i++
	buf[i] = regModeDirect<<6 | 2<<3 | registerBP
	i++

	// JMP <jumpBack>
	buf[i] = opcodeJMP
	i++
	binary.LittleEndian.PutUint32(buf[i:], uint32(jumpBack-int32(i)-4))

	return buf, nil
}

// disassemble renders code as one instruction per line. It's only used when
// debug logging is enabled.
func disassemble(code []byte) (string, error) {
	var buf bytes.Buffer

	baseAddr := uintptr(unsafe.Pointer(unsafe.SliceData(code)))

	for i := 0; i < len(code); {
		instruction, err := x86asm.Decode(code[i:], 64)
		if err != nil {
			return "", fmt.Errorf("decode error at offset %d: %w", i, err)
		}
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", baseAddr+uintptr(i), hex.EncodeToString(code[i:i+instruction.Len]), instruction.String())

		i += instruction.Len
	}

	return buf.String(), nil
}
