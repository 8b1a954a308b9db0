// Package rbpf implements an embedded, sandboxed bytecode virtual machine
// for running small, untrusted programs drawn from the eBPF instruction
// family on constrained devices.
package rbpf

import "fmt"

// Instruction is a single 64-bit eBPF-family instruction, laid out exactly
// as it appears on the wire (little-endian):
//
//	byte 0:   opcode
//	byte 1:   dst (low nibble) | src (high nibble)
//	byte 2-3: offset, signed 16-bit
//	byte 4-7: immediate, signed 32-bit
type Instruction struct {
	Opcode    uint8
	Dst       uint8
	Src       uint8
	Offset    int16
	Immediate int32
}

// instructionSize is the on-wire size of one Instruction, in bytes.
const instructionSize = 8

// Instruction classes, taken from the low 3 bits of the opcode.
const (
	classMask uint8 = 0x07

	ClassLD     uint8 = 0
	ClassLDX    uint8 = 1
	ClassST     uint8 = 2
	ClassSTX    uint8 = 3
	ClassALU32  uint8 = 4
	ClassBranch uint8 = 5
	ClassJMP32  uint8 = 6
	ClassALU64  uint8 = 7
)

// Class returns the 3-bit instruction class.
func (i Instruction) Class() uint8 {
	return i.Opcode & classMask
}

// opHighNibble isolates bits 4-7 of the opcode, which select the ALU or
// branch operation within a class.
func (i Instruction) opHighNibble() uint8 {
	return i.Opcode >> 4
}

// srcIsReg reports whether bit 3 of the opcode selects a register source
// (1) rather than an immediate source (0). Only meaningful for ALU and
// branch classes.
func (i Instruction) srcIsReg() bool {
	return i.Opcode&0x08 != 0
}

// ALU/branch operation codes (opcode bits 4-7).
const (
	OpADD  uint8 = 0x0
	OpSUB  uint8 = 0x1
	OpMUL  uint8 = 0x2
	OpDIV  uint8 = 0x3
	OpOR   uint8 = 0x4
	OpAND  uint8 = 0x5
	OpLSH  uint8 = 0x6
	OpRSH  uint8 = 0x7
	OpNEG  uint8 = 0x8
	OpMOD  uint8 = 0x9
	OpXOR  uint8 = 0xA
	OpMOV  uint8 = 0xB
	OpARSH uint8 = 0xC
	OpEND  uint8 = 0xD
)

// Branch condition codes (opcode bits 4-7), within ClassBranch.
const (
	BranchJA   uint8 = 0x0
	BranchJEQ  uint8 = 0x1
	BranchJGT  uint8 = 0x2
	BranchJGE  uint8 = 0x3
	BranchJSET uint8 = 0x4
	BranchJNE  uint8 = 0x5
	BranchJSGT uint8 = 0x6
	BranchJSGE uint8 = 0x7
	BranchCALL uint8 = 0x8
	BranchEXIT uint8 = 0x9
	BranchJLT  uint8 = 0xA
	BranchJLE  uint8 = 0xB
	BranchJSLT uint8 = 0xC
	BranchJSLE uint8 = 0xD
)

// OpcodeLDDW is the 16-byte "load immediate 64" instruction: it occupies
// two consecutive 8-byte slots, with the second slot's immediate supplying
// the high 32 bits of the constant.
const OpcodeLDDW uint8 = 0x18

// OpcodeCALL and OpcodeEXIT are the full opcode bytes for the two
// branch-class pseudo-instructions that don't take a jump offset.
const (
	OpcodeCALL uint8 = ClassBranch | BranchCALL<<4
	OpcodeEXIT uint8 = ClassBranch | BranchEXIT<<4
)

// decodeInstruction reads one 8-byte slot at buf[0:8] into an Instruction.
// buf must have at least 8 bytes.
func decodeInstruction(buf []byte) Instruction {
	return Instruction{
		Opcode:    buf[0],
		Dst:       buf[1] & 0x0F,
		Src:       buf[1] >> 4,
		Offset:    int16(uint16(buf[2]) | uint16(buf[3])<<8),
		Immediate: int32(uint32(buf[4]) | uint32(buf[5])<<8 | uint32(buf[6])<<16 | uint32(buf[7])<<24),
	}
}

// encodeInstruction writes i into buf[0:8]. buf must have at least 8 bytes.
func encodeInstruction(i Instruction, buf []byte) {
	buf[0] = i.Opcode
	buf[1] = i.Dst&0x0F | i.Src<<4
	buf[2] = byte(uint16(i.Offset))
	buf[3] = byte(uint16(i.Offset) >> 8)
	imm := uint32(i.Immediate)
	buf[4] = byte(imm)
	buf[5] = byte(imm >> 8)
	buf[6] = byte(imm >> 16)
	buf[7] = byte(imm >> 24)
}

// decodeText splits a text section into individual instructions. The
// caller is responsible for ensuring len(text) is a multiple of 8; no
// further validation (register bounds, jump targets, ...) happens here,
// that's preflight's job.
func decodeText(text []byte) []Instruction {
	instrs := make([]Instruction, 0, len(text)/instructionSize)
	for off := 0; off+instructionSize <= len(text); off += instructionSize {
		instrs = append(instrs, decodeInstruction(text[off:]))
	}
	return instrs
}

var aluMnemonics = map[uint8]string{
	OpADD: "add", OpSUB: "sub", OpMUL: "mul", OpDIV: "div",
	OpOR: "or", OpAND: "and", OpLSH: "lsh", OpRSH: "rsh",
	OpNEG: "neg", OpMOD: "mod", OpXOR: "xor", OpMOV: "mov", OpARSH: "arsh", OpEND: "end",
}

var branchMnemonics = map[uint8]string{
	BranchJA: "ja", BranchJEQ: "jeq", BranchJGT: "jgt", BranchJGE: "jge",
	BranchJSET: "jset", BranchJNE: "jne", BranchJSGT: "jsgt", BranchJSGE: "jsge",
	BranchCALL: "call", BranchEXIT: "exit",
	BranchJLT: "jlt", BranchJLE: "jle", BranchJSLT: "jslt", BranchJSLE: "jsle",
}

// String renders a one-line disassembly of the instruction, purely for
// diagnostics (rbpfvm dump, error messages); it participates in no
// invariant.
func (i Instruction) String() string {
	switch i.Class() {
	case ClassALU32, ClassALU64:
		width := "64"
		if i.Class() == ClassALU32 {
			width = "32"
		}
		mnem := aluMnemonics[i.opHighNibble()]
		if mnem == "" {
			mnem = fmt.Sprintf("alu%s?%#x", width, i.opHighNibble())
		}
		if i.opHighNibble() == OpNEG {
			return fmt.Sprintf("%s%s r%d", mnem, width, i.Dst)
		}
		if i.srcIsReg() {
			return fmt.Sprintf("%s%s r%d, r%d", mnem, width, i.Dst, i.Src)
		}
		return fmt.Sprintf("%s%s r%d, %d", mnem, width, i.Dst, i.Immediate)
	case ClassBranch, ClassJMP32:
		mnem := branchMnemonics[i.opHighNibble()]
		if mnem == "" {
			mnem = fmt.Sprintf("br?%#x", i.opHighNibble())
		}
		switch i.opHighNibble() {
		case BranchJA:
			return fmt.Sprintf("ja %+d", i.Offset)
		case BranchCALL:
			return fmt.Sprintf("call %d", i.Immediate)
		case BranchEXIT:
			return "exit"
		default:
			if i.srcIsReg() {
				return fmt.Sprintf("%s r%d, r%d, %+d", mnem, i.Dst, i.Src, i.Offset)
			}
			return fmt.Sprintf("%s r%d, %d, %+d", mnem, i.Dst, i.Immediate, i.Offset)
		}
	case ClassLD:
		if i.Opcode == OpcodeLDDW {
			return fmt.Sprintf("lddw r%d, %d", i.Dst, i.Immediate)
		}
		return fmt.Sprintf("ld?%#x", i.Opcode)
	case ClassLDX:
		return fmt.Sprintf("ldx%s r%d, [r%d%+d]", widthSuffix(i.Opcode), i.Dst, i.Src, i.Offset)
	case ClassST:
		return fmt.Sprintf("st%s [r%d%+d], %d", widthSuffix(i.Opcode), i.Dst, i.Offset, i.Immediate)
	case ClassSTX:
		return fmt.Sprintf("stx%s [r%d%+d], r%d", widthSuffix(i.Opcode), i.Dst, i.Offset, i.Src)
	default:
		return fmt.Sprintf("?%#02x", i.Opcode)
	}
}

// Memory access widths, encoded in opcode bits 3-4 for the LD/LDX/ST/STX
// classes (BPF_W=0x00, BPF_H=0x08, BPF_B=0x10, BPF_DW=0x18), matching the
// eBPF ISA's size field.
const (
	sizeMask uint8 = 0x18

	SizeW  uint8 = 0x00 // 4 bytes
	SizeH  uint8 = 0x08 // 2 bytes
	SizeB  uint8 = 0x10 // 1 byte
	SizeDW uint8 = 0x18 // 8 bytes
)

// Width returns the access width in bytes for a LD/LDX/ST/STX instruction.
func (i Instruction) Width() int {
	switch i.Opcode & sizeMask {
	case SizeB:
		return 1
	case SizeH:
		return 2
	case SizeW:
		return 4
	case SizeDW:
		return 8
	}
	return 4
}

// widthSuffix maps the size bits to the mnemonic suffix used by the
// assembly-level names in spec.md §4.4.
func widthSuffix(opcode uint8) string {
	switch opcode & sizeMask {
	case SizeW:
		return "w"
	case SizeH:
		return "h"
	case SizeB:
		return "b"
	case SizeDW:
		return "dw"
	}
	return "?"
}
