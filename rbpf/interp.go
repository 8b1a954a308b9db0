package rbpf

// run decodes and executes vm.text starting at PC 0 until an EXIT, a
// fault, or an out-of-branches condition, per spec.md §4.4's execution
// loop. It assumes Preflight has already rejected anything that would
// make this loop misbehave structurally (out-of-range dst/src, bad jump
// targets, unknown call numbers, a missing trailing EXIT); run itself
// is only responsible for the faults that depend on runtime values:
// ILLEGAL_MEM, ILLEGAL_DIV, OUT_OF_BRANCHES, plus ILLEGAL_INSTRUCTION
// for anything Preflight intentionally leaves to execution time. For an
// unpreflighted program it also returns ILLEGAL_JUMP when the PC leaves
// the text section and ILLEGAL_CALL for an unregistered call number.
func (vm *VM) run() (Status, int64) {
	n := len(vm.text) / instructionSize
	pc := 0

	for {
		if pc < 0 || pc >= n {
			return StatusIllegalJump, 0
		}
		instr := decodeInstruction(vm.text[pc*instructionSize:])

		switch instr.Class() {
		case ClassALU32, ClassALU64:
			status := vm.execALU(instr)
			if status != StatusOK {
				return status, 0
			}
			pc++

		case ClassLD:
			if instr.Opcode != OpcodeLDDW {
				return StatusIllegalInstruction, 0
			}
			if pc+1 >= n {
				return StatusIllegalInstruction, 0
			}
			next := decodeInstruction(vm.text[(pc+1)*instructionSize:])
			vm.regs[instr.Dst] = uint64(uint32(instr.Immediate)) | uint64(uint32(next.Immediate))<<32
			pc += 2

		case ClassLDX:
			val, status := vm.load(vm.regs[instr.Src]+uint64(instr.Offset), instr.Width())
			if status != StatusOK {
				return status, 0
			}
			vm.regs[instr.Dst] = val
			pc++

		case ClassST:
			status := vm.storeImm(vm.regs[instr.Dst]+uint64(instr.Offset), instr.Width(), uint64(instr.Immediate))
			if status != StatusOK {
				return status, 0
			}
			pc++

		case ClassSTX:
			status := vm.storeImm(vm.regs[instr.Dst]+uint64(instr.Offset), instr.Width(), vm.regs[instr.Src])
			if status != StatusOK {
				return status, 0
			}
			pc++

		case ClassBranch:
			next, result, done, status := vm.execBranch(instr, pc)
			if status != StatusOK {
				return status, 0
			}
			if done {
				return StatusOK, result
			}
			pc = next

		default:
			return StatusIllegalInstruction, 0
		}
	}
}

// load reads width bytes at addr through the region table, zero-extended
// into a uint64, or faults with ILLEGAL_MEM if no region grants read
// access there.
func (vm *VM) load(addr uint64, width int) (uint64, Status) {
	buf, ok := vm.regions.load(addr, uint64(width))
	if !ok {
		return 0, StatusIllegalMem
	}
	var v uint64
	for i := 0; i < width; i++ {
		v |= uint64(buf[i]) << (8 * uint(i))
	}
	return v, StatusOK
}

// storeImm writes the low width bytes of value to addr through the
// region table, or faults with ILLEGAL_MEM if no region grants write
// access there.
func (vm *VM) storeImm(addr uint64, width int, value uint64) Status {
	buf, ok := vm.regions.store(addr, uint64(width))
	if !ok {
		return StatusIllegalMem
	}
	for i := 0; i < width; i++ {
		buf[i] = byte(value >> (8 * uint(i)))
	}
	return StatusOK
}

// operand returns the ALU/branch right-hand operand: the src register's
// value if instr selects a register source, else the sign-extended
// immediate.
func (vm *VM) operand(instr Instruction) uint64 {
	if instr.srcIsReg() {
		return vm.regs[instr.Src]
	}
	return uint64(int64(instr.Immediate))
}

// execALU applies one ALU32/ALU64 instruction, matching the operation
// table in spec.md §4.4. ALU32 operates on and stores back into the low
// 32 bits of the destination register, zero-extending the result into
// the full register per the eBPF ISA's ALU32 convention.
func (vm *VM) execALU(instr Instruction) Status {
	is64 := instr.Class() == ClassALU64
	dst := vm.regs[instr.Dst]
	src := vm.operand(instr)

	var result uint64
	switch instr.opHighNibble() {
	case OpADD:
		result = dst + src
	case OpSUB:
		result = dst - src
	case OpMUL:
		result = dst * src
	case OpDIV:
		if src == 0 {
			return StatusIllegalDiv
		}
		if is64 {
			result = dst / src
		} else {
			result = uint64(uint32(dst) / uint32(src))
		}
	case OpOR:
		result = dst | src
	case OpAND:
		result = dst & src
	case OpLSH:
		if is64 {
			result = dst << (src & 63)
		} else {
			result = uint64(uint32(dst) << (uint32(src) & 31))
		}
	case OpRSH:
		if is64 {
			result = dst >> (src & 63)
		} else {
			result = uint64(uint32(dst) >> (uint32(src) & 31))
		}
	case OpNEG:
		if is64 {
			result = -dst
		} else {
			result = uint64(uint32(-int32(uint32(dst))))
		}
	case OpMOD:
		if src == 0 {
			return StatusIllegalDiv
		}
		if is64 {
			result = dst % src
		} else {
			result = uint64(uint32(dst) % uint32(src))
		}
	case OpXOR:
		result = dst ^ src
	case OpMOV:
		result = src
	case OpARSH:
		if is64 {
			result = uint64(int64(dst) >> (src & 63))
		} else {
			result = uint64(uint32(int32(uint32(dst)) >> (uint32(src) & 31)))
		}
	case OpEND:
		result = byteswap(dst, instr.srcIsReg(), uint32(instr.Immediate))
	default:
		return StatusIllegalInstruction
	}

	if !is64 && instr.opHighNibble() != OpEND {
		result = uint64(uint32(result))
	}
	vm.regs[instr.Dst] = result
	return StatusOK
}

// byteswap implements the BPF_ALU|BPF_END family on a little-endian
// host: TO_LE (src bit clear) truncates v to width bits with no byte
// reordering; TO_BE (src bit set) additionally reverses the byte order
// within width. width is carried in the immediate (16, 32 or 64).
func byteswap(v uint64, toBE bool, width uint32) uint64 {
	var truncated uint64
	switch width {
	case 16:
		truncated = uint64(uint16(v))
	case 32:
		truncated = uint64(uint32(v))
	default:
		truncated = v
	}
	if !toBE {
		return truncated
	}
	switch width {
	case 16:
		return uint64(uint16(truncated)>>8 | uint16(truncated)<<8)
	case 32:
		x := uint32(truncated)
		return uint64(x>>24 | (x>>8)&0xFF00 | (x<<8)&0xFF0000 | x<<24)
	default:
		var swapped uint64
		for i := 0; i < 8; i++ {
			swapped |= ((truncated >> (8 * uint(i))) & 0xFF) << (8 * uint(7-i))
		}
		return swapped
	}
}

// execBranch applies one branch-class instruction. It returns the next
// PC, and if the instruction was EXIT, done=true with result set to the
// signed value of R0.
func (vm *VM) execBranch(instr Instruction, pc int) (next int, result int64, done bool, status Status) {
	switch instr.opHighNibble() {
	case BranchEXIT:
		return 0, int64(vm.regs[resultRegister]), true, StatusOK

	case BranchCALL:
		fn, ok := vm.resolve(uint32(instr.Immediate))
		if !ok {
			return 0, 0, false, StatusIllegalCall
		}
		vm.regs[resultRegister] = fn(vm, vm.regs[1], vm.regs[2], vm.regs[3], vm.regs[4], vm.regs[5])
		return pc + 1, 0, false, StatusOK

	case BranchJA:
		return vm.takeBranch(pc, instr.Offset)

	default:
		dst := vm.regs[instr.Dst]
		src := vm.operand(instr)
		taken := false
		switch instr.opHighNibble() {
		case BranchJEQ:
			taken = dst == src
		case BranchJNE:
			taken = dst != src
		case BranchJGT:
			taken = dst > src
		case BranchJGE:
			taken = dst >= src
		case BranchJLT:
			taken = dst < src
		case BranchJLE:
			taken = dst <= src
		case BranchJSGT:
			taken = int64(dst) > int64(src)
		case BranchJSGE:
			taken = int64(dst) >= int64(src)
		case BranchJSLT:
			taken = int64(dst) < int64(src)
		case BranchJSLE:
			taken = int64(dst) <= int64(src)
		case BranchJSET:
			taken = dst&src != 0
		default:
			return 0, 0, false, StatusIllegalInstruction
		}
		if !taken {
			return pc + 1, 0, false, StatusOK
		}
		return vm.takeBranch(pc, instr.Offset)
	}
}

// takeBranch accounts a taken branch against the budget and returns the
// target PC, or OUT_OF_BRANCHES if the budget is exhausted (spec.md
// §4.4's branch-budget fault, grounded on the original verifier's
// bpf_fuel/branches_remaining counter decremented once per taken
// branch, not per instruction executed).
func (vm *VM) takeBranch(pc int, offset int16) (int, int64, bool, Status) {
	if vm.branchesRemaining == 0 {
		return 0, 0, false, StatusOutOfBranches
	}
	vm.branchesRemaining--
	return pc + 1 + int(offset), 0, false, StatusOK
}
