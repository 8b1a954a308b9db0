package rbpf

// Preflight performs the one-shot static check over vm's text section
// described in spec.md §4.3: instruction-length sanity, register bounds,
// jump-target bounds, call-number whitelisting, and the trailing-EXIT
// requirement (skipped when NoReturn is set). It is idempotent via the
// PreflightDone flag — a second call returns the same status without
// re-walking the text section, matching the teacher's idempotent-setup
// convention and the original verifier's own early return on
// FC_FLAG_PREFLIGHT_DONE (original_source/femto-containers/src/verify.c).
//
// Checks NOT performed here, by design (spec.md §4.3): type/state flow,
// pointer provenance, division-by-zero (caught at runtime), stack depth.
func (vm *VM) Preflight() Status {
	if vm.flags&flagPreflightDone != 0 {
		return StatusOK
	}

	text := vm.text
	if len(text)%instructionSize != 0 {
		return StatusIllegalLen
	}

	n := len(text) / instructionSize
	for idx := 0; idx < n; idx++ {
		instr := decodeInstruction(text[idx*instructionSize:])

		if instr.Dst > 10 || instr.Src > 10 {
			return StatusIllegalRegister
		}

		if instr.Opcode == OpcodeLDDW {
			// Consumes the following slot: its opcode/dst/src/offset are
			// conventionally zero and carry no independent meaning.
			idx++
			continue
		}

		if instr.Class() == ClassBranch || instr.Class() == ClassJMP32 {
			if instr.Class() == ClassJMP32 {
				// spec.md §9 open question (b): JMP32 is unused in the
				// corpus this VM is modeled on; treat it as unsupported.
				return StatusIllegalInstruction
			}

			switch instr.opHighNibble() {
			case BranchEXIT:
				// No jump target to validate.
			case BranchCALL:
				if _, ok := vm.helpers[uint32(instr.Immediate)]; !ok {
					return StatusIllegalCall
				}
			default:
				target := idx + 1 + int(instr.Offset)
				if target < 0 || target >= n {
					return StatusIllegalJump
				}
			}
		}
	}

	if vm.flags&flagNoReturn == 0 {
		if n == 0 || decodeInstruction(text[(n-1)*instructionSize:]).Opcode != OpcodeEXIT {
			return StatusNoReturn
		}
	}

	vm.flags |= flagPreflightDone
	return StatusOK
}
