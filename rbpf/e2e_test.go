package rbpf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndToEndTrailingReturn(t *testing.T) {
	vm := newTestVM(t, []Instruction{
		{Opcode: ClassALU64 | OpMOV<<4, Dst: 0, Immediate: 42},
		{Opcode: OpcodeEXIT},
	})
	require.True(t, vm.Preflight().OK())
	status, result := vm.Execute()
	assert.True(t, status.OK())
	assert.Equal(t, int64(42), result)
}

func TestEndToEndOutOfRangeJumpRejected(t *testing.T) {
	vm := newTestVM(t, []Instruction{
		{Opcode: ClassBranch | BranchJA<<4, Offset: 100},
		{Opcode: OpcodeEXIT},
	})
	assert.Equal(t, StatusIllegalJump, vm.Preflight())
}

func TestEndToEndUnknownCallRejected(t *testing.T) {
	vm := newTestVM(t, []Instruction{
		{Opcode: OpcodeCALL, Immediate: 9999},
		{Opcode: OpcodeEXIT},
	})
	assert.Equal(t, StatusIllegalCall, vm.Preflight())
}

func TestEndToEndMemoryCheckEnforcement(t *testing.T) {
	vm := newTestVM(t, []Instruction{
		{Opcode: ClassLDX | SizeB, Dst: 0, Src: 1, Offset: 0},
		{Opcode: OpcodeEXIT},
	})
	require.True(t, vm.Preflight().OK())

	status, _ := vm.Execute()
	assert.Equal(t, StatusIllegalMem, status)

	status, result := vm.ExecuteCtx([]byte{0xAB})
	require.True(t, status.OK(), "status=%s", status)
	assert.Equal(t, int64(0xAB), result)
}

func TestEndToEndBranchBudgetUnderAndOverSupply(t *testing.T) {
	build := func() *VM {
		return newTestVM(t, []Instruction{
			{Opcode: ClassALU64 | OpMOV<<4, Dst: 0, Immediate: 0},
			{Opcode: ClassALU64 | OpADD<<4, Dst: 0, Immediate: 1},
			{Opcode: ClassBranch | BranchJNE<<4, Dst: 0, Immediate: 10000, Offset: -2},
			{Opcode: OpcodeEXIT},
		})
	}

	underBudgeted := build()
	underBudgeted.SetBranchBudget(100)
	require.True(t, underBudgeted.Preflight().OK())
	status, _ := underBudgeted.Execute()
	assert.Equal(t, StatusOutOfBranches, status)

	overBudgeted := build()
	overBudgeted.SetBranchBudget(20000)
	require.True(t, overBudgeted.Preflight().OK())
	status, result := overBudgeted.Execute()
	require.True(t, status.OK(), "status=%s", status)
	assert.Equal(t, int64(10000), result)
}

func TestEndToEndDivisionByZero(t *testing.T) {
	vm := newTestVM(t, []Instruction{
		{Opcode: ClassALU64 | OpMOV<<4, Dst: 0, Immediate: 10},
		{Opcode: ClassALU64 | OpMOV<<4, Dst: 1, Immediate: 0},
		{Opcode: ClassALU64 | OpDIV<<4 | 0x08, Dst: 0, Src: 1},
		{Opcode: OpcodeEXIT},
	})
	require.True(t, vm.Preflight().OK())
	status, _ := vm.Execute()
	assert.Equal(t, StatusIllegalDiv, status)
}

func TestEndToEndContainerRoundTrip(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	rodata := []byte{9, 9}
	instrs := []Instruction{
		{Opcode: ClassALU64 | OpMOV<<4, Dst: 0, Immediate: 1},
		{Opcode: OpcodeEXIT},
	}
	blob := EncodeInstructions(Header{Version: 3}, data, rodata, instrs)

	gotData, err := Data(blob)
	require.NoError(t, err)
	gotRodata, err := Rodata(blob)
	require.NoError(t, err)
	gotText, err := Text(blob)
	require.NoError(t, err)

	assert.Equal(t, data, gotData)
	assert.Equal(t, rodata, gotRodata)

	wantText := make([]byte, len(instrs)*instructionSize)
	for i, instr := range instrs {
		encodeInstruction(instr, wantText[i*instructionSize:])
	}
	assert.Equal(t, wantText, gotText)
}

func TestEndToEndHelperRegistrationFlipsPreflightResult(t *testing.T) {
	vm := newTestVM(t, []Instruction{
		{Opcode: OpcodeCALL, Immediate: 555},
		{Opcode: OpcodeEXIT},
	})
	require.Equal(t, StatusIllegalCall, vm.Preflight())

	vm.RegisterHelper(555, func(*VM, uint64, uint64, uint64, uint64, uint64) uint64 { return 0 })
	assert.True(t, vm.Preflight().OK())
}

func TestEndToEndGlobalStoreSharedAcrossVMInstances(t *testing.T) {
	set := NewStoreSet()
	shared := set.Get("ctx-scope")

	storeProgram := func(store *MapStore) *VM {
		vm := newTestVM(t, []Instruction{
			{Opcode: ClassALU64 | OpMOV<<4, Dst: 1, Immediate: 1},  // key
			{Opcode: ClassALU64 | OpMOV<<4, Dst: 2, Immediate: 77}, // value, passed directly
			{Opcode: OpcodeCALL, Immediate: int32(HelperStoreGlobal)},
			{Opcode: OpcodeEXIT},
		})
		vm.SetGlobalStore(store)
		return vm
	}
	writer := storeProgram(shared)
	require.True(t, writer.Preflight().OK())
	status, _ := writer.Execute()
	require.True(t, status.OK(), "status=%s", status)

	reader := newTestVM(t, []Instruction{
		// r3 = r10 - 8 (a scratch stack slot for fetch's out-param pointer)
		{Opcode: ClassALU64 | OpMOV<<4 | 0x08, Dst: 3, Src: 10},
		{Opcode: ClassALU64 | OpSUB<<4, Dst: 3, Immediate: 8},
		{Opcode: ClassALU64 | OpMOV<<4, Dst: 1, Immediate: 1},  // key
		{Opcode: ClassALU64 | OpMOV<<4 | 0x08, Dst: 2, Src: 3}, // valuePtr
		{Opcode: OpcodeCALL, Immediate: int32(HelperFetchGlobal)},
		{Opcode: ClassLDX | SizeDW, Dst: 0, Src: 3},
		{Opcode: OpcodeEXIT},
	})
	reader.SetGlobalStore(set.Get("ctx-scope"))
	require.True(t, reader.Preflight().OK())
	status, result := reader.Execute()
	require.True(t, status.OK(), "status=%s", status)
	assert.Equal(t, int64(77), result)
}

func TestEndToEndFetchMissingKeyReturnsNotFoundSentinelWithoutFaulting(t *testing.T) {
	vm := newTestVM(t, []Instruction{
		{Opcode: ClassALU64 | OpMOV<<4 | 0x08, Dst: 2, Src: 10},
		{Opcode: ClassALU64 | OpSUB<<4, Dst: 2, Immediate: 8},
		{Opcode: ClassALU64 | OpMOV<<4, Dst: 1, Immediate: 404},
		{Opcode: OpcodeCALL, Immediate: int32(HelperFetchLocal)},
		{Opcode: OpcodeEXIT},
	})
	require.True(t, vm.Preflight().OK())
	status, result := vm.Execute()
	require.True(t, status.OK(), "fetch on a missing key must not fault the VM")
	assert.Equal(t, int64(kvStatusNotFound), result)
}
