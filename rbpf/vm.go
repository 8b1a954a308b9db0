package rbpf

import "github.com/pkg/errors"

// StackSize is the fixed size, in bytes, of the stack region every VM
// instance owns for the duration of one execution (spec.md §3).
const StackSize = 512

// NumRegisters is the number of general-purpose registers, R0 through
// R10 (R10 being the frame pointer), per spec.md §3.
const NumRegisters = 11

// Internal VM instance flags (spec.md §3's "Configuration flags"). These
// share a namespace with the container's own Header.Flags — copied in at
// construction time — matching the original C implementation's reuse of
// one bitfield for both producer-set and runtime-set bits
// (original_source/.../femtocontainer.h: FC_FLAG_SETUP_DONE,
// FC_FLAG_PREFLIGHT_DONE, FC_CONFIG_NO_RETURN all live in femtoc->flags).
const (
	flagSetupDone     uint32 = 0x01
	flagPreflightDone uint32 = 0x02
	flagNoReturn      uint32 = NoReturnFlag
)

// VM is one instance of the bytecode interpreter: a loaded program, its
// register file and stack, the memory-region chain memory accesses are
// checked against, and the helper table calls are dispatched through.
//
// A VM is a normal value the caller owns and tears down itself — there
// is no package-level singleton, per spec.md §9's "re-architect as a
// normal value" design note, which explicitly calls out the teacher's
// "global VM singleton for the server path" as something to not
// reproduce.
type VM struct {
	header Header
	data   []byte
	rodata []byte
	text   []byte

	regs  [NumRegisters]uint64
	stack [StackSize]byte

	flags             uint32
	branchesRemaining uint32
	branchBudget      uint32

	regions regionTable
	helpers map[uint32]HelperFunc

	local  *MapStore
	global *MapStore
}

// ErrNotSetup is returned by operations that require Setup to have run
// first (spec.md §4.4's "Preconditions: SETUP_DONE").
var ErrNotSetup = errors.New("rbpf: vm not set up")

// New constructs a VM from a parsed program container blob. It does not
// run Setup or Preflight; call Setup before Execute, and Preflight
// before trusting an untrusted program (spec.md §3's VM instance
// lifecycle).
func New(blob []byte) (*VM, error) {
	header, err := ParseHeader(blob)
	if err != nil {
		return nil, err
	}
	data, err := Data(blob)
	if err != nil {
		return nil, err
	}
	rodata, err := Rodata(blob)
	if err != nil {
		return nil, err
	}
	text, err := Text(blob)
	if err != nil {
		return nil, err
	}

	vm := &VM{
		header:       header,
		data:         data,
		rodata:       rodata,
		text:         text,
		flags:        header.Flags,
		branchBudget: defaultBranchBudget,
		helpers:      make(map[uint32]HelperFunc, 8),
		local:        NewMapStore(),
	}
	vm.registerBuiltinHelpers()
	return vm, nil
}

// defaultBranchBudget is used when a caller doesn't call
// SetBranchBudget before Execute.
const defaultBranchBudget = 1 << 20

// SetBranchBudget sets the number of taken branches Execute will permit
// before terminating with OUT_OF_BRANCHES (spec.md §3's
// branches_remaining knob). It must be called before Execute/ExecuteCtx;
// each call to Execute/ExecuteCtx reloads branchesRemaining from this
// budget.
func (vm *VM) SetBranchBudget(n uint32) {
	vm.branchBudget = n
}

// ForceNoReturn sets the NO_RETURN configuration flag regardless of what
// the loaded container's header carried, letting a caller run a program
// that doesn't end in EXIT (e.g. one invoked purely for its side effects
// through helpers) without re-encoding the container.
func (vm *VM) ForceNoReturn() {
	vm.flags |= flagNoReturn
}

// SetGlobalStore binds the KVStore backing store_global/fetch_global to
// store, typically one shared via a StoreSet, letting independent VM instances
// agree on a shared "global" scope without any of them owning it.
func (vm *VM) SetGlobalStore(store *MapStore) {
	vm.global = store
}

// Setup builds the default memory-region chain — stack RW, data RW,
// rodata R, arg RW (initially empty) — in that link order, per spec.md
// §4.2. Calling Setup again (e.g. after replacing the program's data
// section) rebuilds the chain from scratch but preserves any helpers
// registered via RegisterHelper.
func (vm *VM) Setup() {
	vm.regions.reset(vm.stack[:], vm.data, vm.rodata)
	vm.flags |= flagSetupDone
}

// AddRegion registers an additional memory region backed by buf,
// inserted into the chain after the arg/ctx region (spec.md §4.2's
// add_region). It returns the virtual address assigned to buf[0] — the
// value the caller should place somewhere the guest program can read it
// (typically packed into the arg/ctx region) if the guest needs to
// address this region directly.
func (vm *VM) AddRegion(buf []byte, flags RegionFlag) (uint64, error) {
	if vm.flags&flagSetupDone == 0 {
		return 0, ErrNotSetup
	}
	return vm.regions.add(buf, flags), nil
}

// StoreLoadAllowed reports whether a width-byte access at addr would be
// granted by the current region chain for reading or for writing (true
// if either mode is granted) — the public
// store_load_allowed(vm, addr, len) probe from spec.md §6, useful for a
// host helper that wants to validate a pointer argument before
// dereferencing it itself.
func (vm *VM) StoreLoadAllowed(addr uint64, width uint64) bool {
	return vm.regions.check(addr, width, RegionRead) || vm.regions.check(addr, width, RegionWrite)
}

// resultRegister is R0, which carries EXIT's return value (spec.md §3).
const resultRegister = 0

// framePointerRegister is R10 (spec.md §3).
const framePointerRegister = 10

// argRegister is R1, which carries the arg/ctx address on entry
// (spec.md §3).
const argRegister = 1

// resetState establishes the initial register and counter state common
// to Execute and ExecuteCtx (spec.md §4.4's "Initial state").
func (vm *VM) resetState() {
	for i := range vm.regs {
		vm.regs[i] = 0
	}
	vm.regs[framePointerRegister] = stackBase + StackSize
	vm.regs[argRegister] = vm.regions.argAddr()
	vm.branchesRemaining = vm.branchBudget
}

// Execute runs the loaded program with no argument context bound: the
// arg/ctx region is cleared before the run, and R1 is 0 on entry
// (spec.md §4.4). Preconditions: Setup must have run.
func (vm *VM) Execute() (Status, int64) {
	if vm.flags&flagSetupDone == 0 {
		return StatusIllegalInstruction, 0
	}
	vm.regions.setArg(nil, 0)
	vm.resetState()
	return vm.run()
}

// ExecuteCtx runs the loaded program with ctx bound as the arg/ctx
// region (read-write), so R1 addresses ctx on entry (spec.md §4.4).
// Preconditions: Setup must have run.
func (vm *VM) ExecuteCtx(ctx []byte) (Status, int64) {
	if vm.flags&flagSetupDone == 0 {
		return StatusIllegalInstruction, 0
	}
	vm.regions.setArg(ctx, RegionRead|RegionWrite)
	vm.resetState()
	return vm.run()
}
