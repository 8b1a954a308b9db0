package rbpf

// HelperFunc is the fixed shape every helper (host function callable from
// a program by numeric identifier) must have: five 64-bit arguments in,
// one 64-bit result out, per spec.md §4.5. vm is passed through so a
// helper can honor memory-region checks on any pointer arguments it
// dereferences, as spec.md §4.5 requires of host extensions.
type HelperFunc func(vm *VM, a1, a2, a3, a4, a5 uint64) uint64

// Helper call numbers for the four always-present key/value helpers.
// Host extensions (timers, GPIO, ADC, CoAP, ...) register additional
// numbers; those are not part of the core contract beyond registration
// (spec.md §4.5), matching the original C helper table's split between
// builtin_calls.h's four store/fetch helpers and the board-specific
// ffi/*.c helpers kept in original_source/.
const (
	HelperStoreLocal  uint32 = 1
	HelperStoreGlobal uint32 = 2
	HelperFetchLocal  uint32 = 3
	HelperFetchGlobal uint32 = 4
)

// RegisterHelper adds or replaces the helper resolved for call number n.
// It must be called before Preflight, since preflight's call-whitelist
// check (spec.md §4.3) walks the same table: registering a helper after
// PreflightDone is set does not retroactively clear that flag, matching
// the "re-executing after bytecode replacement requires a fresh
// preflight" contract in spec.md §3, extended here to helper-table
// replacement (SPEC_FULL.md §4.5b).
func (vm *VM) RegisterHelper(n uint32, fn HelperFunc) {
	vm.helpers[n] = fn
}

// resolve looks up the helper bound to call number n, or reports ok=false
// if none is registered.
func (vm *VM) resolve(n uint32) (HelperFunc, bool) {
	fn, ok := vm.helpers[n]
	return fn, ok
}

// registerBuiltinHelpers wires the four always-present store/fetch
// helpers (spec.md §4.5) against vm's KVStore.
func (vm *VM) registerBuiltinHelpers() {
	vm.RegisterHelper(HelperStoreLocal, helperStoreLocal)
	vm.RegisterHelper(HelperStoreGlobal, helperStoreGlobal)
	vm.RegisterHelper(HelperFetchLocal, helperFetchLocal)
	vm.RegisterHelper(HelperFetchGlobal, helperFetchGlobal)
}

// store_local/store_global have the shape (key, value) -> status, taking
// the value directly in the argument register — matching the original's
// bpf_store_global(uint32_t key, uint32_t value) guest-side signature
// (original_source/bpf/helpers.h:40-41, used as bpf_store_global(1, 2) in
// original_source/bpf/helper-tests/bpf-store.c:4). fetch_local/fetch_global
// instead have the shape (key, valuePtr) -> status: fetch needs an
// out-param to write the looked-up value back into guest memory
// (helpers.h:42-43's uint32_t *value), so only fetch dereferences a VM
// address through the region table (same as any LDX/STX). Every helper
// returns 0 on success, non-zero on failure (bad pointer for fetch's
// out-param, or key not found), per spec.md §4.5.
const (
	kvStatusOK       uint64 = 0
	kvStatusBadPtr   uint64 = 1
	kvStatusNotFound uint64 = 2
	kvStatusNoStore  uint64 = 3
)

func helperStoreLocal(vm *VM, key, value, _, _, _ uint64) uint64 {
	vm.local.Store(key, value)
	return kvStatusOK
}

func helperFetchLocal(vm *VM, key, valuePtr, _, _, _ uint64) uint64 {
	return fetchKV(vm, vm.local, key, valuePtr)
}

func helperStoreGlobal(vm *VM, key, value, _, _, _ uint64) uint64 {
	if vm.global == nil {
		return kvStatusNoStore
	}
	vm.global.Store(key, value)
	return kvStatusOK
}

func helperFetchGlobal(vm *VM, key, valuePtr, _, _, _ uint64) uint64 {
	if vm.global == nil {
		return kvStatusNoStore
	}
	return fetchKV(vm, vm.global, key, valuePtr)
}

func fetchKV(vm *VM, store KVStore, key, valuePtr uint64) uint64 {
	value, ok := store.Fetch(key)
	if !ok {
		return kvStatusNotFound
	}
	dst, ok := vm.regions.store(valuePtr, 8)
	if !ok {
		return kvStatusBadPtr
	}
	putLEUint64(dst, value)
	return kvStatusOK
}
