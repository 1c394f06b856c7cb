/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package core

import (
	"encoding/binary"
	"testing"
)

// testOffsets is the 24-byte function_descriptor layout every test in
// this file shares.
var testOffsets = OffsetsTable{
	BytecodePtr:    0,
	BytecodeLen:    4,
	ArgCount:       8,
	LocalCount:     12,
	ConstPoolPtr:   16,
	ConstPoolCount: 20,
}

// testHost is a minimal in-memory Host for exercising Controller
// without a real interpreter, mirroring cmd/jitdemo's fakeHost but
// kept separate since test fixtures want direct field access the
// demo's callback-only surface doesn't need (e.g. forcing a probe
// failure by truncating mem out from under a registered function).
type testHost struct {
	mem  []byte
	args map[uint32][]ArgSlot
	ic   map[uint32]*ICTable

	nativePointers    map[uint32]uint32
	osrInstalls       int
	sentinelPublishes int
	failProbe         bool
}

func newTestHost() *testHost {
	return &testHost{
		args:           map[uint32][]ArgSlot{},
		ic:             map[uint32]*ICTable{},
		nativePointers: map[uint32]uint32{},
	}
}

func (h *testHost) alloc(n int) uint32 {
	addr := uint32(len(h.mem))
	h.mem = append(h.mem, make([]byte, n)...)
	return addr
}

func putU32(b []byte, off uint32, v uint32) { binary.LittleEndian.PutUint32(b[off:], v) }

func (h *testHost) registerFunction(argCount, localCount uint16, code []byte) uint32 {
	codeAddr := h.alloc(len(code))
	copy(h.mem[codeAddr:], code)

	funcAddr := h.alloc(24)
	header := h.mem[funcAddr:]
	putU32(header, testOffsets.BytecodePtr, codeAddr)
	putU32(header, testOffsets.BytecodeLen, uint32(len(code)))
	putU32(header, testOffsets.ArgCount, uint32(argCount))
	putU32(header, testOffsets.LocalCount, uint32(localCount))
	putU32(header, testOffsets.ConstPoolPtr, 0)
	putU32(header, testOffsets.ConstPoolCount, 0)
	return funcAddr
}

func (h *testHost) setArgs(funcAddr uint32, args []ArgSlot) { h.args[funcAddr] = args }

func (h *testHost) ReadPhysicalMemory(addr uint32, length uint32) ([]byte, bool) {
	if h.failProbe {
		return nil, false
	}
	if uint64(addr)+uint64(length) > uint64(len(h.mem)) {
		return nil, false
	}
	out := make([]byte, length)
	copy(out, h.mem[addr:addr+length])
	return out, true
}

func (h *testHost) FunctionOffsets() OffsetsTable { return testOffsets }

func (h *testHost) ProbeInlineCaches(funcAddr uint32) *ICTable {
	if t, ok := h.ic[funcAddr]; ok {
		return t
	}
	return NewICTable()
}

func (h *testHost) ReadArguments(argsPtr uint32, argCount uint16) []ArgSlot {
	args := h.args[argsPtr]
	if len(args) > int(argCount) {
		args = args[:argCount]
	}
	return args
}

func (h *testHost) SetNativePointer(funcAddr uint32, nativeAddr uint32) {
	if nativeAddr == DeoptSentinel {
		h.sentinelPublishes++
	}
	h.nativePointers[funcAddr] = nativeAddr
}

func (h *testHost) InstallOSREntry(funcAddr uint32, loopHeaderBytecodeOffset uint32, nativeAddr uint32) {
	h.osrInstalls++
}

func addFunctionCode() []byte {
	return []byte{
		byte(OpGetArg), 0,
		byte(OpGetArg), 1,
		byte(OpAdd),
		byte(OpReturnVal),
	}
}

func driveToCompile(t *testing.T, ctrl *Controller, funcAddr uint32, argCount uint16) {
	t.Helper()
	for i := 0; i < ObserveThreshold+1; i++ {
		ctrl.Hook(funcAddr, funcAddr, argCount)
	}
}

// Seed scenario (a): a trivial two-argument add, called repeatedly
// with Int32 arguments, must compile on the integer tier and publish a
// non-zero native pointer.
func TestControllerCompilesTrivialAdd(t *testing.T) {
	host := newTestHost()
	ctrl, err := NewController(Config{Host: host, MainPoolBytes: 64 * 1024})
	if err != nil {
		t.Fatal(err)
	}
	funcAddr := host.registerFunction(2, 0, addFunctionCode())
	host.setArgs(funcAddr, []ArgSlot{{Tag: ConstInt}, {Tag: ConstInt}})

	driveToCompile(t, ctrl, funcAddr, 2)

	addr, ok := host.nativePointers[funcAddr]
	if !ok || addr == 0 {
		t.Fatalf("expected a published native pointer, got %v ok=%v", addr, ok)
	}
	stats := ctrl.Stats()
	if stats.Compiles != 1 {
		t.Fatalf("expected exactly one compile, got %d", stats.Compiles)
	}
}

// A function observed with at least one Float64 argument must never
// have SetNativePointer called on its behalf, even once it has
// compiled successfully on the float tier.
func TestControllerNeverPublishesFloatTierNativePointer(t *testing.T) {
	host := newTestHost()
	ctrl, err := NewController(Config{Host: host, MainPoolBytes: 64 * 1024})
	if err != nil {
		t.Fatal(err)
	}
	funcAddr := host.registerFunction(2, 0, addFunctionCode())
	host.setArgs(funcAddr, []ArgSlot{{Tag: ConstFloat64}, {Tag: ConstFloat64}})

	driveToCompile(t, ctrl, funcAddr, 2)

	if _, ok := host.nativePointers[funcAddr]; ok {
		t.Fatal("float-tier compile must never call SetNativePointer")
	}
	if _, ok := ctrl.GetFloatNative(funcAddr); !ok {
		t.Fatal("expected a float-tier native entry to be recorded internally")
	}
	if ctrl.Stats().FloatCompiles != 1 {
		t.Fatalf("expected exactly one float compile, got %d", ctrl.Stats().FloatCompiles)
	}
}

// Scenario (e): three bails in a row blacklist the function outright.
func TestControllerBlacklistsAfterThreeBails(t *testing.T) {
	host := newTestHost()
	ctrl, err := NewController(Config{Host: host, MainPoolBytes: 64 * 1024})
	if err != nil {
		t.Fatal(err)
	}
	// OpCall is a recognised-but-unsupported opcode: Analyze() does
	// proceed past it into code generation, but emission bails with
	// BailUnsupportedOpcode, which counts against the bail counter.
	code := []byte{
		byte(OpGetArg), 0,
		byte(OpCall), 0, 0,
		byte(OpReturnVal),
	}
	funcAddr := host.registerFunction(1, 0, code)
	host.setArgs(funcAddr, []ArgSlot{{Tag: ConstInt}})

	// A bail returns the control block to Observed but keeps its call
	// count, so every hook past ObserveThreshold retries the compile;
	// hooking well past the threshold drives it through MaxBailCount
	// bails.
	for attempt := 0; attempt < MaxBailCount; attempt++ {
		for i := 0; i < ObserveThreshold+1; i++ {
			ctrl.Hook(funcAddr, funcAddr, 1)
		}
	}

	cb := ctrl.cbs.Get(funcAddr)
	if cb == nil {
		t.Fatal("expected a control block to exist")
	}
	if cb.State != StateBlacklisted {
		t.Fatalf("expected StateBlacklisted after %d bails, got %v (bail count %d)", MaxBailCount, cb.State, cb.BailCount)
	}
}

// A missing-IC-data bail must never count against the bail counter, so
// a function that only ever fails for that reason is never blacklisted
// by bail count alone.
func TestControllerMissingICDataNeverCountsAsBail(t *testing.T) {
	host := newTestHost()
	ctrl, err := NewController(Config{Host: host, MainPoolBytes: 64 * 1024})
	if err != nil {
		t.Fatal(err)
	}
	code := []byte{
		byte(OpGetArg), 0,
		byte(OpGetField), 0, 0, 0, 0,
		byte(OpReturnVal),
	}
	funcAddr := host.registerFunction(1, 0, code)
	host.setArgs(funcAddr, []ArgSlot{{Tag: ConstInt}})

	for attempt := 0; attempt < MaxBailCount+2; attempt++ {
		for i := 0; i < ObserveThreshold+1; i++ {
			ctrl.Hook(funcAddr, funcAddr, 1)
		}
	}

	cb := ctrl.cbs.Get(funcAddr)
	if cb == nil {
		t.Fatal("expected a control block to exist")
	}
	if cb.State == StateBlacklisted {
		t.Fatal("missing-IC-data bails must never accumulate into a blacklist")
	}
}

// Scenario (d): after MaxDeoptCount deopts the controller gives up on
// a function for good and publishes DeoptSentinel.
func TestControllerBlacklistsAfterMaxDeopts(t *testing.T) {
	host := newTestHost()
	ctrl, err := NewController(Config{Host: host, MainPoolBytes: 64 * 1024})
	if err != nil {
		t.Fatal(err)
	}
	funcAddr := host.registerFunction(2, 0, addFunctionCode())
	host.setArgs(funcAddr, []ArgSlot{{Tag: ConstInt}, {Tag: ConstInt}})
	driveToCompile(t, ctrl, funcAddr, 2)

	if host.nativePointers[funcAddr] == 0 {
		t.Fatal("precondition: function should have compiled")
	}

	for i := 0; i < MaxDeoptCount; i++ {
		ctrl.HandleDeopt(funcAddr, DeoptGuardMiss)
	}

	cb := ctrl.cbs.Get(funcAddr)
	if cb == nil || cb.State != StateBlacklisted {
		t.Fatalf("expected StateBlacklisted after %d deopts, got %v", MaxDeoptCount, cb)
	}
	if host.nativePointers[funcAddr] != DeoptSentinel {
		t.Fatalf("expected DeoptSentinel published, got 0x%x", host.nativePointers[funcAddr])
	}
}

// A deopt short of MaxDeoptCount reverts the function to Observed with
// a reset speculator and a zeroed native pointer, not a blacklist.
func TestControllerSingleDeoptRevertsToObserved(t *testing.T) {
	host := newTestHost()
	ctrl, err := NewController(Config{Host: host, MainPoolBytes: 64 * 1024})
	if err != nil {
		t.Fatal(err)
	}
	funcAddr := host.registerFunction(2, 0, addFunctionCode())
	host.setArgs(funcAddr, []ArgSlot{{Tag: ConstInt}, {Tag: ConstInt}})
	driveToCompile(t, ctrl, funcAddr, 2)

	ctrl.HandleDeopt(funcAddr, DeoptGuardMiss)

	cb := ctrl.cbs.Get(funcAddr)
	if cb == nil || cb.State != StateObserved {
		t.Fatalf("expected StateObserved after one deopt, got %v", cb)
	}
	if cb.Spec.CallCount() != 0 {
		t.Fatalf("expected a reset speculator, got call count %d", cb.Spec.CallCount())
	}
	if host.nativePointers[funcAddr] != 0 {
		t.Fatalf("expected native pointer cleared to 0, got 0x%x", host.nativePointers[funcAddr])
	}
}

// A probe failure must leave the bail counter untouched, per
// countsAgainstBailCounter's exemption for BailProbeFailure.
func TestControllerProbeFailureNeverCountsAsBail(t *testing.T) {
	host := newTestHost()
	host.failProbe = true
	ctrl, err := NewController(Config{Host: host, MainPoolBytes: 64 * 1024})
	if err != nil {
		t.Fatal(err)
	}
	funcAddr := host.registerFunction(2, 0, addFunctionCode())
	host.setArgs(funcAddr, []ArgSlot{{Tag: ConstInt}, {Tag: ConstInt}})

	for attempt := 0; attempt < MaxBailCount+2; attempt++ {
		for i := 0; i < ObserveThreshold+1; i++ {
			ctrl.Hook(funcAddr, funcAddr, 2)
		}
	}

	cb := ctrl.cbs.Get(funcAddr)
	if cb == nil {
		t.Fatal("expected a control block to exist")
	}
	if cb.State == StateBlacklisted {
		t.Fatal("repeated probe failures alone must never blacklist a function")
	}
}

// An all-Any function given enough calls without useful type
// information is blacklisted outright rather than left to retry
// forever.
func TestControllerBlacklistsAllAnyAfterCooldown(t *testing.T) {
	host := newTestHost()
	ctrl, err := NewController(Config{Host: host, MainPoolBytes: 64 * 1024})
	if err != nil {
		t.Fatal(err)
	}
	funcAddr := host.registerFunction(1, 0, addFunctionCode())
	host.setArgs(funcAddr, []ArgSlot{{Tag: ConstNull}})

	for i := 0; i < BlacklistCooldownCalls+2; i++ {
		ctrl.Hook(funcAddr, funcAddr, 1)
	}

	cb := ctrl.cbs.Get(funcAddr)
	if cb == nil || cb.State != StateBlacklisted {
		t.Fatalf("expected an all-Any function to blacklist after cooldown, got %v", cb)
	}
}

func TestControllerAllAnyWaitsOutCooldownBeforeBlacklisting(t *testing.T) {
	host := newTestHost()
	ctrl, err := NewController(Config{Host: host, MainPoolBytes: 64 * 1024})
	if err != nil {
		t.Fatal(err)
	}
	funcAddr := host.registerFunction(1, 0, addFunctionCode())
	host.setArgs(funcAddr, []ArgSlot{{Tag: ConstNull}})

	for i := 0; i < BlacklistCooldownCalls; i++ {
		ctrl.Hook(funcAddr, funcAddr, 1)

		cb := ctrl.cbs.Get(funcAddr)
		if cb == nil || cb.State == StateBlacklisted {
			t.Fatalf("call %d: an all-Any function must not blacklist before the cooldown elapses, got %v", i, cb)
		}
	}
}

// The call that triggers a successful integer compile already returns
// 1: the interpreter dispatches natively without another threshold
// crossing.
func TestControllerHookReturnsOneOnCompilingCall(t *testing.T) {
	host := newTestHost()
	ctrl, err := NewController(Config{Host: host, MainPoolBytes: 64 * 1024})
	if err != nil {
		t.Fatal(err)
	}
	funcAddr := host.registerFunction(2, 0, addFunctionCode())
	host.setArgs(funcAddr, []ArgSlot{{Tag: ConstInt}, {Tag: ConstInt}})

	var rets []int
	for i := 0; i < ObserveThreshold+1; i++ {
		rets = append(rets, ctrl.Hook(funcAddr, funcAddr, 2))
	}
	for i := 0; i < ObserveThreshold-1; i++ {
		if rets[i] != 0 {
			t.Fatalf("call %d: expected 0 while observing, got %d", i, rets[i])
		}
	}
	if rets[ObserveThreshold-1] != 1 {
		t.Fatalf("the threshold-crossing call must return 1 after compiling, got %d", rets[ObserveThreshold-1])
	}
	if rets[ObserveThreshold] != 1 {
		t.Fatalf("a call after compilation must return 1, got %d", rets[ObserveThreshold])
	}
}

// Scenario (c)'s controller half: generated code raised the deopt
// flag; the next hook invocation clears it, deopts the function, and
// returns 0.
func TestControllerPollsDeoptFlagOnHook(t *testing.T) {
	host := newTestHost()
	ctrl, err := NewController(Config{Host: host, MainPoolBytes: 64 * 1024})
	if err != nil {
		t.Fatal(err)
	}
	funcAddr := host.registerFunction(2, 0, addFunctionCode())
	host.setArgs(funcAddr, []ArgSlot{{Tag: ConstInt}, {Tag: ConstInt}})
	driveToCompile(t, ctrl, funcAddr, 2)

	cb := ctrl.cbs.Get(funcAddr)
	if cb == nil || cb.State != StateCompiled || cb.DeoptSlot < 0 {
		t.Fatalf("precondition: expected a compiled block with a deopt slot, got %+v", cb)
	}
	ctrl.deopt.MarkSlot(cb.DeoptSlot)

	if ret := ctrl.Hook(funcAddr, funcAddr, 2); ret != 0 {
		t.Fatalf("a flagged function must fall back to the interpreter, got %d", ret)
	}
	if host.nativePointers[funcAddr] != 0 {
		t.Fatalf("deopt must clear the published pointer, got 0x%x", host.nativePointers[funcAddr])
	}
	cb = ctrl.cbs.Get(funcAddr)
	if cb == nil || cb.State != StateObserved || cb.DeoptCount != 1 {
		t.Fatalf("expected StateObserved with one deopt counted, got %+v", cb)
	}
	if ctrl.Stats().Deopts != 1 {
		t.Fatalf("expected one recorded deopt, got %d", ctrl.Stats().Deopts)
	}
}

// After a pool-GC the next threshold crossing reinstalls the cached
// blob instead of recompiling: the compile counter stays where it was.
func TestControllerReinstallsFromCacheAfterPoolGC(t *testing.T) {
	host := newTestHost()
	ctrl, err := NewController(Config{Host: host, MainPoolBytes: 64 * 1024})
	if err != nil {
		t.Fatal(err)
	}
	funcAddr := host.registerFunction(2, 0, addFunctionCode())
	host.setArgs(funcAddr, []ArgSlot{{Tag: ConstInt}, {Tag: ConstInt}})
	driveToCompile(t, ctrl, funcAddr, 2)
	if ctrl.Stats().Compiles != 1 {
		t.Fatalf("precondition: expected one compile, got %d", ctrl.Stats().Compiles)
	}

	ctrl.poolGC()
	if host.nativePointers[funcAddr] != 0 {
		t.Fatal("pool-GC must clear the published pointer before the reset")
	}
	if ctrl.pool.Used() != 0 {
		t.Fatal("pool-GC must rewind the bump allocator")
	}

	if ret := ctrl.Hook(funcAddr, funcAddr, 2); ret != 1 {
		t.Fatalf("the post-GC threshold crossing must reinstall and return 1, got %d", ret)
	}
	if host.nativePointers[funcAddr] == 0 {
		t.Fatal("expected the native pointer republished from the cache")
	}
	if got := ctrl.Stats().Compiles; got != 1 {
		t.Fatalf("a cache reinstall must not recompile, compile count went to %d", got)
	}
}

// Deopt idempotence: repeated deopts without an intervening compile
// publish the sentinel exactly once.
func TestControllerDeoptSentinelPublishedOnce(t *testing.T) {
	host := newTestHost()
	ctrl, err := NewController(Config{Host: host, MainPoolBytes: 64 * 1024})
	if err != nil {
		t.Fatal(err)
	}
	funcAddr := host.registerFunction(2, 0, addFunctionCode())
	host.setArgs(funcAddr, []ArgSlot{{Tag: ConstInt}, {Tag: ConstInt}})
	driveToCompile(t, ctrl, funcAddr, 2)

	for i := 0; i < MaxDeoptCount+2; i++ {
		ctrl.HandleDeopt(funcAddr, DeoptGuardMiss)
	}
	if host.sentinelPublishes != 1 {
		t.Fatalf("the sentinel must be published exactly once, got %d writes", host.sentinelPublishes)
	}

	cb := ctrl.cbs.Get(funcAddr)
	if cb == nil || cb.State != StateBlacklisted {
		t.Fatalf("expected a blacklisted block, got %+v", cb)
	}
	if host.nativePointers[funcAddr] != DeoptSentinel {
		t.Fatalf("expected the sentinel to stay published, got 0x%x", host.nativePointers[funcAddr])
	}
	if ret := ctrl.Hook(funcAddr, funcAddr, 2); ret != 0 {
		t.Fatalf("a blacklisted function must return 0 from the hook, got %d", ret)
	}
}

func TestControllerClearResetsEverything(t *testing.T) {
	host := newTestHost()
	ctrl, err := NewController(Config{Host: host, MainPoolBytes: 64 * 1024})
	if err != nil {
		t.Fatal(err)
	}
	funcAddr := host.registerFunction(2, 0, addFunctionCode())
	host.setArgs(funcAddr, []ArgSlot{{Tag: ConstInt}, {Tag: ConstInt}})
	driveToCompile(t, ctrl, funcAddr, 2)

	if ctrl.cbs.Get(funcAddr) == nil {
		t.Fatal("precondition: expected a live control block")
	}

	if err := ctrl.Clear(); err != nil {
		t.Fatal(err)
	}
	if ctrl.cbs.Get(funcAddr) != nil {
		t.Fatal("Clear must drop every control block")
	}
	if ctrl.cache.Len() != 0 {
		t.Fatal("Clear must reset the code cache")
	}
	if ctrl.pool.Used() != 0 {
		t.Fatal("Clear must reset the code pool")
	}
	if host.nativePointers[funcAddr] != 0 {
		t.Fatalf("Clear must clear the interpreter's native pointer before the pool reset, got 0x%x", host.nativePointers[funcAddr])
	}
}
