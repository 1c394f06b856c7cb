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

// Controller is the per-isolate JIT controller implementing hook(): the
// single chokepoint the interpreter's call gate invokes on every call,
// deciding whether to keep interpreting, start observing, compile, or
// hand back a native entry point.
type Controller struct {
	host   Host
	cbs    *ControlBlockTable
	pool   *CodePool
	cache  *CodeCache
	deopt  *DeoptFlagPage
	tramp  *DeoptTrampoline
	stats  *Stats
	tracer *Tracer

	// floatNative holds float-tier entry points, queryable by the host
	// but never published via SetNativePointer.
	floatNative map[uint32]uint32

	// tick is the fallback last-access clock when the host provides no
	// TickSource: a plain counter incremented per hook call.
	tick uint64
}

// NewController wires one isolate's JIT pipeline together.
func NewController(cfg Config) (*Controller, error) {
	cfg = cfg.WithDefaults()
	pool, err := NewCodePool(cfg.MainPoolBytes)
	if err != nil {
		return nil, err
	}
	c := &Controller{
		host:        cfg.Host,
		cbs:         NewControlBlockTable(),
		pool:        pool,
		cache:       NewCodeCache(),
		deopt:       NewDeoptFlagPage(),
		stats:       &Stats{},
		tracer:      NewTracer(cfg.TraceWriter),
		floatNative: map[uint32]uint32{},
	}
	c.tramp = NewDeoptTrampoline(c.onDeopt)
	return c, nil
}

// Hook is the call-gate entry point: hook(function_descriptor_address,
// arguments_pointer, argument_count) -> 0|1. A 1 return means native
// code is installed and the caller should dispatch to it immediately;
// 0 means keep interpreting this call.
func (c *Controller) Hook(funcAddr uint32, argsPtr uint32, argCount uint16) int {
	ready, result := c.observe(funcAddr, argsPtr, argCount)
	if !ready {
		return result
	}
	cb := c.cbs.Get(funcAddr)
	if cb == nil {
		return 0
	}
	c.tryCompile(cb)
	// an integer-tier success publishes within the same hook call, so
	// the interpreter can dispatch natively without a further threshold
	// crossing
	if cur := c.cbs.Get(funcAddr); cur != nil && cur.State == StateCompiled {
		return 1
	}
	return 0
}

// InstallHook hands this controller's Hook to the host, if the host
// accepts callback registration (see HookInstaller). Hosts that call
// Hook directly can skip this.
func (c *Controller) InstallHook() {
	if installer, ok := c.host.(HookInstaller); ok {
		installer.InstallHook(c.Hook)
	}
}

// nowTicks is the last-access clock: the host's monotonic tick source
// when it provides one, a per-controller counter otherwise.
func (c *Controller) nowTicks() uint64 {
	if ts, ok := c.host.(TickSource); ok {
		return ts.NowTicks()
	}
	c.tick++
	return c.tick
}

// observe runs every part of the hook() state machine up to, but not
// including, the compile attempt itself: it creates or updates cb,
// handles the Blacklisted/Compiled-dispatch/Compiled-deopt cases
// fully, and for Unobserved/Observed reports whether cb just crossed
// ObserveThreshold. This split lets a scheduler-driven caller
// (IsolateJIT's pending worklist) defer the actual compile instead of
// running it inline the way the main Hook() path does.
func (c *Controller) observe(funcAddr uint32, argsPtr uint32, argCount uint16) (readyToCompile bool, result int) {
	cb := c.cbs.Get(funcAddr)
	if cb == nil {
		cb = &ControlBlock{FuncAddr: funcAddr, State: StateObserved, Spec: NewSpeculator(int(argCount)), DeoptSlot: -1, LastAccess: c.nowTicks()}
		cb.Spec.Observe(c.host.ReadArguments(argsPtr, argCount))
		c.cbs.Put(cb)
		return false, 0
	}
	cb.LastAccess = c.nowTicks()

	switch cb.State {
	case StateBlacklisted:
		return false, 0

	case StateCompiled:
		if c.deopt.CheckAndClear(cb.DeoptSlot) {
			c.HandleDeopt(funcAddr, DeoptFlagPageHit)
			return false, 0
		}
		return false, 1

	case StateUnobserved, StateObserved:
		args := c.host.ReadArguments(argsPtr, argCount)
		cb.Spec.Observe(args)

		if cb.Spec.AllAny() {
			// An all-Any function never gets a compile attempt: it sits
			// out the cooldown window first, in case the early calls
			// were unrepresentative, and only then gets blacklisted.
			if cb.Spec.CallCount() > BlacklistCooldownCalls {
				c.blacklist(cb)
			}
			return false, 0
		}
		if cb.Spec.CallCount() < ObserveThreshold {
			return false, 0
		}
		return true, 0
	}
	return false, 0
}

// CompileOnce runs a single unconditional compile attempt for funcAddr,
// the JIT→host "service_isolate_jit" entry point's unit of work: the
// host scheduler calls this once it has seen observe() report the
// function ready, without the inline compile Hook() performs for a
// directly-hooked controller.
func (c *Controller) CompileOnce(funcAddr uint32) {
	if cb := c.cbs.Get(funcAddr); cb != nil && cb.State != StateBlacklisted && cb.State != StateCompiled {
		c.tryCompile(cb)
	}
}

func (c *Controller) blacklist(cb *ControlBlock) {
	c.releaseDeoptSlot(cb)
	next := transitionTo(cb, StateBlacklisted)
	next.DeoptSlot = -1
	next.CodeAddr = 0
	c.cbs.Put(next)
	c.tracer.Emit(TraceEvent{FuncAddr: cb.FuncAddr, Kind: "blacklist"})
}

func (c *Controller) releaseDeoptSlot(cb *ControlBlock) {
	if cb.DeoptSlot >= 0 {
		c.deopt.ReleaseSlot(cb.DeoptSlot)
	}
}

// tryCompile runs one compile attempt for cb's function. An
// integer-tier success installs a Compiled control block with a live
// native entry published to the host; a float-tier success records the
// entry point in floatNative only, leaving the control block Observed
// so Hook() keeps returning 0 and the host's native-pointer slot stays
// untouched. An integer-tier failure increments the bail counter
// (unless the failure is a missing-IC-data or probe bail, which never
// count) and blacklists once the count reaches MaxBailCount, or immediately
// on a corrupt-bytecode bail; a float-tier failure never costs the
// function anything — Float64 arguments are no reason to give up on it.
func (c *Controller) tryCompile(cb *ControlBlock) {
	if _, ok := c.floatNative[cb.FuncAddr]; ok {
		// a float-tier entry is already live; the control block stays
		// Observed by design, so don't re-emit on every further call
		return
	}

	off := c.host.FunctionOffsets()
	reader, err := NewReader(cb.FuncAddr, off, c.host.ReadPhysicalMemory)
	if err != nil {
		c.failCompile(cb, err)
		return
	}

	identity := FunctionIdentity{BytecodeHash: bytecodeHash(reader.Code), ArgCount: reader.ArgCount, LocalCount: reader.LocalCount}
	if entry, ok := c.cache.Get(identity); ok {
		c.installCached(cb, entry)
		return
	}

	var tier Tier
	switch {
	case cb.Spec.AllIntegerLike():
		tier = TierInteger
	case cb.Spec.HasFloat64():
		tier = TierFloat
	default:
		// Some argument degraded to Any while others stayed concrete:
		// no tier fits. Wait out the same cooldown the all-Any case
		// gets before writing the function off.
		if cb.Spec.CallCount() > BlacklistCooldownCalls {
			c.blacklist(cb)
		}
		return
	}

	pa, err := Analyze(reader)
	if err != nil {
		c.failCompile(cb, err)
		return
	}
	ra := Allocate(pa)
	ic := c.host.ProbeInlineCaches(cb.FuncAddr)

	// The slot must exist before code generation: its absolute address
	// is baked into every guard-miss path the generator emits. It stays
	// claimed across deopts and recompiles so cached blobs keep writing
	// to the byte they were compiled against.
	if cb.DeoptSlot < 0 {
		slot, slotErr := c.deopt.AllocSlot()
		if slotErr != nil {
			c.failCompile(cb, bail(BailPoolExhausted, slotErr.Error()))
			return
		}
		cb.DeoptSlot = slot
	}

	var result *CodeGenResult
	if tier == TierFloat {
		result, err = GenerateFloat(reader, pa, ra, ic, c.deopt.SlotAddr(cb.DeoptSlot))
	} else {
		result, err = GenerateInteger(reader, pa, ra, ic, c.deopt.SlotAddr(cb.DeoptSlot))
	}
	if err != nil {
		if tier == TierFloat {
			// never blacklist a function solely because its arguments
			// are Float64
			c.stats.RecordBail()
			c.tracer.Emit(TraceEvent{FuncAddr: cb.FuncAddr, Kind: "bail", Tier: "float", BailReason: err.Error()})
			return
		}
		c.failCompile(cb, err)
		return
	}

	codeAddr, ok := c.placeInPool(cb, result.Writer.Code)
	if !ok {
		return
	}

	entry := CodeCacheEntry{
		Identity:   identity,
		Code:       append([]byte(nil), result.Writer.Code...),
		OSREntries: result.OSREntries,
		Tier:       tier,
	}
	c.cache.Put(entry)

	if tier == TierFloat {
		c.floatNative[cb.FuncAddr] = codeAddr
		c.stats.RecordFloatCompile()
		c.tracer.Emit(TraceEvent{FuncAddr: cb.FuncAddr, Kind: "compile", Tier: "float"})
		return
	}

	next := transitionTo(cb, StateCompiled)
	next.BailCount = 0
	next.CodeAddr = codeAddr
	next.CodeLen = uint32(len(result.Writer.Code))
	next.Tier = tier
	next.OSR = NewOSRMap(result.OSREntries)
	c.cbs.Put(next)
	c.stats.RecordCompile()
	c.tracer.Emit(TraceEvent{FuncAddr: cb.FuncAddr, Kind: "compile", Tier: tierName(tier)})

	c.host.SetNativePointer(cb.FuncAddr, codeAddr)
	for _, e := range next.OSR.All() {
		c.host.InstallOSREntry(cb.FuncAddr, uint32(e.BytecodeOffset), uint32(e.NativeOffset))
	}
}

// placeInPool copies freshly emitted (or cache-restored) bytes into
// the executable pool, running one pool-GC-and-retry on exhaustion and
// blacklisting cb if even an empty pool cannot take the function.
func (c *Controller) placeInPool(cb *ControlBlock, code []byte) (uint32, bool) {
	codeBuf, codeAddr, err := c.pool.Alloc(len(code))
	if err != nil {
		c.poolGC()
		codeBuf, codeAddr, err = c.pool.Alloc(len(code))
		if err != nil {
			// second failure: blacklist outright rather than leaving this
			// function to retry against an arena it just proved too small.
			// poolGC replaced every control block, so re-fetch ours.
			if cur := c.cbs.Get(cb.FuncAddr); cur != nil {
				c.blacklist(cur)
			}
			c.stats.RecordBail()
			c.tracer.Emit(TraceEvent{FuncAddr: cb.FuncAddr, Kind: "bail", BailReason: bail(BailPoolExhausted, err.Error()).Error()})
			return 0, false
		}
	}
	copy(codeBuf, code)
	if err := c.pool.Seal(); err != nil {
		c.failCompile(cb, bail(BailPoolExhausted, err.Error()))
		return 0, false
	}
	c.stats.SetCodeBytesUsed(uint64(c.pool.Used()))
	return codeAddr, true
}

// installCached reinstalls a previously emitted blob without
// recompiling: branch displacements inside the blob are relative and
// survive relocation to a fresh pool address as-is.
func (c *Controller) installCached(cb *ControlBlock, entry CodeCacheEntry) {
	codeAddr, ok := c.placeInPool(cb, entry.Code)
	if !ok {
		return
	}

	if entry.Tier == TierFloat {
		c.floatNative[cb.FuncAddr] = codeAddr
		c.tracer.Emit(TraceEvent{FuncAddr: cb.FuncAddr, Kind: "cache_install", Tier: "float"})
		return
	}

	if cb.DeoptSlot < 0 {
		slot, err := c.deopt.AllocSlot()
		if err != nil {
			c.failCompile(cb, bail(BailPoolExhausted, err.Error()))
			return
		}
		cb.DeoptSlot = slot
	}

	next := transitionTo(cb, StateCompiled)
	next.BailCount = 0
	next.CodeAddr = codeAddr
	next.CodeLen = uint32(len(entry.Code))
	next.Tier = entry.Tier
	next.OSR = NewOSRMap(entry.OSREntries)
	c.cbs.Put(next)
	c.tracer.Emit(TraceEvent{FuncAddr: cb.FuncAddr, Kind: "cache_install", Tier: tierName(entry.Tier)})

	c.host.SetNativePointer(cb.FuncAddr, codeAddr)
	for _, e := range next.OSR.All() {
		c.host.InstallOSREntry(cb.FuncAddr, uint32(e.BytecodeOffset), uint32(e.NativeOffset))
	}
}

func (c *Controller) failCompile(cb *ControlBlock, err error) {
	reason := BailReason(255)
	if be, ok := err.(*BailError); ok {
		reason = be.Reason
	}
	next := transitionTo(cb, StateObserved)
	if reason.countsAgainstBailCounter() {
		next.BailCount = cb.BailCount + 1
	}
	c.cbs.Put(next)
	c.stats.RecordBail()
	c.tracer.Emit(TraceEvent{FuncAddr: cb.FuncAddr, Kind: "bail", BailReason: err.Error()})

	if reason == BailBytecodeInvalid || next.BailCount >= MaxBailCount {
		c.blacklist(next)
	}
}

// onDeopt is the DeoptTrampoline callback: mark the flag page so every
// other live frame of this function also bails out, then run the same
// handling HandleDeopt does for a hook()-observed flag hit.
func (c *Controller) onDeopt(funcAddr uint32, reason DeoptReason) {
	if cb := c.cbs.Get(funcAddr); cb != nil && cb.DeoptSlot >= 0 {
		c.deopt.MarkSlot(cb.DeoptSlot)
	}
	c.HandleDeopt(funcAddr, reason)
}

// HandleDeopt is the JIT→host "handle_deopt" entry point: it reverts
// funcAddr to interpreted execution, counts the deopt, and gives up for
// good once the deopt count reaches MaxDeoptCount, publishing DeoptSentinel so the
// interpreter never offers this function to the JIT again.
func (c *Controller) HandleDeopt(funcAddr uint32, reason DeoptReason) {
	cb := c.cbs.Get(funcAddr)
	if cb == nil || cb.State == StateBlacklisted {
		// already given up on: a second deopt without an intervening
		// compile must not publish the sentinel again
		return
	}
	c.stats.RecordDeopt()
	c.tracer.Emit(TraceEvent{FuncAddr: funcAddr, Kind: "deopt", Detail: reason.String()})
	delete(c.floatNative, funcAddr)

	deoptCount := cb.DeoptCount + 1
	if deoptCount >= MaxDeoptCount {
		c.releaseDeoptSlot(cb)
		next := transitionTo(cb, StateBlacklisted)
		next.DeoptCount = deoptCount
		next.DeoptSlot = -1
		next.CodeAddr = 0
		c.cbs.Put(next)
		c.host.SetNativePointer(funcAddr, DeoptSentinel)
		return
	}

	// The deopt slot stays claimed: a recompile (possibly straight from
	// the code cache) reuses the same baked flag address.
	next := transitionTo(cb, StateObserved)
	next.Spec = NewSpeculator(len(cb.Spec.argTypes))
	next.DeoptCount = deoptCount
	next.CodeAddr = 0
	next.OSR = nil
	c.cbs.Put(next)
	c.host.SetNativePointer(funcAddr, 0)
}

// FireTrampoline is the host glue's synchronous deopt entry: where a
// guard miss needs immediate handling (a fault handler, a host-side
// runtime helper) rather than the flag-page write-and-poll the emitted
// code does on its own, the host calls this and the trampoline runs
// the full deopt transition on the spot.
func (c *Controller) FireTrampoline(funcAddr uint32, reason DeoptReason) {
	c.tramp.Fire(funcAddr, reason)
}

// GetFloatNative returns the float-tier native entry point for funcAddr
// if one has been compiled, for hosts that run the float tier via a
// side channel rather than the shared native-pointer slot.
func (c *Controller) GetFloatNative(funcAddr uint32) (uint32, bool) {
	addr, ok := c.floatNative[funcAddr]
	return addr, ok
}

// Stats returns a snapshot of this controller's counters.
func (c *Controller) Stats() StatsSnapshot { return c.stats.Snapshot() }

// poolGC is the allocation-failure recovery path: every control
// block's installed native pointer is cleared in the interpreter
// descriptor BEFORE the pool is rewound, blacklisted functions are
// given a fresh chance to recompile, and every outstanding pointer the
// pool handed out is invalidated by the reset. The code cache and the
// deopt-slot assignments survive, so re-entering functions usually
// reinstall their old bytes instead of recompiling.
func (c *Controller) poolGC() {
	for _, cb := range c.cbs.All() {
		if cb.CodeAddr != 0 || cb.State == StateBlacklisted {
			c.host.SetNativePointer(cb.FuncAddr, 0)
		}
		next := transitionTo(cb, StateObserved)
		next.CodeAddr = 0
		next.CodeLen = 0
		next.OSR = nil
		next.BailCount = 0
		c.cbs.Put(next)
	}
	c.floatNative = map[uint32]uint32{}
	c.stats.RecordPoolGC()
	if err := c.pool.Reset(); err != nil {
		c.tracer.Emit(TraceEvent{Kind: "pool_reset_failed", Detail: err.Error()})
	}
}

// Clear is the full teardown: control blocks, code cache, deopt slots
// and the pool itself all go. Used when an embedding isolate is
// destroyed, not as the pool-exhaustion recovery path (that is poolGC,
// which deliberately keeps the cache).
func (c *Controller) Clear() error {
	for _, cb := range c.cbs.All() {
		if cb.CodeAddr != 0 || cb.State == StateBlacklisted {
			c.host.SetNativePointer(cb.FuncAddr, 0)
		}
		c.cbs.Remove(cb.FuncAddr)
	}
	c.cache.Clear()
	c.deopt = NewDeoptFlagPage()
	c.floatNative = map[uint32]uint32{}
	c.stats.RecordPoolGC()
	return c.pool.Reset()
}

func tierName(t Tier) string {
	if t == TierFloat {
		return "float"
	}
	return "integer"
}

// bytecodeHash is a cheap content hash for FunctionIdentity: the code
// cache only needs to distinguish functions, not cryptographically
// authenticate them.
func bytecodeHash(code []byte) uint64 {
	var h uint64 = 1469598103934665603 // FNV offset basis
	for _, b := range code {
		h ^= uint64(b)
		h *= 1099511628211 // FNV prime
	}
	return h
}
