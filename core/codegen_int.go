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

// CodeGenResult is what one tier's code generator hands back to the
// controller: the finished Writer, the OSR entry map (loop-header
// bytecode offset → native offset), and the peak eval-stack depth
// observed.
type CodeGenResult struct {
	Writer     *Writer
	OSREntries map[int]int32
	MaxDepth   int
}

// frame layout: standard cdecl — args live above the saved return
// address/EBP, locals live below EBP, both 4-byte-aligned slots.
func argDisp(i int) int32   { return int32(8 + 4*i) }
func localDisp(i int) int32 { return int32(-4 * (i + 1)) }

// intGen threads the pieces the integer tier's switch needs through
// one call without a long parameter list on every helper.
type intGen struct {
	r  *Reader
	pa *PreAnalysis
	ra RegAlloc
	ic *ICTable
	w  *Writer
	e  *Emitter

	// deoptSlotAddr is the absolute address of this function's byte in
	// the deopt flag page; every guard-miss path stores a non-zero value
	// there. Zero means no slot was assigned (tests, cache-only paths),
	// in which case guard misses silently produce the fallback value.
	deoptSlotAddr uint32
}

func (g *intGen) isBound(isArg bool, idx int) bool {
	return g.ra.Bound && g.ra.IsArg == isArg && g.ra.Local == idx
}

// loadSlot moves the value of local/argument idx into the accumulator.
func (g *intGen) loadSlot(isArg bool, idx int) {
	if g.isBound(isArg, idx) {
		g.e.MovRegReg(AccReg, ReservedReg)
		return
	}
	if isArg {
		g.e.LoadLocal(AccReg, argDisp(idx))
	} else {
		g.e.LoadLocal(AccReg, localDisp(idx))
	}
}

// storeSlot moves the accumulator into local/argument idx. A bound
// slot is written through to memory as well: fault recovery and OSR
// read the stack slot, so it must always agree with the register.
func (g *intGen) storeSlot(isArg bool, idx int) {
	if g.isBound(isArg, idx) {
		g.e.MovRegReg(ReservedReg, AccReg)
	}
	if isArg {
		g.e.StoreLocal(argDisp(idx), AccReg)
	} else {
		g.e.StoreLocal(localDisp(idx), AccReg)
	}
}

// emitDeoptFlag stores a non-zero byte into this function's deopt-page
// slot with a single absolute move; the controller polls and clears
// the byte on the next hook invocation. No register is clobbered, so
// guard-miss paths can emit it before their fallback value.
func (g *intGen) emitDeoptFlag() {
	if g.deoptSlotAddr != 0 {
		g.e.MovByteImmAbs(g.deoptSlotAddr, 1)
	}
}

// emitArrayAddress folds a scaled index into the array base pointer:
// CountReg := CountReg + AccReg*entry.Stride, leaving AccReg (the
// index) unchanged and the element's base address in CountReg ready
// for a ReadMemAcc32FromCount/WriteMemAcc32ToCount at entry.DataOffset.
// ESI is used as scratch and restored, so it never collides with the
// EDX the caller may be using to park a value across the computation.
func (g *intGen) emitArrayAddress(entry ArrayEntry) {
	e := g.e
	e.PushReg(RegESI)
	e.MovRegReg(RegESI, AccReg)
	e.ImulRegImm32(RegESI, uint32(entry.Stride))
	e.AddRegReg(CountReg, RegESI)
	e.PopReg(RegESI)
}

// emitPropertyRead implements a guarded property read: CountReg holds
// the object pointer on entry. On a shape HIT, AccReg ends up holding
// the value at entry.SlotOffset; on a MISS, the deopt flag is raised
// and AccReg is zeroed instead of being left holding a read against
// the wrong shape. Either way the caller finishes with a single
// PushAcc (the shared DONE step).
func (g *intGen) emitPropertyRead(entry ReadEntry) {
	e := g.e
	e.ReadMemAcc32FromCount(shapeFieldOffset)
	e.CmpAccImm32(entry.Shape)
	missFixup := e.JccRel32Raw(ccNE)
	e.ReadMemAcc32FromCount(entry.SlotOffset) // HIT
	doneFixup := e.JmpRel32Raw()
	g.w.PatchRel32(missFixup)
	g.emitDeoptFlag() // MISS
	e.ZeroAcc()
	g.w.PatchRel32(doneFixup)
}

// emitPropertyWrite is the write-side mirror of emitPropertyRead:
// CountReg holds the object pointer and RegEDX holds the value to
// store, both loaded by the caller before the guard so the value
// survives the shape comparison. On HIT the value is stored to
// entry.SlotOffset; on MISS it is discarded after flagging deopt.
func (g *intGen) emitPropertyWrite(entry WriteEntry) {
	e := g.e
	e.ReadMemAcc32FromCount(shapeFieldOffset)
	e.CmpAccImm32(entry.Shape)
	missFixup := e.JccRel32Raw(ccNE)
	e.MovRegReg(AccReg, RegEDX) // HIT
	e.WriteMemAcc32ToCount(entry.SlotOffset)
	doneFixup := e.JmpRel32Raw()
	g.w.PatchRel32(missFixup)
	g.emitDeoptFlag() // MISS: value in EDX is simply discarded
	g.w.PatchRel32(doneFixup)
}

// shapeFieldOffset is where every heap object keeps its shape
// fingerprint, the dword the IC guard compares against.
const shapeFieldOffset = 4

// GenerateInteger translates a function's bytecode under the
// all-integer-like speculative hypothesis. It assumes the caller has
// already decided (via the type speculator) that this tier is
// admissible; GenerateInteger itself only rejects bytecode it
// structurally cannot handle (unsupported opcodes, unresolved
// branches, stack overflow).
func GenerateInteger(r *Reader, pa *PreAnalysis, ra RegAlloc, ic *ICTable, deoptSlotAddr uint32) (*CodeGenResult, error) {
	w := NewWriter()
	e := NewEmitter(w)
	g := &intGen{r: r, pa: pa, ra: ra, ic: ic, w: w, e: e, deoptSlotAddr: deoptSlotAddr}

	frameSlots := int(r.LocalCount) + MaxEvalStackSlots
	e.Prologue(frameSlots, ra.Bound)
	if r.LocalCount > 0 {
		e.ZeroAcc()
		for i := 0; i < int(r.LocalCount); i++ {
			e.StoreLocal(localDisp(i), AccReg)
		}
	}
	if ra.Bound {
		if ra.IsArg {
			e.LoadLocal(ReservedReg, argDisp(ra.Local))
		} else {
			// the bound local's slot was just zeroed above
			e.LoadLocal(ReservedReg, localDisp(ra.Local))
		}
	}

	osrEntries := map[int]int32{}
	visited := map[int]bool{}

	pc := 0
	n := r.Len()
	for pc < n {
		op := r.Opcode(pc)
		info, ok := Lookup(op)
		if !ok {
			return nil, bail(BailUnsupportedOpcode, "opcode byte not in width table during codegen")
		}
		if !info.Supported {
			return nil, bail(BailUnsupportedOpcode, info.Name)
		}
		visited[pc] = true

		if inDeadRange(pa, pc) {
			pc += info.Width
			continue
		}
		if pa.Swallowed[pc] {
			// absorbed into the typeof fold at the preceding site: the
			// bytes for this opcode are never emitted, so it contributes
			// no stack delta of its own either.
			pc += info.Width
			continue
		}

		w.MarkPC(pc)
		if pa.LoopHeaders[pc] {
			osrEntries[pc] = w.Pos()
		}

		if err := emitIntOp(g, pc, op, info); err != nil {
			return nil, err
		}
		if err := w.AdjustStack(info.StackDelta); err != nil {
			return nil, err
		}

		pc += info.Width
	}

	if err := w.ResolveFixups(); err != nil {
		return nil, err
	}
	if !visitSetsEqual(visited, pa.Visited) {
		return nil, bail(BailUnsupportedOpcode, "codegen visited set diverged from pre-analysis")
	}

	return &CodeGenResult{Writer: w, OSREntries: osrEntries, MaxDepth: w.MaxStackDepth()}, nil
}

func inDeadRange(pa *PreAnalysis, pc int) bool {
	for _, dr := range pa.DeadRanges {
		if pc >= dr.Start && pc < dr.End {
			return true
		}
	}
	return false
}

func visitSetsEqual(a, b map[int]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

// emitIntOp emits the native translation of one bytecode instruction
// under the integer tier. It does not itself adjust Writer's simulated
// stack depth — GenerateInteger does that uniformly from the opcode
// table after the switch, since every opcode here has a statically
// known stack delta.
func emitIntOp(g *intGen, pc int, op Op, info OpInfo) error {
	r, e := g.r, g.e
	switch op {
	case OpNop, OpLabel:
		// no-op at the native level

	case OpPushI32:
		e.MovImmToAcc(uint32(r.S32(pc + 1)))
		e.PushAcc()

	case OpPushTrue:
		e.MovImmToAcc(1)
		e.PushAcc()
	case OpPushFalse, OpPushNull, OpPushUndefined:
		e.ZeroAcc()
		e.PushAcc()

	case OpPushConst:
		idx := r.U16(pc + 1)
		ce, ok := r.Const(idx)
		if !ok {
			return bail(BailBytecodeInvalid, "push_const index out of range")
		}
		if ce.Tag != ConstInt && ce.Tag != ConstBool {
			return bail(BailUnsupportedOpcode, "push_const with non-integer, non-boolean tag")
		}
		e.MovImmToAcc(ce.Payload)
		e.PushAcc()

	case OpGetLoc:
		g.loadSlot(false, int(r.U8(pc+1)))
		e.PushAcc()
	case OpPutLoc:
		e.PopAcc()
		g.storeSlot(false, int(r.U8(pc+1)))
	case OpSetLoc:
		e.PeekAcc()
		g.storeSlot(false, int(r.U8(pc+1)))

	case OpGetArg:
		g.loadSlot(true, int(r.U8(pc+1)))
		e.PushAcc()
	case OpPutArg:
		e.PopAcc()
		g.storeSlot(true, int(r.U8(pc+1)))
	case OpSetArg:
		e.PeekAcc()
		g.storeSlot(true, int(r.U8(pc+1)))

	case OpDrop:
		e.PopAcc()
	case OpDup:
		e.PeekAcc()
		e.PushAcc()
	case OpDup1:
		e.PeekN(1)
		e.PushAcc()
	case OpDup2:
		e.PeekN(2)
		e.PushAcc()
	case OpDup3:
		e.PeekN(3)
		e.PushAcc()

	case OpNip:
		e.PopAcc()
		e.PopToCount()
		e.PushAcc()
	case OpNip1:
		// (a b c) -> (b c): only the slot two below TOS goes away
		e.PopAcc()       // c
		e.PopToCount()   // b
		e.PopReg(RegEDX) // a, discarded
		e.PushReg(CountReg)
		e.PushAcc()

	case OpSwap:
		e.PopAcc()
		e.PopToCount()
		e.PushAcc()
		e.MovCountToAcc()
		e.PushAcc()

	case OpRot3L:
		// (a b c) -> (b c a): EDX is free scratch here since it never
		// holds a cross-instruction live value (only the reserved
		// register and the accumulator/count-register do).
		e.PopAcc()       // c
		e.PopToCount()   // b
		e.PopReg(RegEDX) // a
		e.PushReg(CountReg)
		e.PushAcc()
		e.PushReg(RegEDX)

	case OpRot3R:
		// (a b c) -> (c a b), the inverse shuffle of OpRot3L.
		e.PopAcc()       // c
		e.PopToCount()   // b
		e.PopReg(RegEDX) // a
		e.PushAcc()
		e.PushReg(RegEDX)
		e.PushReg(CountReg)

	case OpAdd:
		e.PopToCount()
		e.PopAcc()
		e.AddAccCount()
		e.PushAcc()
	case OpSub:
		e.PopToCount()
		e.PopAcc()
		e.SubAccCount()
		e.PushAcc()
	case OpMul:
		e.PopToCount()
		e.PopAcc()
		e.ImulAccCount()
		e.PushAcc()
	case OpDiv:
		e.PopToCount()
		e.PopAcc()
		e.Cdq()
		e.IdivCount()
		e.PushAcc()
	case OpMod:
		e.PopToCount()
		e.PopAcc()
		e.Cdq()
		e.IdivCount() // EAX := quotient, EDX := remainder
		e.MovRegReg(AccReg, RegEDX)
		e.PushAcc()

	case OpNeg:
		e.PopAcc()
		e.NegAcc()
		e.PushAcc()
	case OpBitNot:
		e.PopAcc()
		e.NotAcc()
		e.PushAcc()
	case OpLogNot:
		e.PopAcc()
		e.Test32AccAcc()
		e.SetccAcc(ccE)
		e.PushAcc()

	case OpBitAnd:
		e.PopToCount()
		e.PopAcc()
		e.AndAccCount()
		e.PushAcc()
	case OpBitOr:
		e.PopToCount()
		e.PopAcc()
		e.OrAccCount()
		e.PushAcc()
	case OpBitXor:
		e.PopToCount()
		e.PopAcc()
		e.XorAccCount()
		e.PushAcc()

	case OpShl:
		e.PopToCount()
		e.PopAcc()
		e.ShlAcc()
		e.PushAcc()
	case OpShrA:
		e.PopToCount()
		e.PopAcc()
		e.SarAcc()
		e.PushAcc()
	case OpShrL:
		e.PopToCount()
		e.PopAcc()
		e.ShrAcc()
		e.PushAcc()

	case OpEq, OpSEq:
		e.PopToCount()
		e.PopAcc()
		e.CmpAccCount()
		e.SetccAcc(ccE)
		e.PushAcc()
	case OpNe, OpSNe:
		e.PopToCount()
		e.PopAcc()
		e.CmpAccCount()
		e.SetccAcc(ccNE)
		e.PushAcc()
	case OpLt:
		e.PopToCount()
		e.PopAcc()
		e.CmpAccCount()
		e.SetccAcc(ccL)
		e.PushAcc()
	case OpLe:
		e.PopToCount()
		e.PopAcc()
		e.CmpAccCount()
		e.SetccAcc(ccLE)
		e.PushAcc()
	case OpGt:
		e.PopToCount()
		e.PopAcc()
		e.CmpAccCount()
		e.SetccAcc(ccG)
		e.PushAcc()
	case OpGe:
		e.PopToCount()
		e.PopAcc()
		e.CmpAccCount()
		e.SetccAcc(ccGE)
		e.PushAcc()

	case OpIncLoc8, OpIncLoc16:
		slot, _ := localSlot(r, pc, op)
		g.loadSlot(false, slot)
		e.MovImmToReg(CountReg, 1)
		e.AddAccCount()
		g.storeSlot(false, slot)
	case OpDecLoc8, OpDecLoc16:
		slot, _ := localSlot(r, pc, op)
		g.loadSlot(false, slot)
		e.MovImmToReg(CountReg, 1)
		e.SubAccCount()
		g.storeSlot(false, slot)
	case OpAddLoc:
		slot, _ := localSlot(r, pc, op)
		e.PopToCount()
		g.loadSlot(false, slot)
		e.AddAccCount()
		g.storeSlot(false, slot)

	case OpPostInc:
		// (v) -> (v, v+1): the adjusted duplicate sits on top, so the
		// usual following put_loc consumes v+1 and leaves the old value
		// as the expression result.
		e.PeekAcc()
		e.MovImmToReg(CountReg, 1)
		e.AddAccCount()
		e.PushAcc()

	case OpPostDec:
		e.PeekAcc()
		e.MovImmToReg(CountReg, 1)
		e.SubAccCount()
		e.PushAcc()

	case OpGoto8, OpGoto16, OpGoto32:
		target, _ := branchTarget(r, pc, op)
		e.JmpRel32(target)

	case OpIfTrue8, OpIfTrue32:
		target, _ := branchTarget(r, pc, op)
		e.PopAcc()
		e.Test32AccAcc()
		e.JccRel32(ccNE, target)
	case OpIfFalse8, OpIfFalse32:
		target, _ := branchTarget(r, pc, op)
		e.PopAcc()
		e.Test32AccAcc()
		e.JccRel32(ccE, target)

	case OpReturnVal:
		e.PopAcc()
		e.Epilogue(int(r.LocalCount)+MaxEvalStackSlots, g.ra.Bound)
	case OpReturnUndef:
		e.ZeroAcc()
		e.Epilogue(int(r.LocalCount)+MaxEvalStackSlots, g.ra.Bound)

	case OpTypeof:
		if !g.pa.TypeofSites[pc] {
			// the peephole can only fold a typeof immediately followed by
			// a const/atom push and a strict/loose equality check; anything
			// else has no runtime this tier can call, so it bails rather
			// than miscompile.
			return bail(BailUnsupportedOpcode, info.Name)
		}
		// Eliminated: this tier only runs when the speculator has already
		// shown every argument Int32 or Bool, so typeof(x) is always the
		// "number" atom and the swallowed comparison's result is known
		// statically — 1 when the pushed atom is "number", 0 for any
		// other atom (typeof x == "string" folds to false, not true).
		ce, _ := r.Const(r.U16(pc + 2)) // resolves: typeofPeepholeSafe checked
		e.PopAcc()
		if ce.Payload == AtomNumber {
			e.MovImmToAcc(1)
		} else {
			e.ZeroAcc()
		}
		e.PushAcc()

	case OpGetField:
		instrAddr := r.FuncAddr + uint32(pc)
		atom := r.U32(pc + 1)
		entry, ok := g.ic.GetRead(instrAddr, atom)
		if !ok {
			return bail(BailMissingICData, info.Name)
		}
		e.PopToCount() // object
		g.emitPropertyRead(entry)
		e.PushAcc()

	case OpPutField:
		instrAddr := r.FuncAddr + uint32(pc)
		atom := r.U32(pc + 1)
		entry, ok := g.ic.GetWrite(instrAddr, atom)
		if !ok {
			return bail(BailMissingICData, info.Name)
		}
		if !entry.Writable {
			return bail(BailMissingICData, info.Name+":readonly")
		}
		e.PopReg(RegEDX) // value, parked across the shape guard
		e.PopToCount()   // object
		g.emitPropertyWrite(entry)

	case OpGetElem:
		instrAddr := r.FuncAddr + uint32(pc)
		entry, ok := g.ic.GetArray(instrAddr)
		if !ok {
			return bail(BailMissingICData, info.Name)
		}
		e.PopAcc()     // index
		e.PopToCount() // array base
		// unsigned compare rejects negative indices along with
		// out-of-range ones in one branch
		e.CmpRegMem(AccReg, CountReg, entry.LengthOffset)
		missFixup := e.JccRel32Raw(ccAE)
		g.emitArrayAddress(entry) // CountReg := base + index*stride
		e.ReadMemAcc32FromCount(entry.DataOffset)
		doneFixup := e.JmpRel32Raw()
		g.w.PatchRel32(missFixup)
		g.emitDeoptFlag()
		e.ZeroAcc()
		g.w.PatchRel32(doneFixup)
		e.PushAcc()

	case OpPutElem:
		instrAddr := r.FuncAddr + uint32(pc)
		entry, ok := g.ic.GetArray(instrAddr)
		if !ok {
			return bail(BailMissingICData, info.Name)
		}
		e.PopReg(RegEDX) // value, parked in EDX across the address computation
		e.PopAcc()       // index
		e.PopToCount()   // array base
		e.CmpRegMem(AccReg, CountReg, entry.LengthOffset)
		missFixup := e.JccRel32Raw(ccAE)
		g.emitArrayAddress(entry) // CountReg := base + index*stride
		e.MovRegReg(AccReg, RegEDX)
		e.WriteMemAcc32ToCount(entry.DataOffset)
		doneFixup := e.JmpRel32Raw()
		g.w.PatchRel32(missFixup)
		g.emitDeoptFlag() // MISS: the value in EDX is discarded
		g.w.PatchRel32(doneFixup)

	default:
		return bail(BailUnsupportedOpcode, info.Name)
	}
	return nil
}
