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

// floatGen is codegen_int.go's intGen, narrowed to the float tier:
// values live on the x87 stack instead of in EAX/ECX, and every
// eval-stack slot is 8 bytes (a double) instead of 4. Integer-only
// opcodes (bitwise ops, shifts) make GenerateFloat bail — the
// controller selects this tier from the speculator alone (at least one
// Float64 argument) without looking at the opcodes first.
type floatGen struct {
	r  *Reader
	pa *PreAnalysis
	ra RegAlloc
	ic *ICTable
	w  *Writer
	e  *Emitter
}

// floatArgDisp/floatLocalDisp mirror argDisp/localDisp but with an
// 8-byte stride, since every slot is a double in this tier.
func floatArgDisp(i int) int32   { return int32(8 + 8*i) }
func floatLocalDisp(i int) int32 { return int32(-8 * (i + 1)) }

// scratchDisp is a per-function scratch dword used for the GPR<->x87
// bridge (int literal widening, boolean-from-SETcc materialisation).
// It lives in the first eval-stack-reserve qword of the frame, which
// is otherwise untouched: actual eval values are pushed below ESP, the
// reserve only exists as headroom.
func (g *floatGen) scratchDisp() int32 {
	return floatLocalDisp(int(g.r.LocalCount))
}

// GenerateFloat translates a function's bytecode under the
// has-float64 speculative hypothesis. Structurally it is the same
// single pass as GenerateInteger; only the per-opcode translation
// differs (x87 arithmetic instead of EAX/ECX ALU ops), so the
// traversal, dead-range skipping, OSR-entry bookkeeping and fixup
// resolution are kept identical in shape to GenerateInteger rather
// than factored into a shared helper — the float tier runs as its own
// full pass, not a post-processing step over the integer one.
// deoptSlotAddr is accepted for signature parity with GenerateInteger
// but unused: no IC-backed opcode is float-safe, so this tier has no
// guard-miss path to flag.
func GenerateFloat(r *Reader, pa *PreAnalysis, ra RegAlloc, ic *ICTable, deoptSlotAddr uint32) (*CodeGenResult, error) {
	w := NewWriter()
	e := NewEmitter(w)
	g := &floatGen{r: r, pa: pa, ra: ra, ic: ic, w: w, e: e}
	_ = deoptSlotAddr

	// The reserved register binds a GPR-width quantity and has no
	// meaning for a double-only function; the float tier never uses it.
	frameSlots := (int(r.LocalCount) + MaxEvalStackSlots) * 2
	e.Prologue(frameSlots, false)
	for i := 0; i < int(r.LocalCount); i++ {
		e.FldZ()
		e.FstpQwordMem(FrameReg, floatLocalDisp(i))
	}

	osrEntries := map[int]int32{}
	visited := map[int]bool{}

	pc := 0
	n := r.Len()
	for pc < n {
		op := r.Opcode(pc)
		info, ok := Lookup(op)
		if !ok {
			return nil, bail(BailUnsupportedOpcode, "opcode byte not in width table during float codegen")
		}
		if !info.Supported {
			return nil, bail(BailUnsupportedOpcode, info.Name)
		}
		if isFloatUnsafeOpcode(op) {
			return nil, bail(BailFloatUnsafeOpcode, info.Name)
		}
		visited[pc] = true

		if inDeadRange(pa, pc) {
			pc += info.Width
			continue
		}
		if pa.Swallowed[pc] {
			pc += info.Width
			continue
		}

		w.MarkPC(pc)
		if pa.LoopHeaders[pc] {
			osrEntries[pc] = w.Pos()
		}

		if err := emitFloatOp(g, pc, op); err != nil {
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
		return nil, bail(BailUnsupportedOpcode, "float codegen visited set diverged from pre-analysis")
	}

	return &CodeGenResult{Writer: w, OSREntries: osrEntries, MaxDepth: w.MaxStackDepth()}, nil
}

// isFloatUnsafeOpcode identifies opcodes the float tier structurally
// cannot express: bitwise and shift operators have no IEEE-754
// meaning, the IC-backed property/array accessors traffic in tagged
// object slots rather than raw doubles, and the x87 stack cannot
// be rearranged by Nip/Rot3x without an intervening memory round-trip
// this JIT does not generate for the float tier.
func isFloatUnsafeOpcode(op Op) bool {
	switch op {
	case OpBitAnd, OpBitOr, OpBitXor, OpShl, OpShrA, OpShrL, OpBitNot,
		OpNip, OpNip1, OpRot3L, OpRot3R,
		OpGetField, OpPutField, OpGetElem, OpPutElem:
		return true
	}
	return false
}

func emitFloatOp(g *floatGen, pc int, op Op) error {
	r, e := g.r, g.e
	switch op {
	case OpNop, OpLabel:

	case OpPushI32:
		// an integer literal observed in a float-typed computation is
		// widened to double at the constant site.
		e.MovImmToAcc(uint32(r.S32(pc + 1)))
		e.StoreLocal(g.scratchDisp(), AccReg)
		e.FildDwordMem(FrameReg, g.scratchDisp())
		pushFloatSlot(e)

	case OpPushTrue:
		e.FldOne()
		pushFloatSlot(e)
	case OpPushFalse, OpPushNull, OpPushUndefined:
		e.FldZ()
		pushFloatSlot(e)

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
		e.StoreLocal(g.scratchDisp(), AccReg)
		e.FildDwordMem(FrameReg, g.scratchDisp())
		pushFloatSlot(e)

	case OpGetLoc:
		e.FldQwordMem(FrameReg, floatLocalDisp(int(r.U8(pc+1))))
		pushFloatSlot(e)
	case OpPutLoc:
		popFloatSlot(e)
		e.FstpQwordMem(FrameReg, floatLocalDisp(int(r.U8(pc+1))))
	case OpSetLoc:
		e.FldQwordMem(StackReg, 0)
		e.FstpQwordMem(FrameReg, floatLocalDisp(int(r.U8(pc+1))))

	case OpGetArg:
		e.FldQwordMem(FrameReg, floatArgDisp(int(r.U8(pc+1))))
		pushFloatSlot(e)
	case OpPutArg:
		popFloatSlot(e)
		e.FstpQwordMem(FrameReg, floatArgDisp(int(r.U8(pc+1))))
	case OpSetArg:
		e.FldQwordMem(StackReg, 0)
		e.FstpQwordMem(FrameReg, floatArgDisp(int(r.U8(pc+1))))

	case OpDrop:
		e.AddEspImm32(8)
	case OpDup:
		e.FldQwordMem(StackReg, 0)
		pushFloatSlot(e)
	case OpDup1:
		e.FldQwordMem(StackReg, 8)
		pushFloatSlot(e)
	case OpDup2:
		e.FldQwordMem(StackReg, 16)
		pushFloatSlot(e)
	case OpDup3:
		e.FldQwordMem(StackReg, 24)
		pushFloatSlot(e)

	case OpSwap:
		e.FldQwordMem(StackReg, 0)
		e.FldQwordMem(StackReg, 8)
		e.FstpQwordMem(StackReg, 0)
		e.FstpQwordMem(StackReg, 8)

	case OpAdd:
		popFloatSlot(e)
		e.FldQwordMem(StackReg, 0)
		e.FAddP()
		e.FstpQwordMem(StackReg, 0)
	case OpSub:
		// RHS loaded first, LHS on top: FSUBRP computes ST(0)-ST(1)
		popFloatSlot(e)
		e.FldQwordMem(StackReg, 0)
		e.FSubRP()
		e.FstpQwordMem(StackReg, 0)
	case OpMul:
		popFloatSlot(e)
		e.FldQwordMem(StackReg, 0)
		e.FMulP()
		e.FstpQwordMem(StackReg, 0)
	case OpDiv:
		popFloatSlot(e)
		e.FldQwordMem(StackReg, 0)
		e.FDivRP()
		e.FstpQwordMem(StackReg, 0)

	case OpNeg:
		e.FldQwordMem(StackReg, 0)
		e.FChs()
		e.FstpQwordMem(StackReg, 0)
	case OpLogNot:
		// flags := 0.0 <=> TOS, then SETE materialises the negation
		e.FldQwordMem(StackReg, 0)
		e.FldZ()
		e.FComIP()
		e.FstpSt0()
		e.SetccAcc(ccE)
		e.AddEspImm32(8)
		g.pushBoolAsDouble()

	case OpEq, OpSEq, OpNe, OpSNe, OpLt, OpLe, OpGt, OpGe:
		// LHS at [ESP+8], RHS at [ESP+0]; load RHS first so FCOMIP
		// compares ST(0)=LHS against ST(1)=RHS. The unsigned-style
		// condition codes are what FCOMIP's CF/ZF flag image expects
		// for IEEE comparisons.
		e.FldQwordMem(StackReg, 0)
		e.FldQwordMem(StackReg, 8)
		e.FComIP()
		e.FstpSt0()
		e.SetccAcc(floatCompareCC(op))
		e.AddEspImm32(16)
		g.pushBoolAsDouble()

	case OpIncLoc8, OpIncLoc16:
		slot, _ := localSlot(r, pc, op)
		e.FldQwordMem(FrameReg, floatLocalDisp(slot))
		e.FldOne()
		e.FAddP()
		e.FstpQwordMem(FrameReg, floatLocalDisp(slot))
	case OpDecLoc8, OpDecLoc16:
		slot, _ := localSlot(r, pc, op)
		e.FldOne()
		e.FldQwordMem(FrameReg, floatLocalDisp(slot))
		e.FSubRP()
		e.FstpQwordMem(FrameReg, floatLocalDisp(slot))
	case OpAddLoc:
		slot, _ := localSlot(r, pc, op)
		popFloatSlot(e)
		e.FldQwordMem(FrameReg, floatLocalDisp(slot))
		e.FAddP()
		e.FstpQwordMem(FrameReg, floatLocalDisp(slot))

	case OpPostInc:
		// (v) -> (v, v+1), same shape as the integer tier
		e.FldQwordMem(StackReg, 0)
		e.FldOne()
		e.FAddP()
		pushFloatSlot(e)
	case OpPostDec:
		e.FldOne()
		e.FldQwordMem(StackReg, 0)
		e.FSubRP()
		pushFloatSlot(e)

	case OpGoto8, OpGoto16, OpGoto32:
		target, _ := branchTarget(r, pc, op)
		e.JmpRel32(target)

	case OpIfTrue8, OpIfTrue32, OpIfFalse8, OpIfFalse32:
		e.FldQwordMem(StackReg, 0)
		e.FldZ()
		e.FComIP()
		e.FstpSt0()
		e.AddEspImm32(8)
		target, _ := branchTarget(r, pc, op)
		if op == OpIfTrue8 || op == OpIfTrue32 {
			e.JccRel32(ccNE, target)
		} else {
			e.JccRel32(ccE, target)
		}

	case OpReturnVal:
		// cdecl returns a double in ST(0); the slot's 8 machine-stack
		// bytes must come off before the epilogue's fixed frame release.
		e.FldQwordMem(StackReg, 0)
		e.AddEspImm32(8)
		e.Epilogue((int(r.LocalCount)+MaxEvalStackSlots)*2, false)
	case OpReturnUndef:
		e.FldZ()
		e.Epilogue((int(r.LocalCount)+MaxEvalStackSlots)*2, false)

	case OpTypeof:
		// elimination requires every argument to be Int32 or Bool; a
		// function that reached the float tier has a Float64 argument,
		// so typeof can never fold here and this tier has no runtime to
		// call instead.
		return bail(BailUnsupportedOpcode, "typeof")

	default:
		return bail(BailUnsupportedOpcode, "unhandled float opcode")
	}
	return nil
}

// pushBoolAsDouble widens the 0/1 SETcc result in the accumulator to a
// 0.0/1.0 double on the eval stack, via the scratch dword and FILD.
func (g *floatGen) pushBoolAsDouble() {
	g.e.StoreLocal(g.scratchDisp(), AccReg)
	g.e.FildDwordMem(FrameReg, g.scratchDisp())
	pushFloatSlot(g.e)
}

func floatCompareCC(op Op) byte {
	switch op {
	case OpEq, OpSEq:
		return ccE
	case OpNe, OpSNe:
		return ccNE
	case OpLt:
		return ccB
	case OpLe:
		return ccBE
	case OpGt:
		return ccA
	case OpGe:
		return ccAE
	}
	return ccE
}

// pushFloatSlot/popFloatSlot adjust ESP by one double-width slot
// around an FSTP/FLD pair; the x87 emitter methods address memory
// directly so no dedicated Emitter helper is needed beyond SUB/ADD ESP.
func pushFloatSlot(e *Emitter) {
	e.SubEspImm32(8)
	e.FstpQwordMem(StackReg, 0)
}

func popFloatSlot(e *Emitter) {
	e.FldQwordMem(StackReg, 0)
	e.AddEspImm32(8)
}
