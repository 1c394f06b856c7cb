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

// DeadRange is a byte range of unreachable code, starting right after
// an unconditional transfer and ending right before the next jump
// target.
type DeadRange struct {
	Start, End int
}

// PreAnalysis holds the one-pass-plus-dead-code-pass results computed
// from a Reader, ahead of code generation.
type PreAnalysis struct {
	JumpTargets      map[int]bool
	LoopHeaders      map[int]bool
	LocalAccessCount []int // indexed by local slot
	ArgAccessCount   []int // indexed by argument slot
	TypeofSites      map[int]bool
	DeadRanges       []DeadRange

	// Swallowed marks the push_const+eq/seq pair immediately following an
	// eliminable typeof site: the fold replaces all three opcodes with
	// one constant push, so the code generator must visit but never
	// re-emit these two positions.
	Swallowed map[int]bool

	// Visited is the set of instruction positions walked by this pass;
	// the code generator must visit exactly this set on a successful
	// compile.
	Visited map[int]bool
}

func branchTarget(r *Reader, pc int, op Op) (int, bool) {
	switch op {
	case OpGoto8, OpIfTrue8, OpIfFalse8:
		return pc + int(r.S8(pc+1)), true
	case OpGoto16:
		return pc + int(r.S16(pc+1)), true
	case OpGoto32, OpIfTrue32, OpIfFalse32:
		return pc + int(r.S32(pc+1)), true
	}
	return 0, false
}

func isUnconditionalTransfer(op Op) bool {
	switch op {
	case OpGoto8, OpGoto16, OpGoto32, OpReturnVal, OpReturnUndef:
		return true
	}
	return false
}

// localSlot extracts the local index for any opcode that references a
// local by an immediate operand. ok is false for opcodes that don't
// reference a local.
func localSlot(r *Reader, pc int, op Op) (int, bool) {
	switch op {
	case OpGetLoc, OpPutLoc, OpSetLoc:
		return int(r.U8(pc + 1)), true
	case OpIncLoc8, OpDecLoc8, OpAddLoc:
		return int(r.U8(pc + 1)), true
	case OpIncLoc16, OpDecLoc16:
		return int(r.U16(pc + 1)), true
	}
	return 0, false
}

// argSlot is localSlot's counterpart for the argument-addressing
// opcodes, so the register allocator can tell a hot argument from a hot
// local instead of only ever seeing the local-access vector.
func argSlot(r *Reader, pc int, op Op) (int, bool) {
	switch op {
	case OpGetArg, OpPutArg, OpSetArg:
		return int(r.U8(pc + 1)), true
	}
	return 0, false
}

// Analyze walks r.Code once using the opcode-width table as the sole
// source of truth, then runs a short second pass to compute dead
// ranges. Any opcode absent from the opcode table is unsupported: the
// pass still must know its position rather than silently guessing a
// single-byte advance, so an unrecognised opcode immediately fails the
// whole pass — the caller bails the same way the code generator would.
func Analyze(r *Reader) (*PreAnalysis, error) {
	pa := &PreAnalysis{
		JumpTargets:      map[int]bool{},
		LoopHeaders:      map[int]bool{},
		LocalAccessCount: make([]int, r.LocalCount),
		ArgAccessCount:   make([]int, r.ArgCount),
		TypeofSites:      map[int]bool{},
		Swallowed:        map[int]bool{},
		Visited:          map[int]bool{},
	}

	pc := 0
	n := r.Len()
	type transfer struct {
		pc            int
		unconditional bool
	}
	var transfers []transfer

	for pc < n {
		op := r.Opcode(pc)
		info, ok := Lookup(op)
		if !ok {
			return nil, bail(BailUnsupportedOpcode, "opcode byte not in width table during pre-analysis")
		}
		pa.Visited[pc] = true

		if target, isBranch := branchTarget(r, pc, op); isBranch {
			pa.JumpTargets[target] = true
			if target < pc {
				pa.LoopHeaders[target] = true
			}
		}

		if slot, has := localSlot(r, pc, op); has && slot < len(pa.LocalAccessCount) {
			pa.LocalAccessCount[slot]++
		}
		if slot, has := argSlot(r, pc, op); has && slot < len(pa.ArgAccessCount) {
			pa.ArgAccessCount[slot]++
		}

		if op == OpTypeof {
			pa.TypeofSites[pc] = true
		}

		if isUnconditionalTransfer(op) {
			transfers = append(transfers, transfer{pc: pc + info.Width, unconditional: true})
		}

		pc += info.Width
	}

	// Typeof elimination must not fire when the peephole can't safely
	// swallow the following comparison: only keep a typeof site
	// eliminable when it is immediately followed by a constant-pool/atom
	// push and a strict/loose equality opcode.
	for site := range pa.TypeofSites {
		if !typeofPeepholeSafe(r, site) {
			delete(pa.TypeofSites, site)
			continue
		}
		pushPC := site + 1
		pushInfo, _ := Lookup(r.Opcode(pushPC))
		eqPC := pushPC + pushInfo.Width
		if pa.JumpTargets[pushPC] || pa.JumpTargets[eqPC] {
			// a branch lands inside the would-be fold; swallowing either
			// opcode would leave that branch with no native target
			delete(pa.TypeofSites, site)
			continue
		}
		pa.Swallowed[pushPC] = true
		pa.Swallowed[eqPC] = true
	}

	// Second pass: dead ranges. Starting right after each unconditional
	// transfer, bytes up to (not including) the next jump target are
	// dead.
	for _, t := range transfers {
		start := t.pc
		end := start
		for end < n && !pa.JumpTargets[end] {
			end++
		}
		if end > start {
			pa.DeadRanges = append(pa.DeadRanges, DeadRange{Start: start, End: end})
		}
	}

	return pa, nil
}

// typeofPeepholeSafe reports whether the opcode immediately after a
// typeof at pc is a const/atom push followed by a strict/loose
// equality check, which is the only shape this JIT trusts itself to
// fold without changing program behaviour. The pushed pool index must
// also resolve, since the code generator reads the atom out of it to
// decide the fold's constant result.
func typeofPeepholeSafe(r *Reader, pc int) bool {
	nextOp := r.Opcode(pc + 1)
	if nextOp != OpPushConst {
		return false
	}
	info, ok := Lookup(nextOp)
	if !ok {
		return false
	}
	if _, ok := r.Const(r.U16(pc + 2)); !ok {
		return false
	}
	afterPush := pc + 1 + info.Width
	op2 := r.Opcode(afterPush)
	return op2 == OpSEq || op2 == OpEq
}
