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

import "encoding/binary"

// Fixup records a forward (or backward) branch reference that must be
// patched once every label position is known. Target is a PC-to-native
// map key (a bytecode offset) rather than a label ID — the
// integer/float code generators resolve fixups against the
// PC→native-offset map they build while emitting.
type Fixup struct {
	CodePos int32 // byte offset, within Code, of the 4-byte displacement field
	Target  int   // target bytecode offset
}

// Writer is the append-only code buffer used during emission. It
// accumulates raw machine-code bytes, a PC→native-offset map, and a
// pending-fixup list; all multi-byte jumps use the 32-bit relative
// form exclusively, so Writer only ever patches 4-byte fields. Writer
// itself is architecture-independent: the actual instruction bytes
// come from the i686 emitter in emit_386.go.
type Writer struct {
	Code []byte

	// PCToNative maps a bytecode offset to the native byte offset
	// (within Code) at which its translation begins.
	PCToNative map[int]int32

	Fixups []Fixup

	// stackDepth is the emitter's simulated virtual-stack depth,
	// checked against MaxEvalStackSlots at every opcode boundary.
	stackDepth int
	maxDepth   int
}

// MaxEvalStackSlots is the number of eval-stack slots reserved in the
// prologue.
const MaxEvalStackSlots = 8

// NewWriter returns an empty code buffer.
func NewWriter() *Writer {
	return &Writer{
		Code:       make([]byte, 0, 256),
		PCToNative: map[int]int32{},
	}
}

// Pos returns the current native write offset.
func (w *Writer) Pos() int32 { return int32(len(w.Code)) }

// MarkPC records that bytecode offset pc begins at the current native
// position (the mapping the integer/float code generators build on
// every iteration).
func (w *Writer) MarkPC(pc int) {
	w.PCToNative[pc] = w.Pos()
}

// Byte appends one raw byte.
func (w *Writer) Byte(b byte) { w.Code = append(w.Code, b) }

// Bytes appends a raw byte slice.
func (w *Writer) Bytes(b []byte) { w.Code = append(w.Code, b...) }

// U32 appends a little-endian 32-bit value.
func (w *Writer) U32(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	w.Code = append(w.Code, buf[:]...)
}

// AddFixup reserves a 4-byte placeholder displacement field at the
// current position and records a pending fixup targeting the given
// bytecode offset, so 8-bit encodings are structurally impossible to
// emit by mistake — every branch callsite in this codebase goes
// through AddFixup, which always reserves 4 bytes.
func (w *Writer) AddFixup(target int) {
	w.Fixups = append(w.Fixups, Fixup{CodePos: w.Pos(), Target: target})
	w.U32(0) // placeholder, patched by ResolveFixups
}

// ResolveFixups patches every recorded fixup's 4-byte relative
// displacement now that PCToNative is complete. It fails if any
// fixup's target bytecode offset never appeared in PCToNative — e.g. a
// forward branch past the end of the function.
func (w *Writer) ResolveFixups() error {
	for _, f := range w.Fixups {
		targetNative, ok := w.PCToNative[f.Target]
		if !ok {
			return bail(BailUnresolvedBranch, "branch target bytecode offset not reached during emission")
		}
		// Relative displacement is measured from the end of the 4-byte
		// field itself: targetPos - (CodePos + fieldSize).
		disp := targetNative - (f.CodePos + 4)
		binary.LittleEndian.PutUint32(w.Code[f.CodePos:f.CodePos+4], uint32(disp))
	}
	return nil
}

// AdjustStack tracks the simulated virtual eval-stack depth. The code
// generators call these around every opcode's stack delta so stack
// balance can be enforced independent of whichever concrete
// SP-relative instructions the 386 emitter chose.

func (w *Writer) AdjustStack(delta int) error {
	w.stackDepth += delta
	if w.stackDepth < 0 {
		w.stackDepth = 0
	}
	if w.stackDepth > w.maxDepth {
		w.maxDepth = w.stackDepth
	}
	if w.stackDepth > MaxEvalStackSlots {
		return bail(BailStackOverflow, "")
	}
	return nil
}

// StackDepth returns the current simulated depth.
func (w *Writer) StackDepth() int { return w.stackDepth }

// MaxStackDepth returns the peak simulated depth reached over the
// whole emission, the figure callers actually want when sizing a
// frame or reporting high-water marks — unlike StackDepth, which is
// typically back down to 0 by the time a function's last return has
// been emitted.
func (w *Writer) MaxStackDepth() int { return w.maxDepth }

// PatchRel32 patches the 4-byte relative displacement field starting
// at fixupPos so that it lands at the current write position. Used
// for intra-instruction control flow the code generators introduce
// themselves — inline-cache guards and deopt-call skips — which, unlike
// Fixup, never reference a bytecode offset and so are resolved
// immediately rather than deferred to ResolveFixups.
func (w *Writer) PatchRel32(fixupPos int32) {
	disp := w.Pos() - (fixupPos + 4)
	binary.LittleEndian.PutUint32(w.Code[fixupPos:fixupPos+4], uint32(disp))
}
