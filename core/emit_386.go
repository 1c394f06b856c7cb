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

// Reg is an i686 general-purpose register index, numbered the way the
// ModRM/SIB byte encodings expect (no REX extension on this target, so
// there is no R8-R15 the way there would be on amd64).
type Reg uint8

const (
	RegEAX Reg = 0
	RegECX Reg = 1
	RegEDX Reg = 2
	RegEBX Reg = 3
	RegESP Reg = 4
	RegEBP Reg = 5
	RegESI Reg = 6
	RegEDI Reg = 7
)

// AccReg is the accumulator used for most single-operand work.
// CountReg holds the second operand of binary ops, the shift count,
// and the IDIV divisor. ReservedReg is the one callee-saved register
// the register allocator may bind a hot local to — EBX, the direct
// 32-bit analogue of a reserved high register on amd64.
const (
	AccReg      = RegEAX
	CountReg    = RegECX
	ReservedReg = RegEBX
	FrameReg    = RegEBP
	StackReg    = RegESP
)

// condition codes for Jcc/Setcc, x86 nibble values.
const (
	ccO  = 0x0
	ccNO = 0x1
	ccB  = 0x2
	ccAE = 0x3
	ccE  = 0x4
	ccNE = 0x5
	ccBE = 0x6
	ccA  = 0x7
	ccS  = 0x8
	ccNS = 0x9
	ccL  = 0xC
	ccGE = 0xD
	ccLE = 0xE
	ccG  = 0xF
)

// Emitter wraps a Writer with i686 instruction-encoding helpers. It is
// the only component that writes raw opcode bytes; the integer and
// float code generators call through it exclusively. Grouped the way
// an amd64 Emit* helper set would be, narrowed from REX-prefixed
// 64-bit encodings to plain 32-bit ModRM forms (no REX byte exists on
// this target at all).
type Emitter struct {
	W *Writer
}

func NewEmitter(w *Writer) *Emitter { return &Emitter{W: w} }

func modrm(mod, reg, rm byte) byte {
	return mod<<6 | (reg&7)<<3 | (rm & 7)
}

// regMemDisp encodes a ModRM (+ optional SIB, + displacement) for
// "reg OP [base + disp]", choosing disp8 vs disp32 and handling the
// ESP/EBP special cases (ESP as base always needs a SIB byte; EBP as
// base with mod=00 means
// RIP-relative-style absolute addressing on amd64, but on i686 it
// means "no base, disp32 only" — so EBP with zero displacement must
// still be encoded with an explicit disp8 of 0).
func (e *Emitter) regMemDisp(regField byte, base Reg, disp int32) {
	w := e.W
	useDisp8 := disp >= -128 && disp <= 127
	forceDisp8 := base == RegEBP && disp == 0
	var mod byte
	if disp == 0 && !forceDisp8 {
		mod = 0
	} else if useDisp8 {
		mod = 1
	} else {
		mod = 2
	}
	w.Byte(modrm(mod, regField, byte(base)))
	if base == RegESP {
		w.Byte(0x24) // SIB: scale=0, index=none, base=ESP
	}
	if mod == 1 {
		w.Byte(byte(int8(disp)))
	} else if mod == 2 {
		w.U32(uint32(disp))
	}
}

// --- Locals: load/store 32-bit value relative to the frame pointer ---

func (e *Emitter) LoadLocal(dst Reg, disp int32) {
	e.W.Byte(0x8B) // MOV r32, r/m32
	e.regMemDisp(byte(dst), FrameReg, disp)
}

func (e *Emitter) StoreLocal(disp int32, src Reg) {
	e.W.Byte(0x89) // MOV r/m32, r32
	e.regMemDisp(byte(src), FrameReg, disp)
}

// --- Register moves ---

func (e *Emitter) MovImmToAcc(imm uint32) {
	e.W.Byte(0xB8 | byte(AccReg))
	e.W.U32(imm)
}

func (e *Emitter) MovRegReg(dst, src Reg) {
	e.W.Byte(0x89)
	e.W.Byte(modrm(3, byte(src), byte(dst)))
}

func (e *Emitter) MovImmToReg(dst Reg, imm uint32) {
	e.W.Byte(0xB8 | byte(dst))
	e.W.U32(imm)
}

// CallReg emits an indirect CALL r/m32 through register r (load the
// target with MovImmToReg first). Neither code generator emits it:
// guard misses and IC misses write the deopt flag byte instead of
// calling out.
func (e *Emitter) CallReg(r Reg) {
	e.W.Byte(0xFF)
	e.W.Byte(modrm(3, 2, byte(r)))
}

func (e *Emitter) MovAccToCount() { e.MovRegReg(CountReg, AccReg) }
func (e *Emitter) MovCountToAcc() { e.MovRegReg(AccReg, CountReg) }
func (e *Emitter) MovAccToReserved() { e.MovRegReg(ReservedReg, AccReg) }
func (e *Emitter) MovReservedToAcc() { e.MovRegReg(AccReg, ReservedReg) }

func (e *Emitter) ZeroAcc() {
	e.W.Byte(0x31) // XOR r/m32, r32
	e.W.Byte(modrm(3, byte(AccReg), byte(AccReg)))
}

// --- Stack (virtual eval stack, materialised on the host stack) ---

func (e *Emitter) PushAcc() {
	e.W.Byte(0x50 | byte(AccReg))
}

func (e *Emitter) PopAcc() {
	e.W.Byte(0x58 | byte(AccReg))
}

func (e *Emitter) PushReg(r Reg) { e.W.Byte(0x50 | byte(r)) }
func (e *Emitter) PopReg(r Reg)  { e.W.Byte(0x58 | byte(r)) }

func (e *Emitter) PopToCount() {
	e.W.Byte(0x58 | byte(CountReg))
}

// PeekAcc loads the top-of-stack value into the accumulator without
// popping it.
func (e *Emitter) PeekAcc() {
	e.W.Byte(0x8B)
	e.regMemDisp(byte(AccReg), StackReg, 0)
}

// PeekN loads the value n slots below the current top into the
// accumulator (0 == top).
func (e *Emitter) PeekN(n int32) {
	e.W.Byte(0x8B)
	e.regMemDisp(byte(AccReg), StackReg, n*4)
}

// --- Arithmetic between accumulator and count-register ---

func (e *Emitter) aluAccCount(opcode byte) {
	e.W.Byte(opcode)
	e.W.Byte(modrm(3, byte(CountReg), byte(AccReg)))
}

func (e *Emitter) AddAccCount() { e.aluAccCount(0x01) }
func (e *Emitter) SubAccCount() { e.aluAccCount(0x29) }
func (e *Emitter) AndAccCount() { e.aluAccCount(0x21) }
func (e *Emitter) OrAccCount()  { e.aluAccCount(0x09) }
func (e *Emitter) XorAccCount() { e.aluAccCount(0x31) }
func (e *Emitter) CmpAccCount() { e.aluAccCount(0x39) }

func (e *Emitter) ImulAccCount() {
	e.W.Byte(0x0F)
	e.W.Byte(0xAF)
	e.W.Byte(modrm(3, byte(AccReg), byte(CountReg)))
}

// ImulRegImm32 computes dst *= imm32, used to scale an array index by
// an IC-cached element stride.
func (e *Emitter) ImulRegImm32(dst Reg, imm uint32) {
	e.W.Byte(0x69) // IMUL r32, r/m32, imm32
	e.W.Byte(modrm(3, byte(dst), byte(dst)))
	e.W.U32(imm)
}

// AddRegReg computes dst += src for an arbitrary register pair, used to
// fold a scaled array index into a base pointer.
func (e *Emitter) AddRegReg(dst, src Reg) {
	e.W.Byte(0x01) // ADD r/m32, r32
	e.W.Byte(modrm(3, byte(src), byte(dst)))
}

// CmpRegMem compares reg against the 32-bit value at [base+disp],
// used for the array-IC bounds guard (index vs. cached length field).
func (e *Emitter) CmpRegMem(reg Reg, base Reg, disp int32) {
	e.W.Byte(0x3B) // CMP r32, r/m32
	e.regMemDisp(byte(reg), base, disp)
}

// shifts: count byte taken from CL (low byte of the count-register)
func (e *Emitter) shiftAccByCL(regField byte) {
	e.W.Byte(0xD3)
	e.W.Byte(modrm(3, regField, byte(AccReg)))
}

func (e *Emitter) ShlAcc()  { e.shiftAccByCL(4) }
func (e *Emitter) SarAcc()  { e.shiftAccByCL(7) }
func (e *Emitter) ShrAcc()  { e.shiftAccByCL(5) }

// --- Signed division ---

func (e *Emitter) Cdq() { e.W.Byte(0x99) }

func (e *Emitter) IdivCount() {
	e.W.Byte(0xF7)
	e.W.Byte(modrm(3, 7, byte(CountReg)))
}

// --- Unary ---

func (e *Emitter) NegAcc() {
	e.W.Byte(0xF7)
	e.W.Byte(modrm(3, 3, byte(AccReg)))
}

func (e *Emitter) NotAcc() {
	e.W.Byte(0xF7)
	e.W.Byte(modrm(3, 2, byte(AccReg)))
}

// AbsAcc computes the branchless absolute value of EAX via the classic
// CDQ;XOR;SUB sequence.
func (e *Emitter) AbsAcc() {
	e.Cdq()          // EDX = sign-extend(EAX)
	e.W.Byte(0x31)   // XOR EAX, EDX
	e.W.Byte(modrm(3, byte(RegEDX), byte(AccReg)))
	e.W.Byte(0x29)   // SUB EAX, EDX
	e.W.Byte(modrm(3, byte(RegEDX), byte(AccReg)))
}

// --- Comparisons ---

func (e *Emitter) SetccAcc(cc byte) {
	e.W.Byte(0x0F)
	e.W.Byte(0x90 | cc)
	e.W.Byte(modrm(3, 0, byte(AccReg))) // SETcc AL
	// zero-extend AL to EAX
	e.W.Byte(0x0F)
	e.W.Byte(0xB6)
	e.W.Byte(modrm(3, byte(AccReg), byte(AccReg)))
}

// --- Memory access via count-register as address ---

func (e *Emitter) ReadMemAcc32FromCount(disp int32) {
	e.W.Byte(0x8B)
	e.regMemDisp(byte(AccReg), CountReg, disp)
}

func (e *Emitter) WriteMemAcc32ToCount(disp int32) {
	e.W.Byte(0x89)
	e.regMemDisp(byte(AccReg), CountReg, disp)
}

func (e *Emitter) ReadMemAcc8ZxFromCount(disp int32) {
	e.W.Byte(0x0F)
	e.W.Byte(0xB6)
	e.regMemDisp(byte(AccReg), CountReg, disp)
}

func (e *Emitter) WriteMemImm8ToCount(disp int32, imm8 byte) {
	e.W.Byte(0xC6)
	e.regMemDisp(0, CountReg, disp)
	e.W.Byte(imm8)
}

// --- Branches: always 32-bit relative ---

func (e *Emitter) JmpRel32(target int) {
	e.W.Byte(0xE9)
	e.W.AddFixup(target)
}

func (e *Emitter) JccRel32(cc byte, target int) {
	e.W.Byte(0x0F)
	e.W.Byte(0x80 | cc)
	e.W.AddFixup(target)
}

// JmpRel32Raw and JccRel32Raw emit a placeholder jump with no
// bytecode-offset fixup and return the position of the 4-byte
// displacement field for an immediate Writer.PatchRel32 once the
// target is reached during emission (used by IC guards, which target
// a native position rather than a bytecode offset).
func (e *Emitter) JmpRel32Raw() int32 {
	e.W.Byte(0xE9)
	pos := e.W.Pos()
	e.W.U32(0)
	return pos
}

func (e *Emitter) JccRel32Raw(cc byte) int32 {
	e.W.Byte(0x0F)
	e.W.Byte(0x80 | cc)
	pos := e.W.Pos()
	e.W.U32(0)
	return pos
}

func (e *Emitter) CmpAccImm32(imm uint32) {
	e.W.Byte(0x3D) // CMP EAX, imm32
	e.W.U32(imm)
}

func (e *Emitter) Test32AccAcc() {
	e.W.Byte(0x85)
	e.W.Byte(modrm(3, byte(AccReg), byte(AccReg)))
}

// MovByteImmAbs stores imm8 at an absolute 32-bit address (ModRM
// mod=00 rm=101 is disp32-absolute on i686, unlike amd64 where the
// same encoding is RIP-relative). This is the deopt-flag write every
// guard-miss path emits: one byte, one instruction, no register
// clobbered.
func (e *Emitter) MovByteImmAbs(addr uint32, imm8 byte) {
	e.W.Byte(0xC6)
	e.W.Byte(modrm(0, 0, 5))
	e.W.U32(addr)
	e.W.Byte(imm8)
}

// SubEspImm32/AddEspImm32 move the machine stack pointer by a fixed
// amount, the float tier's push/pop of 8-byte eval slots.
func (e *Emitter) SubEspImm32(imm uint32) {
	e.W.Byte(0x81)
	e.W.Byte(modrm(3, 5, byte(StackReg)))
	e.W.U32(imm)
}

func (e *Emitter) AddEspImm32(imm uint32) {
	e.W.Byte(0x81)
	e.W.Byte(modrm(3, 0, byte(StackReg)))
	e.W.U32(imm)
}

// --- Function prologue / epilogue ---

// reservedSaveDisp is the frame slot the prologue parks EBX in when
// reg-alloc is active: one extra slot past the locals + eval-stack
// area, so it can never collide with localDisp(0) at EBP-4.
func reservedSaveDisp(frameSlots int) int32 {
	return -int32((frameSlots + 1) * 4)
}

// Prologue reserves frameSlots*4 bytes on the frame (declared locals +
// MaxEvalStackSlots); if savesReserved, it reserves one further slot
// and parks EBX there.
func (e *Emitter) Prologue(frameSlots int, savesReserved bool) {
	e.W.Byte(0x55) // PUSH EBP
	e.MovRegReg(FrameReg, StackReg)
	total := frameSlots
	if savesReserved {
		total++
	}
	e.SubEspImm32(uint32(total * 4))
	if savesReserved {
		e.StoreLocal(reservedSaveDisp(frameSlots), ReservedReg)
	}
}

func (e *Emitter) Epilogue(frameSlots int, restoresReserved bool) {
	total := frameSlots
	if restoresReserved {
		total++
		e.LoadLocal(ReservedReg, reservedSaveDisp(frameSlots))
	}
	e.AddEspImm32(uint32(total * 4))
	e.W.Byte(0x5D) // POP EBP
	e.W.Byte(0xC3) // RET
}

// --- Float tier extras: x87 stack ops ---

// x87 instructions below address a qword (8-byte double) at a
// frame-pointer-relative or stack-pointer-relative displacement.

func (e *Emitter) FldQwordMem(base Reg, disp int32) {
	e.W.Byte(0xDD) // FLD m64fp, /0
	e.regMemDisp(0, base, disp)
}

func (e *Emitter) FstpQwordMem(base Reg, disp int32) {
	e.W.Byte(0xDD) // FSTP m64fp, /3
	e.regMemDisp(3, base, disp)
}

// FstpSt0 discards the x87 stack top without touching memory.
func (e *Emitter) FstpSt0() { e.W.Byte(0xDD); e.W.Byte(0xD8) }

func (e *Emitter) FldZ()  { e.W.Byte(0xD9); e.W.Byte(0xEE) }
func (e *Emitter) FldOne() { e.W.Byte(0xD9); e.W.Byte(0xE8) }
func (e *Emitter) FChs()  { e.W.Byte(0xD9); e.W.Byte(0xE0) }

func (e *Emitter) FAddP() { e.W.Byte(0xDE); e.W.Byte(0xC1) }
func (e *Emitter) FSubRP() { e.W.Byte(0xDE); e.W.Byte(0xE1) }
func (e *Emitter) FMulP() { e.W.Byte(0xDE); e.W.Byte(0xC9) }
func (e *Emitter) FDivRP() { e.W.Byte(0xDE); e.W.Byte(0xF1) }

// FComIP compares ST(0) to ST(1), pops, and sets integer flags
// directly (no FSTSW needed), ready for an immediately following
// Setcc.
func (e *Emitter) FComIP() { e.W.Byte(0xDF); e.W.Byte(0xF1) }

// FildDwordMem/FistpDwordMem convert between a 32-bit integer in
// memory and the x87 stack top, used for the int<->double bridge at
// tier boundaries (reading an integer argument as a double, or
// materialising a 0.0/1.0 double from a SETcc byte).
func (e *Emitter) FildDwordMem(base Reg, disp int32) {
	e.W.Byte(0xDB) // FILD m32int, /0
	e.regMemDisp(0, base, disp)
}

func (e *Emitter) FistpDwordMem(base Reg, disp int32) {
	e.W.Byte(0xDB) // FISTP m32int, /3
	e.regMemDisp(3, base, disp)
}
