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
	"bytes"
	"testing"
)

func emitted(f func(e *Emitter)) []byte {
	w := NewWriter()
	f(NewEmitter(w))
	return w.Code
}

func TestEmitterBasicEncodings(t *testing.T) {
	cases := []struct {
		name string
		emit func(e *Emitter)
		want []byte
	}{
		{"mov eax, imm32", func(e *Emitter) { e.MovImmToAcc(0x11223344) }, []byte{0xB8, 0x44, 0x33, 0x22, 0x11}},
		{"mov ebp, esp", func(e *Emitter) { e.MovRegReg(FrameReg, StackReg) }, []byte{0x89, 0xE5}},
		{"push eax", func(e *Emitter) { e.PushAcc() }, []byte{0x50}},
		{"pop ecx", func(e *Emitter) { e.PopToCount() }, []byte{0x59}},
		{"xor eax, eax", func(e *Emitter) { e.ZeroAcc() }, []byte{0x31, 0xC0}},
		{"add eax, ecx", func(e *Emitter) { e.AddAccCount() }, []byte{0x01, 0xC8}},
		{"cdq; idiv ecx", func(e *Emitter) { e.Cdq(); e.IdivCount() }, []byte{0x99, 0xF7, 0xF9}},
		{"mov eax, [esp]", func(e *Emitter) { e.PeekAcc() }, []byte{0x8B, 0x04, 0x24}},
		{"mov eax, [esp+8]", func(e *Emitter) { e.PeekN(2) }, []byte{0x8B, 0x44, 0x24, 0x08}},
		{"mov eax, [ebp-4]", func(e *Emitter) { e.LoadLocal(AccReg, -4) }, []byte{0x8B, 0x45, 0xFC}},
		{"mov eax, [ebp+0] forces disp8", func(e *Emitter) { e.LoadLocal(AccReg, 0) }, []byte{0x8B, 0x45, 0x00}},
		{"mov [ebp-200], eax uses disp32", func(e *Emitter) { e.StoreLocal(-200, AccReg) }, []byte{0x89, 0x85, 0x38, 0xFF, 0xFF, 0xFF}},
		{"mov byte [abs], 1", func(e *Emitter) { e.MovByteImmAbs(0x12345678, 1) }, []byte{0xC6, 0x05, 0x78, 0x56, 0x34, 0x12, 0x01}},
		{"sub esp, 8", func(e *Emitter) { e.SubEspImm32(8) }, []byte{0x81, 0xEC, 0x08, 0x00, 0x00, 0x00}},
		{"add esp, 8", func(e *Emitter) { e.AddEspImm32(8) }, []byte{0x81, 0xC4, 0x08, 0x00, 0x00, 0x00}},
		{"sete al; movzx", func(e *Emitter) { e.SetccAcc(ccE) }, []byte{0x0F, 0x94, 0xC0, 0x0F, 0xB6, 0xC0}},
		{"fld qword [esp]", func(e *Emitter) { e.FldQwordMem(StackReg, 0) }, []byte{0xDD, 0x04, 0x24}},
		{"fstp st0", func(e *Emitter) { e.FstpSt0() }, []byte{0xDD, 0xD8}},
		{"fcomip", func(e *Emitter) { e.FComIP() }, []byte{0xDF, 0xF1}},
	}
	for _, tc := range cases {
		got := emitted(tc.emit)
		if !bytes.Equal(got, tc.want) {
			t.Errorf("%s: got % X, want % X", tc.name, got, tc.want)
		}
	}
}

// Every jump helper must use the 32-bit displacement encoding; the
// 8-bit forms (EB, 7x) never appear.
func TestEmitterBranchesAreAlways32Bit(t *testing.T) {
	got := emitted(func(e *Emitter) { e.JmpRel32(0) })
	if got[0] != 0xE9 || len(got) != 5 {
		t.Fatalf("JmpRel32 must emit E9 + rel32, got % X", got)
	}
	got = emitted(func(e *Emitter) { e.JccRel32(ccNE, 0) })
	if got[0] != 0x0F || got[1] != 0x85 || len(got) != 6 {
		t.Fatalf("JccRel32 must emit 0F 8x + rel32, got % X", got)
	}
	got = emitted(func(e *Emitter) { e.JmpRel32Raw() })
	if got[0] != 0xE9 || len(got) != 5 {
		t.Fatalf("JmpRel32Raw must emit E9 + rel32, got % X", got)
	}
}

// The prologue's reserved-register save slot sits one slot past the
// locals + eval area, so it can never collide with localDisp(0).
func TestEmitterPrologueEpilogueWithReservedSave(t *testing.T) {
	frameSlots := 3
	got := emitted(func(e *Emitter) { e.Prologue(frameSlots, true) })
	want := []byte{
		0x55,       // push ebp
		0x89, 0xE5, // mov ebp, esp
		0x81, 0xEC, 0x10, 0x00, 0x00, 0x00, // sub esp, 16 (3+1 slots)
		0x89, 0x5D, 0xF0, // mov [ebp-16], ebx
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("prologue: got % X, want % X", got, want)
	}

	got = emitted(func(e *Emitter) { e.Epilogue(frameSlots, true) })
	want = []byte{
		0x8B, 0x5D, 0xF0, // mov ebx, [ebp-16]
		0x81, 0xC4, 0x10, 0x00, 0x00, 0x00, // add esp, 16
		0x5D, // pop ebp
		0xC3, // ret
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("epilogue: got % X, want % X", got, want)
	}
}
