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

// MaxBytecodeLength bounds how large a function body this JIT will
// even attempt to compile. Functions longer than this are never
// compiled.
const MaxBytecodeLength = 4096

// ConstTag identifies the type of a constant-pool entry.
type ConstTag uint32

const (
	ConstInt ConstTag = iota
	ConstBool
	ConstNull
	ConstUndefined
	ConstFloat64
)

// ConstEntry is one fixed 8-byte tagged constant-pool slot: a 4-byte
// payload and a 4-byte tag.
type ConstEntry struct {
	Tag     ConstTag
	Payload uint32
}

// AtomNumber is the interned id of the string "number" in the
// interpreter's predefined atom table. Predefined atoms occupy fixed
// low ids assigned at interpreter build time, which is what lets the
// typeof peephole compare against the id statically instead of asking
// the host to resolve it per compile.
const AtomNumber uint32 = 14

// OffsetsTable carries the byte offsets of the fields the JIT reads
// out of the interpreter's function descriptor. Computed once by the
// host at initialisation.
type OffsetsTable struct {
	BytecodePtr    uint32
	BytecodeLen    uint32
	ArgCount       uint32
	LocalCount     uint32
	ConstPoolPtr   uint32
	ConstPoolCount uint32
	NativePtr      uint32
}

// Reader is a typed view over a function's bytecode and constant pool,
// built entirely from bytes returned by the host's memory probe. It
// never touches host memory directly outside of construction — every
// accessor reads from the already-fetched byte slices, so emission
// never re-probes memory mid-pass.
type Reader struct {
	FuncAddr   uint32
	Code       []byte
	Consts     []ConstEntry
	ArgCount   uint16
	LocalCount uint16
}

// NewReader constructs a Reader for the function at funcAddr using the
// given offsets table and memory-probe callback. Any probe failure or
// length violation fails construction; the caller turns that into a
// bail rather than a panic.
func NewReader(funcAddr uint32, off OffsetsTable, probe func(addr uint32, length uint32) ([]byte, bool)) (*Reader, error) {
	header, ok := probe(funcAddr, 24)
	if !ok || len(header) < 24 {
		return nil, errProbeFailure("function header")
	}

	bcPtr := binary.LittleEndian.Uint32(header[off.BytecodePtr:])
	bcLen := binary.LittleEndian.Uint32(header[off.BytecodeLen:])
	argCount := uint16(binary.LittleEndian.Uint32(header[off.ArgCount:]))
	localCount := uint16(binary.LittleEndian.Uint32(header[off.LocalCount:]))
	constPtr := binary.LittleEndian.Uint32(header[off.ConstPoolPtr:])
	constCount := binary.LittleEndian.Uint32(header[off.ConstPoolCount:])

	if bcLen == 0 || bcLen > MaxBytecodeLength {
		return nil, errBytecodeInvalid(bcLen)
	}

	code, ok := probe(bcPtr, bcLen)
	if !ok || uint32(len(code)) != bcLen {
		return nil, errProbeFailure("bytecode body")
	}

	var consts []ConstEntry
	if constCount > 0 {
		raw, ok := probe(constPtr, constCount*8)
		if !ok || uint32(len(raw)) != constCount*8 {
			return nil, errProbeFailure("constant pool")
		}
		consts = make([]ConstEntry, constCount)
		for i := uint32(0); i < constCount; i++ {
			base := i * 8
			consts[i] = ConstEntry{
				Tag:     ConstTag(binary.LittleEndian.Uint32(raw[base+4:])),
				Payload: binary.LittleEndian.Uint32(raw[base:]),
			}
		}
	}

	return &Reader{
		FuncAddr:   funcAddr,
		Code:       code,
		Consts:     consts,
		ArgCount:   argCount,
		LocalCount: localCount,
	}, nil
}

// Len is the bytecode length in bytes.
func (r *Reader) Len() int { return len(r.Code) }

// U8/S8/U16/S16/U32/S32 read little-endian values at byte offset pc.
// Out-of-range reads return zero rather than panicking; callers are
// expected to have validated pc against Len() via the opcode-width
// table beforehand, but a missed check degrades to a wrong value
// instead of crashing the host.

func (r *Reader) U8(pc int) uint8 {
	if pc < 0 || pc >= len(r.Code) {
		return 0
	}
	return r.Code[pc]
}

func (r *Reader) S8(pc int) int8 { return int8(r.U8(pc)) }

func (r *Reader) U16(pc int) uint16 {
	if pc < 0 || pc+2 > len(r.Code) {
		return 0
	}
	return binary.LittleEndian.Uint16(r.Code[pc:])
}

func (r *Reader) S16(pc int) int16 { return int16(r.U16(pc)) }

func (r *Reader) U32(pc int) uint32 {
	if pc < 0 || pc+4 > len(r.Code) {
		return 0
	}
	return binary.LittleEndian.Uint32(r.Code[pc:])
}

func (r *Reader) S32(pc int) int32 { return int32(r.U32(pc)) }

// Const returns the constant-pool entry at idx, or false if idx is
// out of range.
func (r *Reader) Const(idx uint16) (ConstEntry, bool) {
	if int(idx) >= len(r.Consts) {
		return ConstEntry{}, false
	}
	return r.Consts[idx], true
}

// Opcode reads the opcode byte at pc.
func (r *Reader) Opcode(pc int) Op {
	return Op(r.U8(pc))
}
