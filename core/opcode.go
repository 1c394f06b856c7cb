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

// Op identifies one bytecode instruction. Values below are the
// minimum supported set this JIT understands; the interpreter's own
// opcode space may be larger, but anything outside this table causes
// a bail at emission time.
type Op uint8

const (
	OpNop Op = iota
	OpLabel

	// literal / constant pushes
	OpPushI32
	OpPushTrue
	OpPushFalse
	OpPushNull
	OpPushUndefined
	OpPushConst // constant-pool index (2 bytes), integer or boolean tag only

	// local / argument access
	OpGetLoc
	OpPutLoc
	OpSetLoc
	OpGetArg
	OpPutArg
	OpSetArg

	// stack manipulators
	OpDrop
	OpDup
	OpDup1
	OpDup2
	OpDup3
	OpNip
	OpNip1
	OpSwap
	OpRot3L
	OpRot3R

	// arithmetic
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpNeg
	OpBitNot
	OpLogNot
	OpBitAnd
	OpBitOr
	OpBitXor
	OpShl
	OpShrA // arithmetic (signed)
	OpShrL // logical (unsigned)

	// comparisons, 0/1 result
	OpEq
	OpNe
	OpSEq // strict equality
	OpSNe // strict inequality
	OpLt
	OpLe
	OpGt
	OpGe

	// in-place local RMW
	OpIncLoc8
	OpIncLoc16
	OpDecLoc8
	OpDecLoc16
	OpAddLoc

	// TOS post-adjust
	OpPostInc
	OpPostDec

	// branches
	OpGoto8
	OpGoto16
	OpGoto32
	OpIfTrue8
	OpIfTrue32
	OpIfFalse8
	OpIfFalse32

	// returns
	OpReturnVal
	OpReturnUndef

	// type introspection (peephole-eliminable, see preanalysis.go)
	OpTypeof

	// property / array access, IC-backed
	OpGetField
	OpPutField
	OpGetElem
	OpPutElem

	// anything the interpreter may emit that this JIT never supports,
	// reserved so test fixtures can build deliberately-unsupported
	// bytecode.
	OpCall
)

// OpInfo describes one opcode's encoding: its total instruction width
// in bytes (including the opcode byte itself) and its net virtual
// stack delta. StackDeltaKnown is false for opcodes whose effect on
// the stack depends on an operand embedded in the instruction (this
// table has none today, but the field exists so future variable-arity
// opcodes don't require restructuring every caller).
type OpInfo struct {
	Name            string
	Width           int
	StackDelta      int
	StackDeltaKnown bool
	Supported       bool
	ICBacked        bool
}

// opcodeTable is the single source of truth for instruction width:
// pre-analysis, the integer code generator, and the float code
// generator all read widths from this table and nowhere else.
// tools/opwidthcheck checks that every Supported entry has a case in
// emitIntOp and that every case in emitIntOp/emitFloatOp names a table
// entry; it does not compare widths.
var opcodeTable = [256]OpInfo{
	OpNop:    {"nop", 1, 0, true, true, false},
	OpLabel:  {"label", 5, 0, true, true, false},
	OpPushI32:       {"push_i32", 5, 1, true, true, false},
	OpPushTrue:      {"push_true", 1, 1, true, true, false},
	OpPushFalse:     {"push_false", 1, 1, true, true, false},
	OpPushNull:      {"push_null", 1, 1, true, true, false},
	OpPushUndefined: {"push_undefined", 1, 1, true, true, false},
	OpPushConst:     {"push_const", 3, 1, true, true, false},

	OpGetLoc: {"get_loc", 2, 1, true, true, false},
	OpPutLoc: {"put_loc", 2, -1, true, true, false},
	OpSetLoc: {"set_loc", 2, 0, true, true, false},
	OpGetArg: {"get_arg", 2, 1, true, true, false},
	OpPutArg: {"put_arg", 2, -1, true, true, false},
	OpSetArg: {"set_arg", 2, 0, true, true, false},

	OpDrop:  {"drop", 1, -1, true, true, false},
	OpDup:   {"dup", 1, 1, true, true, false},
	OpDup1:  {"dup1", 1, 1, true, true, false},
	OpDup2:  {"dup2", 1, 1, true, true, false},
	OpDup3:  {"dup3", 1, 1, true, true, false},
	OpNip:   {"nip", 1, -1, true, true, false},
	OpNip1:  {"nip1", 1, -1, true, true, false},
	OpSwap:  {"swap", 1, 0, true, true, false},
	OpRot3L: {"rot3l", 1, 0, true, true, false},
	OpRot3R: {"rot3r", 1, 0, true, true, false},

	OpAdd:    {"add", 1, -1, true, true, false},
	OpSub:    {"sub", 1, -1, true, true, false},
	OpMul:    {"mul", 1, -1, true, true, false},
	OpDiv:    {"div", 1, -1, true, true, false},
	OpMod:    {"mod", 1, -1, true, true, false},
	OpNeg:    {"neg", 1, 0, true, true, false},
	OpBitNot: {"bitnot", 1, 0, true, true, false},
	OpLogNot: {"lognot", 1, 0, true, true, false},
	OpBitAnd: {"bitand", 1, -1, true, true, false},
	OpBitOr:  {"bitor", 1, -1, true, true, false},
	OpBitXor: {"bitxor", 1, -1, true, true, false},
	OpShl:    {"shl", 1, -1, true, true, false},
	OpShrA:   {"shra", 1, -1, true, true, false},
	OpShrL:   {"shrl", 1, -1, true, true, false},

	OpEq:  {"eq", 1, -1, true, true, false},
	OpNe:  {"ne", 1, -1, true, true, false},
	OpSEq: {"seq", 1, -1, true, true, false},
	OpSNe: {"sne", 1, -1, true, true, false},
	OpLt:  {"lt", 1, -1, true, true, false},
	OpLe:  {"le", 1, -1, true, true, false},
	OpGt:  {"gt", 1, -1, true, true, false},
	OpGe:  {"ge", 1, -1, true, true, false},

	OpIncLoc8:  {"inc_loc8", 2, 0, true, true, false},
	OpIncLoc16: {"inc_loc16", 3, 0, true, true, false},
	OpDecLoc8:  {"dec_loc8", 2, 0, true, true, false},
	OpDecLoc16: {"dec_loc16", 3, 0, true, true, false},
	OpAddLoc:   {"add_loc", 2, -1, true, true, false},

	OpPostInc: {"post_inc", 1, 1, true, true, false},
	OpPostDec: {"post_dec", 1, 1, true, true, false},

	OpGoto8:    {"goto8", 2, 0, true, true, false},
	OpGoto16:   {"goto16", 3, 0, true, true, false},
	OpGoto32:   {"goto32", 5, 0, true, true, false},
	OpIfTrue8:  {"if_true8", 2, -1, true, true, false},
	OpIfTrue32: {"if_true32", 5, -1, true, true, false},
	OpIfFalse8: {"if_false8", 2, -1, true, true, false},
	OpIfFalse32: {"if_false32", 5, -1, true, true, false},

	OpReturnVal:   {"return_val", 1, -1, true, true, false},
	OpReturnUndef: {"return_undef", 1, 0, true, true, false},

	OpTypeof: {"typeof", 1, 0, true, true, false},

	OpGetField: {"get_field", 5, 0, true, true, true},
	OpPutField: {"put_field", 5, -2, true, true, true}, // pops object + value
	OpGetElem:  {"get_elem", 1, -1, true, true, true},
	OpPutElem:  {"put_elem", 1, -3, true, true, true}, // pops array + index + value

	// present in the byte space but never in opcodeTable's "supported"
	// list for emission purposes
	OpCall: {"call", 3, 0, false, false, false},
}

// Lookup returns the OpInfo for op and whether op is a recognised
// entry at all (recognised but Supported==false still advances the PC
// per the declared Width; unrecognised entries are not in the table
// and must be treated as unsupported without guessing a width).
func Lookup(op Op) (OpInfo, bool) {
	info := opcodeTable[op]
	if info.Width == 0 {
		return OpInfo{}, false
	}
	return info, true
}

// Supported reports whether the JIT's code generators know how to
// translate op.
func Supported(op Op) bool {
	info, ok := Lookup(op)
	return ok && info.Supported
}
