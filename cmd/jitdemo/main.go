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
package main

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/launix-de/microjit/core"
)

// jitdemo drives the controller's Hook() against a tiny in-process fake
// host, exercising the JIT pipeline standalone rather than through a
// full interpreter. It never executes the native code the JIT emits —
// the emitter cross-assembles i686 bytes on any host, but this process
// has no interpreter call frames to jump into. What it proves is the
// pipeline wiring itself — that enough
// calls through Hook() cross ObserveThreshold, drive a successful
// GenerateInteger, and end with the host's SetNativePointer/
// InstallOSREntry callbacks invoked the way a real embedder would see
// them.
func main() {
	fmt.Println("jitdemo: trivial add")
	runTrivialAdd()

	fmt.Println()
	fmt.Println("jitdemo: tight loop with OSR")
	runTightLoop()
}

// offsets is the function_descriptor layout every registered function
// in this demo shares: a fixed 24-byte header matching core.OffsetsTable.
var offsets = core.OffsetsTable{
	BytecodePtr:    0,
	BytecodeLen:    4,
	ArgCount:       8,
	LocalCount:     12,
	ConstPoolPtr:   16,
	ConstPoolCount: 20,
	NativePtr:      24, // unused by fakeHost: SetNativePointer is a direct callback, not a memory write
}

// fakeHost is a minimal core.Host backed by one flat byte arena. Each
// registered function's header, bytecode, and constant pool live at
// fixed offsets inside the arena, the way a real embedder would lay
// them out in the interpreter's own heap; the difference here is that
// `alloc` hands out those offsets itself instead of an allocator owned
// by a full VM.
type fakeHost struct {
	mem      []byte
	icTables map[uint32]*core.ICTable
	args     map[uint32][]core.ArgSlot

	nativePointers map[uint32]uint32
	osrEntries     map[uint32]map[uint32]uint32
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		icTables:       map[uint32]*core.ICTable{},
		args:           map[uint32][]core.ArgSlot{},
		nativePointers: map[uint32]uint32{},
		osrEntries:     map[uint32]map[uint32]uint32{},
	}
}

func (h *fakeHost) alloc(n int) uint32 {
	addr := uint32(len(h.mem))
	h.mem = append(h.mem, make([]byte, n)...)
	return addr
}

func putU32(b []byte, off uint32, v uint32) {
	binary.LittleEndian.PutUint32(b[off:], v)
}

// registerFunction lays out one function's header, bytecode body, and
// constant pool in the arena and returns the address of its
// function_descriptor (the value a call gate would pass to Hook as
// funcAddr).
func (h *fakeHost) registerFunction(argCount, localCount uint16, code []byte, consts []core.ConstEntry) uint32 {
	codeAddr := h.alloc(len(code))
	copy(h.mem[codeAddr:], code)

	var constAddr uint32
	if len(consts) > 0 {
		constAddr = h.alloc(len(consts) * 8)
		for i, c := range consts {
			base := constAddr + uint32(i*8)
			putU32(h.mem, base, c.Payload)
			putU32(h.mem, base+4, uint32(c.Tag))
		}
	}

	funcAddr := h.alloc(28)
	header := h.mem[funcAddr:]
	putU32(header, offsets.BytecodePtr, codeAddr)
	putU32(header, offsets.BytecodeLen, uint32(len(code)))
	putU32(header, offsets.ArgCount, uint32(argCount))
	putU32(header, offsets.LocalCount, uint32(localCount))
	putU32(header, offsets.ConstPoolPtr, constAddr)
	putU32(header, offsets.ConstPoolCount, uint32(len(consts)))
	return funcAddr
}

// callArgs records the argument slots the next Hook() call against
// funcAddr should observe. A real embedder's argsPtr addresses an
// actual native stack frame; this demo has no call frames, so argsPtr
// is just funcAddr reused as a lookup key into this side table.
func (h *fakeHost) callArgs(funcAddr uint32, args []core.ArgSlot) {
	h.args[funcAddr] = args
}

func (h *fakeHost) ReadPhysicalMemory(addr uint32, length uint32) ([]byte, bool) {
	if uint64(addr)+uint64(length) > uint64(len(h.mem)) {
		return nil, false
	}
	out := make([]byte, length)
	copy(out, h.mem[addr:addr+length])
	return out, true
}

func (h *fakeHost) FunctionOffsets() core.OffsetsTable { return offsets }

func (h *fakeHost) ProbeInlineCaches(funcAddr uint32) *core.ICTable {
	if t, ok := h.icTables[funcAddr]; ok {
		return t
	}
	return core.NewICTable()
}

func (h *fakeHost) ReadArguments(argsPtr uint32, argCount uint16) []core.ArgSlot {
	args := h.args[argsPtr]
	if len(args) > int(argCount) {
		args = args[:argCount]
	}
	return args
}

func (h *fakeHost) SetNativePointer(funcAddr uint32, nativeAddr uint32) {
	h.nativePointers[funcAddr] = nativeAddr
	fmt.Printf("  host: set_native_pointer(func=0x%x, native=0x%x)\n", funcAddr, nativeAddr)
}

func (h *fakeHost) InstallOSREntry(funcAddr uint32, loopHeaderBytecodeOffset uint32, nativeAddr uint32) {
	if h.osrEntries[funcAddr] == nil {
		h.osrEntries[funcAddr] = map[uint32]uint32{}
	}
	h.osrEntries[funcAddr][loopHeaderBytecodeOffset] = nativeAddr
	fmt.Printf("  host: install_osr_entry(func=0x%x, loop_header=%d, native=0x%x)\n", funcAddr, loopHeaderBytecodeOffset, nativeAddr)
}

// runTrivialAdd is seed scenario (a): a two-argument function that
// returns their sum, called with Int32 arguments past ObserveThreshold
// until the integer tier compiles and publishes a native pointer.
func runTrivialAdd() {
	host := newFakeHost()
	ctrl, err := core.NewController(core.Config{Host: host, MainPoolBytes: 64 * 1024})
	if err != nil {
		fmt.Fprintln(os.Stderr, "new controller:", err)
		return
	}

	code := []byte{
		byte(core.OpGetArg), 0,
		byte(core.OpGetArg), 1,
		byte(core.OpAdd),
		byte(core.OpReturnVal),
	}
	funcAddr := host.registerFunction(2, 0, code, nil)
	host.callArgs(funcAddr, []core.ArgSlot{{Tag: core.ConstInt}, {Tag: core.ConstInt}})

	for i := 0; i < core.ObserveThreshold+1; i++ {
		ctrl.Hook(funcAddr, funcAddr, 2)
	}

	stats := ctrl.Stats()
	fmt.Println("  stats:", stats)
	if addr, ok := host.nativePointers[funcAddr]; ok && addr != 0 {
		fmt.Printf("  integer tier compiled at 0x%x\n", addr)
	} else {
		fmt.Println("  integer tier never compiled")
	}
}

// runTightLoop is seed scenario (b): a single-argument countdown loop
// whose backward branch forms a loop header, exercising on-stack
// replacement bookkeeping once the function compiles.
func runTightLoop() {
	host := newFakeHost()
	ctrl, err := core.NewController(core.Config{Host: host, MainPoolBytes: 64 * 1024})
	if err != nil {
		fmt.Fprintln(os.Stderr, "new controller:", err)
		return
	}

	// loop:
	//   0: get_loc 0
	//   2: if_false8 +6   -> pc 8 (return_undef)
	//   4: dec_loc8 0
	//   6: goto8 -6        -> pc 0 (loop header)
	//   8: return_undef
	code := []byte{
		byte(core.OpGetLoc), 0,
		byte(core.OpIfFalse8), 6,
		byte(core.OpDecLoc8), 0,
		byte(core.OpGoto8), byteOf(-6),
		byte(core.OpReturnUndef),
	}
	funcAddr := host.registerFunction(1, 1, code, nil)
	host.callArgs(funcAddr, []core.ArgSlot{{Tag: core.ConstInt}})

	for i := 0; i < core.ObserveThreshold+1; i++ {
		ctrl.Hook(funcAddr, funcAddr, 1)
	}

	stats := ctrl.Stats()
	fmt.Println("  stats:", stats)
	if addr, ok := host.nativePointers[funcAddr]; ok && addr != 0 {
		fmt.Printf("  integer tier compiled at 0x%x\n", addr)
	} else {
		fmt.Println("  integer tier never compiled")
	}
	if entries, ok := host.osrEntries[funcAddr]; ok && len(entries) > 0 {
		fmt.Printf("  %d OSR entry(ies) installed\n", len(entries))
	} else {
		fmt.Println("  no OSR entries installed")
	}
}

func byteOf(v int8) byte { return byte(v) }
