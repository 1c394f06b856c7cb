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

// Host is everything the JIT needs from the embedding interpreter. It
// is intentionally a narrow, synchronous interface — every method is
// expected to be cheap and non-blocking, since most of them are called
// from the hot call-gate hook.
type Host interface {
	// ReadPhysicalMemory probes length bytes at addr in the
	// interpreter's address space, returning false on any fault.
	ReadPhysicalMemory(addr uint32, length uint32) ([]byte, bool)

	// FunctionOffsets returns the layout the bytecode Reader uses to
	// interpret a function_descriptor.
	FunctionOffsets() OffsetsTable

	// ProbeInlineCaches populates an ICTable for one compile attempt
	// from whatever inline-cache state the interpreter has accumulated
	// for this function so far.
	ProbeInlineCaches(funcAddr uint32) *ICTable

	// ReadArguments returns the current call's argument slots for type
	// speculation.
	ReadArguments(argsPtr uint32, argCount uint16) []ArgSlot

	// SetNativePointer publishes nativeAddr into the interpreter's
	// per-function native-pointer slot so future calls through the call
	// gate jump straight to it. Only ever called with an integer-tier
	// address, 0 (revert to interpreting), or DeoptSentinel (give up for
	// good) — the float tier's native address is never passed here.
	SetNativePointer(funcAddr uint32, nativeAddr uint32)

	// InstallOSREntry records that the native code at nativeAddr is the
	// on-stack-replacement entry point for the loop header at
	// loopHeaderBytecodeOffset within funcAddr, so the interpreter can
	// transfer control there the next time it reaches that header while
	// still interpreting.
	InstallOSREntry(funcAddr uint32, loopHeaderBytecodeOffset uint32, nativeAddr uint32)
}

// HookInstaller is the optional registration surface for hosts that
// want the JIT to hand them its hook callback rather than calling
// Controller.Hook by name; Controller.InstallHook feeds it.
type HookInstaller interface {
	InstallHook(hook func(funcAddr uint32, argsPtr uint32, argCount uint16) int)
}

// TickSource is an optional Host extension supplying a monotonic clock
// for last-access stamping; without it the controller falls back to a
// per-controller call counter.
type TickSource interface {
	NowTicks() uint64
}
