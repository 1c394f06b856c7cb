//go:build unix

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
	"unsafe"

	"golang.org/x/sys/unix"
)

// codePoolMemory is the unix backend for CodePool: an anonymous
// mmap'd region whose protection bits are flipped between RW and RX
// with mprotect, the standard way a JIT manages executable memory on
// POSIX hosts.
type codePoolMemory struct {
	buf []byte
}

func allocPoolMemory(size int) (codePoolMemory, error) {
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return codePoolMemory{}, err
	}
	return codePoolMemory{buf: buf}, nil
}

func (m codePoolMemory) slice(base, n int) []byte { return m.buf[base : base+n] }

// addr returns the runtime address of an offset within the mapping,
// truncated to 32 bits — this JIT's native target is i686, so every
// code and function address it hands to generated code is a 32-bit
// value by construction.
func (m codePoolMemory) addr(base int) uint32 {
	ptr := uintptr(unsafe.Pointer(&m.buf[base]))
	return uint32(ptr)
}

func (m codePoolMemory) makeExecutable() error {
	return unix.Mprotect(m.buf, unix.PROT_READ|unix.PROT_EXEC)
}

func (m codePoolMemory) makeWritable() error {
	return unix.Mprotect(m.buf, unix.PROT_READ|unix.PROT_WRITE)
}

func (m codePoolMemory) close() error {
	return unix.Munmap(m.buf)
}
