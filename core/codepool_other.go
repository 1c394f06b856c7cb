//go:build !unix

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

import "fmt"

// codePoolMemory has no real backend outside unix hosts — this JIT's
// native target is i686 Linux, so non-unix builds exist only so the
// rest of the package compiles and tests; any attempt to
// actually allocate executable memory fails loudly instead of silently
// no-opping.
type codePoolMemory struct{}

func allocPoolMemory(size int) (codePoolMemory, error) {
	return codePoolMemory{}, fmt.Errorf("jit: executable code pool requires a unix host")
}

func (m codePoolMemory) slice(base, n int) []byte { return nil }
func (m codePoolMemory) addr(base int) uint32     { return 0 }
func (m codePoolMemory) makeExecutable() error    { return fmt.Errorf("jit: unsupported host") }
func (m codePoolMemory) makeWritable() error      { return fmt.Errorf("jit: unsupported host") }
func (m codePoolMemory) close() error             { return nil }
