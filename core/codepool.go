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

// MainPoolSize and IsolatePoolSize size the two code-pool tiers: one
// shared 8 MiB arena for functions compiled from the main isolate, and
// a 512 KiB arena per additional isolate.
const (
	MainPoolSize    = 8 * 1024 * 1024
	IsolatePoolSize = 512 * 1024
)

// CodePool is a bump allocator over one mmap'd RW region that is later
// flipped to RX before any code in it executes. Reset() is the pool-GC
// operation: it discards every live allocation at once and starts
// bumping from zero again, valid only once the controller has
// confirmed nothing in the pool is reachable from a live control block.
type CodePool struct {
	mem      codePoolMemory
	size     int
	offset   int
	rx       bool
}

// NewCodePool allocates a fresh RW arena of the given size.
func NewCodePool(size int) (*CodePool, error) {
	mem, err := allocPoolMemory(size)
	if err != nil {
		return nil, fmt.Errorf("jit: code pool allocation failed: %w", err)
	}
	return &CodePool{mem: mem, size: size}, nil
}

// Alloc bump-allocates n bytes and returns a slice over them, still
// writable; the caller must call Seal before any of the returned bytes
// are executed. If the pool is currently sealed RX from a previous
// compile, Alloc reopens it for writing first — compiles happen one at
// a time with no native code running concurrently, so there is never a
// live reader to protect against while this unseal is in effect.
func (p *CodePool) Alloc(n int) ([]byte, uint32, error) {
	if p.rx {
		if err := p.mem.makeWritable(); err != nil {
			return nil, 0, fmt.Errorf("jit: mprotect to RW failed: %w", err)
		}
		p.rx = false
	}
	if p.offset+n > p.size {
		return nil, 0, fmt.Errorf("jit: code pool exhausted (%d/%d bytes)", p.offset, p.size)
	}
	base := p.offset
	p.offset += n
	return p.mem.slice(base, n), p.mem.addr(base), nil
}

// Used reports how many bytes have been bump-allocated so far.
func (p *CodePool) Used() int { return p.offset }

// Remaining reports free capacity.
func (p *CodePool) Remaining() int { return p.size - p.offset }

// Seal flips the whole arena from RW to RX: code is never both
// writable and executable at once. The next Alloc (or Reset) flips the
// arena back to RW before handing out more bytes.
func (p *CodePool) Seal() error {
	if err := p.mem.makeExecutable(); err != nil {
		return fmt.Errorf("jit: mprotect to RX failed: %w", err)
	}
	p.rx = true
	return nil
}

// Reset discards every allocation and flips the arena back to RW,
// implementing the bump allocator's only reclamation mechanism — a
// full pool GC. The caller is responsible for having confirmed no live
// control block still points into this pool.
func (p *CodePool) Reset() error {
	if p.rx {
		if err := p.mem.makeWritable(); err != nil {
			return fmt.Errorf("jit: mprotect to RW failed: %w", err)
		}
		p.rx = false
	}
	p.offset = 0
	return nil
}

// Close releases the underlying mapping.
func (p *CodePool) Close() error { return p.mem.close() }
