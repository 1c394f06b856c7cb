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

import "github.com/google/btree"

// osrItem is one loop-header entry ordered by bytecode offset, the
// shape google/btree.Item requires. Kept in a btree rather than a
// plain map so a future "find the nearest loop header at or after a
// given offset" query has somewhere to live without a data-structure
// rewrite.
type osrItem struct {
	BytecodeOffset int
	NativeOffset   int32
}

func (a osrItem) Less(than btree.Item) bool {
	return a.BytecodeOffset < than.(osrItem).BytecodeOffset
}

// OSRMap records, for one compiled function, the native entry point
// corresponding to every loop header in its bytecode.
type OSRMap struct {
	tree *btree.BTree
}

// NewOSRMap builds an OSRMap from a code generator's OSR-entry
// results.
func NewOSRMap(entries map[int]int32) *OSRMap {
	t := btree.New(8)
	for bcOff, native := range entries {
		t.ReplaceOrInsert(osrItem{BytecodeOffset: bcOff, NativeOffset: native})
	}
	return &OSRMap{tree: t}
}

// Lookup returns the native entry point for an exact bytecode offset,
// the only query actually required: the interpreter always transfers
// at a loop header it is currently sitting on, never at an arbitrary
// mid-loop offset.
func (m *OSRMap) Lookup(bytecodeOffset int) (int32, bool) {
	found := m.tree.Get(osrItem{BytecodeOffset: bytecodeOffset})
	if found == nil {
		return 0, false
	}
	return found.(osrItem).NativeOffset, true
}

// Len reports how many loop headers this function's OSR map covers.
func (m *OSRMap) Len() int { return m.tree.Len() }

// All returns every (bytecode offset, native offset) pair in ascending
// bytecode-offset order, walked once after a compile to install each
// loop header with the host.
func (m *OSRMap) All() []OSREntry {
	out := make([]OSREntry, 0, m.tree.Len())
	m.tree.Ascend(func(it btree.Item) bool {
		o := it.(osrItem)
		out = append(out, OSREntry{BytecodeOffset: o.BytecodeOffset, NativeOffset: o.NativeOffset})
		return true
	})
	return out
}

// OSREntry is the exported shape of one OSR map entry.
type OSREntry struct {
	BytecodeOffset int
	NativeOffset   int32
}
