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

// icKey is the composite (instruction address, atom) key used for both
// read and write entries, packed into a single 64-bit value rather than used as a
// two-field map key so lookups stay single-hash.
type icKey uint64

func makeICKey(instrAddr uint32, atom uint32) icKey {
	return icKey(instrAddr)<<32 | icKey(atom)
}

// ReadEntry is one property-read IC record.
type ReadEntry struct {
	Shape      uint32
	SlotOffset int32
}

// WriteEntry is one property-write IC record.
type WriteEntry struct {
	Shape      uint32
	SlotOffset int32
	Writable   bool
}

// ArrayEntry is one array-access IC record, keyed only by instruction
// address (no atom).
type ArrayEntry struct {
	LengthOffset int32
	DataOffset   int32
	Stride       int32
}

// ICTable holds the per-function read/write/array inline-cache maps.
// It is populated by the host's probe_inline_caches callback before
// every compile attempt and consulted (never mutated) during code
// generation.
type ICTable struct {
	reads  map[icKey]ReadEntry
	writes map[icKey]WriteEntry
	arrays map[uint32]ArrayEntry
}

// NewICTable returns an empty table.
func NewICTable() *ICTable {
	return &ICTable{
		reads:  map[icKey]ReadEntry{},
		writes: map[icKey]WriteEntry{},
		arrays: map[uint32]ArrayEntry{},
	}
}

// Empty reports whether the host populated nothing at all for this
// compile attempt. If so, a missing-IC-data bail follows but must not
// increment the bail counter — the function just hasn't run enough to
// populate any sites yet.
func (t *ICTable) Empty() bool {
	return len(t.reads) == 0 && len(t.writes) == 0 && len(t.arrays) == 0
}

// SetRead records a read-IC entry (`set_read`).
func (t *ICTable) SetRead(instrAddr, atom, shape uint32, slotOffset int32) {
	t.reads[makeICKey(instrAddr, atom)] = ReadEntry{Shape: shape, SlotOffset: slotOffset}
}

// GetRead looks up a read-IC entry (`get_read`).
func (t *ICTable) GetRead(instrAddr, atom uint32) (ReadEntry, bool) {
	e, ok := t.reads[makeICKey(instrAddr, atom)]
	return e, ok
}

// SetWrite records a write-IC entry.
func (t *ICTable) SetWrite(instrAddr, atom, shape uint32, slotOffset int32, writable bool) {
	t.writes[makeICKey(instrAddr, atom)] = WriteEntry{Shape: shape, SlotOffset: slotOffset, Writable: writable}
}

// GetWrite looks up a write-IC entry.
func (t *ICTable) GetWrite(instrAddr, atom uint32) (WriteEntry, bool) {
	e, ok := t.writes[makeICKey(instrAddr, atom)]
	return e, ok
}

// SetArray records an array-IC entry.
func (t *ICTable) SetArray(instrAddr uint32, lengthOffset, dataOffset, stride int32) {
	t.arrays[instrAddr] = ArrayEntry{LengthOffset: lengthOffset, DataOffset: dataOffset, Stride: stride}
}

// GetArray looks up an array-IC entry.
func (t *ICTable) GetArray(instrAddr uint32) (ArrayEntry, bool) {
	e, ok := t.arrays[instrAddr]
	return e, ok
}
