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
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// CodeCacheMaxEntries and CodeCacheMaxBytes bound the serializable
// code cache: 256 entries, 2 MiB of payload. An insertion that would
// cross either limit is skipped; nothing is ever evicted except by an
// explicit Clear.
const (
	CodeCacheMaxEntries = 256
	CodeCacheMaxBytes   = 2 * 1024 * 1024
)

// FunctionIdentity is the cache key: a content hash of the bytecode
// plus its declared arity, stable across process restarts (unlike a
// raw function_descriptor address, which is only valid within one
// process's address space).
type FunctionIdentity struct {
	BytecodeHash uint64
	ArgCount     uint16
	LocalCount   uint16
}

// CodeCacheEntry is one bounded, serializable unit: the compiled
// native bytes plus everything needed to re-link them against a new
// function_descriptor at load time (the fixup list is already
// resolved, so only OSR entries need to survive — branch targets are
// baked into the bytes as relative displacements and need no relinking
// at all).
type CodeCacheEntry struct {
	Identity   FunctionIdentity
	Code       []byte
	OSREntries map[int]int32
	Tier       Tier
}

// Tier identifies which code generator produced a cache entry.
type Tier uint8

const (
	TierInteger Tier = iota
	TierFloat
)

// CodeCache is a bounded, LZ4-serializable store of compiled
// functions. The insertion-order slice exists for a deterministic
// serialization order, not for any recency policy — there is none.
type CodeCache struct {
	order   []FunctionIdentity
	entries map[FunctionIdentity]CodeCacheEntry
	bytes   int
}

func NewCodeCache() *CodeCache {
	return &CodeCache{entries: map[FunctionIdentity]CodeCacheEntry{}}
}

// Put inserts or replaces a cache entry. An insertion (or replacement
// growth) that would push the cache past either bound is silently
// skipped — a full cache simply stops absorbing new functions.
func (c *CodeCache) Put(e CodeCacheEntry) {
	if old, ok := c.entries[e.Identity]; ok {
		if c.bytes-len(old.Code)+len(e.Code) > CodeCacheMaxBytes {
			return
		}
		c.bytes += len(e.Code) - len(old.Code)
		c.entries[e.Identity] = e
		return
	}
	if len(c.order) >= CodeCacheMaxEntries || c.bytes+len(e.Code) > CodeCacheMaxBytes {
		return
	}
	c.entries[e.Identity] = e
	c.order = append(c.order, e.Identity)
	c.bytes += len(e.Code)
}

// Get looks up an entry by identity.
func (c *CodeCache) Get(id FunctionIdentity) (CodeCacheEntry, bool) {
	e, ok := c.entries[id]
	return e, ok
}

// Len reports the current entry count.
func (c *CodeCache) Len() int { return len(c.order) }

// Clear drops every entry, the only way anything ever leaves the
// cache.
func (c *CodeCache) Clear() {
	c.order = nil
	c.entries = map[FunctionIdentity]CodeCacheEntry{}
	c.bytes = 0
}

// serializedEntry is the on-disk gob shape; OSREntries is flattened to
// parallel slices of (bytecode offset, native offset) pairs. The pairs
// are written in map iteration order, so their order within one entry
// is not stable from one Serialize call to the next.
type serializedEntry struct {
	Identity     FunctionIdentity
	Tier         Tier
	Code         []byte
	OSRBytecode  []int
	OSRNative    []int32
}

// Serialize writes the whole cache as a single LZ4-compressed gob
// stream, so a process restart can reload previously-compiled
// functions without recompiling them.
func (c *CodeCache) Serialize(w io.Writer) error {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	for _, id := range c.order {
		e := c.entries[id]
		se := serializedEntry{Identity: e.Identity, Tier: e.Tier, Code: e.Code}
		for bc, native := range e.OSREntries {
			se.OSRBytecode = append(se.OSRBytecode, bc)
			se.OSRNative = append(se.OSRNative, native)
		}
		if err := enc.Encode(se); err != nil {
			return fmt.Errorf("jit: code cache encode failed: %w", err)
		}
	}

	// header: entry count, then total payload bytes
	var header [8]byte
	binary.LittleEndian.PutUint32(header[:4], uint32(len(c.order)))
	binary.LittleEndian.PutUint32(header[4:], uint32(buf.Len()))
	zw := lz4.NewWriter(w)
	if _, err := zw.Write(header[:]); err != nil {
		return err
	}
	if _, err := zw.Write(buf.Bytes()); err != nil {
		return err
	}
	return zw.Close()
}

// LoadCodeCache reconstructs a CodeCache from a stream written by
// Serialize. Entries whose identity hash no longer matches any
// function the host knows about are simply never looked up again —
// LoadCodeCache does not need to validate against a live function
// table, leaving that check to happen lazily at lookup time instead.
func LoadCodeCache(r io.Reader) (*CodeCache, error) {
	zr := lz4.NewReader(r)
	var header [8]byte
	if _, err := io.ReadFull(zr, header[:]); err != nil {
		return nil, fmt.Errorf("jit: code cache header read failed: %w", err)
	}
	count := binary.LittleEndian.Uint32(header[:4])
	totalBytes := binary.LittleEndian.Uint32(header[4:])

	c := NewCodeCache()
	// the payload-size bound keeps a corrupt count from dragging the
	// decoder past the bytes Serialize actually wrote
	dec := gob.NewDecoder(io.LimitReader(zr, int64(totalBytes)))
	for i := uint32(0); i < count; i++ {
		var se serializedEntry
		if err := dec.Decode(&se); err != nil {
			return nil, fmt.Errorf("jit: code cache entry %d decode failed: %w", i, err)
		}
		osr := make(map[int]int32, len(se.OSRBytecode))
		for j, bc := range se.OSRBytecode {
			osr[bc] = se.OSRNative[j]
		}
		c.Put(CodeCacheEntry{Identity: se.Identity, Code: se.Code, OSREntries: osr, Tier: se.Tier})
	}
	return c, nil
}
