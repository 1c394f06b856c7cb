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
	"github.com/launix-de/NonLockingReadMap"
)

// FuncState is the JIT controller's per-function state machine:
// Unobserved → Observed → {Blacklisted | Compiled}, with Compiled able
// to fall back to Observed on deopt.
type FuncState uint8

const (
	StateUnobserved FuncState = iota
	StateObserved
	StateBlacklisted
	StateCompiled
)

func (s FuncState) String() string {
	switch s {
	case StateUnobserved:
		return "unobserved"
	case StateObserved:
		return "observed"
	case StateBlacklisted:
		return "blacklisted"
	case StateCompiled:
		return "compiled"
	default:
		return "unknown"
	}
}

// ControlBlock is the per-function record the JIT controller keeps
// across hook() invocations. Every state transition builds a new copy
// (transitionTo) and stores it in the NonLockingReadMap-backed table;
// LastAccess, DeoptSlot and the speculator's observations are updated
// in place on the stored block.
type ControlBlock struct {
	FuncAddr   uint32
	State      FuncState
	Spec       *Speculator
	BailCount  uint32
	DeoptCount uint32 // times this function has fallen out of StateCompiled
	DeoptSlot  int    // this function's claim on the deopt flag page, -1 until compiled once
	CodeAddr   uint32 // 0 when not compiled (integer tier only)
	CodeLen    uint32
	Tier       Tier
	OSR        *OSRMap
	LastAccess uint64 // hook-call timestamp, host ticks or a controller counter
}

// ComputeSize and GetKey satisfy NonLockingReadMap.KeyGetter[uint32].
// Value receivers are required here, not pointer receivers: the map is
// parameterised over ControlBlock itself (NonLockingReadMap.New[ControlBlock, uint32]),
// and a generic type parameter's method set is exactly what its
// element type declares.
func (c ControlBlock) ComputeSize() uint { return 64 }
func (c ControlBlock) GetKey() uint32    { return c.FuncAddr }

// ControlBlockTable is the JIT's function table, one NonLockingReadMap
// keyed by function_descriptor address — read on every call-gate hook,
// written only on a state transition, exactly the read-heavy access
// pattern NonLockingReadMap is built for.
type ControlBlockTable struct {
	m NonLockingReadMap.NonLockingReadMap[ControlBlock, uint32]
}

func NewControlBlockTable() *ControlBlockTable {
	return &ControlBlockTable{m: NonLockingReadMap.New[ControlBlock, uint32]()}
}

// Get returns the control block for funcAddr, or nil if the function
// has never been observed.
func (t *ControlBlockTable) Get(funcAddr uint32) *ControlBlock {
	return t.m.Get(funcAddr)
}

// Put installs or replaces the control block for funcAddr.
func (t *ControlBlockTable) Put(cb *ControlBlock) {
	t.m.Set(cb)
}

// Remove drops a function's control block entirely (used when its
// owning isolate tears down).
func (t *ControlBlockTable) Remove(funcAddr uint32) {
	t.m.Remove(funcAddr)
}

// All returns every tracked control block, the snapshot Stats() and the
// pool-GC liveness scan both need.
func (t *ControlBlockTable) All() []*ControlBlock {
	return t.m.GetAll()
}

// transitionTo returns a copy of cb with State replaced, ready to be
// installed via Put; ControlBlock fields are otherwise value-copied so
// the caller can freely mutate the pointer fields (Spec, OSR) of the
// new block before installing it.
func transitionTo(cb *ControlBlock, next FuncState) *ControlBlock {
	cp := *cb
	cp.State = next
	return &cp
}
