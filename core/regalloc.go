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

// minRegAllocRefs is the minimum reference count a local needs before
// the allocator will bind it to the reserved callee-saved register.
const minRegAllocRefs = 4

// RegAlloc is the trivial, at-most-one-binding result of the register
// allocator. Bound is false when no local qualified.
type RegAlloc struct {
	Bound   bool
	Local   int
	IsArg   bool
	RefCount int
}

// Allocate selects at most one local or argument for the reserved
// callee-saved register: the hottest slot, if hot enough. Locals and
// arguments are tracked in separate count vectors
// (PreAnalysis.LocalAccessCount / ArgAccessCount), so the winner's
// IsArg reflects which vector it came from rather than comparing a
// local index against argCount.
func Allocate(pa *PreAnalysis) RegAlloc {
	best := -1
	bestCount := 0
	bestIsArg := false
	for i, count := range pa.ArgAccessCount {
		if count > bestCount {
			best = i
			bestCount = count
			bestIsArg = true
		}
	}
	for i, count := range pa.LocalAccessCount {
		if count > bestCount {
			best = i
			bestCount = count
			bestIsArg = false
		}
	}
	if best == -1 || bestCount < minRegAllocRefs {
		return RegAlloc{}
	}
	return RegAlloc{
		Bound:    true,
		Local:    best,
		IsArg:    bestIsArg,
		RefCount: bestCount,
	}
}
