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

import "testing"

func TestAllocateBindsHottestLocal(t *testing.T) {
	pa := &PreAnalysis{
		LocalAccessCount: []int{5, 2},
		ArgAccessCount:   []int{1},
	}
	ra := Allocate(pa)
	if !ra.Bound || ra.Local != 0 || ra.IsArg {
		t.Fatalf("expected local 0 bound, got %+v", ra)
	}
	if ra.RefCount != 5 {
		t.Fatalf("expected 5 recorded references, got %d", ra.RefCount)
	}
}

func TestAllocateBindsHottestArgumentOverColderLocals(t *testing.T) {
	pa := &PreAnalysis{
		LocalAccessCount: []int{3},
		ArgAccessCount:   []int{6},
	}
	ra := Allocate(pa)
	if !ra.Bound || ra.Local != 0 || !ra.IsArg {
		t.Fatalf("expected argument 0 bound, got %+v", ra)
	}
}

func TestAllocateRequiresMinimumReferenceCount(t *testing.T) {
	pa := &PreAnalysis{
		LocalAccessCount: []int{3, 3},
		ArgAccessCount:   []int{2},
	}
	if ra := Allocate(pa); ra.Bound {
		t.Fatalf("a local with fewer than %d references must not bind, got %+v", minRegAllocRefs, ra)
	}
}

func TestAllocateNothingToBind(t *testing.T) {
	pa := &PreAnalysis{}
	if ra := Allocate(pa); ra.Bound {
		t.Fatalf("no locals at all must not bind, got %+v", ra)
	}
}
