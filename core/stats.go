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
	"fmt"
	"sync/atomic"

	units "github.com/docker/go-units"
)

// Stats are process-lifetime JIT counters. Every field is a plain
// atomic counter rather than a swapped-snapshot-struct scheme: this
// JIT has no periodic sampler goroutine to hand a snapshot to (its
// execution model is single-threaded per isolate), so a direct atomic
// read at Snapshot() time is both simpler and correct.
type Stats struct {
	compiles      uint64
	floatCompiles uint64
	bails         uint64
	deopts        uint64
	osrTransfers  uint64
	poolGCs       uint64
	codeBytesUsed uint64
}

// StatsSnapshot is the read-only view Stats() hands to a caller.
// String() renders it as one line of key=value pairs (compiles,
// float_compiles, bails, deopts, osr, pool_gcs, code).
type StatsSnapshot struct {
	Compiles      uint64
	FloatCompiles uint64
	Bails         uint64
	Deopts        uint64
	OSRTransfers  uint64
	PoolGCs       uint64
	CodeBytesUsed uint64
}

// HumanCodeBytesUsed renders CodeBytesUsed with go-units
// (`docker/go-units.HumanSize`) rather than printing a raw byte count.
func (s StatsSnapshot) HumanCodeBytesUsed() string {
	return units.HumanSize(float64(s.CodeBytesUsed))
}

func (s StatsSnapshot) String() string {
	return fmt.Sprintf("compiles=%d float_compiles=%d bails=%d deopts=%d osr=%d pool_gcs=%d code=%s",
		s.Compiles, s.FloatCompiles, s.Bails, s.Deopts, s.OSRTransfers, s.PoolGCs, s.HumanCodeBytesUsed())
}

func (s *Stats) RecordCompile()      { atomic.AddUint64(&s.compiles, 1) }
func (s *Stats) RecordFloatCompile() { atomic.AddUint64(&s.floatCompiles, 1) }
func (s *Stats) RecordBail()        { atomic.AddUint64(&s.bails, 1) }
func (s *Stats) RecordDeopt()       { atomic.AddUint64(&s.deopts, 1) }
func (s *Stats) RecordOSRTransfer() { atomic.AddUint64(&s.osrTransfers, 1) }
func (s *Stats) RecordPoolGC()      { atomic.AddUint64(&s.poolGCs, 1) }

func (s *Stats) SetCodeBytesUsed(n uint64) { atomic.StoreUint64(&s.codeBytesUsed, n) }

// Snapshot reads every counter. Individual fields may be torn relative
// to each other under concurrent writers — acceptable for a metrics
// surface, the same tradeoff a swapped-snapshot scheme makes by
// batching whole snapshots instead of locking every increment.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Compiles:      atomic.LoadUint64(&s.compiles),
		FloatCompiles: atomic.LoadUint64(&s.floatCompiles),
		Bails:         atomic.LoadUint64(&s.bails),
		Deopts:        atomic.LoadUint64(&s.deopts),
		OSRTransfers:  atomic.LoadUint64(&s.osrTransfers),
		PoolGCs:       atomic.LoadUint64(&s.poolGCs),
		CodeBytesUsed: atomic.LoadUint64(&s.codeBytesUsed),
	}
}
