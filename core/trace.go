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
	"encoding/json"
	"io"
	"sync"
	"time"
)

// TraceEvent is one line of the JIT's activity log: a compile attempt,
// a bail, a deopt, or a state transition — one flat JSON object per
// line, easy to tail with jq.
type TraceEvent struct {
	WallClockUnixNano int64       `json:"t"`
	FuncAddr          uint32      `json:"func"`
	Kind              string      `json:"kind"`
	Detail            string      `json:"detail,omitempty"`
	BailReason        string      `json:"bail_reason,omitempty"`
	Tier              string      `json:"tier,omitempty"`
	State             string      `json:"state,omitempty"`
}

// TraceSink is anything that can durably receive trace events; an
// *os.File satisfies it directly, and any io.WriteCloser works just as
// well without hard-coding *os.File.
type TraceSink interface {
	io.Writer
}

// Tracer serialises TraceEvents to a TraceSink as newline-delimited
// JSON, one write at a time under a mutex, because JSON encoder writes
// are not safe for concurrent use.
type Tracer struct {
	mu   sync.Mutex
	sink TraceSink
	now  func() int64
}

// NewTracer wraps sink; sink may be nil, in which case every Emit call
// is a no-op, since tracing is always optional.
func NewTracer(sink TraceSink) *Tracer {
	return &Tracer{sink: sink, now: func() int64 { return time.Now().UnixNano() }}
}

func (t *Tracer) Emit(ev TraceEvent) {
	if t == nil || t.sink == nil {
		return
	}
	ev.WallClockUnixNano = t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	buf, err := json.Marshal(ev)
	if err != nil {
		return
	}
	buf = append(buf, '\n')
	_, _ = t.sink.Write(buf)
}
