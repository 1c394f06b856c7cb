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

import "github.com/dc0d/onexit"

// RegisterShutdownHooks registers an onexit hook that writes a final
// "shutdown" trace event and, when cacheSink is non-nil, serialises the
// code cache to it on process exit, the same way
// `storage/settings.go` registers a trace-closing hook rather than
// relying on every caller to defer a Close() by hand.
func (c *Controller) RegisterShutdownHooks(cacheSink TraceSink) {
	onexit.Register(func() {
		c.tracer.Emit(TraceEvent{Kind: "shutdown"})
		if cacheSink != nil {
			_ = c.cache.Serialize(cacheSink)
		}
	})
}
