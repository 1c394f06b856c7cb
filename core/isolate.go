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
	"sync"

	"github.com/google/uuid"
)

// IsolateJIT is one isolate's complete reduced JIT pipeline: its own
// Controller, its own code pool sized at IsolatePoolBytes, and a
// stable identity (ID) that IsolateRegistry keys it by. Trace events
// and code-cache keys do not carry the ID.
//
// Unlike the main pipeline's Controller.Hook, which compiles inline the
// moment a function crosses ObserveThreshold, an isolate never compiles
// from inside Hook itself: it only records that the function is ready
// and lets the host scheduler pick the work up later via
// IsolateRegistry.ServiceIsolateJIT — the host scheduler polls each
// live isolate for pending JIT by bytecode address.
type IsolateJIT struct {
	ID         uuid.UUID
	Controller *Controller

	mu      sync.Mutex
	pending map[uint32]bool
}

// NewIsolateJIT creates a fresh isolate-scoped JIT instance. Every
// isolate other than the main one uses the smaller IsolatePoolBytes
// pool (unless cfg.MainPoolBytes is set explicitly), reflecting that
// most isolates are short-lived worker contexts rather than the
// long-running main program.
func NewIsolateJIT(cfg Config) (*IsolateJIT, error) {
	if cfg.MainPoolBytes == 0 {
		cfg.MainPoolBytes = cfg.WithDefaults().IsolatePoolBytes
	}
	ctrl, err := NewController(cfg)
	if err != nil {
		return nil, err
	}
	return &IsolateJIT{ID: uuid.New(), Controller: ctrl, pending: map[uint32]bool{}}, nil
}

// Hook runs the observe half of the hook state machine and, instead of
// compiling inline once a function is ready, marks it pending for the
// next ServiceIsolateJIT call.
func (iso *IsolateJIT) Hook(funcAddr uint32, argsPtr uint32, argCount uint16) int {
	ready, result := iso.Controller.observe(funcAddr, argsPtr, argCount)
	if ready {
		iso.mu.Lock()
		iso.pending[funcAddr] = true
		iso.mu.Unlock()
	}
	return result
}

// PendingFunctions returns every bytecode address currently waiting for
// a compile attempt, the set the host scheduler polls.
func (iso *IsolateJIT) PendingFunctions() []uint32 {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	out := make([]uint32, 0, len(iso.pending))
	for addr := range iso.pending {
		out = append(out, addr)
	}
	return out
}

// service runs one compile attempt for funcAddr and clears its pending
// flag regardless of outcome: a bail or blacklist is itself a terminal
// answer for this function, not a reason to keep offering it to the
// scheduler.
func (iso *IsolateJIT) service(funcAddr uint32) {
	iso.mu.Lock()
	delete(iso.pending, funcAddr)
	iso.mu.Unlock()
	iso.Controller.CompileOnce(funcAddr)
}

// Stats returns this isolate's JIT counters.
func (iso *IsolateJIT) Stats() StatsSnapshot { return iso.Controller.Stats() }

// Clear tears down every compiled function and resets this isolate's
// code pool.
func (iso *IsolateJIT) Clear() error {
	iso.mu.Lock()
	iso.pending = map[uint32]bool{}
	iso.mu.Unlock()
	return iso.Controller.Clear()
}

// IsolateRegistry tracks every live isolate's JIT pipeline, keyed by
// isolate UUID, and implements the two isolate-scoped JIT→host entry
// points: service_isolate_jit and clear_isolate. A single process
// hosting many short-lived isolates goes through one registry rather
// than managing *IsolateJIT values directly.
type IsolateRegistry struct {
	mu       sync.Mutex
	cfg      Config
	isolates map[uuid.UUID]*IsolateJIT
}

// NewIsolateRegistry creates an empty registry; cfg supplies the
// defaults (host, trace sink, pool sizes) every isolate it creates
// inherits.
func NewIsolateRegistry(cfg Config) *IsolateRegistry {
	return &IsolateRegistry{cfg: cfg, isolates: map[uuid.UUID]*IsolateJIT{}}
}

// Create spins up a new isolate-scoped JIT pipeline and registers it.
func (reg *IsolateRegistry) Create() (*IsolateJIT, error) {
	iso, err := NewIsolateJIT(reg.cfg)
	if err != nil {
		return nil, err
	}
	reg.mu.Lock()
	reg.isolates[iso.ID] = iso
	reg.mu.Unlock()
	return iso, nil
}

// Get returns the isolate registered under id, if any.
func (reg *IsolateRegistry) Get(id uuid.UUID) (*IsolateJIT, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	iso, ok := reg.isolates[id]
	return iso, ok
}

// ServiceIsolateJIT is the JIT→host `service_isolate_jit(isolate_id,
// function_address)` entry point: the host scheduler calls this once
// it has observed isolate id's Hook mark function_address pending, and
// the reduced controller runs exactly one compile attempt for it.
func (reg *IsolateRegistry) ServiceIsolateJIT(id uuid.UUID, funcAddr uint32) error {
	iso, ok := reg.Get(id)
	if !ok {
		return fmt.Errorf("jit: unknown isolate %s", id)
	}
	iso.service(funcAddr)
	return nil
}

// ClearIsolate is the JIT→host `clear_isolate(isolate_id)` entry point:
// it drops all JIT state for a destroyed isolate, including the
// registry's own reference to it.
func (reg *IsolateRegistry) ClearIsolate(id uuid.UUID) error {
	reg.mu.Lock()
	iso, ok := reg.isolates[id]
	delete(reg.isolates, id)
	reg.mu.Unlock()
	if !ok {
		return fmt.Errorf("jit: unknown isolate %s", id)
	}
	return iso.Clear()
}
