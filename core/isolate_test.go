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
	"testing"

	"github.com/google/uuid"
)

// An isolate's Hook never compiles inline: it marks the function
// pending and waits for the host scheduler's ServiceIsolateJIT call.
func TestIsolateDefersCompileToScheduler(t *testing.T) {
	host := newTestHost()
	reg := NewIsolateRegistry(Config{Host: host, MainPoolBytes: 64 * 1024})
	iso, err := reg.Create()
	if err != nil {
		t.Fatal(err)
	}
	funcAddr := host.registerFunction(2, 0, addFunctionCode())
	host.setArgs(funcAddr, []ArgSlot{{Tag: ConstInt}, {Tag: ConstInt}})

	for i := 0; i < ObserveThreshold+1; i++ {
		iso.Hook(funcAddr, funcAddr, 2)
	}

	if addr := host.nativePointers[funcAddr]; addr != 0 {
		t.Fatalf("isolate Hook must not compile inline, but published 0x%x", addr)
	}
	pending := iso.PendingFunctions()
	if len(pending) != 1 || pending[0] != funcAddr {
		t.Fatalf("expected exactly the hot function pending, got %v", pending)
	}

	if err := reg.ServiceIsolateJIT(iso.ID, funcAddr); err != nil {
		t.Fatal(err)
	}
	if addr := host.nativePointers[funcAddr]; addr == 0 {
		t.Fatal("expected ServiceIsolateJIT to run the compile and publish")
	}
	if len(iso.PendingFunctions()) != 0 {
		t.Fatal("servicing must clear the pending mark")
	}
}

func TestIsolateRegistryClearIsolate(t *testing.T) {
	host := newTestHost()
	reg := NewIsolateRegistry(Config{Host: host, MainPoolBytes: 64 * 1024})
	iso, err := reg.Create()
	if err != nil {
		t.Fatal(err)
	}
	funcAddr := host.registerFunction(2, 0, addFunctionCode())
	host.setArgs(funcAddr, []ArgSlot{{Tag: ConstInt}, {Tag: ConstInt}})
	for i := 0; i < ObserveThreshold+1; i++ {
		iso.Hook(funcAddr, funcAddr, 2)
	}
	if err := reg.ServiceIsolateJIT(iso.ID, funcAddr); err != nil {
		t.Fatal(err)
	}

	if err := reg.ClearIsolate(iso.ID); err != nil {
		t.Fatal(err)
	}
	if host.nativePointers[funcAddr] != 0 {
		t.Fatal("destroying an isolate must clear its published native pointers")
	}
	if _, ok := reg.Get(iso.ID); ok {
		t.Fatal("a cleared isolate must leave the registry")
	}
	if err := reg.ClearIsolate(iso.ID); err == nil {
		t.Fatal("clearing twice must report the unknown isolate")
	}
}

func TestIsolateRegistryServiceUnknownIsolate(t *testing.T) {
	reg := NewIsolateRegistry(Config{Host: newTestHost(), MainPoolBytes: 64 * 1024})
	if err := reg.ServiceIsolateJIT(uuid.New(), 0x1000); err == nil {
		t.Fatal("expected an error for an unknown isolate id")
	}
}
