/*************************************************************************
 * Copyright 2024 Hookspike Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package substrate

import (
	"sync"

	"github.com/hookspike/patchcore/corerr"
	"github.com/hookspike/patchcore/registry"
)

// arena stands in for one process's address space: saved or written
// bytes keyed by start address, per-address branch flags, and the
// functions registered for CallOriginal. Mock never actually executes anything at an address;
// WriteBranch/RestoreBytes just track which bytes are "branched" and
// CallOriginal replays whatever function was registered at that
// address with Register.
type arena struct {
	mem      map[uintptr][]byte
	branched map[uintptr]bool
	orig     map[uintptr]func(args ...interface{}) (interface{}, error)
}

// Mock is an in-memory, per-pid Substrate for tests: every save,
// branch, and restore is just map bookkeeping, so tests can assert
// exact byte-for-byte round trips without touching real memory.
type Mock struct {
	mu     sync.Mutex
	arenas map[registry.PID]*arena
	footpt uintptr
}

// NewMock builds a Mock substrate. footprint is the fixed branch size
// every address is reported to need.
func NewMock(footprint uintptr) *Mock {
	if footprint == 0 {
		footprint = 8
	}
	return &Mock{arenas: make(map[registry.PID]*arena), footpt: footprint}
}

func (m *Mock) arenaFor(pid registry.PID) *arena {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.arenas[pid]
	if !ok {
		a = &arena{
			mem:      make(map[uintptr][]byte),
			branched: make(map[uintptr]bool),
			orig:     make(map[uintptr]func(args ...interface{}) (interface{}, error)),
		}
		m.arenas[pid] = a
	}
	return a
}

// Register seeds the function that CallOriginal invokes for addr, so
// tests can observe whether the original path ran.
func (m *Mock) Register(pid registry.PID, addr uintptr, fn func(args ...interface{}) (interface{}, error)) {
	a := m.arenaFor(pid)
	m.mu.Lock()
	defer m.mu.Unlock()
	a.orig[addr] = fn
}

func (m *Mock) SaveBytes(pid registry.PID, addr, size uintptr) ([]byte, error) {
	if size == 0 {
		return nil, corerr.ErrInvalidArgs
	}
	a := m.arenaFor(pid)
	m.mu.Lock()
	defer m.mu.Unlock()

	buf, ok := a.mem[addr]
	if !ok {
		buf = make([]byte, size)
		for i := range buf {
			buf[i] = byte(0xC0 + i%16) // arbitrary "original code" filler
		}
		a.mem[addr] = buf
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, nil
}

func (m *Mock) WriteBranch(pid registry.PID, addr, size uintptr) error {
	a := m.arenaFor(pid)
	m.mu.Lock()
	defer m.mu.Unlock()
	a.branched[addr] = true
	return nil
}

func (m *Mock) WriteBytes(pid registry.PID, addr uintptr, payload []byte) error {
	if len(payload) == 0 {
		return corerr.ErrInvalidArgs
	}
	a := m.arenaFor(pid)
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(payload))
	copy(buf, payload)
	a.mem[addr] = buf
	a.branched[addr] = true
	return nil
}

func (m *Mock) RestoreBytes(pid registry.PID, addr uintptr, saved []byte) error {
	a := m.arenaFor(pid)
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(saved))
	copy(buf, saved)
	a.mem[addr] = buf
	delete(a.branched, addr)
	return nil
}

func (m *Mock) Footprint(pid registry.PID, addr uintptr) (uintptr, error) {
	return m.footpt, nil
}

func (m *Mock) CallOriginal(pid registry.PID, addr uintptr, args ...interface{}) (interface{}, error) {
	a := m.arenaFor(pid)
	m.mu.Lock()
	fn, ok := a.orig[addr]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return fn(args...)
}

func (m *Mock) ModuleResolve(pid registry.PID, name string) (ModuleInfo, error) {
	return ModuleInfo{Name: name}, nil
}

func (m *Mock) ExportAddr(pid registry.PID, module, symbol string) (uintptr, error) {
	return 0, corerr.ErrNotFound
}

func (m *Mock) ImportStubAddr(pid registry.PID, module, symbol string) (uintptr, error) {
	return 0, corerr.ErrNotFound
}

// BytesAt returns a copy of whatever is currently stored at addr, for
// tests asserting round-trip restoration.
func (m *Mock) BytesAt(pid registry.PID, addr uintptr) []byte {
	a := m.arenaFor(pid)
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := a.mem[addr]
	out := make([]byte, len(buf))
	copy(out, buf)
	return out
}

// IsBranched reports whether addr currently carries a branch in pid's
// arena.
func (m *Mock) IsBranched(pid registry.PID, addr uintptr) bool {
	a := m.arenaFor(pid)
	m.mu.Lock()
	defer m.mu.Unlock()
	return a.branched[addr]
}
