/*************************************************************************
 * Copyright 2024 Hookspike Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package registry

import (
	"testing"

	"github.com/hookspike/patchcore/corerr"
)

type stubBody struct{ kind Kind }

func (s stubBody) PatchKind() Kind { return s.kind }

func mkPatch(pid PID, addr, size uintptr, kind Kind) *Patch {
	return &Patch{PID: pid, Addr: addr, Size: size, Kind: kind, Body: stubBody{kind: kind}}
}

func TestTryInsertNoOverlap(t *testing.T) {
	m := NewMap(8)
	a := mkPatch(1, 0x1000, 16, KindHooks)
	b := mkPatch(1, 0x2000, 16, KindInject)

	if existing, err := m.TryInsert(a); err != nil || existing != nil {
		t.Fatalf("unexpected: %v %v", existing, err)
	}
	if existing, err := m.TryInsert(b); err != nil || existing != nil {
		t.Fatalf("unexpected: %v %v", existing, err)
	}
	if m.Count() != 2 {
		t.Fatalf("expected 2 patches, got %d", m.Count())
	}
}

func TestTryInsertOverlapRejected(t *testing.T) {
	m := NewMap(8)
	a := mkPatch(1, 0x1000, 16, KindHooks)
	if _, err := m.TryInsert(a); err != nil {
		t.Fatal(err)
	}

	b := mkPatch(1, 0x1008, 16, KindHooks)
	if _, err := m.TryInsert(b); corerr.CodeOf(err) != corerr.PatchExists {
		t.Fatalf("expected PatchExists, got %v", err)
	}
}

func TestTryInsertExactMatchShares(t *testing.T) {
	m := NewMap(8)
	a := mkPatch(1, 0x1000, 16, KindHooks)
	if _, err := m.TryInsert(a); err != nil {
		t.Fatal(err)
	}

	b := mkPatch(1, 0x1000, 16, KindHooks)
	existing, err := m.TryInsert(b)
	if err != nil {
		t.Fatal(err)
	}
	if existing != a {
		t.Fatalf("expected to be handed back the original patch")
	}
	if m.Count() != 1 {
		t.Fatalf("sharing must not grow the map, got %d", m.Count())
	}
}

func TestTryInsertExactMatchInjectNeverShares(t *testing.T) {
	m := NewMap(8)
	a := mkPatch(1, 0x1000, 16, KindInject)
	if _, err := m.TryInsert(a); err != nil {
		t.Fatal(err)
	}

	b := mkPatch(1, 0x1000, 16, KindInject)
	if _, err := m.TryInsert(b); corerr.CodeOf(err) != corerr.PatchExists {
		t.Fatalf("expected PatchExists for inject/inject exact match, got %v", err)
	}
}

func TestTryInsertKindMismatchOverlapRejected(t *testing.T) {
	m := NewMap(8)
	a := mkPatch(1, 0x1000, 16, KindHooks)
	if _, err := m.TryInsert(a); err != nil {
		t.Fatal(err)
	}

	b := mkPatch(1, 0x1000, 16, KindInject)
	if _, err := m.TryInsert(b); corerr.CodeOf(err) != corerr.PatchExists {
		t.Fatalf("expected PatchExists for kind mismatch, got %v", err)
	}
}

func TestTryInsertIsolatedByPID(t *testing.T) {
	m := NewMap(8)
	a := mkPatch(1, 0x1000, 16, KindHooks)
	b := mkPatch(2, 0x1000, 16, KindHooks)

	if _, err := m.TryInsert(a); err != nil {
		t.Fatal(err)
	}
	if _, err := m.TryInsert(b); err != nil {
		t.Fatalf("same range in a different process must not conflict: %v", err)
	}
}

func TestRemove(t *testing.T) {
	m := NewMap(8)
	a := mkPatch(1, 0x1000, 16, KindHooks)
	b := mkPatch(1, 0x2000, 16, KindHooks)
	m.TryInsert(a)
	m.TryInsert(b)

	if !m.Remove(a) {
		t.Fatal("expected Remove(a) to succeed")
	}
	if m.Remove(a) {
		t.Fatal("removing an already-removed patch must report false")
	}
	if m.Count() != 1 {
		t.Fatalf("expected 1 remaining, got %d", m.Count())
	}

	if !m.Remove(b) {
		t.Fatal("expected Remove(b) to succeed")
	}
	if !m.Empty() {
		t.Fatal("expected the process entry to be unlinked once drained")
	}
}

func TestRemoveAllPID(t *testing.T) {
	m := NewMap(8)
	a := mkPatch(1, 0x1000, 16, KindHooks)
	b := mkPatch(1, 0x2000, 16, KindInject)
	c := mkPatch(2, 0x1000, 16, KindHooks)
	m.TryInsert(a)
	m.TryInsert(b)
	m.TryInsert(c)

	removed := m.RemoveAllPID(1)
	if len(removed) != 2 {
		t.Fatalf("expected 2 patches removed, got %d", len(removed))
	}
	if m.Count() != 1 {
		t.Fatalf("pid 2's patch must survive, got count %d", m.Count())
	}
	if got := m.RemoveAllPID(1); got != nil {
		t.Fatalf("second RemoveAllPID on drained pid must be empty, got %v", got)
	}
}

func TestKernelPIDIsOrdinaryKey(t *testing.T) {
	m := NewMap(8)
	p := mkPatch(KernelPID, 0xffffffff81000000, 5, KindHooks)
	if _, err := m.TryInsert(p); err != nil {
		t.Fatal(err)
	}
	removed := m.RemoveAllPID(KernelPID)
	if len(removed) != 1 {
		t.Fatalf("expected kernel patch back, got %d", len(removed))
	}
}
