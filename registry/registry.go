/*************************************************************************
 * Copyright 2024 Hookspike Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package registry implements the process map (component C1): a hash
// table keyed by process id, mapping each process to an ordered list
// of the patches it currently owns. It enforces non-overlap within a
// process, except that an exact-match hook request is allowed to share
// an existing hooks patch instead of conflicting with it.
//
// The map lock protects structure only — bucket heads, entry lists,
// and patch list linkage. It does not reach into a patch's body; once
// TryInsert returns, further mutation of a hook chain or injection
// record uses that body's own lock.
package registry

import (
	"sync"

	"github.com/hookspike/patchcore/corerr"
)

// PID identifies a target process. KernelPID is the distinguished value
// denoting the kernel itself.
type PID int64

const KernelPID PID = -1

// Kind distinguishes the two patch bodies a Patch can carry.
type Kind uint8

const (
	KindHooks Kind = iota
	KindInject
)

func (k Kind) String() string {
	if k == KindHooks {
		return `hooks`
	}
	return `inject`
}

// Body is the sum-type payload of a Patch. hookchain.Chain and
// inject.Record both implement it; registry never looks inside either,
// it only needs the range and kind to do overlap checks.
type Body interface {
	PatchKind() Kind
}

// Patch is the unit of claim on a contiguous byte range within a
// process's address space. The next field is intrusive list linkage
// owned entirely by this package; callers never set it.
type Patch struct {
	PID  PID
	Addr uintptr
	Size uintptr
	Kind Kind
	Body Body

	next *Patch
}

func (p *Patch) end() uintptr {
	return p.Addr + p.Size
}

func (p *Patch) overlaps(addr, size uintptr) bool {
	return p.Addr < addr+size && addr < p.end()
}

func (p *Patch) exactMatch(addr, size uintptr) bool {
	return p.Addr == addr && p.Size == size
}

type processEntry struct {
	pid  PID
	head *Patch
	next *processEntry
}

// Map is the process map: an array of bucket heads plus one lock
// protecting structure across every bucket. nbuckets is fixed at
// construction.
type Map struct {
	mu       sync.Mutex
	buckets  []*processEntry
	nbuckets int
}

// NewMap constructs a Map with the given number of buckets. A
// non-positive count falls back to 1 bucket (degenerate but valid).
func NewMap(nbuckets int) *Map {
	if nbuckets <= 0 {
		nbuckets = 1
	}
	return &Map{
		buckets:  make([]*processEntry, nbuckets),
		nbuckets: nbuckets,
	}
}

func (m *Map) bucketIndex(pid PID) int {
	h := uint64(pid)
	// fibonacci hashing keeps small sequential pids from clustering
	// when nbuckets is a power of two.
	h *= 11400714819323198485
	return int(h % uint64(m.nbuckets))
}

func (m *Map) findEntry(idx int, pid PID) *processEntry {
	for e := m.buckets[idx]; e != nil; e = e.next {
		if e.pid == pid {
			return e
		}
	}
	return nil
}

// TryInsert locates (creating if absent) the process entry for
// patch.PID and scans its patch list for a conflicting range.
//
//   - No overlap: patch is linked in, (nil, nil) is returned.
//   - Exact address/size match against an existing hooks patch, and the
//     candidate is also a hooks patch: the existing patch is returned
//     for the caller to share, (existing, nil).
//   - Any other overlap, or a kind mismatch: (nil, corerr.ErrPatchExists).
func (m *Map) TryInsert(p *Patch) (existing *Patch, err error) {
	if p == nil || p.Size == 0 {
		return nil, corerr.ErrInvalidArgs
	}
	idx := m.bucketIndex(p.PID)

	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.findEntry(idx, p.PID)
	if e != nil {
		for cur := e.head; cur != nil; cur = cur.next {
			if cur.exactMatch(p.Addr, p.Size) && cur.Kind == KindHooks && p.Kind == KindHooks {
				return cur, nil
			}
			if cur.overlaps(p.Addr, p.Size) {
				return nil, corerr.ErrPatchExists
			}
		}
	} else {
		e = &processEntry{pid: p.PID, next: m.buckets[idx]}
		m.buckets[idx] = e
	}

	p.next = e.head
	e.head = p
	return nil, nil
}

// Remove unlinks patch p from its process entry. If the entry's patch
// list becomes empty, the entry itself is unlinked and freed. Returns
// false if p was not found (e.g. it raced with a concurrent remove).
func (m *Map) Remove(p *Patch) bool {
	if p == nil {
		return false
	}
	idx := m.bucketIndex(p.PID)

	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.findEntry(idx, p.PID)
	if e == nil {
		return false
	}

	found := false
	if e.head == p {
		e.head = p.next
		found = true
	} else {
		for cur := e.head; cur != nil && cur.next != nil; cur = cur.next {
			if cur.next == p {
				cur.next = p.next
				found = true
				break
			}
		}
	}
	if !found {
		return false
	}
	p.next = nil

	if e.head == nil {
		m.unlinkEntry(idx, e)
	}
	return true
}

// RemoveAllPID unlinks the process entry for pid and returns its
// entire patch list to the caller (for teardown). Returns an empty
// slice if no entry exists.
func (m *Map) RemoveAllPID(pid PID) []*Patch {
	idx := m.bucketIndex(pid)

	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.findEntry(idx, pid)
	if e == nil {
		return nil
	}
	m.unlinkEntry(idx, e)

	var out []*Patch
	for cur := e.head; cur != nil; {
		nxt := cur.next
		cur.next = nil
		out = append(out, cur)
		cur = nxt
	}
	return out
}

// unlinkEntry removes e from its bucket list. Caller must hold m.mu.
func (m *Map) unlinkEntry(idx int, e *processEntry) {
	if m.buckets[idx] == e {
		m.buckets[idx] = e.next
		return
	}
	for cur := m.buckets[idx]; cur != nil && cur.next != nil; cur = cur.next {
		if cur.next == e {
			cur.next = e.next
			return
		}
	}
}

// Count returns the number of live patches across every process, for
// tests asserting the "map is empty" invariant.
func (m *Map) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, head := range m.buckets {
		for e := head; e != nil; e = e.next {
			for p := e.head; p != nil; p = p.next {
				n++
			}
		}
	}
	return n
}

// Empty reports whether no process entries remain.
func (m *Map) Empty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, head := range m.buckets {
		if head != nil {
			return false
		}
	}
	return true
}
