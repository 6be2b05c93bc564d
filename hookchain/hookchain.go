/*************************************************************************
 * Copyright 2024 Hookspike Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package hookchain implements component C2: the hook chain. A Chain
// owns every Hook installed at one address range in one process and
// dispatches calls through them newest-first, each hook deciding
// whether to invoke the rest of the chain (and ultimately the original
// code) via the Next it is handed.
package hookchain

import (
	"sync"

	"github.com/hookspike/patchcore/corerr"
	"github.com/hookspike/patchcore/registry"
	"github.com/hookspike/patchcore/substrate"
)

// Func is a hook body. It receives the Next to call through to resume
// dispatch (either the next-older hook, or the original code once the
// chain is exhausted) and the call's arguments, and returns this call's
// result.
type Func func(next Next, args ...interface{}) (interface{}, error)

// Next resumes dispatch past the hook that was handed it.
type Next func(args ...interface{}) (interface{}, error)

type state uint8

const (
	stateEmpty state = iota
	stateActive
	stateDraining
)

// Hook is one installed function inside a Chain. It holds a non-owning
// back-reference to the chain it lives in; the chain, not the hook,
// owns the link.
type Hook struct {
	id    string
	fn    Func
	chain *Chain
	next  *Hook
}

// ID returns the opaque handle this hook was issued under.
func (h *Hook) ID() string { return h.id }

// Chain is the hook-chain body installed at one address range. It
// implements registry.Body so it can be carried inside a registry.Patch.
type Chain struct {
	mu    sync.Mutex
	st    state
	pid   registry.PID
	addr  uintptr
	size  uintptr
	sub   substrate.Substrate
	head  *Hook
	saved []byte
}

// PatchKind implements registry.Body.
func (c *Chain) PatchKind() registry.Kind { return registry.KindHooks }

// NewChain constructs an empty chain for the given process and range.
// It does not touch the substrate; that happens on the first Add.
func NewChain(pid registry.PID, addr, size uintptr, sub substrate.Substrate) *Chain {
	return &Chain{pid: pid, addr: addr, size: size, sub: sub, st: stateEmpty}
}

// tailNext resumes the original code once every installed hook has had
// a chance to intercept the call.
func (c *Chain) tailNext(args ...interface{}) (interface{}, error) {
	return c.sub.CallOriginal(c.pid, c.addr, args...)
}

// Add installs fn as the newest hook in the chain, under id. On the
// chain's first hook this saves the original bytes and writes the
// branch via the substrate; later hooks are pure list manipulation.
func (c *Chain) Add(id string, fn Func) (*Hook, error) {
	if fn == nil {
		return nil, corerr.ErrInvalidArgs
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.st == stateDraining {
		return nil, corerr.ErrNotFound
	}

	if c.st == stateEmpty {
		saved, err := c.sub.SaveBytes(c.pid, c.addr, c.size)
		if err != nil {
			return nil, corerr.New(corerr.CodeOf(err), "save original bytes: "+err.Error())
		}
		if err := c.sub.WriteBranch(c.pid, c.addr, c.size); err != nil {
			return nil, corerr.New(corerr.CodeOf(err), "write branch: "+err.Error())
		}
		c.saved = saved
		c.st = stateActive
	}

	h := &Hook{id: id, fn: fn, chain: c}
	h.next = c.head
	c.head = h
	return h, nil
}

// dispatchFrom builds the Next closure resuming from hook h (h == nil means
// "resume the original code") and invokes it.
func (c *Chain) dispatchFrom(h *Hook, args ...interface{}) (interface{}, error) {
	if h == nil {
		return c.tailNext(args...)
	}
	next := func(a ...interface{}) (interface{}, error) {
		return c.dispatchFrom(h.next, a...)
	}
	return h.fn(Next(next), args...)
}

// Call dispatches args through every installed hook, newest first, then
// the original code if nothing short-circuits.
func (c *Chain) Call(args ...interface{}) (interface{}, error) {
	c.mu.Lock()
	head := c.head
	draining := c.st == stateDraining
	c.mu.Unlock()

	if draining {
		return c.tailNext(args...)
	}
	return c.dispatchFrom(head, args...)
}

// Release removes h from the chain. If h was the last hook, the chain
// restores the original bytes via the substrate and is retired: the
// caller (patchmgr) is responsible for then unlinking the chain's Patch
// from the process map.
//
// A drained chain's state is left at Draining rather than looping back
// to Empty. The owning Patch is still reachable in the process map
// until patchmgr completes the unlink, and a concurrent Add for the
// same address must not reactivate this retiring chain in that window:
// the chain stays isolated for the whole time its unlink is pending.
// Add already refuses a Draining chain; patchmgr's install path
// retries against a fresh chain instead of surfacing that refusal to
// the client once the unlink lands.
//
// drained reports whether this release emptied the chain, so the
// caller knows whether to remove the Patch from the registry map.
func (c *Chain) Release(h *Hook) (drained bool, err error) {
	if h == nil {
		return false, corerr.ErrInvalidArgs
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.st != stateActive {
		return false, corerr.ErrNotFound
	}

	found := false
	if c.head == h {
		c.head = h.next
		found = true
	} else {
		for cur := c.head; cur != nil && cur.next != nil; cur = cur.next {
			if cur.next == h {
				cur.next = h.next
				found = true
				break
			}
		}
	}
	if !found {
		return false, corerr.ErrNotFound
	}
	h.next = nil
	h.chain = nil

	if c.head != nil {
		return false, nil
	}

	c.st = stateDraining
	if err := c.sub.RestoreBytes(c.pid, c.addr, c.saved); err != nil {
		// Original bytes could not be restored; the chain stays
		// draining rather than silently reporting success, so a
		// caller inspecting its patch can see the range is stuck.
		return false, corerr.New(corerr.CodeOf(err), "restore original bytes: "+err.Error())
	}
	c.saved = nil
	return true, nil
}

// ReleaseAll forcibly drains every hook in the chain, restoring the
// original bytes regardless of which caller installed which hook. It
// exists for process-exit cleanup, where there is no single handle to
// release against — the whole process, and everything it owns, is
// going away. Unlike Release, the caller (patchmgr.TryCleanupProcess)
// has already unlinked this chain's Patch from the process map before
// calling ReleaseAll, so there is no reachable-but-draining window to
// guard against here; the chain is simply retired at Draining.
func (c *Chain) ReleaseAll() error {
	c.mu.Lock()
	if c.st == stateEmpty {
		// Never installed, nothing to restore — but still retire the
		// chain, so an install racing this cleanup cannot write a
		// branch for a patch that is no longer in the process map.
		c.st = stateDraining
		c.mu.Unlock()
		return nil
	}
	if c.st != stateActive {
		c.mu.Unlock()
		return nil
	}
	c.head = nil
	c.st = stateDraining
	saved := c.saved
	c.mu.Unlock()

	if err := c.sub.RestoreBytes(c.pid, c.addr, saved); err != nil {
		return corerr.New(corerr.CodeOf(err), "restore original bytes: "+err.Error())
	}

	c.mu.Lock()
	c.saved = nil
	c.mu.Unlock()
	return nil
}

// Len reports the number of installed hooks, for tests and diagnostics.
func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for h := c.head; h != nil; h = h.next {
		n++
	}
	return n
}

// Empty reports whether the chain currently holds no hooks. This is
// true both for a fresh, never-installed chain and for one that has
// fully drained (including a drained-but-not-yet-unlinked chain, whose
// state stays Draining rather than reverting to Empty — see Release).
func (c *Chain) Empty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head == nil
}
