/*************************************************************************
 * Copyright 2024 Hookspike Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package patchmgr

import (
	"sync"

	"github.com/hookspike/patchcore/hookchain"
	"github.com/hookspike/patchcore/inject"
)

// handleTable tracks every HookHandle/InjectHandle a Manager has ever
// issued that has not yet been released, so Release calls can reject a
// forged or already-released token instead of trusting caller state.
type handleTable struct {
	mu      sync.Mutex
	hooks   map[string]*HookHandle
	injects map[string]*InjectHandle
}

func newHandleTable() *handleTable {
	return &handleTable{
		hooks:   make(map[string]*HookHandle),
		injects: make(map[string]*InjectHandle),
	}
}

func (t *handleTable) putHook(id string, h *HookHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks[id] = h
}

func (t *handleTable) takeHook(id string) *HookHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.hooks[id]
	if !ok {
		return nil
	}
	delete(t.hooks, id)
	return h
}

func (t *handleTable) putInject(id string, h *InjectHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.injects[id] = h
}

func (t *handleTable) takeInject(id string) *InjectHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.injects[id]
	if !ok {
		return nil
	}
	delete(t.injects, id)
	return h
}

// dropChain discards every outstanding hook handle belonging to c,
// used once c has been force-drained by TryCleanupProcess so a late
// HookRelease call against one of its handles reports NotFound instead
// of operating on a chain that no longer exists in the process map.
func (t *handleTable) dropChain(c *hookchain.Chain) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, h := range t.hooks {
		if h.chain == c {
			delete(t.hooks, id)
		}
	}
}

// dropRecord discards the outstanding inject handle for r, if any.
func (t *handleTable) dropRecord(r *inject.Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, h := range t.injects {
		if h.record == r {
			delete(t.injects, id)
		}
	}
}
