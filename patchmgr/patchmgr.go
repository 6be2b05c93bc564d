/*************************************************************************
 * Copyright 2024 Hookspike Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package patchmgr is the patch core's public surface (component C4).
// It owns the process map and wires every hook chain and injection
// record it creates to a single substrate, enforcing the one lock
// ordering rule the rest of the core depends on: a caller never holds
// the process map's lock while acquiring a chain's lock. Concretely,
// every method here completes its registry.Map call, lets the map lock
// go, and only then reaches into a Chain or Record.
package patchmgr

import (
	"fmt"

	"github.com/hookspike/patchcore/config"
	"github.com/hookspike/patchcore/corerr"
	"github.com/hookspike/patchcore/hookchain"
	"github.com/hookspike/patchcore/inject"
	"github.com/hookspike/patchcore/log"
	"github.com/hookspike/patchcore/registry"
	"github.com/hookspike/patchcore/substrate"
	"github.com/hookspike/patchcore/version"

	"github.com/google/uuid"
)

// HookHandle is the opaque token HookFuncAbs returns. Its id lets
// HookRelease distinguish a genuine, still-live hook from one that has
// already been released or was never issued by this Manager.
type HookHandle struct {
	id    string
	pid   registry.PID
	addr  uintptr
	hook  *hookchain.Hook
	chain *hookchain.Chain
	patch *registry.Patch
}

// InjectHandle is the opaque token InjectAbs returns.
type InjectHandle struct {
	id     string
	pid    registry.PID
	addr   uintptr
	record *inject.Record
	patch  *registry.Patch
}

// Manager is the patch core's entry point: one process map, one
// substrate, one logger, shared across every hook and injection it is
// asked to install.
type Manager struct {
	cfg config.HostConfig
	sub substrate.Substrate
	lg  *log.Logger
	m   *registry.Map

	// handles lets HookRelease/InjectRelease validate a caller-supplied
	// token against the live record before touching any chain lock,
	// instead of trusting whatever (pid, addr) the caller claims.
	handles *handleTable
}

// New wires together a process map sized per cfg, the given substrate,
// and a logger for install/release/cleanup diagnostics.
func New(cfg config.HostConfig, sub substrate.Substrate, lg *log.Logger) *Manager {
	if lg == nil {
		lg = log.NewDiscardLogger()
	}
	mgr := &Manager{
		cfg:     cfg,
		sub:     sub,
		lg:      lg,
		m:       registry.NewMap(cfg.BucketCount()),
		handles: newHandleTable(),
	}
	mgr.lg.Infof("patchcore %s starting: buckets=%d log-level=%s", version.String(), cfg.BucketCount(), cfg.LogLevel())
	return mgr
}

// NewFromConfigFile is the host entrypoint: it loads and verifies a
// HostConfig from a gcfg config file on disk, stands up a logger per
// its Log-Level/Log-File, and wires the given substrate into a new
// Manager. Any [Plugin "name"] sections found alongside [Global] are
// returned so the host can hand each plugin its own section via
// config.PluginConfig before it starts hooking anything.
func NewFromConfigFile(path string, sub substrate.Substrate) (*Manager, map[string]*config.VariableConfig, error) {
	cfg, plugins, err := config.LoadHostConfig(path)
	if err != nil {
		return nil, nil, err
	}
	lg, err := newConfiguredLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	return New(cfg, sub, lg), plugins, nil
}

// newConfiguredLogger stands up a logger writing to cfg.LogFile() if
// set, or stderr otherwise, at cfg.LogLevel().
func newConfiguredLogger(cfg config.HostConfig) (*log.Logger, error) {
	var lg *log.Logger
	var err error
	if cfg.LogFile() != `` {
		lg, err = log.NewFile(cfg.LogFile())
		if err != nil {
			return nil, err
		}
	} else {
		lg = log.NewStderrLogger()
	}
	if err := lg.SetLevelString(cfg.LogLevel()); err != nil {
		return nil, err
	}
	return lg, nil
}

// HookFuncAbs installs fn as a hook at the absolute address addr in
// process pid. The claimed range's size is always the substrate's
// branch footprint at addr, never caller-supplied. If a hooks patch already claims
// that exact range, fn is added to the existing chain instead of
// failing; any other overlap is rejected with corerr.ErrPatchExists.
func (mgr *Manager) HookFuncAbs(pid registry.PID, addr uintptr, fn hookchain.Func) (*HookHandle, error) {
	if fn == nil || addr == 0 {
		return nil, corerr.ErrInvalidArgs
	}
	size, err := mgr.sub.Footprint(pid, addr)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, corerr.ErrInvalidArgs
	}

	id := uuid.NewString()

	// A shared chain found by TryInsert can be mid-drain: its last hook
	// just released, hookchain.Chain.Release restored the original
	// bytes and left it permanently Draining, but patchmgr.HookRelease
	// has not yet unlinked its Patch from the process map. The
	// lock-ordering rule only promises that unlink happens eventually,
	// not atomically with the drain. target.Add on such a chain always
	// fails with NotFound; retrying spins until the owning HookRelease
	// call completes the unlink, at which point TryInsert no longer
	// finds the stale patch and this loop allocates a fresh chain. A
	// draining chain therefore never gains new hooks, no matter how the
	// Chain -> Map unlink interleaves with new install requests.
	for {
		candidate := &registry.Patch{PID: pid, Addr: addr, Size: size, Kind: registry.KindHooks}
		chain := hookchain.NewChain(pid, addr, size, mgr.sub)
		candidate.Body = chain

		existing, err := mgr.m.TryInsert(candidate)
		if err != nil {
			return nil, err
		}

		var target *hookchain.Chain
		shared := existing != nil
		ownPatch := candidate
		if shared {
			target = existing.Body.(*hookchain.Chain)
			ownPatch = existing
		} else {
			target = chain
		}

		h, err := target.Add(id, fn)
		if err != nil {
			if corerr.CodeOf(err) == corerr.NotFound {
				// Shared chain mid-drain, or our fresh chain swept up by
				// a concurrent process cleanup before Add could install.
				// Either way the stale patch is on its way out of the
				// map; retry against whatever state remains.
				if !shared {
					mgr.m.Remove(candidate)
				}
				continue
			}
			if !shared {
				mgr.m.Remove(candidate)
			}
			return nil, err
		}

		handle := &HookHandle{id: id, pid: pid, addr: addr, hook: h, chain: target, patch: ownPatch}
		mgr.handles.putHook(id, handle)

		if shared {
			mgr.lg.Infof("hookchain: shared install pid=%d addr=%#x id=%s", int64(pid), addr, id)
		} else {
			mgr.lg.Infof("hookchain: new install pid=%d addr=%#x id=%s", int64(pid), addr, id)
		}
		return handle, nil
	}
}

// HookRelease removes the hook handle identifies. If it was the last
// hook in its chain, the chain's patch is also removed from the
// process map.
func (mgr *Manager) HookRelease(handle *HookHandle) error {
	if handle == nil {
		return corerr.ErrInvalidArgs
	}
	live := mgr.handles.takeHook(handle.id)
	if live == nil {
		return corerr.ErrNotFound
	}

	drained, err := live.chain.Release(live.hook)
	if err != nil {
		return err
	}

	if drained {
		mgr.m.Remove(live.patch)
		mgr.lg.Infof("hookchain: drained pid=%d addr=%#x id=%s", int64(live.pid), live.addr, live.id)
	} else {
		mgr.lg.Infof("hookchain: released pid=%d addr=%#x id=%s", int64(live.pid), live.addr, live.id)
	}
	return nil
}

// InjectAbs overwrites len(payload) bytes at addr in pid with payload. Unlike
// HookFuncAbs, an overlapping request is always rejected — injection
// records never share.
func (mgr *Manager) InjectAbs(pid registry.PID, addr uintptr, payload []byte) (*InjectHandle, error) {
	if len(payload) == 0 {
		return nil, corerr.ErrInvalidArgs
	}

	rec, err := inject.New(pid, addr, payload, mgr.sub)
	if err != nil {
		return nil, err
	}

	// The range claim lands before any byte moves: a conflicting
	// request must never disturb bytes an existing patch owns, not even
	// transiently. Only once TryInsert admits the claim does Apply
	// snapshot and overwrite the target.
	candidate := &registry.Patch{PID: pid, Addr: addr, Size: uintptr(len(payload)), Kind: registry.KindInject, Body: rec}
	if _, err := mgr.m.TryInsert(candidate); err != nil {
		return nil, err
	}
	if err := rec.Apply(); err != nil {
		// A NotFound here means a concurrent process cleanup already
		// swept the pending record up (and unlinked the patch); any
		// other failure leaves the patch ours to unlink.
		mgr.m.Remove(candidate)
		return nil, err
	}

	id := uuid.NewString()
	handle := &InjectHandle{id: id, pid: pid, addr: addr, record: rec, patch: candidate}
	mgr.handles.putInject(id, handle)

	mgr.lg.Infof("inject: installed pid=%d addr=%#x size=%d id=%s", int64(pid), addr, len(payload), id)
	return handle, nil
}

// InjectRelease restores the original bytes handle claims and removes
// its patch from the process map.
func (mgr *Manager) InjectRelease(handle *InjectHandle) error {
	if handle == nil {
		return corerr.ErrInvalidArgs
	}
	live := mgr.handles.takeInject(handle.id)
	if live == nil {
		return corerr.ErrNotFound
	}

	if err := live.record.Release(); err != nil {
		return err
	}
	mgr.m.Remove(live.patch)
	mgr.lg.Infof("inject: released pid=%d addr=%#x id=%s", int64(live.pid), live.addr, live.id)
	return nil
}

// TryCleanupProcess releases every hook and injection a process still
// holds, for use once a host learns the target has exited or is being
// torn down. Individual release failures do not stop the sweep — the
// process entry is unlinked from the map regardless, so a gone process
// can never wedge the registry — but they are reported: a non-nil
// return means one or more patches could not restore their original
// bytes, carrying the first such failure's code.
func (mgr *Manager) TryCleanupProcess(pid registry.PID) error {
	patches := mgr.m.RemoveAllPID(pid)
	var firstErr error
	failed := 0
	for _, p := range patches {
		var err error
		switch p.Kind {
		case registry.KindHooks:
			c := p.Body.(*hookchain.Chain)
			mgr.handles.dropChain(c)
			err = c.ReleaseAll()
		case registry.KindInject:
			r := p.Body.(*inject.Record)
			mgr.handles.dropRecord(r)
			err = r.Release()
		}
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			mgr.lg.Warnf("cleanup: %s release failed pid=%d addr=%#x: %v", p.Kind, int64(pid), p.Addr, err)
		}
	}
	if firstErr != nil {
		mgr.lg.Warnf("cleanup: pid=%d patches=%d failed=%d", int64(pid), len(patches), failed)
		return corerr.New(corerr.CodeOf(firstErr),
			fmt.Sprintf("cleanup pid %d: %d of %d patches failed to restore", int64(pid), failed, len(patches)))
	}
	mgr.lg.Infof("cleanup: pid=%d patches=%d", int64(pid), len(patches))
	return nil
}
