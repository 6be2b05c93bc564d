/*************************************************************************
 * Copyright 2024 Hookspike Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package inject implements component C3: raw byte-range injection.
// Unlike a hook chain, an injection record never chains and never
// shares — exactly one request owns the range, and releasing it
// restores the original bytes unconditionally.
package inject

import (
	"sync"

	"github.com/hookspike/patchcore/corerr"
	"github.com/hookspike/patchcore/registry"
	"github.com/hookspike/patchcore/substrate"
)

type state uint8

const (
	statePending state = iota
	stateActive
	stateReleased
)

// Record is the injection body: the payload to write over one address
// range in one process, and once applied, the saved original bytes.
// It implements registry.Body so it can be carried inside a
// registry.Patch alongside hookchain.Chain.
//
// A Record is created pending and only touches the target once Apply
// runs. That keeps the physical write strictly after the range claim
// has been admitted: a conflicting request must never disturb bytes
// some other patch already owns, not even transiently.
type Record struct {
	mu      sync.Mutex
	st      state
	pid     registry.PID
	addr    uintptr
	payload []byte
	saved   []byte
	sub     substrate.Substrate
}

// PatchKind implements registry.Body.
func (r *Record) PatchKind() registry.Kind { return registry.KindInject }

// New builds a pending record for addr. Nothing is read or written
// until Apply.
func New(pid registry.PID, addr uintptr, payload []byte, sub substrate.Substrate) (*Record, error) {
	if len(payload) == 0 {
		return nil, corerr.ErrInvalidArgs
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	return &Record{
		st:      statePending,
		pid:     pid,
		addr:    addr,
		payload: p,
		sub:     sub,
	}, nil
}

// Apply captures the original bytes at the record's range and
// overwrites them with the payload. It fails if the record was already
// applied, or was released (a concurrent process cleanup swept it up)
// before the write could land.
func (r *Record) Apply() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.st {
	case stateActive:
		return corerr.ErrInvalidArgs
	case stateReleased:
		return corerr.ErrNotFound
	}

	saved, err := r.sub.SaveBytes(r.pid, r.addr, uintptr(len(r.payload)))
	if err != nil {
		return corerr.New(corerr.CodeOf(err), "save original bytes: "+err.Error())
	}
	if err := r.sub.WriteBytes(r.pid, r.addr, r.payload); err != nil {
		return corerr.New(corerr.CodeOf(err), "write injection: "+err.Error())
	}
	r.saved = saved
	r.st = stateActive
	return nil
}

// Size reports the injected range's length.
func (r *Record) Size() uintptr {
	return uintptr(len(r.payload))
}

// Release restores the saved original bytes. Releasing a record that
// never applied simply retires it; releasing twice is an error, since
// an injection never chains and never shares, so there is only ever
// one owner to release it.
func (r *Record) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.st {
	case stateReleased:
		return corerr.ErrNotFound
	case statePending:
		r.st = stateReleased
		return nil
	}

	if err := r.sub.RestoreBytes(r.pid, r.addr, r.saved); err != nil {
		return corerr.New(corerr.CodeOf(err), "restore original bytes: "+err.Error())
	}
	r.st = stateReleased
	r.saved = nil
	return nil
}

// Released reports whether Release has already run.
func (r *Record) Released() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st == stateReleased
}
