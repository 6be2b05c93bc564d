/*************************************************************************
 * Copyright 2024 Hookspike Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package substrate defines the collaborator boundary (component C5):
// everything the patch core needs from whatever actually touches a
// target process's memory, without the core knowing how that happens.
// Module walking, instruction decoding, and trampoline codegen live on
// the far side of this interface and are out of scope here; the core
// only calls through it.
package substrate

import (
	"os"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/host"

	"github.com/hookspike/patchcore/registry"
)

// Substrate is everything hookchain and inject need from the host
// environment. A real implementation talks to a kernel driver or
// /proc; a test implementation can be a flat byte array.
type Substrate interface {
	// SaveBytes captures size bytes at addr in pid's address space,
	// before any modification, so they can later be restored.
	SaveBytes(pid registry.PID, addr, size uintptr) ([]byte, error)

	// WriteBranch installs whatever redirection mechanism the
	// substrate uses (a jump, a trap, a syscall table entry) so that
	// execution at addr reaches the chain's dispatcher instead of the
	// original code. It does not touch the bytes already captured by
	// SaveBytes.
	WriteBranch(pid registry.PID, addr, size uintptr) error

	// WriteBytes overwrites addr with the exact contents of payload,
	// used by injection records, where the caller supplies real byte
	// content rather than a branch encoding the substrate gets to
	// choose.
	WriteBytes(pid registry.PID, addr uintptr, payload []byte) error

	// RestoreBytes writes saved back to addr, undoing WriteBranch or
	// WriteBytes. It is the last step of releasing a chain's final hook
	// or an injection's record.
	RestoreBytes(pid registry.PID, addr uintptr, saved []byte) error

	// Footprint reports how many bytes a branch at addr requires, so
	// patchmgr can validate a requested range before ever calling
	// SaveBytes.
	Footprint(pid registry.PID, addr uintptr) (uintptr, error)

	// CallOriginal resumes the saved original code at addr, standing
	// in for an entry-trampoline jump; since this core does not decode
	// or generate machine code, resuming "the original code" is
	// modeled as a call back into whatever the substrate captured,
	// dispatched with the same Go-level arguments a hook received.
	CallOriginal(pid registry.PID, addr uintptr, args ...interface{}) (interface{}, error)

	// ModuleResolve, ExportAddr, and ImportStubAddr are purely
	// informational lookups a host may use to locate addresses before
	// ever calling into the core. The core never calls them itself.
	ModuleResolve(pid registry.PID, name string) (ModuleInfo, error)
	ExportAddr(pid registry.PID, module, symbol string) (uintptr, error)
	ImportStubAddr(pid registry.PID, module, symbol string) (uintptr, error)
}

// ModuleInfo describes a resolved module, as reported by ModuleResolve.
type ModuleInfo struct {
	Name    string
	Base    uintptr
	Size    uintptr
	Version string
}

var (
	hostInfoOnce sync.Once
	hostInfo     HostInfoReport
)

// HostInfoReport carries static host facts queried once per process
// lifetime and cached, the way a firmware version is read once and
// reused for every later query.
type HostInfoReport struct {
	Arch      string
	PageSize  uintptr
	KernelRel string
}

// HostInfo returns the cached host report, computing it with fn on the
// first call only. Later calls, with any fn, return the first result.
func HostInfo(fn func() HostInfoReport) HostInfoReport {
	hostInfoOnce.Do(func() {
		hostInfo = fn()
	})
	return hostInfo
}

// DefaultHostReport queries the running host for the report's facts.
// Substrates hand it to HostInfo so the queries run once, not per
// caller.
func DefaultHostReport() HostInfoReport {
	r := HostInfoReport{
		Arch:     runtime.GOARCH,
		PageSize: uintptr(os.Getpagesize()),
	}
	if rel, err := host.KernelVersion(); err == nil {
		r.KernelRel = rel
	}
	return r
}
