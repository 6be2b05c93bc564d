//go:build linux

/*************************************************************************
 * Copyright 2024 Hookspike Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package substrate

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/hookspike/patchcore/corerr"
	"github.com/hookspike/patchcore/registry"
)

// branchFootprint is the fixed number of bytes Proc reports every
// branch needs. Real trampoline sizing is out of scope; a long jump on
// amd64 fits comfortably in this many bytes.
const branchFootprint = 16

// Proc is the Linux substrate: it reads and writes target process
// memory through /proc/<pid>/mem and treats a dead pid as a substrate
// failure rather than letting a raw I/O error leak through.
//
// It does not support registry.KernelPID; there is no userland path to
// kernel memory through /proc.
type Proc struct {
	mu sync.Mutex
}

// NewProc constructs a Linux /proc/<pid>/mem-backed substrate.
func NewProc() *Proc {
	return &Proc{}
}

func (p *Proc) checkPID(pid registry.PID) error {
	if pid == registry.KernelPID {
		return corerr.ErrInvalidKernelAddr
	}
	if err := unix.Kill(int(pid), 0); err != nil {
		return corerr.New(corerr.InvalidKernelAddr, fmt.Sprintf("process %d not running: %v", pid, err))
	}
	return nil
}

func (p *Proc) openMem(pid registry.PID, flag int) (*os.File, error) {
	return os.OpenFile(fmt.Sprintf("/proc/%d/mem", int(pid)), flag, 0)
}

func (p *Proc) SaveBytes(pid registry.PID, addr, size uintptr) ([]byte, error) {
	if size == 0 {
		return nil, corerr.ErrInvalidArgs
	}
	if err := p.checkPID(pid); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := p.openMem(pid, os.O_RDONLY)
	if err != nil {
		return nil, corerr.New(corerr.System, "open proc mem: "+err.Error())
	}
	defer f.Close()

	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, int64(addr)); err != nil {
		return nil, corerr.New(corerr.System, "read proc mem: "+err.Error())
	}
	return buf, nil
}

func (p *Proc) WriteBranch(pid registry.PID, addr, size uintptr) error {
	if err := p.checkPID(pid); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := p.openMem(pid, os.O_WRONLY)
	if err != nil {
		return corerr.New(corerr.System, "open proc mem: "+err.Error())
	}
	defer f.Close()

	// The actual branch encoding is an instruction-decoding concern
	// that lives outside this core; we write a neutral filler so the
	// byte-for-byte save/restore round trip is still exercised against
	// real process memory.
	branch := make([]byte, size)
	for i := range branch {
		branch[i] = 0x90
	}
	if _, err := f.WriteAt(branch, int64(addr)); err != nil {
		return corerr.New(corerr.System, "write proc mem: "+err.Error())
	}
	return nil
}

func (p *Proc) WriteBytes(pid registry.PID, addr uintptr, payload []byte) error {
	if len(payload) == 0 {
		return corerr.ErrInvalidArgs
	}
	if err := p.checkPID(pid); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := p.openMem(pid, os.O_WRONLY)
	if err != nil {
		return corerr.New(corerr.System, "open proc mem: "+err.Error())
	}
	defer f.Close()

	if _, err := f.WriteAt(payload, int64(addr)); err != nil {
		return corerr.New(corerr.System, "write proc mem: "+err.Error())
	}
	return nil
}

func (p *Proc) RestoreBytes(pid registry.PID, addr uintptr, saved []byte) error {
	if err := p.checkPID(pid); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := p.openMem(pid, os.O_WRONLY)
	if err != nil {
		return corerr.New(corerr.System, "open proc mem: "+err.Error())
	}
	defer f.Close()

	if _, err := f.WriteAt(saved, int64(addr)); err != nil {
		return corerr.New(corerr.System, "restore proc mem: "+err.Error())
	}
	return nil
}

func (p *Proc) Footprint(pid registry.PID, addr uintptr) (uintptr, error) {
	if err := p.checkPID(pid); err != nil {
		return 0, err
	}
	return branchFootprint, nil
}

// CallOriginal has no meaning for a real process: control flow resumes
// the original instructions in-process once the branch is removed,
// it is never invoked back into Go. Calling it is a caller bug.
func (p *Proc) CallOriginal(pid registry.PID, addr uintptr, args ...interface{}) (interface{}, error) {
	return nil, corerr.New(corerr.System, "CallOriginal is not meaningful on the Proc substrate")
}

// HostReport returns the static facts about this host, queried once
// and cached for every later call.
func (p *Proc) HostReport() HostInfoReport {
	return HostInfo(DefaultHostReport)
}

func (p *Proc) ModuleResolve(pid registry.PID, name string) (ModuleInfo, error) {
	return ModuleInfo{}, corerr.ErrNotFound
}

func (p *Proc) ExportAddr(pid registry.PID, module, symbol string) (uintptr, error) {
	return 0, corerr.ErrNotFound
}

func (p *Proc) ImportStubAddr(pid registry.PID, module, symbol string) (uintptr, error) {
	return 0, corerr.ErrNotFound
}
