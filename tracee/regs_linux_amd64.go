// Copyright 2021 The Witness Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux && amd64

package tracee

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// https://man7.org/linux/man-pages/man2/syscall.2.html
//
//	Arch/ABI    arg1  arg2  arg3  arg4  arg5  arg6   ret
//	x86-64      rdi   rsi   rdx   r10   r8    r9     rax

// Registers is a snapshot of the tracee's general purpose registers.
type Registers struct {
	raw unix.PtraceRegs
}

// NewRegisters wraps a raw register set.
func NewRegisters(raw unix.PtraceRegs) *Registers {
	return &Registers{raw: raw}
}

// Raw returns a copy of the underlying register set.
func (r *Registers) Raw() unix.PtraceRegs {
	return r.raw
}

// SyscallNumber reads orig_rax, which survives the return value overwrite.
func (r *Registers) SyscallNumber() uint64 {
	return r.raw.Orig_rax
}

// Arg returns syscall argument n (0-5).
func (r *Registers) Arg(n int) uint64 {
	switch n {
	case 0:
		return r.raw.Rdi
	case 1:
		return r.raw.Rsi
	case 2:
		return r.raw.Rdx
	case 3:
		return r.raw.R10
	case 4:
		return r.raw.R8
	case 5:
		return r.raw.R9
	default:
		return 0
	}
}

// Return reads the syscall return register.
func (r *Registers) Return() int64 {
	return int64(r.raw.Rax)
}

// SetReturn sets the syscall return register.
func (r *Registers) SetReturn(v int64) {
	r.raw.Rax = uint64(v)
}

// SkipSyscall replaces the pending syscall number with an invalid one so the
// kernel performs nothing and returns -ENOSYS at the exit stop.
func (r *Registers) SkipSyscall() {
	r.raw.Orig_rax = ^uint64(0)
}

// Registers fetches the full register snapshot.
func (p *Process) Registers() (*Registers, error) {
	regs := &Registers{}
	if err := unix.PtraceGetRegs(p.pid, &regs.raw); err != nil {
		return nil, &Error{Op: "get regs", PID: p.pid, Err: fmt.Errorf("%w: %w", ErrPtraceOperation, err)}
	}
	return regs, nil
}

// SetRegisters stores a full register snapshot.
func (p *Process) SetRegisters(regs *Registers) error {
	if err := unix.PtraceSetRegs(p.pid, &regs.raw); err != nil {
		return &Error{Op: "set regs", PID: p.pid, Err: fmt.Errorf("%w: %w", ErrPtraceOperation, err)}
	}
	return nil
}
