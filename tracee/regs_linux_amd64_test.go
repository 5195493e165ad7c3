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
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestRegistersCallingConvention(t *testing.T) {
	regs := NewRegisters(unix.PtraceRegs{
		Orig_rax: unix.SYS_OPENAT,
		Rdi:      1,
		Rsi:      2,
		Rdx:      3,
		R10:      4,
		R8:       5,
		R9:       6,
	})

	assert.Equal(t, uint64(unix.SYS_OPENAT), regs.SyscallNumber())
	for n := 0; n < 6; n++ {
		assert.Equal(t, uint64(n+1), regs.Arg(n), "arg %d", n)
	}
	assert.Zero(t, regs.Arg(6))
}

func TestRegistersReturnValue(t *testing.T) {
	regs := NewRegisters(unix.PtraceRegs{Orig_rax: unix.SYS_READ})

	regs.SetReturn(-int64(unix.ENOENT))
	assert.Equal(t, -int64(unix.ENOENT), regs.Return())

	regs.SetReturn(1000)
	assert.Equal(t, int64(1000), regs.Return())
	assert.Equal(t, uint64(unix.SYS_READ), regs.SyscallNumber(), "return value must not clobber the syscall number")
}

func TestRegistersSkipSyscall(t *testing.T) {
	regs := NewRegisters(unix.PtraceRegs{Orig_rax: unix.SYS_CLOSE, Rdi: 1000})
	regs.SkipSyscall()

	assert.Equal(t, ^uint64(0), regs.SyscallNumber())
	assert.Equal(t, uint64(1000), regs.Arg(0))
	assert.Equal(t, ^uint64(0), regs.Raw().Orig_rax)
}
