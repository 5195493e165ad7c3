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

//go:build linux

package tracee

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Process is a stopped tracee as seen by its tracer. All methods must be
// called from the OS thread that is attached to the tracee.
type Process struct {
	Memory
}

// New returns a Process for an already attached and stopped tracee.
func New(pid int) *Process {
	p := &Process{}
	p.Memory = Memory{pid: pid, io: ptraceWordIO(pid)}
	return p
}

// PID returns the tracee's process id.
func (p *Process) PID() int {
	return p.pid
}

// WorkingDir returns the tracee's current working directory.
func (p *Process) WorkingDir() (string, error) {
	return os.Readlink(fmt.Sprintf("/proc/%d/cwd", p.pid))
}

type ptraceWordIO int

func (pid ptraceWordIO) peekWord(addr uintptr) (uint64, error) {
	var buf [WordSize]byte
	if _, err := unix.PtracePeekData(int(pid), addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (pid ptraceWordIO) pokeWord(addr uintptr, word uint64) error {
	var buf [WordSize]byte
	binary.LittleEndian.PutUint64(buf[:], word)
	_, err := unix.PtracePokeData(int(pid), addr, buf[:])
	return err
}
