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

package interceptor

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/in-toto/ptracefs/log"
	"github.com/in-toto/ptracefs/tracee"
	"github.com/in-toto/ptracefs/vfs"
	"golang.org/x/sys/unix"
)

// process is the view of a stopped tracee the state machine needs.
type process interface {
	PID() int
	Registers() (*tracee.Registers, error)
	SetRegisters(*tracee.Registers) error
	ReadString(addr uintptr, maxLen int) (string, error)
	ReadBytes(addr uintptr, count int) ([]byte, error)
	WriteBytes(addr uintptr, data []byte) error
	WorkingDir() (string, error)
}

// Interceptor is the syscall state machine for a single tracee.
type Interceptor struct {
	backend vfs.Backend
	state   State
	call    SyscallContext
}

func NewInterceptor(backend vfs.Backend) *Interceptor {
	return &Interceptor{backend: backend}
}

func (i *Interceptor) State() State {
	return i.state
}

// Context returns the in-flight syscall context.
func (i *Interceptor) Context() SyscallContext {
	return i.call
}

// Terminate moves the machine to its final state.
func (i *Interceptor) Terminate() {
	i.state = Terminated
	i.call = SyscallContext{}
}

// HandleStop processes one syscall-stop. Entry and exit stops strictly
// alternate, starting with an entry. An error means the current syscall is
// left to the kernel; the machine still advances.
func (i *Interceptor) HandleStop(ctx context.Context, p process) error {
	switch i.state {
	case AwaitingEntry:
		i.state = AwaitingExit
		return i.enter(ctx, p)
	case AwaitingExit:
		err := i.exit(ctx, p)
		i.call = SyscallContext{}
		i.state = AwaitingEntry
		return err
	default:
		return ErrTerminated
	}
}

func (i *Interceptor) enter(ctx context.Context, p process) error {
	regs, err := p.Registers()
	if err != nil {
		return err
	}

	i.call.Number = regs.SyscallNumber()

	var intercept bool
	switch i.call.Number {
	case unix.SYS_OPEN:
		intercept, err = i.enterOpen(p, uintptr(regs.Arg(0)), int(regs.Arg(1)), unix.AT_FDCWD)
	case unix.SYS_OPENAT:
		intercept, err = i.enterOpen(p, uintptr(regs.Arg(1)), int(regs.Arg(2)), fdArg(regs.Arg(0)))
	case unix.SYS_READ:
		intercept, err = i.enterRead(ctx, p, fdArg(regs.Arg(0)), uintptr(regs.Arg(1)), regs.Arg(2))
	case unix.SYS_WRITE:
		intercept, err = i.enterWrite(ctx, p, fdArg(regs.Arg(0)), uintptr(regs.Arg(1)), regs.Arg(2))
	case unix.SYS_LSEEK:
		intercept, err = i.enterSeek(fdArg(regs.Arg(0)), int64(regs.Arg(1)), int(regs.Arg(2)))
	case unix.SYS_CLOSE:
		intercept, err = i.enterClose(fdArg(regs.Arg(0)))
	}

	if !intercept {
		return err
	}

	i.call.Intercepted = true
	regs.SkipSyscall()
	if err := p.SetRegisters(regs); err != nil {
		return fmt.Errorf("neutralise syscall %d: %w", i.call.Number, err)
	}
	return err
}

func (i *Interceptor) enterOpen(p process, pathAddr uintptr, flags int, dirfd int) (bool, error) {
	path, err := p.ReadString(pathAddr, tracee.MaxStringLength)
	if err != nil {
		return false, err
	}

	if !filepath.IsAbs(path) {
		// Relative to a real directory descriptor, never ours.
		if dirfd != unix.AT_FDCWD {
			return false, nil
		}
		cwd, err := p.WorkingDir()
		if err != nil {
			return false, fmt.Errorf("resolve %s: %w", path, err)
		}
		path = filepath.Join(cwd, path)
	}
	path = filepath.Clean(path)

	if !i.backend.Handles(path) {
		return false, nil
	}

	i.call.Path = path
	i.call.Flags = flags
	log.Debugf("(interceptor) open %s flags %#o", path, flags)
	return true, nil
}

func (i *Interceptor) enterRead(ctx context.Context, p process, fd int, buf uintptr, count uint64) (bool, error) {
	if !i.backend.Owns(fd) {
		return false, nil
	}

	n := int(min(count, tracee.MaxBufferSize))
	data, err := i.backend.Read(ctx, fd, n)
	if err != nil {
		i.call.Result = errnoResult(vfs.Errno(err))
		return true, err
	}

	if len(data) > 0 {
		if err := p.WriteBytes(buf, data); err != nil {
			i.call.Result = errnoResult(unix.EFAULT)
			return true, err
		}
	}

	log.Debugf("(interceptor) read fd %d: %d of %d bytes", fd, len(data), count)
	i.call.Result = int64(len(data))
	return true, nil
}

func (i *Interceptor) enterWrite(ctx context.Context, p process, fd int, buf uintptr, count uint64) (bool, error) {
	if !i.backend.Owns(fd) {
		return false, nil
	}

	if count > tracee.MaxBufferSize {
		i.call.Result = errnoResult(unix.EFBIG)
		return true, fmt.Errorf("write fd %d: %w", fd, tracee.ErrBufferTooLarge)
	}

	data, err := p.ReadBytes(buf, int(count))
	if err != nil {
		i.call.Result = errnoResult(unix.EFAULT)
		return true, err
	}

	n, err := i.backend.Write(ctx, fd, data)
	if err != nil {
		i.call.Result = errnoResult(vfs.Errno(err))
		return true, err
	}

	log.Debugf("(interceptor) write fd %d: %d bytes", fd, n)
	i.call.Result = int64(n)
	return true, nil
}

func (i *Interceptor) enterSeek(fd int, offset int64, whence int) (bool, error) {
	if !i.backend.Owns(fd) {
		return false, nil
	}

	pos, err := i.backend.Seek(fd, offset, whence)
	if err != nil {
		i.call.Result = errnoResult(vfs.Errno(err))
		return true, err
	}

	log.Debugf("(interceptor) lseek fd %d: %d", fd, pos)
	i.call.Result = pos
	return true, nil
}

func (i *Interceptor) enterClose(fd int) (bool, error) {
	if !i.backend.Owns(fd) {
		return false, nil
	}

	if err := i.backend.Close(fd); err != nil {
		i.call.Result = errnoResult(vfs.Errno(err))
		return true, err
	}

	log.Debugf("(interceptor) close fd %d", fd)
	return true, nil
}

func (i *Interceptor) exit(ctx context.Context, p process) error {
	if !i.call.Intercepted {
		return nil
	}

	var openErr error
	if i.call.Number == unix.SYS_OPEN || i.call.Number == unix.SYS_OPENAT {
		fd, err := i.backend.Open(ctx, i.call.Path, i.call.Flags)
		if err != nil {
			// Every open failure looks like a missing file to the tracee.
			openErr = err
			i.call.Result = errnoResult(unix.ENOENT)
		} else {
			i.call.Result = int64(fd)
		}
	}

	regs, err := p.Registers()
	if err != nil {
		return err
	}
	regs.SetReturn(i.call.Result)
	if err := p.SetRegisters(regs); err != nil {
		return err
	}

	if openErr != nil {
		return fmt.Errorf("open %s: %w", i.call.Path, openErr)
	}
	return nil
}

func errnoResult(errno unix.Errno) int64 {
	return -int64(errno)
}

// fdArg reads a descriptor argument, which the kernel treats as a C int.
func fdArg(v uint64) int {
	return int(int32(v))
}
