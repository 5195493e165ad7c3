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
	"errors"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/in-toto/ptracefs/log"
	"github.com/in-toto/ptracefs/tracee"
	"golang.org/x/sys/unix"
)

const ptraceOptions = unix.PTRACE_O_TRACESYSGOOD | unix.PTRACE_O_TRACEEXEC | unix.PTRACE_O_EXITKILL

// syscallStop is the stop signal of a syscall-stop under PTRACE_O_TRACESYSGOOD.
const syscallStop = unix.SIGTRAP | 0x80

func enableTracing(c *exec.Cmd) {
	if c.SysProcAttr == nil {
		c.SysProcAttr = &unix.SysProcAttr{}
	}
	c.SysProcAttr.Ptrace = true
	c.SysProcAttr.Pdeathsig = unix.SIGKILL
}

// Run starts cmd under ptrace and serves its filesystem syscalls until it
// terminates. The returned code is the child's exit status, 128+signal when
// it was killed by a signal, or TraceFailureExitCode when tracing failed.
// Cancelling ctx kills the child.
func (t *Tracer) Run(ctx context.Context, cmd *exec.Cmd) (int, error) {
	if cmd == nil || cmd.Path == "" {
		return TraceFailureExitCode, ErrNoProgram
	}

	// ptrace requests are only accepted from the thread that is attached,
	// which for PTRACE_TRACEME is the thread that forked the child.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	enableTracing(cmd)
	if err := cmd.Start(); err != nil {
		return TraceFailureExitCode, fmt.Errorf("start %s: %w", cmd.Path, err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = cmd.Process.Kill()
	})
	defer stop()

	code, err := t.trace(ctx, cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Kill()
	}

	// Reaps nothing, the loop already did, but flushes any stdio copying
	// goroutines of cmd.
	_ = cmd.Wait()
	return code, err
}

func (t *Tracer) trace(ctx context.Context, pid int) (int, error) {
	var status unix.WaitStatus
	if err := wait(pid, &status); err != nil {
		return TraceFailureExitCode, err
	}
	if code, done := exitCode(status); done {
		return code, nil
	}

	if err := unix.PtraceSetOptions(pid, ptraceOptions); err != nil {
		return TraceFailureExitCode, &tracee.Error{Op: "ptrace set options", PID: pid, Err: fmt.Errorf("%w: %w", tracee.ErrPtraceOperation, err)}
	}

	log.Debugf("(interceptor) tracing pid %d", pid)

	machine := NewInterceptor(t.backend)
	proc := tracee.New(pid)
	sig := 0
	for {
		if err := unix.PtraceSyscall(pid, sig); err != nil {
			if !errors.Is(err, unix.ESRCH) {
				return TraceFailureExitCode, &tracee.Error{Op: "ptrace syscall", PID: pid, Err: fmt.Errorf("%w: %w", tracee.ErrPtraceOperation, err)}
			}
			// Killed while stopped; the next wait reports how.
		}

		if err := wait(pid, &status); err != nil {
			return TraceFailureExitCode, err
		}
		if code, done := exitCode(status); done {
			machine.Terminate()
			log.Debugf("(interceptor) pid %d finished with exit code %d", pid, code)
			return code, nil
		}

		sig = 0
		switch stopSig := status.StopSignal(); {
		case stopSig == syscallStop:
			if err := machine.HandleStop(ctx, proc); err != nil {
				log.Debugf("(interceptor) pid %d: %v", pid, err)
			}
		case stopSig == unix.SIGTRAP && status.TrapCause() > 0:
			// ptrace event stop (exec), nothing to re-deliver
		default:
			sig = int(stopSig)
		}
	}
}

func wait(pid int, status *unix.WaitStatus) error {
	for {
		_, err := unix.Wait4(pid, status, unix.WALL, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return &tracee.Error{Op: "wait4", PID: pid, Err: err}
		}
		return nil
	}
}

// exitCode reports whether status is final and the code it maps to.
func exitCode(status unix.WaitStatus) (int, bool) {
	switch {
	case status.Exited():
		return status.ExitStatus(), true
	case status.Signaled():
		return 128 + int(status.Signal()), true
	default:
		return 0, false
	}
}
