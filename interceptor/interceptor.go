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

// Package interceptor runs a program under ptrace and redirects its
// filesystem syscalls for selected paths to a vfs.Backend.
//
// Each syscall is seen twice, at entry and at exit. An intercepted call has
// its syscall number replaced at entry so the kernel does nothing, and its
// result is written into the return register at exit.
package interceptor

import (
	"errors"

	"github.com/in-toto/ptracefs/vfs"
)

var (
	ErrNoProgram           = errors.New("no program to run")
	ErrTerminated          = errors.New("tracee has terminated")
	ErrUnsupportedPlatform = errors.New("syscall interception is only supported on linux/amd64")
)

// TraceFailureExitCode is returned when tracing itself fails.
const TraceFailureExitCode = 1

// State is the position of the state machine within a syscall.
type State int

const (
	AwaitingEntry State = iota
	AwaitingExit
	Terminated
)

func (s State) String() string {
	switch s {
	case AwaitingEntry:
		return "awaiting entry"
	case AwaitingExit:
		return "awaiting exit"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// SyscallContext is carried from a syscall's entry stop to its exit stop.
type SyscallContext struct {
	Number      uint64
	Intercepted bool
	Path        string
	Flags       int
	Result      int64
}

// Tracer launches programs with their filesystem calls served by a backend.
type Tracer struct {
	backend vfs.Backend
}

func New(backend vfs.Backend) *Tracer {
	return &Tracer{backend: backend}
}
