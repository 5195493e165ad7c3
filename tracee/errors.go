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

package tracee

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAddress is returned for a null tracee address or one whose
	// word arithmetic would wrap around the address space.
	ErrInvalidAddress = errors.New("invalid memory address")
	// ErrBufferTooLarge is returned when a transfer exceeds MaxBufferSize.
	ErrBufferTooLarge = errors.New("buffer size exceeds maximum allowed")
	// ErrNegativeCount is returned for a transfer with a negative length.
	ErrNegativeCount = errors.New("negative byte count")
	// ErrStringTooLong is returned when no NUL terminator appears within the limit.
	ErrStringTooLong = errors.New("string exceeds maximum length")
	ErrMemoryRead    = errors.New("failed to read from tracee memory")
	ErrMemoryWrite   = errors.New("failed to write to tracee memory")
	// ErrPtraceOperation marks a failed register or control request.
	ErrPtraceOperation = errors.New("ptrace operation failed")
)

// Error provides structured error information for a failed tracee operation
type Error struct {
	Op   string // Operation that failed
	PID  int    // Process ID involved
	Addr uintptr
	Err  error // Underlying error
}

func (e *Error) Error() string {
	if e.Addr != 0 {
		return fmt.Sprintf("%s: pid=%d addr=%#x: %v", e.Op, e.PID, e.Addr, e.Err)
	}
	return fmt.Sprintf("%s: pid=%d: %v", e.Op, e.PID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
