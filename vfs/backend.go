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

// Package vfs defines the backing-store contract used by the syscall
// interceptor together with the in-memory virtual file table.
//
// A backing store hands out synthetic descriptors from a private counter
// that starts above the range the kernel hands out, so ownership of a
// descriptor can be decided by a table lookup alone.
package vfs

import (
	"context"
	"io"
	"sync/atomic"
)

// DefaultDescriptorBase is the first synthetic descriptor handed out.
const DefaultDescriptorBase = 1000

const (
	SeekSet = io.SeekStart
	SeekCur = io.SeekCurrent
	SeekEnd = io.SeekEnd
)

// Backend supplies content for intercepted paths. Both the in-memory table
// and the remote cached store implement it, so the interceptor never needs
// to know which one is active.
type Backend interface {
	// Handles reports whether an open of path should be intercepted.
	Handles(path string) bool

	// Open assigns a synthetic descriptor to path. flags are the open(2) flags.
	Open(ctx context.Context, path string, flags int) (int, error)

	// Owns reports whether fd is a live synthetic descriptor.
	Owns(fd int) bool

	// Read returns up to count bytes from the cursor and advances it.
	Read(ctx context.Context, fd int, count int) ([]byte, error)

	// Write stores data and returns the number of bytes accepted.
	Write(ctx context.Context, fd int, data []byte) (int, error)

	// Seek moves the cursor and returns the new position.
	Seek(fd int, offset int64, whence int) (int64, error)

	// Close releases fd. Later calls on fd behave as if it was never issued.
	Close(fd int) error
}

// Descriptors allocates synthetic descriptors. Values are never reused.
type Descriptors struct {
	next atomic.Int64
}

// NewDescriptors returns an allocator whose first descriptor is base.
func NewDescriptors(base int) *Descriptors {
	if base <= 0 {
		base = DefaultDescriptorBase
	}
	d := &Descriptors{}
	d.next.Store(int64(base))
	return d
}

// Next returns a fresh descriptor.
func (d *Descriptors) Next() int {
	return int(d.next.Add(1) - 1)
}

// Seek computes a new cursor for a file of the given size. The result is
// clamped to [0, size].
func Seek(cursor, size, offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case SeekSet:
		pos = offset
	case SeekCur:
		pos = cursor + offset
	case SeekEnd:
		pos = size + offset
	default:
		return 0, ErrInvalidWhence
	}

	if pos < 0 {
		return 0, ErrInvalidOffset
	}
	return min(pos, size), nil
}
