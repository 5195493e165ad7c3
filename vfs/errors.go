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

package vfs

import (
	"errors"

	"golang.org/x/sys/unix"
)

var (
	ErrNotExist      = errors.New("file does not exist")
	ErrBadDescriptor = errors.New("unknown file descriptor")
	ErrInvalidWhence = errors.New("invalid whence")
	ErrInvalidOffset = errors.New("invalid offset")
)

// Errno converts a backing store error into the errno a real syscall would
// have failed with. Unknown errors become EIO.
func Errno(err error) unix.Errno {
	var errno unix.Errno
	switch {
	case err == nil:
		return 0
	case errors.As(err, &errno):
		return errno
	case errors.Is(err, ErrNotExist):
		return unix.ENOENT
	case errors.Is(err, ErrBadDescriptor):
		return unix.EBADF
	case errors.Is(err, ErrInvalidWhence), errors.Is(err, ErrInvalidOffset):
		return unix.EINVAL
	default:
		return unix.EIO
	}
}
