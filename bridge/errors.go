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

package bridge

import (
	"errors"
	"fmt"
	"strings"

	"github.com/in-toto/ptracefs/vfs"
)

var (
	ErrShortFrame       = errors.New("frame too short")
	ErrUnknownOperation = errors.New("unknown operation")
	ErrNotConnected     = errors.New("no remote peer connected")
	ErrBridgeClosed     = errors.New("bridge connection closed")
	ErrRequestFailed    = errors.New("remote request failed")
	ErrRemoteNotFound   = errors.New("remote file not found")
	ErrCache            = errors.New("cache i/o failed")

	// ErrNoDescriptor is returned for descriptors the store never issued or
	// already closed.
	ErrNoDescriptor = fmt.Errorf("no such cached file: %w", vfs.ErrBadDescriptor)
)

// RemoteError is a failure reported by the remote peer itself.
type RemoteError struct {
	Op       string
	Path     string
	Message  string
	NotFound bool
}

func newRemoteError(op, path, message string) *RemoteError {
	if message == "" {
		message = fmt.Sprintf("unknown %s error", op)
	}
	return &RemoteError{
		Op:       op,
		Path:     path,
		Message:  message,
		NotFound: strings.Contains(strings.ToLower(message), "not found"),
	}
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s %s: %s", e.Op, e.Path, e.Message)
}

// Is lets a not-found report match ErrRemoteNotFound and vfs.ErrNotExist.
func (e *RemoteError) Is(target error) bool {
	return e.NotFound && (target == ErrRemoteNotFound || target == vfs.ErrNotExist)
}
