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
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/in-toto/ptracefs/log"
)

// VirtualFile is one open descriptor over a private copy of a file's content.
type VirtualFile struct {
	Name    string
	Content []byte
	Cursor  int64
	FD      int
}

// MemoryTable is a Backend that keeps every file in memory. Writes replace
// the whole file, mirroring how os.WriteFile truncates and rewrites.
type MemoryTable struct {
	mu      sync.Mutex
	files   map[string][]byte
	open    map[int]*VirtualFile
	fds     *Descriptors
	matcher *Matcher
}

type MemoryOption func(*MemoryTable)

// WithMatcher lets paths that match m be created with O_CREAT even when the
// table holds no content for them.
func WithMatcher(m *Matcher) MemoryOption {
	return func(t *MemoryTable) {
		t.matcher = m
	}
}

// WithDescriptorBase sets the first synthetic descriptor.
func WithDescriptorBase(base int) MemoryOption {
	return func(t *MemoryTable) {
		t.fds = NewDescriptors(base)
	}
}

// NewMemoryTable returns a table preloaded with files. The map is copied.
func NewMemoryTable(files map[string][]byte, opts ...MemoryOption) *MemoryTable {
	t := &MemoryTable{
		files: make(map[string][]byte, len(files)),
		open:  make(map[int]*VirtualFile),
		fds:   NewDescriptors(DefaultDescriptorBase),
	}
	for path, content := range files {
		t.files[path] = append([]byte(nil), content...)
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *MemoryTable) Handles(path string) bool {
	t.mu.Lock()
	_, ok := t.files[path]
	t.mu.Unlock()
	return ok || t.matcher.Match(path)
}

func (t *MemoryTable) Open(_ context.Context, path string, flags int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	content, ok := t.files[path]
	switch {
	case !ok && flags&os.O_CREATE != 0 && t.matcher.Match(path):
		content = []byte{}
		t.files[path] = content
		log.Debugf("(vfs) created %s", path)
	case !ok:
		return -1, fmt.Errorf("open %s: %w", path, ErrNotExist)
	case flags&os.O_TRUNC != 0:
		content = []byte{}
		t.files[path] = content
	}

	fd := t.fds.Next()
	t.open[fd] = &VirtualFile{
		Name:    path,
		Content: append([]byte(nil), content...),
		FD:      fd,
	}
	log.Debugf("(vfs) open %s -> fd %d (%d bytes)", path, fd, len(content))
	return fd, nil
}

func (t *MemoryTable) Owns(fd int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.open[fd]
	return ok
}

func (t *MemoryTable) Read(_ context.Context, fd int, count int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.open[fd]
	if !ok {
		return nil, fmt.Errorf("read fd %d: %w", fd, ErrBadDescriptor)
	}

	available := int64(len(f.Content)) - f.Cursor
	n := min(int64(max(count, 0)), max(available, 0))
	if n == 0 {
		return []byte{}, nil
	}

	data := append([]byte(nil), f.Content[f.Cursor:f.Cursor+n]...)
	f.Cursor += n
	return data, nil
}

// Write replaces the entire content of the file behind fd and moves the
// cursor to the end.
func (t *MemoryTable) Write(_ context.Context, fd int, data []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.open[fd]
	if !ok {
		return 0, fmt.Errorf("write fd %d: %w", fd, ErrBadDescriptor)
	}

	f.Content = append([]byte(nil), data...)
	f.Cursor = int64(len(data))
	t.files[f.Name] = append([]byte(nil), data...)
	return len(data), nil
}

func (t *MemoryTable) Seek(fd int, offset int64, whence int) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.open[fd]
	if !ok {
		return 0, fmt.Errorf("seek fd %d: %w", fd, ErrBadDescriptor)
	}

	pos, err := Seek(f.Cursor, int64(len(f.Content)), offset, whence)
	if err != nil {
		return 0, fmt.Errorf("seek fd %d: %w", fd, err)
	}
	f.Cursor = pos
	return pos, nil
}

func (t *MemoryTable) Close(fd int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.open[fd]; !ok {
		return fmt.Errorf("close fd %d: %w", fd, ErrBadDescriptor)
	}
	delete(t.open, fd)
	return nil
}

// Contents returns a copy of the stored content of path.
func (t *MemoryTable) Contents(path string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	content, ok := t.files[path]
	return append([]byte(nil), content...), ok
}

var _ Backend = (*MemoryTable)(nil)
