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

package peer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotFound is reported to the tracer when a requested file is missing.
var ErrNotFound = errors.New("File not found")

// Storage is what a peer serves files from.
type Storage interface {
	ReadFile(path string, offset int64, size int) ([]byte, error)
	WriteFile(path string, offset int64, data []byte, truncate bool) (int, error)
}

// MemoryStorage keeps files in a map keyed by absolute path.
type MemoryStorage struct {
	mu    sync.RWMutex
	files map[string][]byte
}

func NewMemoryStorage(files map[string][]byte) *MemoryStorage {
	m := &MemoryStorage{files: make(map[string][]byte, len(files))}
	for path, content := range files {
		m.files[path] = append([]byte(nil), content...)
	}
	return m
}

func (m *MemoryStorage) ReadFile(path string, offset int64, size int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	content, ok := m.files[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return window(content, offset, size), nil
}

func (m *MemoryStorage) WriteFile(path string, offset int64, data []byte, truncate bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.files[path] = splice(m.files[path], offset, data, truncate)
	return len(data), nil
}

// File returns a copy of path's content.
func (m *MemoryStorage) File(path string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	content, ok := m.files[path]
	return append([]byte(nil), content...), ok
}

// DirStorage serves files below Root. Request paths are treated as relative
// to Root and cannot escape it.
type DirStorage struct {
	Root string
}

func NewDirStorage(root string) *DirStorage {
	return &DirStorage{Root: root}
}

func (d *DirStorage) resolve(path string) string {
	return filepath.Join(d.Root, filepath.Clean("/"+path))
}

func (d *DirStorage) ReadFile(path string, offset int64, size int) ([]byte, error) {
	content, err := os.ReadFile(d.resolve(path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	} else if err != nil {
		return nil, err
	}
	return window(content, offset, size), nil
}

func (d *DirStorage) WriteFile(path string, offset int64, data []byte, truncate bool) (int, error) {
	target := d.resolve(path)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}

	var existing []byte
	if !truncate || offset > 0 {
		content, err := os.ReadFile(target)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return 0, err
		}
		existing = content
	}

	if err := os.WriteFile(target, splice(existing, offset, data, truncate), 0o644); err != nil {
		return 0, err
	}
	return len(data), nil
}

func window(content []byte, offset int64, size int) []byte {
	if offset < 0 || offset >= int64(len(content)) || size <= 0 {
		return []byte{}
	}
	end := min(int64(len(content)), offset+int64(size))
	return append([]byte(nil), content[offset:end]...)
}

// splice places data at offset, zero filling any gap. With truncate the
// result ends where data does.
func splice(content []byte, offset int64, data []byte, truncate bool) []byte {
	offset = max(offset, 0)
	end := offset + int64(len(data))

	size := int64(len(content))
	if truncate || end > size {
		size = end
	}

	out := make([]byte, size)
	copy(out, content)
	copy(out[offset:], data)
	return out
}
