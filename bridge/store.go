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
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/in-toto/ptracefs/log"
	"github.com/in-toto/ptracefs/vfs"
	"github.com/jellydator/ttlcache/v3"
	"github.com/spf13/afero"
)

const DefaultMissTTL = 2 * time.Second

// Requester sends one request and waits for its response. *Bridge
// implements it.
type Requester interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// CachedFile is an open descriptor on a remote file whose content lives in
// the local cache.
type CachedFile struct {
	Path     string
	Position int64
	FD       int
}

// Store is a vfs.Backend backed by a remote peer. A file is fetched whole on
// first open and mirrored into the cache directory, later opens are served
// from the cache. Writes go through to the peer before the cache is updated.
type Store struct {
	remote   Requester
	cacheDir string
	cache    afero.Fs
	matcher  *vfs.Matcher
	fds      *vfs.Descriptors
	missTTL  time.Duration
	misses   *ttlcache.Cache[string, string]

	mu   sync.Mutex
	open map[int]*CachedFile
}

type StoreOption func(*Store)

func WithDescriptorBase(base int) StoreOption {
	return func(s *Store) {
		s.fds = vfs.NewDescriptors(base)
	}
}

// WithCacheFs stores cached files in fs instead of below the cache
// directory on disk.
func WithCacheFs(fs afero.Fs) StoreOption {
	return func(s *Store) {
		s.cache = fs
	}
}

// WithMissTTL sets how long a remote "not found" is remembered. Zero or less
// disables the negative cache.
func WithMissTTL(ttl time.Duration) StoreOption {
	return func(s *Store) {
		s.missTTL = ttl
	}
}

// NewStore creates the cache directory if needed. Only paths matched by
// matcher are handled.
func NewStore(remote Requester, cacheDir string, matcher *vfs.Matcher, opts ...StoreOption) (*Store, error) {
	s := &Store{
		remote:   remote,
		cacheDir: cacheDir,
		matcher:  matcher,
		fds:      vfs.NewDescriptors(vfs.DefaultDescriptorBase),
		missTTL:  DefaultMissTTL,
		open:     make(map[int]*CachedFile),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.cache == nil {
		s.cache = afero.NewBasePathFs(afero.NewOsFs(), cacheDir)
	}
	if err := s.cache.MkdirAll("/", 0o755); err != nil {
		return nil, fmt.Errorf("%w: create cache directory %s: %w", ErrCache, cacheDir, err)
	}

	if s.missTTL > 0 {
		s.misses = ttlcache.New[string, string](
			ttlcache.WithTTL[string, string](s.missTTL),
			ttlcache.WithDisableTouchOnHit[string, string](),
		)
	}

	return s, nil
}

// CacheDir is the directory mirroring fetched files.
func (s *Store) CacheDir() string {
	return s.cacheDir
}

// CachePath maps a remote path into the cache directory on disk.
func (s *Store) CachePath(path string) string {
	return filepath.Join(s.cacheDir, cacheName(path))
}

// cacheName is path within the cache filesystem, cleaned as if absolute so
// it can never leave the cache root.
func cacheName(path string) string {
	return filepath.Clean("/" + path)
}

func (s *Store) Handles(path string) bool {
	return s.matcher.Match(path)
}

func (s *Store) Owns(fd int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.open[fd]
	return ok
}

// Open serves path from the cache, fetching it from the peer on a miss. With
// O_CREAT a remote "not found" still yields a descriptor, the file is then
// created by its first write.
func (s *Store) Open(ctx context.Context, path string, flags int) (int, error) {
	name := cacheName(path)

	_, err := s.cache.Stat(name)
	switch {
	case err == nil:
		log.Debugf("(bridge) cache hit for %s", path)
	case !errors.Is(err, fs.ErrNotExist):
		return -1, fmt.Errorf("%w: stat %s: %w", ErrCache, name, err)
	default:
		if err := s.fetch(ctx, path); err != nil {
			if flags&os.O_CREATE == 0 || !errors.Is(err, vfs.ErrNotExist) {
				return -1, err
			}
			log.Debugf("(bridge) %s not on remote, opening for creation", path)
		}
	}

	fd := s.fds.Next()
	s.mu.Lock()
	s.open[fd] = &CachedFile{Path: path, FD: fd}
	s.mu.Unlock()

	log.Debugf("(bridge) opened %s as fd %d", path, fd)
	return fd, nil
}

func (s *Store) fetch(ctx context.Context, path string) error {
	if s.misses != nil {
		if item := s.misses.Get(path); item != nil {
			log.Debugf("(bridge) %s is a recent remote miss", path)
			return newRemoteError(OpRead, path, item.Value())
		}
	}

	resp, err := s.remote.Do(ctx, NewReadRequest(path, MaxFetchSize, 0))
	if err != nil {
		return fmt.Errorf("%w: read %s: %w", ErrRequestFailed, path, err)
	}

	if !resp.Success {
		rerr := newRemoteError(OpRead, path, resp.Error)
		if rerr.NotFound && s.misses != nil {
			s.misses.DeleteExpired()
			s.misses.Set(path, rerr.Message, ttlcache.DefaultTTL)
		}
		return rerr
	}

	if resp.BytesRead != nil && *resp.BytesRead > 0 && len(resp.Data) == 0 {
		return newRemoteError(OpRead, path, "no binary data received")
	}

	if err := s.writeCache(path, resp.Data); err != nil {
		return err
	}

	log.Debugf("(bridge) cached %s: %d bytes of %s", path, len(resp.Data), mimetype.Detect(resp.Data))
	return nil
}

func (s *Store) lookup(fd int) (*CachedFile, error) {
	f, ok := s.open[fd]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoDescriptor, fd)
	}
	return f, nil
}

func (s *Store) Read(_ context.Context, fd int, count int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.lookup(fd)
	if err != nil {
		return nil, err
	}

	if count <= 0 {
		return []byte{}, nil
	}
	count = min(count, MaxFetchSize)

	name := cacheName(f.Path)
	cached, err := s.cache.Open(name)
	if errors.Is(err, fs.ErrNotExist) {
		return []byte{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrCache, name, err)
	}
	defer cached.Close()

	buf := make([]byte, count)
	n, err := cached.ReadAt(buf, f.Position)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: read %s: %w", ErrCache, name, err)
	}

	f.Position += int64(n)
	log.Debugf("(bridge) read %d bytes from fd %d (%s)", n, fd, f.Path)
	return buf[:n], nil
}

// Write replaces the whole remote file with data, then refreshes the cache.
func (s *Store) Write(ctx context.Context, fd int, data []byte) (int, error) {
	s.mu.Lock()
	f, err := s.lookup(fd)
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	path := f.Path
	s.mu.Unlock()

	resp, err := s.remote.Do(ctx, NewWriteRequest(path, data))
	if err != nil {
		return 0, fmt.Errorf("%w: write %s: %w", ErrRequestFailed, path, err)
	}
	if !resp.Success {
		return 0, newRemoteError(OpWrite, path, resp.Error)
	}

	if err := s.writeCache(path, data); err != nil {
		return 0, err
	}
	if s.misses != nil {
		s.misses.Delete(path)
	}

	s.mu.Lock()
	f.Position = int64(len(data))
	s.mu.Unlock()

	log.Debugf("(bridge) wrote %d bytes to fd %d (%s)", len(data), fd, path)
	return len(data), nil
}

func (s *Store) Seek(fd int, offset int64, whence int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.lookup(fd)
	if err != nil {
		return 0, err
	}

	var size int64
	info, err := s.cache.Stat(cacheName(f.Path))
	if err == nil {
		size = info.Size()
	} else if !errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("%w: stat %s: %w", ErrCache, f.Path, err)
	}

	pos, err := vfs.Seek(f.Position, size, offset, whence)
	if err != nil {
		return 0, err
	}
	f.Position = pos
	return pos, nil
}

func (s *Store) Close(fd int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.lookup(fd)
	if err != nil {
		return err
	}
	delete(s.open, fd)
	log.Debugf("(bridge) closed fd %d (%s)", fd, f.Path)
	return nil
}

// Position reports the cursor of an open descriptor.
func (s *Store) Position(fd int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.lookup(fd)
	if err != nil {
		return 0, err
	}
	return f.Position, nil
}

func (s *Store) writeCache(path string, data []byte) error {
	name := cacheName(path)
	if err := s.cache.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrCache, filepath.Dir(name), err)
	}
	if err := afero.WriteFile(s.cache, name, data, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrCache, name, err)
	}
	return nil
}

var _ vfs.Backend = (*Store)(nil)
