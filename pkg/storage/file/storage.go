// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-securecore.
//
// go-securecore is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package file stores each key as a file below a root directory. All access
// goes through an os.Root, so no key can resolve outside the tree even via
// symlinks planted on disk.
package file

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/jeremyhahn/go-securecore/pkg/storage"
)

const (
	dirPerm   fs.FileMode = 0o700
	filePerm  fs.FileMode = 0o600
	tmpSuffix             = ".tmp"
)

// FileStorage implements storage.Backend. Writes are staged in a sibling
// temp file, synced, then published by rename (or hard link for create-only
// puts) so readers never observe a partial value.
type FileStorage struct {
	mu      sync.RWMutex
	root    *os.Root
	rootDir string
	closed  bool
}

// New opens rootDir, creating it 0700 when missing.
func New(rootDir string) (*FileStorage, error) {
	if rootDir == "" {
		return nil, errors.New("file storage: root directory cannot be empty")
	}
	abs, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("file storage: resolve %q: %w", rootDir, err)
	}
	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return nil, fmt.Errorf("file storage: create %q: %w", abs, err)
	}
	root, err := os.OpenRoot(abs)
	if err != nil {
		return nil, fmt.Errorf("file storage: open %q: %w", abs, err)
	}
	return &FileStorage{root: root, rootDir: abs}, nil
}

// name validates key and converts it to a root relative path.
func name(key string) (string, error) {
	if err := storage.ValidateKey(key); err != nil {
		return "", err
	}
	if strings.HasSuffix(key, tmpSuffix) {
		return "", fmt.Errorf("%w: %q uses the reserved %s suffix", storage.ErrInvalidKey, key, tmpSuffix)
	}
	return filepath.FromSlash(key), nil
}

// Get returns the stored bytes.
func (f *FileStorage) Get(key string) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, storage.ErrClosed
	}
	p, err := name(key)
	if err != nil {
		return nil, err
	}
	data, err := f.root.ReadFile(p)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, storage.ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("file storage: read %q: %w", key, err)
	}
	return data, nil
}

func (f *FileStorage) Put(key string, value []byte, opts *storage.Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return storage.ErrClosed
	}
	p, err := name(key)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(p); dir != "." {
		if err := f.root.MkdirAll(dir, dirPerm); err != nil {
			return fmt.Errorf("file storage: mkdir for %q: %w", key, err)
		}
	}

	perm := filePerm
	if opts != nil && opts.Permissions != 0 {
		perm = opts.Permissions
	}

	// A temp file left by a crash may carry other permissions.
	tmp := p + tmpSuffix
	_ = f.root.Remove(tmp)
	defer func() { _ = f.root.Remove(tmp) }()
	if err := f.stage(tmp, value, perm); err != nil {
		return fmt.Errorf("file storage: write %q: %w", key, err)
	}

	if storage.IsCreateOnly(opts) {
		err = f.root.Link(tmp, p)
		if errors.Is(err, fs.ErrExist) {
			return storage.ErrExists
		}
	} else {
		err = f.root.Rename(tmp, p)
	}
	if err != nil {
		return fmt.Errorf("file storage: commit %q: %w", key, err)
	}
	return nil
}

func (f *FileStorage) stage(p string, data []byte, perm fs.FileMode) error {
	fh, err := f.root.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	_, werr := fh.Write(data)
	if werr == nil {
		werr = fh.Sync()
	}
	return errors.Join(werr, fh.Close())
}

func (f *FileStorage) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return storage.ErrClosed
	}
	p, err := name(key)
	if err != nil {
		return err
	}
	err = f.root.Remove(p)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return storage.ErrNotFound
	case err != nil:
		return fmt.Errorf("file storage: delete %q: %w", key, err)
	}
	return nil
}

// List walks only the deepest directory named by prefix, so listing
// "keys/" never descends into sibling namespaces.
func (f *FileStorage) List(prefix string) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, storage.ErrClosed
	}

	start := "."
	if i := strings.LastIndex(prefix, "/"); i > 0 {
		start = prefix[:i]
	}
	keys := []string{}
	err := fs.WalkDir(f.root.FS(), start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == start && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() || path.Ext(p) == tmpSuffix {
			return nil
		}
		if strings.HasPrefix(p, prefix) {
			keys = append(keys, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("file storage: list %q: %w", prefix, err)
	}
	slices.Sort(keys)
	return keys, nil
}

func (f *FileStorage) Exists(key string) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return false, storage.ErrClosed
	}
	p, err := name(key)
	if err != nil {
		return false, err
	}
	_, err = f.root.Stat(p)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("file storage: stat %q: %w", key, err)
	}
	return true, nil
}

// Close releases the root handle. Files stay on disk.
func (f *FileStorage) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return f.root.Close()
}
