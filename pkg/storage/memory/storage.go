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

// Package memory provides an in-memory storage.Backend for tests and for
// processes whose keys may die with them. Values are copied on the way in
// and out so callers can never alias stored bytes.
package memory

import (
	"slices"
	"strings"
	"sync"

	"github.com/jeremyhahn/go-securecore/pkg/storage"
)

// Storage keeps values in a map with a sorted key index, so prefix listing
// is a binary search plus a scan of the matches.
type Storage struct {
	mu     sync.RWMutex
	data   map[string][]byte
	index  []string
	closed bool
}

// New returns an empty Storage.
func New() *Storage {
	return &Storage{data: make(map[string][]byte)}
}

func (s *Storage) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	v, ok := s.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return slices.Clone(v), nil
}

// Put stores a copy of value. Permissions in opts do not apply.
func (s *Storage) Put(key string, value []byte, opts *storage.Options) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	if _, ok := s.data[key]; ok {
		if storage.IsCreateOnly(opts) {
			return storage.ErrExists
		}
	} else {
		i, _ := slices.BinarySearch(s.index, key)
		s.index = slices.Insert(s.index, i, key)
	}
	if value == nil {
		value = []byte{}
	}
	s.data[key] = slices.Clone(value)
	return nil
}

func (s *Storage) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	if _, ok := s.data[key]; !ok {
		return storage.ErrNotFound
	}
	delete(s.data, key)
	if i, found := slices.BinarySearch(s.index, key); found {
		s.index = slices.Delete(s.index, i, i+1)
	}
	return nil
}

func (s *Storage) List(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	start, _ := slices.BinarySearch(s.index, prefix)
	end := start
	for end < len(s.index) && strings.HasPrefix(s.index[end], prefix) {
		end++
	}
	return slices.Clone(s.index[start:end:end]), nil
}

func (s *Storage) Exists(key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, storage.ErrClosed
	}
	_, ok := s.data[key]
	return ok, nil
}

// Len returns the number of stored keys.
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// Close drops the contents. Closing twice is safe.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.data = nil
	s.index = nil
	return nil
}
