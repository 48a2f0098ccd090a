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

// Package redis provides a storage.Backend on Redis strings via go-redis.
// Every key is stored under a namespace so several deployments can share a
// database.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jeremyhahn/go-securecore/pkg/storage"
)

const (
	// DefaultNamespace prefixes every key written by the backend.
	DefaultNamespace = "securecore:"

	defaultOpTimeout = 3 * time.Second
	scanCount        = 256
)

// Config configures the Redis backend.
type Config struct {
	// URL is either a redis:// URL or a host:port address.
	URL string
	// Namespace defaults to DefaultNamespace.
	Namespace string
	// OpTimeout bounds every command; defaults to 3s.
	OpTimeout time.Duration
}

// Storage is a Redis implementation of storage.Backend.
type Storage struct {
	client    redis.UniversalClient
	namespace string
	opTimeout time.Duration
	closed    atomic.Bool
}

// Connect initializes a Redis client from URL or host:port input and checks
// that the server answers.
func Connect(ctx context.Context, cfg Config) (*Storage, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("redis storage: url is required")
	}

	var client *redis.Client
	if strings.HasPrefix(cfg.URL, "redis://") || strings.HasPrefix(cfg.URL, "rediss://") {
		opt, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("redis storage: parse url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: cfg.URL})
	}

	s := New(client, cfg.Namespace, cfg.OpTimeout)
	if err := s.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing client.
func New(client redis.UniversalClient, namespace string, opTimeout time.Duration) *Storage {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}
	return &Storage{client: client, namespace: namespace, opTimeout: opTimeout}
}

// Client returns the underlying client so other Redis stores can share it.
func (s *Storage) Client() redis.UniversalClient {
	return s.client
}

// Namespace returns the key prefix.
func (s *Storage) Namespace() string {
	return s.namespace
}

func (s *Storage) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.opTimeout)
}

func (s *Storage) key(k string) string {
	return s.namespace + k
}

// Get retrieves the value for the given key.
func (s *Storage) Get(key string) ([]byte, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}
	ctx, cancel := s.context()
	defer cancel()

	value, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("redis storage: get %q: %w", key, err)
	}
	return value, nil
}

// Put stores value under key with no expiry.
func (s *Storage) Put(key string, value []byte, opts *storage.Options) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return storage.ErrClosed
	}
	ctx, cancel := s.context()
	defer cancel()

	if storage.IsCreateOnly(opts) {
		ok, err := s.client.SetNX(ctx, s.key(key), value, 0).Result()
		if err != nil {
			return fmt.Errorf("redis storage: put %q: %w", key, err)
		}
		if !ok {
			return storage.ErrExists
		}
		return nil
	}
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis storage: put %q: %w", key, err)
	}
	return nil
}

// Delete removes the key.
func (s *Storage) Delete(key string) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	ctx, cancel := s.context()
	defer cancel()

	n, err := s.client.Del(ctx, s.key(key)).Result()
	if err != nil {
		return fmt.Errorf("redis storage: delete %q: %w", key, err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// List scans for keys with the given prefix and returns them sorted,
// without the namespace.
func (s *Storage) List(prefix string) ([]string, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}
	ctx, cancel := s.context()
	defer cancel()

	pattern := escapeGlob(s.namespace+prefix) + "*"
	keys := make([]string, 0)
	iter := s.client.Scan(ctx, 0, pattern, scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.namespace))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis storage: list %q: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Exists checks if a key exists in storage.
func (s *Storage) Exists(key string) (bool, error) {
	if s.closed.Load() {
		return false, storage.ErrClosed
	}
	ctx, cancel := s.context()
	defer cancel()

	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis storage: exists %q: %w", key, err)
	}
	return n > 0, nil
}

// Ping checks that the server answers.
func (s *Storage) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis storage: ping: %w", err)
	}
	return nil
}

// Close closes the client. Multiple calls are safe.
func (s *Storage) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.client.Close()
}

// escapeGlob escapes the characters SCAN MATCH treats as patterns.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
