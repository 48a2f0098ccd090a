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

// Package storage provides the key-value abstraction the security components
// persist through. Key records, MFA enrollments and sessions are stored as
// opaque byte values under slash separated keys. Implementations live in the
// memory, file, sqlite and redis subpackages.
package storage

import (
	"context"
	"io/fs"
)

// Backend is a thread-safe key-value store.
type Backend interface {
	// Get returns the value for key, or ErrNotFound.
	Get(key string) ([]byte, error)

	// Put stores value under key. It overwrites unless opts.CreateOnly is
	// set, in which case an existing key fails with ErrExists and the
	// stored value is left untouched.
	Put(key string, value []byte, opts *Options) error

	// Delete removes key, or returns ErrNotFound.
	Delete(key string) error

	// List returns the keys starting with prefix in sorted order. An empty
	// prefix lists everything.
	List(prefix string) ([]string, error)

	Exists(key string) (bool, error)

	Close() error
}

// Pinger is implemented by backends that talk to an external service and
// can report its reachability. Health checks use it when available.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options modifies a Put. A nil *Options is a plain overwrite.
type Options struct {
	// CreateOnly refuses to replace an existing value. Key records use it
	// so an ID collision can never clobber existing key material.
	CreateOnly bool

	// Permissions sets the file mode for file storage. Zero means 0600.
	Permissions fs.FileMode
}

// NoOverwrite returns Options for a create-only write.
func NoOverwrite() *Options {
	return &Options{CreateOnly: true}
}

// IsCreateOnly reports whether opts asks for a create-only write.
func IsCreateOnly(opts *Options) bool {
	return opts != nil && opts.CreateOnly
}

// Ping checks the backend if it supports it, and is a no-op otherwise.
func Ping(ctx context.Context, backend Backend) error {
	if p, ok := backend.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
