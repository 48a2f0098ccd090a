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

package storage

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrClosed   = errors.New("storage: closed")
	ErrNotFound = errors.New("storage: not found")

	// ErrExists is returned by a create-only Put when the key is present.
	ErrExists = errors.New("storage: already exists")

	// ErrInvalidKey wraps every ValidateKey failure.
	ErrInvalidKey = errors.New("storage: invalid key")
)

// ValidateKey enforces the key grammar shared by every backend: non-empty,
// relative, slash separated, no "." or ".." segments and no control
// characters. Keys that pass map safely onto a directory tree.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return fmt.Errorf("%w: %q has a leading or trailing slash", ErrInvalidKey, key)
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f || r == '\\' {
			return fmt.Errorf("%w: %q contains a control character or backslash", ErrInvalidKey, key)
		}
	}
	for _, seg := range strings.Split(key, "/") {
		switch seg {
		case "", ".", "..":
			return fmt.Errorf("%w: %q has an empty or relative segment", ErrInvalidKey, key)
		}
	}
	return nil
}
