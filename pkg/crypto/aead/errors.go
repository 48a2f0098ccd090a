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

package aead

import "errors"

var (
	// ErrNonceReuse is returned when a nonce is presented twice for one key.
	// Encryption with that nonce is refused.
	ErrNonceReuse = errors.New("aead: nonce reuse detected - encryption rejected")

	// ErrUsageLimit is returned once a key has reached its invocation or
	// byte budget. The key must be rotated.
	ErrUsageLimit = errors.New("aead: key usage limit reached")

	// ErrUnsupportedAlgorithm is returned for unknown algorithm tags.
	ErrUnsupportedAlgorithm = errors.New("aead: unsupported algorithm")

	// ErrInvalidKeySize is returned when key material has the wrong length.
	ErrInvalidKeySize = errors.New("aead: invalid key size")

	// ErrOpen is returned when authentication of a ciphertext fails.
	ErrOpen = errors.New("aead: message authentication failed")
)
