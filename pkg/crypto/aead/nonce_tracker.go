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

import (
	"sync"
)

// NonceTracker records every nonce used with a single key and rejects
// repeats.
//
// Nonce reuse in AEAD ciphers is catastrophic:
//   - AES-GCM: reusing a nonce with the same key breaks authentication and
//     can reveal the GHASH key, allowing forgery.
//   - ChaCha20-Poly1305: reusing a nonce leaks keystream.
//
// Random 96-bit nonces make a collision unlikely before the invocation
// limit; the tracker turns "unlikely" into "impossible" for a process
// lifetime. Memory grows by one entry per encryption, which the usage limit
// bounds.
type NonceTracker struct {
	mu     sync.Mutex
	nonces map[[NonceSize]byte]struct{}
}

// NewNonceTracker creates an empty tracker.
func NewNonceTracker() *NonceTracker {
	return &NonceTracker{
		nonces: make(map[[NonceSize]byte]struct{}),
	}
}

// CheckAndRecordNonce atomically checks whether nonce was seen and records
// it. Returns ErrNonceReuse on a repeat.
func (nt *NonceTracker) CheckAndRecordNonce(nonce []byte) error {
	var k [NonceSize]byte
	if len(nonce) != NonceSize {
		return ErrNonceReuse
	}
	copy(k[:], nonce)

	nt.mu.Lock()
	defer nt.mu.Unlock()

	if _, exists := nt.nonces[k]; exists {
		return ErrNonceReuse
	}
	nt.nonces[k] = struct{}{}
	return nil
}

// Contains reports whether nonce has been recorded, without recording it.
func (nt *NonceTracker) Contains(nonce []byte) bool {
	if len(nonce) != NonceSize {
		return false
	}
	var k [NonceSize]byte
	copy(k[:], nonce)

	nt.mu.Lock()
	defer nt.mu.Unlock()
	_, exists := nt.nonces[k]
	return exists
}

// Count returns the number of nonces recorded.
func (nt *NonceTracker) Count() int {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	return len(nt.nonces)
}
