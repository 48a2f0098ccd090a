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

// Package aead wraps the authenticated ciphers used for data encryption.
//
// Two algorithms are supported, both with 256-bit keys, 96-bit nonces and
// 128-bit tags:
//
//   - AES-256-GCM: preferred on CPUs with AES instructions (amd64 AES-NI,
//     arm64 AES extensions).
//
//   - ChaCha20-Poly1305: preferred on CPUs without AES acceleration, where it
//     is both faster and free of table-lookup timing channels.
//
// Every Cipher pairs the primitive with a NonceTracker and a UsageLimit so
// a nonce can never be used twice with one key and a key refuses to encrypt
// past its safe invocation budget.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"runtime"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/sys/cpu"
)

// Algorithm identifies an AEAD construction. The string values are part of
// the persisted payload format and must never change.
type Algorithm string

const (
	// AES256GCM is AES-256 in Galois/Counter Mode.
	AES256GCM Algorithm = "aes-256-gcm"

	// ChaCha20Poly1305 is the RFC 8439 construction.
	ChaCha20Poly1305 Algorithm = "chacha20-poly1305"

	// Auto resolves to AES256GCM or ChaCha20Poly1305 via SelectOptimal.
	Auto Algorithm = "auto"
)

const (
	// KeySize is the key length in bytes for every supported algorithm.
	KeySize = 32

	// NonceSize is the nonce length in bytes for every supported algorithm.
	NonceSize = 12

	// TagSize is the authentication tag length in bytes.
	TagSize = 16
)

// String returns the algorithm tag.
func (a Algorithm) String() string {
	return string(a)
}

// Valid reports whether a is a concrete supported algorithm.
func (a Algorithm) Valid() bool {
	return a == AES256GCM || a == ChaCha20Poly1305
}

// ParseAlgorithm resolves a configured algorithm name. The empty string and
// "auto" select the optimal algorithm for this CPU.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(name) {
	case "", Auto:
		return SelectOptimal(), nil
	case AES256GCM, ChaCha20Poly1305:
		return Algorithm(name), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
	}
}

// HasAESNI returns true if the CPU has hardware AES support.
//
// Supported architectures:
//   - amd64: Checks X86.HasAES
//   - arm64: Checks ARM64.HasAES
//   - Other architectures return false
func HasAESNI() bool {
	switch runtime.GOARCH {
	case "amd64":
		return cpu.X86.HasAES && cpu.X86.HasPCLMULQDQ
	case "arm64":
		return cpu.ARM64.HasAES && cpu.ARM64.HasPMULL
	default:
		return false
	}
}

// SelectOptimal returns AES256GCM when the CPU accelerates AES and
// ChaCha20Poly1305 otherwise.
func SelectOptimal() Algorithm {
	if HasAESNI() {
		return AES256GCM
	}
	return ChaCha20Poly1305
}

// newPrimitive constructs the raw cipher.AEAD for alg.
func newPrimitive(alg Algorithm, key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKeySize, len(key), KeySize)
	}
	switch alg {
	case AES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("aead: create AES cipher: %w", err)
		}
		return cipher.NewGCM(block)
	case ChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
}
