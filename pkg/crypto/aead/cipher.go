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
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// maxNonceAttempts bounds retries when the random source repeats a nonce.
const maxNonceAttempts = 4

// Sealed is the output of one encryption, with the tag split from the
// ciphertext.
type Sealed struct {
	Nonce      []byte
	Ciphertext []byte
	Tag        []byte
}

// Cipher is a reusable AEAD bound to one key. It generates every nonce
// itself; callers cannot supply one.
type Cipher struct {
	alg    Algorithm
	aead   cipher.AEAD
	nonces *NonceTracker
	limit  *UsageLimit
	random io.Reader
}

// Options tune a Cipher.
type Options struct {
	// Random is the nonce source; defaults to crypto/rand.Reader.
	Random io.Reader
	// MaxInvocations and MaxBytes bound key usage; zero selects defaults.
	MaxInvocations int64
	MaxBytes       int64
}

// NewCipher builds a Cipher for alg. key is not retained beyond the
// primitive's own key schedule.
func NewCipher(alg Algorithm, key []byte, opts *Options) (*Cipher, error) {
	if opts == nil {
		opts = &Options{}
	}
	prim, err := newPrimitive(alg, key)
	if err != nil {
		return nil, err
	}
	random := opts.Random
	if random == nil {
		random = rand.Reader
	}
	return &Cipher{
		alg:    alg,
		aead:   prim,
		nonces: NewNonceTracker(),
		limit:  NewUsageLimit(opts.MaxInvocations, opts.MaxBytes),
		random: random,
	}, nil
}

// Algorithm returns the cipher's algorithm tag.
func (c *Cipher) Algorithm() Algorithm {
	return c.alg
}

// Limit exposes the usage counters.
func (c *Cipher) Limit() *UsageLimit {
	return c.limit
}

// Seal encrypts plaintext with a fresh random nonce and binds aad.
func (c *Cipher) Seal(plaintext, aad []byte) (*Sealed, error) {
	if err := c.limit.Reserve(len(plaintext)); err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	var err error
	for attempt := 0; attempt < maxNonceAttempts; attempt++ {
		if _, err = io.ReadFull(c.random, nonce); err != nil {
			return nil, fmt.Errorf("aead: generate nonce: %w", err)
		}
		if err = c.nonces.CheckAndRecordNonce(nonce); err == nil {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	out := c.aead.Seal(nil, nonce, plaintext, aad)
	split := len(out) - c.aead.Overhead()
	return &Sealed{
		Nonce:      nonce,
		Ciphertext: out[:split:split],
		Tag:        out[split:],
	}, nil
}

// Open verifies tag and decrypts. No plaintext is returned on failure.
func (c *Cipher) Open(nonce, ciphertext, tag, aad []byte) ([]byte, error) {
	if len(nonce) != c.aead.NonceSize() || len(tag) != c.aead.Overhead() {
		return nil, ErrOpen
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := c.aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, ErrOpen
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}
