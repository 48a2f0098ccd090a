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

package keymanager

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeremyhahn/go-securecore/pkg/crypto/aead"
	"github.com/jeremyhahn/go-securecore/pkg/secerr"
)

// Key is a registered key. Callers get a *Key to encrypt and decrypt with;
// the raw material stays unexported and never leaves this package except
// wrapped or inside a password-protected backup.
type Key struct {
	id        string
	alg       aead.Algorithm
	purpose   Purpose
	createdAt time.Time
	material  []byte
	cipher    *aead.Cipher

	mu               sync.RWMutex
	status           Status
	rotatedAt        time.Time
	compromisedAt    time.Time
	compromiseReason string

	encrypts atomic.Int64
	decrypts atomic.Int64
	dirty    atomic.Bool
}

// ID returns the key identifier.
func (k *Key) ID() string { return k.id }

// Algorithm returns the key's AEAD algorithm.
func (k *Key) Algorithm() aead.Algorithm { return k.alg }

// Purpose returns what the key is used for.
func (k *Key) Purpose() Purpose { return k.purpose }

// Status returns the current lifecycle state.
func (k *Key) Status() Status {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.status
}

// Seal encrypts plaintext under this key with a fresh nonce. Compromised
// keys and keys of other purposes refuse.
func (k *Key) Seal(plaintext, aad []byte) (*aead.Sealed, error) {
	const op = "keymanager.Key.Seal"
	if k.purpose != PurposeEncryption {
		return nil, secerr.InvalidArgument(op, "key %s is a %s key", k.id, k.purpose)
	}
	if k.Status() == StatusCompromised {
		return nil, secerr.Configuration(op, "key %s is compromised", k.id)
	}
	return k.cipher.Seal(plaintext, aad)
}

// Open authenticates and decrypts. Keys of every status may decrypt.
func (k *Key) Open(nonce, ciphertext, tag, aad []byte) ([]byte, error) {
	return k.cipher.Open(nonce, ciphertext, tag, aad)
}

func (k *Key) setStatus(s Status, now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	switch s {
	case StatusInactive:
		k.rotatedAt = now
	case StatusCompromised:
		k.compromisedAt = now
	}
	k.status = s
	k.dirty.Store(true)
}

func (k *Key) metadata(rotationDue bool) KeyMetadata {
	k.mu.RLock()
	defer k.mu.RUnlock()

	m := KeyMetadata{
		ID:               k.id,
		Algorithm:        k.alg,
		Purpose:          k.purpose,
		Status:           k.status,
		CreatedAt:        k.createdAt,
		CompromiseReason: k.compromiseReason,
		EncryptCount:     k.encrypts.Load(),
		DecryptCount:     k.decrypts.Load(),
		RotationDue:      rotationDue,
	}
	if !k.rotatedAt.IsZero() {
		t := k.rotatedAt
		m.RotatedAt = &t
	}
	if !k.compromisedAt.IsZero() {
		t := k.compromisedAt
		m.CompromisedAt = &t
	}
	return m
}

func (k *Key) compromise(reason string, now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.status = StatusCompromised
	k.compromisedAt = now
	k.compromiseReason = reason
	k.dirty.Store(true)
}
