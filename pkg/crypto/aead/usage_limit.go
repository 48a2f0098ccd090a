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
	"fmt"
	"sync/atomic"
)

const (
	// DefaultMaxInvocations is the NIST SP 800-38D bound on encryptions with
	// random 96-bit nonces under one key.
	DefaultMaxInvocations = 1 << 32

	// DefaultMaxBytes caps total plaintext encrypted under one key.
	DefaultMaxBytes = 64 << 30
)

// UsageLimit tracks invocations and bytes encrypted under one key and
// refuses further use past either budget.
//
// Thread-safe: all operations are atomic.
type UsageLimit struct {
	invocations    atomic.Int64
	bytes          atomic.Int64
	maxInvocations int64
	maxBytes       int64
}

// NewUsageLimit builds a limit; zero values select the defaults.
func NewUsageLimit(maxInvocations, maxBytes int64) *UsageLimit {
	if maxInvocations <= 0 {
		maxInvocations = DefaultMaxInvocations
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &UsageLimit{maxInvocations: maxInvocations, maxBytes: maxBytes}
}

// Reserve accounts for one encryption of n bytes. Nothing is counted when
// the reservation would exceed a budget.
func (u *UsageLimit) Reserve(n int) error {
	if inv := u.invocations.Add(1); inv > u.maxInvocations {
		u.invocations.Add(-1)
		return fmt.Errorf("%w: %d invocations", ErrUsageLimit, u.maxInvocations)
	}
	if total := u.bytes.Add(int64(n)); total > u.maxBytes {
		u.bytes.Add(-int64(n))
		u.invocations.Add(-1)
		return fmt.Errorf("%w: %d bytes", ErrUsageLimit, u.maxBytes)
	}
	return nil
}

// Invocations returns the number of successful reservations.
func (u *UsageLimit) Invocations() int64 {
	return u.invocations.Load()
}

// Bytes returns the total bytes reserved.
func (u *UsageLimit) Bytes() int64 {
	return u.bytes.Load()
}

// Exhausted reports whether the invocation budget is spent.
func (u *UsageLimit) Exhausted() bool {
	return u.invocations.Load() >= u.maxInvocations
}

// Restore seeds the counters from persisted state.
func (u *UsageLimit) Restore(invocations, bytes int64) {
	u.invocations.Store(invocations)
	u.bytes.Store(bytes)
}
