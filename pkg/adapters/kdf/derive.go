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

package kdf

import (
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// Supported reports whether algorithm can be derived.
func Supported(algorithm KDFAlgorithm) bool {
	switch algorithm {
	case AlgorithmArgon2id, AlgorithmPBKDF2, AlgorithmHKDF:
		return true
	}
	return false
}

// IsPasswordKDF reports whether algorithm is safe for low-entropy input.
// HKDF is not: it only spreads entropy that is already there.
func IsPasswordKDF(algorithm KDFAlgorithm) bool {
	return algorithm == AlgorithmArgon2id || algorithm == AlgorithmPBKDF2
}

// ValidateCost checks the algorithm and its work factor without looking at
// the salt, so it applies to configured parameters before a salt exists.
func ValidateCost(p *Params) error {
	if p == nil {
		return ErrUnsupportedAlgorithm
	}
	switch p.Algorithm {
	case AlgorithmArgon2id:
		switch {
		case p.Memory < MinArgon2Memory || p.Memory > MaxArgon2Memory:
			return ErrInvalidMemory
		case p.Time < MinArgon2Time || p.Time > MaxArgon2Time:
			return ErrInvalidTime
		case p.Threads < MinArgon2Threads:
			return ErrInvalidThreads
		}
	case AlgorithmPBKDF2:
		if p.Iterations < MinPBKDF2Iterations || p.Iterations > MaxPBKDF2Iterations {
			return ErrInvalidIterations
		}
	case AlgorithmHKDF:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, p.Algorithm)
	}
	return nil
}

func validate(ikm []byte, p *Params) error {
	if err := ValidateCost(p); err != nil {
		return err
	}
	if len(ikm) == 0 {
		return ErrInvalidIKM
	}
	maxLen := 1 << 16
	if p.Algorithm == AlgorithmHKDF {
		maxLen = 255 * hash.Size()
	}
	if p.KeyLength <= 0 || p.KeyLength > maxLen {
		return ErrInvalidKeyLength
	}
	// HKDF salts are optional.
	if IsPasswordKDF(p.Algorithm) && len(p.Salt) < MinSaltLength {
		return ErrInvalidSalt
	}
	return nil
}

// Derive validates params and derives params.KeyLength bytes from ikm.
func Derive(ikm []byte, p *Params) ([]byte, error) {
	if err := validate(ikm, p); err != nil {
		return nil, err
	}
	switch p.Algorithm {
	case AlgorithmArgon2id:
		return argon2.IDKey(ikm, p.Salt, p.Time, p.Memory, p.Threads, uint32(p.KeyLength)), nil
	case AlgorithmPBKDF2:
		return pbkdf2.Key(ikm, p.Salt, p.Iterations, p.KeyLength, hash.New), nil
	default:
		key := make([]byte, p.KeyLength)
		if _, err := io.ReadFull(hkdf.New(hash.New, ikm, p.Salt, p.Info), key); err != nil {
			return nil, err
		}
		return key, nil
	}
}

// Split expands secret into two independent keys of size n, labelled by
// the given info strings. Backups use it to get separate encryption and
// MAC keys from one password-derived secret.
func Split(secret, salt []byte, n int, infoA, infoB string) ([]byte, []byte, error) {
	a, err := Derive(secret, &Params{Algorithm: AlgorithmHKDF, Salt: salt, Info: []byte(infoA), KeyLength: n})
	if err != nil {
		return nil, nil, err
	}
	b, err := Derive(secret, &Params{Algorithm: AlgorithmHKDF, Salt: salt, Info: []byte(infoB), KeyLength: n})
	if err != nil {
		clear(a)
		return nil, nil, err
	}
	return a, b, nil
}
