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

// Package kdf derives symmetric keys from passwords and high-entropy
// secrets. Key backups use a password KDF (Argon2id by default, PBKDF2 for
// FIPS-constrained deployments) and HKDF to split the result into
// independent encryption and MAC keys.
package kdf

import (
	"crypto"
	_ "crypto/sha256" // link SHA-256 for crypto.Hash
	"errors"
)

// KDFAlgorithm represents the key derivation function algorithm type
type KDFAlgorithm string

const (
	// AlgorithmHKDF represents HMAC-based Extract-and-Expand Key Derivation Function (RFC 5869)
	AlgorithmHKDF KDFAlgorithm = "hkdf-sha256"

	// AlgorithmPBKDF2 represents PBKDF2-HMAC-SHA256 (RFC 8018)
	AlgorithmPBKDF2 KDFAlgorithm = "pbkdf2-sha256"

	// AlgorithmArgon2id represents Argon2id (RFC 9106)
	AlgorithmArgon2id KDFAlgorithm = "argon2id"
)

// String returns the string representation of the KDF algorithm
func (a KDFAlgorithm) String() string {
	return string(a)
}

// Params contains parameters for key derivation. The JSON form is embedded
// in backup exports so a restore uses exactly the parameters of the backup.
type Params struct {
	Algorithm KDFAlgorithm `json:"algorithm" yaml:"algorithm"`

	// Salt is random and unique per derivation.
	Salt []byte `json:"salt,omitempty" yaml:"-"`

	// Info is HKDF context information.
	Info []byte `json:"info,omitempty" yaml:"-"`

	// Iterations is the PBKDF2 iteration count.
	Iterations int `json:"iterations,omitempty" yaml:"iterations,omitempty"`

	// Memory is the Argon2 memory cost in KiB.
	Memory uint32 `json:"memory,omitempty" yaml:"memory,omitempty"`

	// Threads is the Argon2 parallelism.
	Threads uint8 `json:"threads,omitempty" yaml:"threads,omitempty"`

	// Time is the Argon2 pass count.
	Time uint32 `json:"time,omitempty" yaml:"time,omitempty"`

	// KeyLength is the desired output key length in bytes
	KeyLength int `json:"key_length" yaml:"key_length"`
}

// Common errors
var (
	ErrInvalidSalt          = errors.New("kdf: invalid salt")
	ErrInvalidKeyLength     = errors.New("kdf: invalid key length")
	ErrInvalidIterations    = errors.New("kdf: invalid iterations")
	ErrInvalidMemory        = errors.New("kdf: invalid memory cost")
	ErrInvalidThreads       = errors.New("kdf: invalid threads")
	ErrInvalidTime          = errors.New("kdf: invalid time cost")
	ErrInvalidIKM           = errors.New("kdf: invalid input key material")
	ErrUnsupportedAlgorithm = errors.New("kdf: unsupported algorithm")
)

// hash is the digest used by HKDF and PBKDF2.
const hash = crypto.SHA256

// Work factor bounds. The maximums stop a crafted backup from demanding
// more memory or time than a restore can afford.
const (
	MinSaltLength = 16

	MinArgon2Memory  = 8 * 1024 // KiB
	MaxArgon2Memory  = 4 * 1024 * 1024
	MinArgon2Time    = 1
	MaxArgon2Time    = 100
	MinArgon2Threads = 1

	MinPBKDF2Iterations = 100_000
	MaxPBKDF2Iterations = 10_000_000
)

// DefaultParams returns recommended default parameters for each algorithm.
// Salt is left empty for the caller to fill.
func DefaultParams(algorithm KDFAlgorithm) *Params {
	switch algorithm {
	case AlgorithmHKDF:
		return &Params{
			Algorithm: AlgorithmHKDF,
			KeyLength: 32,
		}
	case AlgorithmPBKDF2:
		return &Params{
			Algorithm:  AlgorithmPBKDF2,
			Iterations: 600000, // OWASP recommendation for PBKDF2-SHA256 (2023)
			KeyLength:  32,
		}
	case AlgorithmArgon2id:
		return &Params{
			Algorithm: AlgorithmArgon2id,
			Memory:    64 * 1024, // 64 MiB
			Time:      3,
			Threads:   4,
			KeyLength: 32,
		}
	default:
		return nil
	}
}
