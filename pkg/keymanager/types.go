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
	"time"

	"github.com/jeremyhahn/go-securecore/pkg/crypto/aead"
)

// Purpose is what a key is used for. Each purpose has its own active key.
type Purpose string

const (
	PurposeEncryption Purpose = "encryption"
	PurposeSigning    Purpose = "signing"
)

// Valid reports whether p is a known purpose.
func (p Purpose) Valid() bool {
	return p == PurposeEncryption || p == PurposeSigning
}

// Status is a key's lifecycle state.
type Status string

const (
	StatusActive      Status = "active"
	StatusInactive    Status = "inactive"
	StatusCompromised Status = "compromised"
)

// Operation is a usage counter UpdateKeyUsage increments.
type Operation string

const (
	OpEncrypt Operation = "encrypt"
	OpDecrypt Operation = "decrypt"
)

// KeyMetadata is the exported view of a key. It never carries material.
type KeyMetadata struct {
	ID               string         `json:"id"`
	Algorithm        aead.Algorithm `json:"algorithm"`
	Purpose          Purpose        `json:"purpose"`
	Status           Status         `json:"status"`
	CreatedAt        time.Time      `json:"created_at"`
	RotatedAt        *time.Time     `json:"rotated_at,omitempty"`
	CompromisedAt    *time.Time     `json:"compromised_at,omitempty"`
	CompromiseReason string         `json:"compromise_reason,omitempty"`
	EncryptCount     int64          `json:"encrypt_count"`
	DecryptCount     int64          `json:"decrypt_count"`
	RotationDue      bool           `json:"rotation_due"`
}

// Filter narrows ListKeys. Zero fields match everything.
type Filter struct {
	Purpose Purpose
	Status  Status
}

func (f *Filter) matches(m KeyMetadata) bool {
	if f == nil {
		return true
	}
	if f.Purpose != "" && m.Purpose != f.Purpose {
		return false
	}
	if f.Status != "" && m.Status != f.Status {
		return false
	}
	return true
}

// ValidationResult is returned by ValidateConfiguration.
type ValidationResult struct {
	IsValid bool     `json:"is_valid"`
	Errors  []string `json:"errors"`
}

// AuditReport summarizes the key registry.
type AuditReport struct {
	GeneratedAt time.Time          `json:"generated_at"`
	TotalKeys   int                `json:"total_keys"`
	ByStatus    map[Status]int     `json:"by_status"`
	ByPurpose   map[Purpose]int    `json:"by_purpose"`
	ActiveKeys  map[Purpose]string `json:"active_keys"`
	RotationDue []string           `json:"rotation_due"`
	Compromised []KeyMetadata      `json:"compromised"`
	Validation  ValidationResult   `json:"validation"`
}
