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
	"fmt"

	"github.com/jeremyhahn/go-securecore/pkg/secerr"
)

// ListKeys returns metadata for every key matching filter, oldest first.
func (m *Manager) ListKeys(filter *Filter) []KeyMetadata {
	unlock := m.lockSlots()
	defer unlock()

	keys := m.snapshot()
	out := make([]KeyMetadata, 0, len(keys))
	for _, k := range keys {
		md := k.metadata(m.rotationDue(k))
		if filter.matches(md) {
			out = append(out, md)
		}
	}
	return out
}

// GetKeyMetadata returns metadata for one key.
func (m *Manager) GetKeyMetadata(id string) (KeyMetadata, error) {
	k, err := m.lookup("keymanager.GetKeyMetadata", id)
	if err != nil {
		return KeyMetadata{}, err
	}
	return k.metadata(m.rotationDue(k)), nil
}

// UpdateKeyUsage increments the encrypt or decrypt counter of id. Safe for
// concurrent use; counters are flushed to storage by Flush.
func (m *Manager) UpdateKeyUsage(id string, op Operation) error {
	k, err := m.lookup("keymanager.UpdateKeyUsage", id)
	if err != nil {
		return err
	}
	switch op {
	case OpEncrypt:
		k.encrypts.Add(1)
	case OpDecrypt:
		k.decrypts.Add(1)
	default:
		return secerr.InvalidArgument("keymanager.UpdateKeyUsage", "unknown operation %q", op)
	}
	k.dirty.Store(true)
	return nil
}

// IsRotationDue reports whether id is older than the rotation interval,
// has exhausted its encryption budget, or is compromised. Inactive keys
// have already been rotated and never report due.
func (m *Manager) IsRotationDue(id string) (bool, error) {
	k, err := m.lookup("keymanager.IsRotationDue", id)
	if err != nil {
		return false, err
	}
	return m.rotationDue(k), nil
}

func (m *Manager) rotationDue(k *Key) bool {
	switch k.Status() {
	case StatusInactive:
		return false
	case StatusCompromised:
		return true
	}
	if m.now().Sub(k.createdAt) > m.rotationInterval {
		return true
	}
	return k.cipher.Limit().Exhausted()
}

// ValidateConfiguration checks that every required purpose has exactly one
// active key and that no active slot holds a compromised key.
func (m *Manager) ValidateConfiguration() ValidationResult {
	unlock := m.lockSlots()
	defer unlock()
	return m.validateLocked()
}

func (m *Manager) validateLocked() ValidationResult {
	active := make(map[Purpose]int)
	for _, k := range m.snapshot() {
		if k.Status() == StatusActive {
			active[k.purpose]++
		}
	}

	var errs []string
	for _, p := range m.required {
		s, err := m.slotFor(p)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if cur := s.active.Load(); cur != nil && cur.Status() == StatusCompromised {
			errs = append(errs, fmt.Sprintf("active %s key %s is compromised", p, cur.id))
		}
		switch n := active[p]; {
		case n == 0:
			errs = append(errs, fmt.Sprintf("no active %s key", p))
		case n > 1:
			errs = append(errs, fmt.Sprintf("%d active %s keys, expected 1", n, p))
		}
	}
	return ValidationResult{IsValid: len(errs) == 0, Errors: errs}
}

// AuditReport summarizes the registry.
func (m *Manager) AuditReport() *AuditReport {
	r := &AuditReport{
		GeneratedAt: m.now().UTC(),
		ByStatus:    make(map[Status]int),
		ByPurpose:   make(map[Purpose]int),
		ActiveKeys:  make(map[Purpose]string),
		RotationDue: []string{},
		Compromised: []KeyMetadata{},
	}

	unlock := m.lockSlots()
	defer unlock()

	for _, k := range m.snapshot() {
		md := k.metadata(m.rotationDue(k))
		r.TotalKeys++
		r.ByStatus[md.Status]++
		r.ByPurpose[md.Purpose]++
		if md.RotationDue {
			r.RotationDue = append(r.RotationDue, md.ID)
		}
		if md.Status == StatusCompromised {
			r.Compromised = append(r.Compromised, md)
		}
	}
	for p, s := range m.slots {
		if cur := s.active.Load(); cur != nil {
			r.ActiveKeys[p] = cur.id
		}
	}
	r.Validation = m.validateLocked()
	return r
}
