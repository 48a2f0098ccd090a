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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jeremyhahn/go-securecore/pkg/adapters/logger"
	"github.com/jeremyhahn/go-securecore/pkg/crypto/aead"
	"github.com/jeremyhahn/go-securecore/pkg/secerr"
	"github.com/jeremyhahn/go-securecore/pkg/storage"
)

const recordVersion = 1

// keyRecord is the at-rest form of a key. Material is sealed under the
// manager's wrapping key with the key ID as associated data.
type keyRecord struct {
	Version          int            `json:"version"`
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
	Invocations      int64          `json:"invocations"`
	BytesSealed      int64          `json:"bytes_sealed"`
	WrapNonce        []byte         `json:"wrap_nonce"`
	WrappedKey       []byte         `json:"wrapped_key"`
	WrapTag          []byte         `json:"wrap_tag"`
}

// persist overwrites the stored record for k.
func (m *Manager) persist(k *Key) error {
	return m.write(k, nil)
}

// persistNew stores the first record for k and fails if storage already
// holds one under the same ID, possibly written by another process.
func (m *Manager) persistNew(k *Key) error {
	return m.write(k, storage.NoOverwrite())
}

func (m *Manager) write(k *Key, opts *storage.Options) error {
	sealed, err := m.wrapper.Seal(k.material, []byte(k.id))
	if err != nil {
		return fmt.Errorf("keymanager: wrap key %s: %w", k.id, err)
	}
	md := k.metadata(false)
	limit := k.cipher.Limit()
	rec := keyRecord{
		Version:          recordVersion,
		ID:               k.id,
		Algorithm:        k.alg,
		Purpose:          k.purpose,
		Status:           md.Status,
		CreatedAt:        k.createdAt,
		RotatedAt:        md.RotatedAt,
		CompromisedAt:    md.CompromisedAt,
		CompromiseReason: md.CompromiseReason,
		EncryptCount:     md.EncryptCount,
		DecryptCount:     md.DecryptCount,
		Invocations:      limit.Invocations(),
		BytesSealed:      limit.Bytes(),
		WrapNonce:        sealed.Nonce,
		WrappedKey:       sealed.Ciphertext,
		WrapTag:          sealed.Tag,
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("keymanager: encode key %s: %w", k.id, err)
	}
	if err := m.store.Put(storage.KeyPath(k.id), data, opts); err != nil {
		if errors.Is(err, storage.ErrExists) {
			return secerr.New(secerr.KindAlreadyExists, "keymanager.persist", "key "+k.id+" already exists in storage")
		}
		return fmt.Errorf("keymanager: store key %s: %w", k.id, err)
	}
	k.dirty.Store(false)
	return nil
}

// Load reads every stored key into the registry. Keys already registered
// are skipped. When storage holds more than one active key for a purpose,
// the newest is placed in the active slot and ValidateConfiguration reports
// the conflict.
func (m *Manager) Load() error {
	const op = "keymanager.Load"

	ids, err := storage.ListKeys(m.store)
	if err != nil {
		return fmt.Errorf("keymanager: list keys: %w", err)
	}

	loaded := 0
	for _, id := range ids {
		if _, err := m.lookup(op, id); err == nil {
			continue
		}
		data, err := m.store.Get(storage.KeyPath(id))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return fmt.Errorf("keymanager: read key %s: %w", id, err)
		}
		k, err := m.decodeRecord(id, data)
		if err != nil {
			return err
		}
		m.register(k)
		loaded++
	}

	for _, k := range m.snapshot() {
		if k.Status() != StatusActive {
			continue
		}
		s, err := m.slotFor(k.purpose)
		if err != nil {
			return err
		}
		s.mu.Lock()
		if cur := s.active.Load(); cur == nil || cur.Status() != StatusActive || cur.createdAt.Before(k.createdAt) {
			s.active.Store(k)
		}
		s.mu.Unlock()
	}

	m.log.Info("keys loaded", logger.Int("count", loaded))
	m.refreshGauges()
	return nil
}

func (m *Manager) decodeRecord(id string, data []byte) (*Key, error) {
	const op = "keymanager.Load"

	var rec keyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, secerr.Wrap(secerr.KindIntegrityError, op, err)
	}
	if rec.Version != recordVersion || rec.ID != id {
		return nil, secerr.Integrity(op, "malformed key record "+id)
	}
	if !rec.Purpose.Valid() || !rec.Algorithm.Valid() {
		return nil, secerr.Integrity(op, "malformed key record "+id)
	}
	material, err := m.wrapper.Open(rec.WrapNonce, rec.WrappedKey, rec.WrapTag, []byte(rec.ID))
	if err != nil {
		return nil, secerr.Wrap(secerr.KindIntegrityError, op, fmt.Errorf("unwrap key %s: %w", id, err))
	}
	k, err := m.buildKey(rec.ID, rec.Purpose, rec.Algorithm, material, rec.CreatedAt)
	if err != nil {
		return nil, secerr.Wrap(secerr.KindIntegrityError, op, err)
	}
	k.status = rec.Status
	if rec.RotatedAt != nil {
		k.rotatedAt = *rec.RotatedAt
	}
	if rec.CompromisedAt != nil {
		k.compromisedAt = *rec.CompromisedAt
	}
	k.compromiseReason = rec.CompromiseReason
	k.encrypts.Store(rec.EncryptCount)
	k.decrypts.Store(rec.DecryptCount)
	k.cipher.Limit().Restore(rec.Invocations, rec.BytesSealed)
	return k, nil
}

// Flush writes keys whose usage counters changed since the last write.
func (m *Manager) Flush() error {
	var errs []error
	for _, k := range m.snapshot() {
		if !k.dirty.Load() {
			continue
		}
		if err := m.persist(k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
