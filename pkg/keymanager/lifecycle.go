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
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jeremyhahn/go-securecore/pkg/adapters/audit"
	"github.com/jeremyhahn/go-securecore/pkg/adapters/logger"
	"github.com/jeremyhahn/go-securecore/pkg/crypto/aead"
	"github.com/jeremyhahn/go-securecore/pkg/metrics"
	"github.com/jeremyhahn/go-securecore/pkg/secerr"
	"github.com/jeremyhahn/go-securecore/pkg/storage"
)

func newKeyID() string {
	return uuid.NewString()
}

// GenerateKey creates a key for purpose. The key becomes active only when
// the purpose has no usable active key; otherwise it is stored inactive.
// An empty alg selects the configured default.
func (m *Manager) GenerateKey(purpose Purpose, alg aead.Algorithm) (id string, err error) {
	const op = "keymanager.GenerateKey"
	defer m.observe(metrics.OpGenerate, time.Now(), &err)

	if alg == "" || alg == aead.Auto {
		alg = m.algorithm
	}
	if !alg.Valid() {
		return "", secerr.InvalidArgument(op, "unsupported algorithm %q", alg)
	}
	s, err := m.slotFor(purpose)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k, err := m.newKey(purpose, alg)
	if err != nil {
		return "", err
	}
	cur := s.active.Load()
	activate := cur == nil || cur.Status() == StatusCompromised
	if activate {
		k.status = StatusActive
	}
	if err := m.persistNew(k); err != nil {
		return "", err
	}
	m.register(k)
	if activate {
		s.active.Store(k)
	}

	m.log.Info("key generated",
		logger.String("key_id", k.id),
		logger.String("purpose", string(purpose)),
		logger.String("algorithm", string(alg)),
		logger.Bool("active", activate))
	m.emit(audit.EventKeyGenerate, audit.SeverityInfo, k.id, map[string]string{
		"purpose":   string(purpose),
		"algorithm": string(alg),
		"status":    string(k.status),
	})
	m.refreshGauges()
	return k.id, nil
}

// RotateKey replaces the active key id with a fresh key of the same
// purpose and algorithm. The new key is published before id is marked
// inactive. Rotating a key that is not the active key of its purpose fails
// unless the purpose has no active key.
func (m *Manager) RotateKey(id string) (newID string, err error) {
	const op = "keymanager.RotateKey"
	defer m.observe(metrics.OpRotate, time.Now(), &err)

	old, err := m.lookup(op, id)
	if err != nil {
		return "", err
	}
	s, err := m.slotFor(old.purpose)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := m.lookup(op, id); err != nil {
		return "", err
	}
	if cur := s.active.Load(); cur != nil && cur != old {
		return "", secerr.InvalidArgument(op, "key %s is not the active %s key", id, old.purpose)
	}

	k, err := m.newKey(old.purpose, old.alg)
	if err != nil {
		return "", err
	}
	k.status = StatusActive
	if err := m.persistNew(k); err != nil {
		return "", err
	}
	m.register(k)
	s.active.Store(k)

	// Retiring every other active key of the purpose also clears stray
	// active records left in storage by a conflicting writer.
	now := m.now().UTC()
	for _, other := range m.snapshot() {
		if other == k || other.purpose != k.purpose {
			continue
		}
		if other != old && other.Status() != StatusActive {
			continue
		}
		if other.Status() == StatusActive {
			other.setStatus(StatusInactive, now)
		}
		if err := m.persist(other); err != nil {
			m.log.Error("persist rotated key", logger.String("key_id", other.id), logger.Error(err))
		}
	}

	m.log.Info("key rotated",
		logger.String("old_key_id", id),
		logger.String("new_key_id", k.id),
		logger.String("purpose", string(k.purpose)))
	m.emit(audit.EventKeyRotate, audit.SeverityInfo, id, map[string]string{
		"new_key_id": k.id,
		"purpose":    string(k.purpose),
	})
	m.refreshGauges()
	return k.id, nil
}

// CompromiseKey marks id compromised. A compromised key still decrypts but
// never encrypts or becomes active again. If id was active it is replaced
// by a fresh key first, unless the manager keeps compromised keys in place.
func (m *Manager) CompromiseKey(id, reason string) (err error) {
	const op = "keymanager.CompromiseKey"
	defer m.observe(metrics.OpCompromise, time.Now(), &err)

	k, err := m.lookup(op, id)
	if err != nil {
		return err
	}
	s, err := m.slotFor(k.purpose)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	replacement := ""
	if s.active.Load() == k && m.rotateOnCompromise {
		nk, err := m.newKey(k.purpose, k.alg)
		if err != nil {
			return err
		}
		nk.status = StatusActive
		if err := m.persistNew(nk); err != nil {
			return err
		}
		m.register(nk)
		s.active.Store(nk)
		replacement = nk.id
	}

	k.compromise(reason, m.now().UTC())
	if err := m.persist(k); err != nil {
		m.log.Error("persist compromised key", logger.String("key_id", id), logger.Error(err))
	}

	m.log.Warn("key compromised",
		logger.String("key_id", id),
		logger.String("purpose", string(k.purpose)),
		logger.String("replacement_key_id", replacement))
	meta := map[string]string{"purpose": string(k.purpose), "reason": reason}
	if replacement != "" {
		meta["replacement_key_id"] = replacement
	}
	m.emit(audit.EventKeyCompromise, audit.SeverityCritical, id, meta)
	m.refreshGauges()
	return nil
}

// DeleteKey removes id from the registry and storage. Payloads sealed under
// it become undecryptable. The active key of a purpose cannot be deleted.
func (m *Manager) DeleteKey(id string) (err error) {
	const op = "keymanager.DeleteKey"
	defer m.observe(metrics.OpDelete, time.Now(), &err)

	k, err := m.lookup(op, id)
	if err != nil {
		return err
	}
	s, err := m.slotFor(k.purpose)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active.Load() == k {
		return secerr.InvalidArgument(op, "key %s is the active %s key", id, k.purpose)
	}
	if err := m.store.Delete(storage.KeyPath(id)); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	m.unregister(id)
	clear(k.material)

	m.log.Info("key deleted", logger.String("key_id", id))
	m.emit(audit.EventKeyDelete, audit.SeverityWarn, id, map[string]string{"purpose": string(k.purpose)})
	m.refreshGauges()
	return nil
}

// ActiveKey returns the active key for purpose. It fails with a
// configuration error when the purpose has no active key or the key in the
// active slot has been compromised.
func (m *Manager) ActiveKey(purpose Purpose) (*Key, error) {
	const op = "keymanager.ActiveKey"
	s, err := m.slotFor(purpose)
	if err != nil {
		return nil, err
	}
	k := s.active.Load()
	if k == nil {
		return nil, secerr.Configuration(op, "no active %s key", purpose)
	}
	if k.Status() == StatusCompromised {
		return nil, secerr.Configuration(op, "active %s key %s is compromised", purpose, k.id)
	}
	return k, nil
}

// Key returns the key with the given ID in any status.
func (m *Manager) Key(id string) (*Key, error) {
	return m.lookup("keymanager.Key", id)
}

func (m *Manager) observe(operation string, start time.Time, err *error) {
	metrics.RecordOperation(metrics.ComponentKeyManager, operation, metrics.StatusOf(*err), time.Since(start).Seconds())
	if *err != nil {
		metrics.RecordError(metrics.ComponentKeyManager, operation, secerr.KindOf(*err).String())
	}
}

func (m *Manager) emit(typ audit.EventType, severity audit.EventSeverity, keyID string, meta map[string]string) {
	event := &audit.Event{
		ID:        uuid.NewString(),
		Timestamp: m.now().UTC(),
		Type:      typ,
		Severity:  severity,
		Outcome:   audit.OutcomeSuccess,
		Resource:  keyID,
		Metadata:  meta,
	}
	if err := m.audit.LogEvent(context.Background(), event); err != nil {
		m.log.Warn("audit event dropped", logger.String("type", string(typ)), logger.Error(err))
	}
}

func (m *Manager) refreshGauges() {
	if !metrics.IsEnabled() {
		return
	}
	counts := make(map[Purpose]map[Status]int)
	for _, p := range []Purpose{PurposeEncryption, PurposeSigning} {
		counts[p] = map[Status]int{StatusActive: 0, StatusInactive: 0, StatusCompromised: 0}
	}
	due := 0
	for _, k := range m.snapshot() {
		counts[k.purpose][k.Status()]++
		if m.rotationDue(k) {
			due++
		}
	}
	for p, byStatus := range counts {
		for st, n := range byStatus {
			metrics.SetKeyCount(string(p), string(st), n)
		}
	}
	metrics.SetKeysRotationDue(due)
}
