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

// Package keymanager generates, tracks, rotates, backs up and restores the
// symmetric keys used for data encryption and token signing.
//
// Each purpose has exactly one active key. Readers obtain it with ActiveKey,
// which is a single atomic load; GenerateKey, RotateKey, CompromiseKey and
// RestoreKey serialize per purpose so two writers can never both activate a
// key. Rotation publishes the new active key before the old one is marked
// inactive, so a reader never observes a purpose without an active key.
package keymanager

import (
	"crypto/rand"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeremyhahn/go-securecore/pkg/adapters/audit"
	"github.com/jeremyhahn/go-securecore/pkg/adapters/kdf"
	"github.com/jeremyhahn/go-securecore/pkg/adapters/logger"
	"github.com/jeremyhahn/go-securecore/pkg/crypto/aead"
	"github.com/jeremyhahn/go-securecore/pkg/secerr"
	"github.com/jeremyhahn/go-securecore/pkg/storage"
	"github.com/jeremyhahn/go-securecore/pkg/storage/memory"
)

const (
	// DefaultRotationInterval is the key age after which IsRotationDue
	// reports true.
	DefaultRotationInterval = 90 * 24 * time.Hour
)

// Config configures a Manager.
type Config struct {
	// Storage persists key records. Defaults to an in-memory backend.
	Storage storage.Backend

	// Algorithm used by GenerateKey when none is requested. Defaults to the
	// CPU-optimal algorithm.
	Algorithm aead.Algorithm

	// RotationInterval is the maximum age of a key before rotation is due.
	RotationInterval time.Duration

	// WrappingKey encrypts key material at rest. When empty, a random
	// ephemeral wrapping key is used and persisted keys become unreadable
	// after restart.
	WrappingKey []byte

	// BackupKDF sets the password KDF and work factor for BackupKeys.
	// Defaults to Argon2id with kdf.DefaultParams.
	BackupKDF *kdf.Params

	// KeepCompromisedActive disables the automatic replacement of an
	// active key when it is marked compromised.
	KeepCompromisedActive bool

	// RequiredPurposes lists the purposes ValidateConfiguration expects an
	// active key for. Defaults to encryption and signing.
	RequiredPurposes []Purpose

	// MaxInvocations bounds encryptions per key. Zero selects the AEAD
	// default.
	MaxInvocations int64

	Logger logger.Logger
	Audit  audit.Adapter
	Now    func() time.Time
	Random io.Reader
}

// slot holds the active key for one purpose. mu serializes writers;
// active is read without locking.
type slot struct {
	mu     sync.Mutex
	active atomic.Pointer[Key]
}

// slotOrder is the lock order for code that holds more than one slot.
var slotOrder = []Purpose{PurposeEncryption, PurposeSigning}

// Manager is the key registry.
type Manager struct {
	store              storage.Backend
	algorithm          aead.Algorithm
	rotationInterval   time.Duration
	wrapper            *aead.Cipher
	backupKDF          kdf.Params
	rotateOnCompromise bool
	required           []Purpose
	maxInvocations     int64
	log                logger.Logger
	audit              audit.Adapter
	now                func() time.Time
	random             io.Reader

	slots map[Purpose]*slot

	mu   sync.RWMutex
	keys map[string]*Key
}

// New creates a Manager. It does not read storage; call Load for that.
func New(config *Config) (*Manager, error) {
	if config == nil {
		config = &Config{}
	}

	m := &Manager{
		store:              config.Storage,
		algorithm:          config.Algorithm,
		rotationInterval:   config.RotationInterval,
		rotateOnCompromise: !config.KeepCompromisedActive,
		required:           config.RequiredPurposes,
		maxInvocations:     config.MaxInvocations,
		log:                config.Logger,
		audit:              config.Audit,
		now:                config.Now,
		random:             config.Random,
		slots: map[Purpose]*slot{
			PurposeEncryption: {},
			PurposeSigning:    {},
		},
		keys: make(map[string]*Key),
	}

	if m.store == nil {
		m.store = memory.New()
	}
	if m.algorithm == "" || m.algorithm == aead.Auto {
		m.algorithm = aead.SelectOptimal()
	}
	if !m.algorithm.Valid() {
		return nil, secerr.Configuration("keymanager.New", "unsupported algorithm %q", m.algorithm)
	}
	if m.rotationInterval <= 0 {
		m.rotationInterval = DefaultRotationInterval
	}
	if len(m.required) == 0 {
		m.required = []Purpose{PurposeEncryption, PurposeSigning}
	}
	if m.log == nil {
		m.log = logger.Nop()
	}
	m.log = m.log.With(logger.String("component", "keymanager"))
	if m.audit == nil {
		m.audit = audit.Nop()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.random == nil {
		m.random = rand.Reader
	}

	if config.BackupKDF != nil {
		m.backupKDF = *config.BackupKDF
	} else {
		m.backupKDF = *kdf.DefaultParams(kdf.AlgorithmArgon2id)
	}
	if !kdf.IsPasswordKDF(m.backupKDF.Algorithm) {
		return nil, secerr.Configuration("keymanager.New", "backup KDF must be argon2id or pbkdf2")
	}
	if err := kdf.ValidateCost(&m.backupKDF); err != nil {
		return nil, secerr.Wrap(secerr.KindConfigurationError, "keymanager.New", err)
	}
	m.backupKDF.KeyLength = aead.KeySize

	wrappingKey := config.WrappingKey
	if len(wrappingKey) == 0 {
		wrappingKey = make([]byte, aead.KeySize)
		if _, err := io.ReadFull(m.random, wrappingKey); err != nil {
			return nil, fmt.Errorf("keymanager: generate wrapping key: %w", err)
		}
		m.log.Warn("no wrapping key configured; persisted keys will not survive a restart")
	}
	wrapper, err := aead.NewCipher(aead.AES256GCM, wrappingKey, &aead.Options{Random: m.random})
	if err != nil {
		return nil, secerr.Wrap(secerr.KindConfigurationError, "keymanager.New", err)
	}
	m.wrapper = wrapper

	return m, nil
}

func (m *Manager) slotFor(p Purpose) (*slot, error) {
	s, ok := m.slots[p]
	if !ok {
		return nil, secerr.InvalidArgument("keymanager", "unknown purpose %q", p)
	}
	return s, nil
}

// lockSlots takes every purpose's writer lock, in a fixed order, so a
// registry-wide read never sees a rotation half applied: the new key
// active while the old one has not yet been retired.
func (m *Manager) lockSlots() (unlock func()) {
	for _, p := range slotOrder {
		m.slots[p].mu.Lock()
	}
	return func() {
		for i := len(slotOrder) - 1; i >= 0; i-- {
			m.slots[slotOrder[i]].mu.Unlock()
		}
	}
}

func (m *Manager) lookup(op, id string) (*Key, error) {
	m.mu.RLock()
	k, ok := m.keys[id]
	m.mu.RUnlock()
	if !ok {
		return nil, secerr.NotFound(op, "key %s", id)
	}
	return k, nil
}

func (m *Manager) register(k *Key) {
	m.mu.Lock()
	m.keys[k.id] = k
	m.mu.Unlock()
}

func (m *Manager) unregister(id string) {
	m.mu.Lock()
	delete(m.keys, id)
	m.mu.Unlock()
}

// snapshot returns all keys sorted by creation time then ID.
func (m *Manager) snapshot() []*Key {
	m.mu.RLock()
	keys := make([]*Key, 0, len(m.keys))
	for _, k := range m.keys {
		keys = append(keys, k)
	}
	m.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].createdAt.Equal(keys[j].createdAt) {
			return keys[i].id < keys[j].id
		}
		return keys[i].createdAt.Before(keys[j].createdAt)
	})
	return keys
}

// newKey creates key material and its cipher. The key is not registered.
func (m *Manager) newKey(purpose Purpose, alg aead.Algorithm) (*Key, error) {
	material := make([]byte, aead.KeySize)
	if _, err := io.ReadFull(m.random, material); err != nil {
		return nil, fmt.Errorf("keymanager: generate key material: %w", err)
	}
	return m.buildKey(newKeyID(), purpose, alg, material, m.now())
}

func (m *Manager) buildKey(id string, purpose Purpose, alg aead.Algorithm, material []byte, created time.Time) (*Key, error) {
	c, err := aead.NewCipher(alg, material, &aead.Options{
		Random:         m.random,
		MaxInvocations: m.maxInvocations,
	})
	if err != nil {
		return nil, err
	}
	return &Key{
		id:        id,
		alg:       alg,
		purpose:   purpose,
		createdAt: created.UTC(),
		material:  material,
		cipher:    c,
		status:    StatusInactive,
	}, nil
}

// Close flushes usage counters to storage. The storage backend is owned by
// the caller and is not closed.
func (m *Manager) Close() error {
	return m.Flush()
}
