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

// Package encryption seals opaque payloads, structured records and single
// persisted column values under the KeyManager's active encryption key.
package encryption

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeremyhahn/go-securecore/pkg/adapters/logger"
	"github.com/jeremyhahn/go-securecore/pkg/crypto/aead"
	"github.com/jeremyhahn/go-securecore/pkg/keymanager"
	"github.com/jeremyhahn/go-securecore/pkg/metrics"
	"github.com/jeremyhahn/go-securecore/pkg/secerr"
)

// aadPrefix versions the associated data layout.
const aadPrefix = "securecore/v1|"

// KeyProvider is the subset of *keymanager.Manager the engine needs.
type KeyProvider interface {
	ActiveKey(purpose keymanager.Purpose) (*keymanager.Key, error)
	Key(id string) (*keymanager.Key, error)
	UpdateKeyUsage(id string, op keymanager.Operation) error
}

// Config configures an Engine.
type Config struct {
	Keys   KeyProvider
	Logger logger.Logger
}

// Engine performs authenticated encryption. It is safe for concurrent use.
type Engine struct {
	keys KeyProvider
	log  logger.Logger

	encryptions atomic.Int64
	decryptions atomic.Int64

	mu     sync.RWMutex
	perKey map[string]*keyCounters
}

type keyCounters struct {
	encryptions atomic.Int64
	decryptions atomic.Int64
}

// New creates an Engine.
func New(config *Config) (*Engine, error) {
	if config == nil || config.Keys == nil {
		return nil, secerr.Configuration("encryption.New", "key provider is required")
	}
	log := config.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Engine{
		keys:   config.Keys,
		log:    log.With(logger.String("component", "encryption")),
		perKey: make(map[string]*keyCounters),
	}, nil
}

func associatedData(keyID string, alg aead.Algorithm, context []byte) []byte {
	aad := make([]byte, 0, len(aadPrefix)+len(keyID)+len(alg)+len(context)+2)
	aad = append(aad, aadPrefix...)
	aad = append(aad, keyID...)
	aad = append(aad, '|')
	aad = append(aad, alg...)
	aad = append(aad, '|')
	return append(aad, context...)
}

// Encrypt seals plaintext under the active encryption key.
func (e *Engine) Encrypt(plaintext []byte) (*Payload, error) {
	return e.EncryptWithContext(plaintext, nil)
}

// EncryptWithContext seals plaintext under the active encryption key and
// binds context as authenticated data. Decryption needs no context from
// the caller: it travels in the payload.
func (e *Engine) EncryptWithContext(plaintext, context []byte) (p *Payload, err error) {
	defer e.observe(metrics.OpEncrypt, time.Now(), &err)

	k, err := e.keys.ActiveKey(keymanager.PurposeEncryption)
	if err != nil {
		return nil, err
	}
	return e.seal(k, plaintext, context)
}

// EncryptWithKey seals plaintext under a specific key. The key must be an
// encryption key that is not compromised; inactive keys are accepted.
func (e *Engine) EncryptWithKey(keyID string, plaintext []byte) (p *Payload, err error) {
	defer e.observe(metrics.OpEncrypt, time.Now(), &err)

	k, err := e.keys.Key(keyID)
	if err != nil {
		return nil, err
	}
	return e.seal(k, plaintext, nil)
}

func (e *Engine) seal(k *keymanager.Key, plaintext, context []byte) (*Payload, error) {
	sealed, err := k.Seal(plaintext, associatedData(k.ID(), k.Algorithm(), context))
	if err != nil {
		if secerr.KindOf(err) == secerr.KindUnknown {
			return nil, secerr.Wrap(secerr.KindConfigurationError, "encryption.Encrypt", err)
		}
		return nil, err
	}

	e.encryptions.Add(1)
	e.counters(k.ID()).encryptions.Add(1)
	if err := e.keys.UpdateKeyUsage(k.ID(), keymanager.OpEncrypt); err != nil {
		e.log.Warn("update key usage", logger.String("key_id", k.ID()), logger.Error(err))
	}

	return &Payload{
		KeyID:      k.ID(),
		Algorithm:  k.Algorithm(),
		Nonce:      sealed.Nonce,
		Tag:        sealed.Tag,
		Context:    context,
		Ciphertext: sealed.Ciphertext,
	}, nil
}

// Decrypt verifies and opens p with the key it names. No plaintext is
// returned unless the tag verifies.
func (e *Engine) Decrypt(p *Payload) (plaintext []byte, err error) {
	const op = "encryption.Decrypt"
	defer e.observe(metrics.OpDecrypt, time.Now(), &err)

	if p == nil || p.KeyID == "" {
		return nil, secerr.InvalidArgument(op, "payload has no key id")
	}
	k, err := e.keys.Key(p.KeyID)
	if err != nil {
		return nil, err
	}
	if k.Algorithm() != p.Algorithm {
		return nil, secerr.AuthenticationFailure(op, "payload authentication failed")
	}
	plaintext, err = k.Open(p.Nonce, p.Ciphertext, p.Tag, associatedData(p.KeyID, p.Algorithm, p.Context))
	if err != nil {
		return nil, secerr.AuthenticationFailure(op, "payload authentication failed")
	}

	e.decryptions.Add(1)
	e.counters(k.ID()).decryptions.Add(1)
	if err := e.keys.UpdateKeyUsage(k.ID(), keymanager.OpDecrypt); err != nil {
		e.log.Warn("update key usage", logger.String("key_id", k.ID()), logger.Error(err))
	}
	return plaintext, nil
}

func (e *Engine) counters(keyID string) *keyCounters {
	e.mu.RLock()
	c, ok := e.perKey[keyID]
	e.mu.RUnlock()
	if ok {
		return c
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok = e.perKey[keyID]; !ok {
		c = &keyCounters{}
		e.perKey[keyID] = c
	}
	return c
}

func (e *Engine) observe(operation string, start time.Time, err *error) {
	metrics.RecordOperation(metrics.ComponentEngine, operation, metrics.StatusOf(*err), time.Since(start).Seconds())
	if *err != nil {
		metrics.RecordError(metrics.ComponentEngine, operation, secerr.KindOf(*err).String())
	}
}

// KeyStats counts operations performed by this engine with one key.
type KeyStats struct {
	KeyID       string `json:"key_id"`
	Encryptions int64  `json:"encryptions"`
	Decryptions int64  `json:"decryptions"`
}

// Stats is returned by GetStats.
type Stats struct {
	CurrentKeyID     string     `json:"current_key_id"`
	TotalEncryptions int64      `json:"total_encryptions"`
	TotalDecryptions int64      `json:"total_decryptions"`
	Keys             []KeyStats `json:"keys"`
}

// GetStats reports the active key and operation totals. CurrentKeyID is
// empty when no usable active key exists.
func (e *Engine) GetStats() Stats {
	s := Stats{
		TotalEncryptions: e.encryptions.Load(),
		TotalDecryptions: e.decryptions.Load(),
	}
	if k, err := e.keys.ActiveKey(keymanager.PurposeEncryption); err == nil {
		s.CurrentKeyID = k.ID()
	}

	e.mu.RLock()
	s.Keys = make([]KeyStats, 0, len(e.perKey))
	for id, c := range e.perKey {
		s.Keys = append(s.Keys, KeyStats{
			KeyID:       id,
			Encryptions: c.encryptions.Load(),
			Decryptions: c.decryptions.Load(),
		})
	}
	e.mu.RUnlock()

	sort.Slice(s.Keys, func(i, j int) bool { return s.Keys[i].KeyID < s.Keys[j].KeyID })
	return s
}
