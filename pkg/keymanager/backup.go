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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jeremyhahn/go-securecore/pkg/adapters/audit"
	"github.com/jeremyhahn/go-securecore/pkg/adapters/kdf"
	"github.com/jeremyhahn/go-securecore/pkg/adapters/logger"
	"github.com/jeremyhahn/go-securecore/pkg/crypto/aead"
	"github.com/jeremyhahn/go-securecore/pkg/metrics"
	"github.com/jeremyhahn/go-securecore/pkg/secerr"
)

const (
	// BackupVersion is the export format version.
	BackupVersion = 1

	backupSaltSize = 32
	backupEncInfo  = "securecore/backup/v1/enc"
	backupMACInfo  = "securecore/backup/v1/mac"
)

// Backup is one password-protected key export.
type Backup struct {
	Version          int            `json:"version"`
	KeyID            string         `json:"key_id"`
	Algorithm        aead.Algorithm `json:"algorithm"`
	Purpose          Purpose        `json:"purpose"`
	Status           Status         `json:"status"`
	CreatedAt        time.Time      `json:"created_at"`
	RotatedAt        *time.Time     `json:"rotated_at,omitempty"`
	CompromiseReason string         `json:"compromise_reason,omitempty"`
	CompromisedAt    *time.Time     `json:"compromised_at,omitempty"`
	KDF              kdf.Params     `json:"kdf"`
	Nonce            []byte         `json:"nonce"`
	Ciphertext       []byte         `json:"ciphertext"`
	Checksum         string         `json:"checksum"`
}

// ParseBackup decodes a JSON export.
func ParseBackup(data []byte) (*Backup, error) {
	var b Backup
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, secerr.Wrap(secerr.KindIntegrityError, "keymanager.ParseBackup", err)
	}
	return &b, nil
}

// header is the canonical form of every unencrypted field. It is the AEAD
// associated data and the prefix of the checksum input.
func (b *Backup) header() []byte {
	var sb strings.Builder
	field := func(v string) {
		sb.WriteString(strconv.Itoa(len(v)))
		sb.WriteByte(':')
		sb.WriteString(v)
		sb.WriteByte('|')
	}
	field("securecore-backup")
	field(strconv.Itoa(b.Version))
	field(b.KeyID)
	field(string(b.Algorithm))
	field(string(b.Purpose))
	field(string(b.Status))
	field(b.CreatedAt.UTC().Format(time.RFC3339Nano))
	timestamp := func(t *time.Time) {
		if t == nil {
			field("")
			return
		}
		field(t.UTC().Format(time.RFC3339Nano))
	}
	timestamp(b.RotatedAt)
	field(b.CompromiseReason)
	timestamp(b.CompromisedAt)
	field(string(b.KDF.Algorithm))
	field(strconv.Itoa(b.KDF.Iterations))
	field(strconv.FormatUint(uint64(b.KDF.Memory), 10))
	field(strconv.FormatUint(uint64(b.KDF.Time), 10))
	field(strconv.FormatUint(uint64(b.KDF.Threads), 10))
	field(strconv.Itoa(b.KDF.KeyLength))
	field(hex.EncodeToString(b.KDF.Salt))
	return []byte(sb.String())
}

func (b *Backup) checksum(macKey []byte) []byte {
	mac := hmac.New(sha256.New, macKey)
	mac.Write(b.header())
	mac.Write(b.Nonce)
	mac.Write(b.Ciphertext)
	return mac.Sum(nil)
}

// backupKeys derives the encryption and MAC keys for a batch.
func backupKeys(password []byte, params *kdf.Params) (enc, mac []byte, err error) {
	secret, err := kdf.Derive(password, params)
	if err != nil {
		return nil, nil, err
	}
	defer clear(secret)
	return kdf.Split(secret, params.Salt, aead.KeySize, backupEncInfo, backupMACInfo)
}

// BackupKeys exports every key encrypted under a key derived from
// masterPassword. All exports in one call share a salt, so the slow KDF
// runs once per batch.
func (m *Manager) BackupKeys(masterPassword []byte) (out []*Backup, err error) {
	const op = "keymanager.BackupKeys"
	defer m.observe(metrics.OpBackup, time.Now(), &err)

	if len(masterPassword) == 0 {
		return nil, secerr.InvalidArgument(op, "master password is required")
	}

	params := m.backupKDF
	params.Salt = make([]byte, backupSaltSize)
	if _, err := io.ReadFull(m.random, params.Salt); err != nil {
		return nil, fmt.Errorf("keymanager: generate salt: %w", err)
	}
	encKey, macKey, err := backupKeys(masterPassword, &params)
	if err != nil {
		return nil, secerr.Wrap(secerr.KindConfigurationError, op, err)
	}
	defer clear(encKey)
	defer clear(macKey)

	c, err := aead.NewCipher(aead.AES256GCM, encKey, &aead.Options{Random: m.random})
	if err != nil {
		return nil, err
	}

	keys := m.snapshot()
	out = make([]*Backup, 0, len(keys))
	for _, k := range keys {
		md := k.metadata(false)
		b := &Backup{
			Version:          BackupVersion,
			KeyID:            k.id,
			Algorithm:        k.alg,
			Purpose:          k.purpose,
			Status:           md.Status,
			CreatedAt:        k.createdAt,
			RotatedAt:        md.RotatedAt,
			CompromiseReason: md.CompromiseReason,
			CompromisedAt:    md.CompromisedAt,
			KDF:              params,
		}
		sealed, err := c.Seal(k.material, b.header())
		if err != nil {
			return nil, fmt.Errorf("keymanager: seal backup of %s: %w", k.id, err)
		}
		b.Nonce = sealed.Nonce
		b.Ciphertext = append(sealed.Ciphertext, sealed.Tag...)
		b.Checksum = hex.EncodeToString(b.checksum(macKey))
		out = append(out, b)
	}

	m.log.Info("keys backed up", logger.Int("count", len(out)), logger.String("kdf", string(params.Algorithm)))
	m.emit(audit.EventKeyBackup, audit.SeverityWarn, "", map[string]string{"count": strconv.Itoa(len(out))})
	return out, nil
}

func validateBackup(b *Backup) error {
	const op = "keymanager.RestoreKey"
	switch {
	case b == nil:
		return secerr.InvalidArgument(op, "backup is required")
	case b.Version != BackupVersion:
		return secerr.Integrity(op, "unsupported backup version")
	case b.KeyID == "":
		return secerr.Integrity(op, "backup has no key id")
	case !b.Algorithm.Valid():
		return secerr.Integrity(op, "backup has an unsupported algorithm")
	case !b.Purpose.Valid():
		return secerr.Integrity(op, "backup has an unknown purpose")
	case b.Status != StatusActive && b.Status != StatusInactive && b.Status != StatusCompromised:
		return secerr.Integrity(op, "backup has an unknown status")
	case b.KDF.KeyLength != aead.KeySize:
		return secerr.Integrity(op, "backup has an invalid key length")
	case !kdf.IsPasswordKDF(b.KDF.Algorithm):
		return secerr.Integrity(op, "backup KDF is not a password KDF")
	case kdf.ValidateCost(&b.KDF) != nil:
		return secerr.Integrity(op, "backup KDF parameters out of range")
	case len(b.Ciphertext) < aead.TagSize:
		return secerr.Integrity(op, "backup ciphertext truncated")
	}
	return nil
}

// RestoreKey verifies and installs one export. A wrong password and a
// tampered export both fail with an integrity error, and nothing is
// installed on failure. A restored active key becomes active only when its
// purpose has no usable active key; otherwise it is installed inactive.
func (m *Manager) RestoreKey(b *Backup, masterPassword []byte) (id string, err error) {
	const op = "keymanager.RestoreKey"
	defer m.observe(metrics.OpRestore, time.Now(), &err)

	if err := validateBackup(b); err != nil {
		return "", err
	}
	if len(masterPassword) == 0 {
		return "", secerr.InvalidArgument(op, "master password is required")
	}

	params := b.KDF
	encKey, macKey, err := backupKeys(masterPassword, &params)
	if err != nil {
		return "", secerr.Wrap(secerr.KindIntegrityError, op, err)
	}
	defer clear(encKey)
	defer clear(macKey)

	want, err := hex.DecodeString(b.Checksum)
	if err != nil || !hmac.Equal(want, b.checksum(macKey)) {
		return "", secerr.Integrity(op, "backup checksum mismatch")
	}

	c, err := aead.NewCipher(aead.AES256GCM, encKey, nil)
	if err != nil {
		return "", err
	}
	split := len(b.Ciphertext) - aead.TagSize
	material, err := c.Open(b.Nonce, b.Ciphertext[:split], b.Ciphertext[split:], b.header())
	if err != nil {
		return "", secerr.Integrity(op, "backup decryption failed")
	}

	s, err := m.slotFor(b.Purpose)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := m.lookup(op, b.KeyID); err == nil {
		clear(material)
		return "", secerr.New(secerr.KindAlreadyExists, op, "key "+b.KeyID+" already exists")
	}

	k, err := m.buildKey(b.KeyID, b.Purpose, b.Algorithm, material, b.CreatedAt)
	if err != nil {
		return "", secerr.Wrap(secerr.KindIntegrityError, op, err)
	}
	if b.RotatedAt != nil {
		k.rotatedAt = *b.RotatedAt
	}
	activate := false
	switch b.Status {
	case StatusCompromised:
		k.status = StatusCompromised
		k.compromiseReason = b.CompromiseReason
		k.compromisedAt = m.now().UTC()
		if b.CompromisedAt != nil {
			k.compromisedAt = b.CompromisedAt.UTC()
		}
	case StatusActive:
		cur := s.active.Load()
		activate = cur == nil || cur.Status() == StatusCompromised
		if activate {
			k.status = StatusActive
		}
	}

	if err := m.persistNew(k); err != nil {
		return "", err
	}
	m.register(k)
	if activate {
		s.active.Store(k)
	}

	m.log.Info("key restored",
		logger.String("key_id", k.id),
		logger.String("status", string(k.status)),
		logger.Bool("active", activate))
	m.emit(audit.EventKeyRestore, audit.SeverityWarn, k.id, map[string]string{
		"purpose": string(k.purpose),
		"status":  string(k.status),
	})
	m.refreshGauges()
	return k.id, nil
}
