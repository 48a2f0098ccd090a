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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-securecore/pkg/adapters/audit"
	"github.com/jeremyhahn/go-securecore/pkg/adapters/kdf"
	"github.com/jeremyhahn/go-securecore/pkg/crypto/aead"
	"github.com/jeremyhahn/go-securecore/pkg/secerr"
	"github.com/jeremyhahn/go-securecore/pkg/storage"
	"github.com/jeremyhahn/go-securecore/pkg/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var (
	testWrappingKey = []byte("0123456789abcdef0123456789abcdef")
	testBackupKDF   = &kdf.Params{
		Algorithm: kdf.AlgorithmArgon2id,
		Memory:    kdf.MinArgon2Memory,
		Time:      1,
		Threads:   1,
	}
)

func newTestManager(t *testing.T, mutate func(*Config)) (*Manager, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	cfg := &Config{
		Storage:     memory.New(),
		Algorithm:   aead.AES256GCM,
		WrappingKey: testWrappingKey,
		BackupKDF:   testBackupKDF,
		Now:         clock.Now,
	}
	if mutate != nil {
		mutate(cfg)
	}
	m, err := New(cfg)
	require.NoError(t, err)
	return m, clock
}

func TestGenerateKey_ActivatesOnlyFirst(t *testing.T) {
	m, _ := newTestManager(t, nil)

	first, err := m.GenerateKey(PurposeEncryption, "")
	require.NoError(t, err)
	second, err := m.GenerateKey(PurposeEncryption, aead.ChaCha20Poly1305)
	require.NoError(t, err)

	md, err := m.GetKeyMetadata(first)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, md.Status)
	assert.Equal(t, aead.AES256GCM, md.Algorithm)

	md, err = m.GetKeyMetadata(second)
	require.NoError(t, err)
	assert.Equal(t, StatusInactive, md.Status)
	assert.Equal(t, aead.ChaCha20Poly1305, md.Algorithm)

	active, err := m.ActiveKey(PurposeEncryption)
	require.NoError(t, err)
	assert.Equal(t, first, active.ID())
}

func TestGenerateKey_InvalidInput(t *testing.T) {
	m, _ := newTestManager(t, nil)

	tests := []struct {
		name    string
		purpose Purpose
		alg     aead.Algorithm
	}{
		{"unknown purpose", Purpose("wrapping"), ""},
		{"unknown algorithm", PurposeEncryption, aead.Algorithm("des")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.GenerateKey(tt.purpose, tt.alg)
			require.Error(t, err)
			assert.ErrorIs(t, err, secerr.ErrInvalidArgument)
		})
	}
}

func TestUnknownKeyIsNotFound(t *testing.T) {
	m, _ := newTestManager(t, nil)

	_, err := m.GetKeyMetadata("missing")
	assert.ErrorIs(t, err, secerr.ErrNotFound)
	_, err = m.RotateKey("missing")
	assert.ErrorIs(t, err, secerr.ErrNotFound)
	assert.ErrorIs(t, m.CompromiseKey("missing", "x"), secerr.ErrNotFound)
	assert.ErrorIs(t, m.UpdateKeyUsage("missing", OpEncrypt), secerr.ErrNotFound)
	_, err = m.IsRotationDue("missing")
	assert.ErrorIs(t, err, secerr.ErrNotFound)
	assert.ErrorIs(t, m.DeleteKey("missing"), secerr.ErrNotFound)
}

func TestActiveKey_NoneConfigured(t *testing.T) {
	m, _ := newTestManager(t, nil)

	_, err := m.ActiveKey(PurposeEncryption)
	require.Error(t, err)
	assert.Equal(t, secerr.KindConfigurationError, secerr.KindOf(err))
}

func TestRotateKey(t *testing.T) {
	m, clock := newTestManager(t, nil)

	oldID, err := m.GenerateKey(PurposeEncryption, "")
	require.NoError(t, err)
	oldKey, err := m.Key(oldID)
	require.NoError(t, err)
	sealed, err := oldKey.Seal([]byte("hello"), []byte("aad"))
	require.NoError(t, err)

	clock.Advance(time.Hour)
	newID, err := m.RotateKey(oldID)
	require.NoError(t, err)
	assert.NotEqual(t, oldID, newID)

	active, err := m.ActiveKey(PurposeEncryption)
	require.NoError(t, err)
	assert.Equal(t, newID, active.ID())

	md, err := m.GetKeyMetadata(oldID)
	require.NoError(t, err)
	assert.Equal(t, StatusInactive, md.Status)
	require.NotNil(t, md.RotatedAt)
	assert.Equal(t, clock.Now(), *md.RotatedAt)

	pt, err := oldKey.Open(sealed.Nonce, sealed.Ciphertext, sealed.Tag, []byte("aad"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), pt)

	_, err = active.Open(sealed.Nonce, sealed.Ciphertext, sealed.Tag, []byte("aad"))
	assert.Error(t, err)

	_, err = m.RotateKey(oldID)
	assert.ErrorIs(t, err, secerr.ErrInvalidArgument)
}

func TestRotateKey_ConcurrentWithReaders(t *testing.T) {
	m, _ := newTestManager(t, nil)
	_, err := m.GenerateKey(PurposeEncryption, "")
	require.NoError(t, err)
	_, err = m.GenerateKey(PurposeSigning, "")
	require.NoError(t, err)

	stop := make(chan struct{})
	var readers sync.WaitGroup
	var readErrs sync.Map
	for i := 0; i < 8; i++ {
		readers.Add(1)
		go func(i int) {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				k, err := m.ActiveKey(PurposeEncryption)
				if err != nil {
					readErrs.Store(i, err)
					return
				}
				if _, err := k.Seal([]byte("x"), nil); err != nil {
					readErrs.Store(i, err)
					return
				}
			}
		}(i)
	}

	var writers sync.WaitGroup
	for i := 0; i < 4; i++ {
		writers.Add(1)
		go func() {
			defer writers.Done()
			for j := 0; j < 25; j++ {
				k, err := m.ActiveKey(PurposeEncryption)
				if err != nil {
					continue
				}
				_, _ = m.RotateKey(k.ID())
				_, _ = m.GenerateKey(PurposeEncryption, "")
			}
		}()
	}
	writers.Wait()
	close(stop)
	readers.Wait()

	readErrs.Range(func(_, v any) bool {
		t.Errorf("reader observed error: %v", v)
		return true
	})

	active := m.ListKeys(&Filter{Purpose: PurposeEncryption, Status: StatusActive})
	assert.Len(t, active, 1)
	assert.True(t, m.ValidateConfiguration().IsValid)
}

func TestRotateKey_ListingNeverSeesTwoActive(t *testing.T) {
	m, _ := newTestManager(t, nil)
	_, err := m.GenerateKey(PurposeEncryption, "")
	require.NoError(t, err)
	_, err = m.GenerateKey(PurposeSigning, "")
	require.NoError(t, err)

	stop := make(chan struct{})
	var readers sync.WaitGroup
	var bad sync.Map
	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func(i int) {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if n := len(m.ListKeys(&Filter{Purpose: PurposeEncryption, Status: StatusActive})); n != 1 {
					bad.Store(i, n)
					return
				}
				if res := m.ValidateConfiguration(); !res.IsValid {
					bad.Store(i, strings.Join(res.Errors, "; "))
					return
				}
				report := m.AuditReport()
				if !report.Validation.IsValid || report.ByStatus[StatusActive] != 2 {
					bad.Store(i, report.ByStatus[StatusActive])
					return
				}
			}
		}(i)
	}

	for j := 0; j < 300; j++ {
		k, err := m.ActiveKey(PurposeEncryption)
		require.NoError(t, err)
		if j%10 == 9 {
			require.NoError(t, m.CompromiseKey(k.ID(), "test"))
			continue
		}
		_, err = m.RotateKey(k.ID())
		require.NoError(t, err)
	}
	close(stop)
	readers.Wait()

	bad.Range(func(_, v any) bool {
		t.Errorf("inconsistent registry view: %v", v)
		return true
	})
}

func TestCompromiseKey_ReplacesActive(t *testing.T) {
	m, _ := newTestManager(t, nil)
	id, err := m.GenerateKey(PurposeEncryption, "")
	require.NoError(t, err)
	k, err := m.Key(id)
	require.NoError(t, err)
	sealed, err := k.Seal([]byte("secret"), nil)
	require.NoError(t, err)

	require.NoError(t, m.CompromiseKey(id, "leaked in logs"))

	md, err := m.GetKeyMetadata(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompromised, md.Status)
	assert.Equal(t, "leaked in logs", md.CompromiseReason)
	assert.NotNil(t, md.CompromisedAt)
	assert.True(t, md.RotationDue)

	active, err := m.ActiveKey(PurposeEncryption)
	require.NoError(t, err)
	assert.NotEqual(t, id, active.ID())

	_, err = k.Seal([]byte("more"), nil)
	assert.Error(t, err)
	pt, err := k.Open(sealed.Nonce, sealed.Ciphertext, sealed.Tag, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), pt)

	_, err = m.RotateKey(id)
	assert.ErrorIs(t, err, secerr.ErrInvalidArgument)
}

func TestCompromiseKey_KeepInPlace(t *testing.T) {
	m, _ := newTestManager(t, func(c *Config) { c.KeepCompromisedActive = true })
	id, err := m.GenerateKey(PurposeEncryption, "")
	require.NoError(t, err)
	_, err = m.GenerateKey(PurposeSigning, "")
	require.NoError(t, err)

	require.NoError(t, m.CompromiseKey(id, "suspected"))

	_, err = m.ActiveKey(PurposeEncryption)
	assert.Equal(t, secerr.KindConfigurationError, secerr.KindOf(err))

	result := m.ValidateConfiguration()
	assert.False(t, result.IsValid)
	assert.NotEmpty(t, result.Errors)

	newID, err := m.GenerateKey(PurposeEncryption, "")
	require.NoError(t, err)
	active, err := m.ActiveKey(PurposeEncryption)
	require.NoError(t, err)
	assert.Equal(t, newID, active.ID())
	assert.True(t, m.ValidateConfiguration().IsValid)
}

func TestUpdateKeyUsage_Concurrent(t *testing.T) {
	m, _ := newTestManager(t, nil)
	id, err := m.GenerateKey(PurposeEncryption, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = m.UpdateKeyUsage(id, OpEncrypt)
				_ = m.UpdateKeyUsage(id, OpDecrypt)
			}
		}()
	}
	wg.Wait()

	md, err := m.GetKeyMetadata(id)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), md.EncryptCount)
	assert.Equal(t, int64(5000), md.DecryptCount)

	assert.ErrorIs(t, m.UpdateKeyUsage(id, Operation("wrap")), secerr.ErrInvalidArgument)
}

func TestIsRotationDue(t *testing.T) {
	m, clock := newTestManager(t, func(c *Config) { c.RotationInterval = 30 * 24 * time.Hour })
	id, err := m.GenerateKey(PurposeEncryption, "")
	require.NoError(t, err)

	due, err := m.IsRotationDue(id)
	require.NoError(t, err)
	assert.False(t, due)

	clock.Advance(31 * 24 * time.Hour)
	due, err = m.IsRotationDue(id)
	require.NoError(t, err)
	assert.True(t, due)

	newID, err := m.RotateKey(id)
	require.NoError(t, err)
	due, err = m.IsRotationDue(id)
	require.NoError(t, err)
	assert.False(t, due, "rotated keys are no longer due")
	due, err = m.IsRotationDue(newID)
	require.NoError(t, err)
	assert.False(t, due)
}

func TestIsRotationDue_UsageExhausted(t *testing.T) {
	m, _ := newTestManager(t, func(c *Config) { c.MaxInvocations = 2 })
	id, err := m.GenerateKey(PurposeEncryption, "")
	require.NoError(t, err)
	k, err := m.Key(id)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := k.Seal([]byte("x"), nil)
		require.NoError(t, err)
	}
	_, err = k.Seal([]byte("x"), nil)
	assert.ErrorIs(t, err, aead.ErrUsageLimit)

	due, err := m.IsRotationDue(id)
	require.NoError(t, err)
	assert.True(t, due)
}

func TestDeleteKey(t *testing.T) {
	store := memory.New()
	m, _ := newTestManager(t, func(c *Config) { c.Storage = store })
	id, err := m.GenerateKey(PurposeEncryption, "")
	require.NoError(t, err)

	assert.ErrorIs(t, m.DeleteKey(id), secerr.ErrInvalidArgument)

	_, err = m.RotateKey(id)
	require.NoError(t, err)
	require.NoError(t, m.DeleteKey(id))

	_, err = m.Key(id)
	assert.ErrorIs(t, err, secerr.ErrNotFound)
	exists, err := store.Exists(storage.KeyPath(id))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestListKeys_Filter(t *testing.T) {
	m, clock := newTestManager(t, nil)
	e1, _ := m.GenerateKey(PurposeEncryption, "")
	clock.Advance(time.Second)
	s1, _ := m.GenerateKey(PurposeSigning, "")
	clock.Advance(time.Second)
	e2, _ := m.RotateKey(e1)

	tests := []struct {
		name   string
		filter *Filter
		want   []string
	}{
		{"all", nil, []string{e1, s1, e2}},
		{"encryption", &Filter{Purpose: PurposeEncryption}, []string{e1, e2}},
		{"active", &Filter{Status: StatusActive}, []string{s1, e2}},
		{"inactive encryption", &Filter{Purpose: PurposeEncryption, Status: StatusInactive}, []string{e1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, md := range m.ListKeys(tt.filter) {
				got = append(got, md.ID)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateConfiguration(t *testing.T) {
	m, _ := newTestManager(t, nil)

	result := m.ValidateConfiguration()
	assert.False(t, result.IsValid)
	assert.Len(t, result.Errors, 2)

	_, err := m.GenerateKey(PurposeEncryption, "")
	require.NoError(t, err)
	_, err = m.GenerateKey(PurposeSigning, "")
	require.NoError(t, err)

	result = m.ValidateConfiguration()
	assert.True(t, result.IsValid)
	assert.Empty(t, result.Errors)
}

func TestAuditReport(t *testing.T) {
	events := audit.NewMemoryAdapter(100)
	m, _ := newTestManager(t, func(c *Config) { c.Audit = events })
	e1, _ := m.GenerateKey(PurposeEncryption, "")
	s1, _ := m.GenerateKey(PurposeSigning, "")
	e2, _ := m.RotateKey(e1)
	require.NoError(t, m.CompromiseKey(e1, "test"))

	r := m.AuditReport()
	assert.Equal(t, 3, r.TotalKeys)
	assert.Equal(t, 2, r.ByStatus[StatusActive])
	assert.Equal(t, 1, r.ByStatus[StatusCompromised])
	assert.Equal(t, 2, r.ByPurpose[PurposeEncryption])
	assert.Equal(t, e2, r.ActiveKeys[PurposeEncryption])
	assert.Equal(t, s1, r.ActiveKeys[PurposeSigning])
	require.Len(t, r.Compromised, 1)
	assert.Equal(t, e1, r.Compromised[0].ID)
	assert.True(t, r.Validation.IsValid)

	stats, err := events.GetStatistics(t.Context(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.EventsByType[audit.EventKeyGenerate])
	assert.Equal(t, int64(1), stats.EventsByType[audit.EventKeyRotate])
	assert.Equal(t, int64(1), stats.EventsByType[audit.EventKeyCompromise])
}

func TestSignVerify(t *testing.T) {
	m, _ := newTestManager(t, nil)
	_, err := m.GenerateKey(PurposeSigning, "")
	require.NoError(t, err)
	encID, err := m.GenerateKey(PurposeEncryption, "")
	require.NoError(t, err)

	kid, mac, err := m.Sign([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, m.Verify(kid, []byte("payload"), mac))

	assert.ErrorIs(t, m.Verify(kid, []byte("tampered"), mac), secerr.ErrAuthenticationFailure)
	assert.ErrorIs(t, m.Verify(encID, []byte("payload"), mac), secerr.ErrInvalidArgument)

	require.NoError(t, m.CompromiseKey(kid, "test"))
	assert.ErrorIs(t, m.Verify(kid, []byte("payload"), mac), secerr.ErrAuthenticationFailure)
}

func TestPersistence_LoadRestoresRegistry(t *testing.T) {
	store := memory.New()
	m, _ := newTestManager(t, func(c *Config) { c.Storage = store })
	e1, err := m.GenerateKey(PurposeEncryption, "")
	require.NoError(t, err)
	e2, err := m.RotateKey(e1)
	require.NoError(t, err)
	s1, err := m.GenerateKey(PurposeSigning, "")
	require.NoError(t, err)
	require.NoError(t, m.UpdateKeyUsage(e2, OpEncrypt))

	k, err := m.Key(e2)
	require.NoError(t, err)
	sealed, err := k.Seal([]byte("persisted"), nil)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	reloaded, _ := newTestManager(t, func(c *Config) { c.Storage = store })
	require.NoError(t, reloaded.Load())

	active, err := reloaded.ActiveKey(PurposeEncryption)
	require.NoError(t, err)
	assert.Equal(t, e2, active.ID())
	signing, err := reloaded.ActiveKey(PurposeSigning)
	require.NoError(t, err)
	assert.Equal(t, s1, signing.ID())

	md, err := reloaded.GetKeyMetadata(e2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), md.EncryptCount)
	md, err = reloaded.GetKeyMetadata(e1)
	require.NoError(t, err)
	assert.Equal(t, StatusInactive, md.Status)

	pt, err := active.Open(sealed.Nonce, sealed.Ciphertext, sealed.Tag, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), pt)
}

func TestPersistence_WrongWrappingKey(t *testing.T) {
	store := memory.New()
	m, _ := newTestManager(t, func(c *Config) { c.Storage = store })
	_, err := m.GenerateKey(PurposeEncryption, "")
	require.NoError(t, err)

	other, _ := newTestManager(t, func(c *Config) {
		c.Storage = store
		c.WrappingKey = []byte("ffffffffffffffffffffffffffffffff")
	})
	err = other.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, secerr.ErrIntegrity)
}

func TestBackupRestore(t *testing.T) {
	m, _ := newTestManager(t, nil)
	e1, err := m.GenerateKey(PurposeEncryption, "")
	require.NoError(t, err)
	e2, err := m.RotateKey(e1)
	require.NoError(t, err)
	s1, err := m.GenerateKey(PurposeSigning, "")
	require.NoError(t, err)

	password := []byte("correct horse battery staple")
	backups, err := m.BackupKeys(password)
	require.NoError(t, err)
	require.Len(t, backups, 3)
	for _, b := range backups {
		assert.Equal(t, backups[0].KDF.Salt, b.KDF.Salt)
		assert.NotEmpty(t, b.Checksum)
	}

	target, _ := newTestManager(t, nil)
	for _, b := range backups {
		id, err := target.RestoreKey(b, password)
		require.NoError(t, err)
		assert.Equal(t, b.KeyID, id)
	}

	active, err := target.ActiveKey(PurposeEncryption)
	require.NoError(t, err)
	assert.Equal(t, e2, active.ID())
	signing, err := target.ActiveKey(PurposeSigning)
	require.NoError(t, err)
	assert.Equal(t, s1, signing.ID())
	assert.True(t, target.ValidateConfiguration().IsValid)

	src, err := m.Key(e2)
	require.NoError(t, err)
	s, err := src.Seal([]byte("cross-process"), []byte("ctx"))
	require.NoError(t, err)
	pt, err := active.Open(s.Nonce, s.Ciphertext, s.Tag, []byte("ctx"))
	require.NoError(t, err)
	assert.Equal(t, []byte("cross-process"), pt)

	_, err = target.RestoreKey(backups[0], password)
	assert.ErrorIs(t, err, secerr.ErrAlreadyExists)
}

func TestBackupRestore_KeepsCompromiseTime(t *testing.T) {
	m, clock := newTestManager(t, nil)
	id, err := m.GenerateKey(PurposeEncryption, "")
	require.NoError(t, err)
	clock.Advance(time.Hour)
	require.NoError(t, m.CompromiseKey(id, "leaked in logs"))
	src, err := m.GetKeyMetadata(id)
	require.NoError(t, err)
	require.NotNil(t, src.CompromisedAt)

	password := []byte("master-password")
	backups, err := m.BackupKeys(password)
	require.NoError(t, err)
	require.Len(t, backups, 1)
	require.NotNil(t, backups[0].CompromisedAt)

	target, targetClock := newTestManager(t, nil)
	targetClock.Advance(30 * 24 * time.Hour)
	_, err = target.RestoreKey(backups[0], password)
	require.NoError(t, err)

	md, err := target.GetKeyMetadata(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompromised, md.Status)
	assert.Equal(t, "leaked in logs", md.CompromiseReason)
	require.NotNil(t, md.CompromisedAt)
	assert.True(t, src.CompromisedAt.Equal(*md.CompromisedAt))
}

func TestRestoreKey_Failures(t *testing.T) {
	m, _ := newTestManager(t, nil)
	_, err := m.GenerateKey(PurposeEncryption, "")
	require.NoError(t, err)
	password := []byte("master-password")
	backups, err := m.BackupKeys(password)
	require.NoError(t, err)
	require.Len(t, backups, 1)

	clone := func() *Backup {
		data, err := json.Marshal(backups[0])
		require.NoError(t, err)
		b, err := ParseBackup(data)
		require.NoError(t, err)
		return b
	}

	tests := []struct {
		name     string
		mutate   func(*Backup)
		password []byte
	}{
		{"wrong password", func(*Backup) {}, []byte("not-the-password")},
		{"tampered ciphertext", func(b *Backup) { b.Ciphertext[0] ^= 0x01 }, password},
		{"tampered checksum", func(b *Backup) { b.Checksum = strings.Repeat("0", len(b.Checksum)) }, password},
		{"tampered status", func(b *Backup) { b.Status = StatusInactive }, password},
		{"tampered key id", func(b *Backup) { b.KeyID = "someone-else" }, password},
		{"excessive kdf memory", func(b *Backup) { b.KDF.Memory = 1 << 30 }, password},
		{"unknown version", func(b *Backup) { b.Version = 99 }, password},
		{"forged compromise time", func(b *Backup) {
			at := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
			b.CompromisedAt = &at
		}, password},
		{"truncated ciphertext", func(b *Backup) { b.Ciphertext = b.Ciphertext[:4] }, password},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, _ := newTestManager(t, nil)
			b := clone()
			tt.mutate(b)

			_, err := target.RestoreKey(b, tt.password)
			require.Error(t, err)
			assert.True(t, errors.Is(err, secerr.ErrIntegrity), "got %v", err)
			assert.Empty(t, target.ListKeys(nil), "nothing is installed on failure")
		})
	}
}

func TestRestoreKey_StorageCollision(t *testing.T) {
	m, _ := newTestManager(t, nil)
	id, err := m.GenerateKey(PurposeEncryption, "")
	require.NoError(t, err)
	password := []byte("master-password")
	backups, err := m.BackupKeys(password)
	require.NoError(t, err)

	// Another process already wrote this ID; this registry never loaded it.
	st := memory.New()
	require.NoError(t, st.Put(storage.KeyPath(id), []byte(`{"version":1}`), nil))
	target, _ := newTestManager(t, func(c *Config) { c.Storage = st })

	_, err = target.RestoreKey(backups[0], password)
	assert.ErrorIs(t, err, secerr.ErrAlreadyExists)
	assert.Empty(t, target.ListKeys(nil))

	raw, err := st.Get(storage.KeyPath(id))
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":1}`, string(raw), "the stored record is untouched")
}

func TestRestoreKey_InactiveWhenSlotTaken(t *testing.T) {
	m, _ := newTestManager(t, nil)
	id, err := m.GenerateKey(PurposeEncryption, "")
	require.NoError(t, err)
	password := []byte("master-password")
	backups, err := m.BackupKeys(password)
	require.NoError(t, err)

	target, _ := newTestManager(t, nil)
	existing, err := target.GenerateKey(PurposeEncryption, "")
	require.NoError(t, err)

	restored, err := target.RestoreKey(backups[0], password)
	require.NoError(t, err)
	assert.Equal(t, id, restored)

	md, err := target.GetKeyMetadata(restored)
	require.NoError(t, err)
	assert.Equal(t, StatusInactive, md.Status)

	active, err := target.ActiveKey(PurposeEncryption)
	require.NoError(t, err)
	assert.Equal(t, existing, active.ID())
}
