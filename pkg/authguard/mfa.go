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

package authguard

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"hash/fnv"
	"io"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/jeremyhahn/go-securecore/pkg/adapters/audit"
	"github.com/jeremyhahn/go-securecore/pkg/adapters/logger"
	"github.com/jeremyhahn/go-securecore/pkg/metrics"
	"github.com/jeremyhahn/go-securecore/pkg/secerr"
	"github.com/jeremyhahn/go-securecore/pkg/storage"
)

// MFAState is an enrollment state.
type MFAState string

const (
	MFAPending  MFAState = "pending"
	MFAEnabled  MFAState = "enabled"
	MFADisabled MFAState = "disabled"
)

const (
	recoveryAlphabet   = "abcdefghjkmnpqrstuvwxyz23456789"
	recoveryCodeLength = 10

	secretTable = "mfa_enrollments"
	secretField = "totp_secret"
)

// MFASetup is returned once by SetupMFA. The secret and recovery codes are
// not retrievable later.
type MFASetup struct {
	Secret        string   `json:"secret"`
	URI           string   `json:"uri"`
	RecoveryCodes []string `json:"recovery_codes"`
}

// MFAStatus describes an enrollment without secrets.
type MFAStatus struct {
	UserID                 string     `json:"user_id"`
	State                  MFAState   `json:"state"`
	RecoveryCodesRemaining int        `json:"recovery_codes_remaining"`
	CreatedAt              time.Time  `json:"created_at"`
	EnabledAt              *time.Time `json:"enabled_at,omitempty"`
	DisabledAt             *time.Time `json:"disabled_at,omitempty"`
}

type recoveryCode struct {
	Hash   string     `json:"hash"`
	UsedAt *time.Time `json:"used_at,omitempty"`
}

// enrollment is the stored record. Secret is sealed by the codec when one
// is configured.
type enrollment struct {
	UserID        string         `json:"user_id"`
	State         MFAState       `json:"state"`
	Secret        string         `json:"secret,omitempty"`
	Sealed        bool           `json:"sealed"`
	RecoveryCodes []recoveryCode `json:"recovery_codes"`
	LastStep      int64          `json:"last_step"`
	CreatedAt     time.Time      `json:"created_at"`
	EnabledAt     *time.Time     `json:"enabled_at,omitempty"`
	DisabledAt    *time.Time     `json:"disabled_at,omitempty"`
}

func (e *enrollment) status() MFAStatus {
	remaining := 0
	for _, c := range e.RecoveryCodes {
		if c.UsedAt == nil {
			remaining++
		}
	}
	return MFAStatus{
		UserID:                 e.UserID,
		State:                  e.State,
		RecoveryCodesRemaining: remaining,
		CreatedAt:              e.CreatedAt,
		EnabledAt:              e.EnabledAt,
		DisabledAt:             e.DisabledAt,
	}
}

// mfaStore persists enrollments and serializes changes per user with a
// fixed set of striped locks.
type mfaStore struct {
	backend storage.Backend
	codec   FieldCodec
	locks   [64]sync.Mutex
}

func newMFAStore(backend storage.Backend, codec FieldCodec) *mfaStore {
	return &mfaStore{backend: backend, codec: codec}
}

func (s *mfaStore) lock(userID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	m := &s.locks[h.Sum32()%uint32(len(s.locks))]
	m.Lock()
	return m.Unlock
}

func (s *mfaStore) get(userID string) (*enrollment, error) {
	data, err := s.backend.Get(storage.MFAPath(userID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, secerr.NotFound("authguard.mfa", "no MFA enrollment for user")
		}
		return nil, err
	}
	var e enrollment
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, secerr.Wrap(secerr.KindIntegrityError, "authguard.mfa", err)
	}
	return &e, nil
}

func (s *mfaStore) put(e *enrollment) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.backend.Put(storage.MFAPath(e.UserID), data, nil)
}

func (s *mfaStore) seal(secret string) (string, bool, error) {
	if s.codec == nil {
		return secret, false, nil
	}
	sealed, err := s.codec.EncryptField(secretTable, secretField, secret)
	if err != nil {
		return "", false, err
	}
	return sealed, true, nil
}

func (s *mfaStore) open(e *enrollment) (string, error) {
	if !e.Sealed {
		return e.Secret, nil
	}
	if s.codec == nil {
		return "", secerr.Configuration("authguard.mfa", "enrollment secret is sealed but no codec is configured")
	}
	return s.codec.DecryptFieldFor(secretTable, secretField, e.Secret)
}

func (s *mfaStore) list() ([]*enrollment, error) {
	ids, err := storage.ListMFA(s.backend)
	if err != nil {
		return nil, err
	}
	out := make([]*enrollment, 0, len(ids))
	for _, id := range ids {
		e, err := s.get(id)
		if err != nil {
			if errors.Is(err, secerr.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func normalizeRecoveryCode(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}

func hashRecoveryCode(code string) string {
	sum := sha256.Sum256([]byte(normalizeRecoveryCode(code)))
	return hex.EncodeToString(sum[:])
}

func generateRecoveryCodes(random io.Reader, n int) ([]string, []recoveryCode, error) {
	alphabet := big.NewInt(int64(len(recoveryAlphabet)))
	codes := make([]string, n)
	hashes := make([]recoveryCode, n)
	buf := make([]byte, recoveryCodeLength)
	for i := range codes {
		for j := range buf {
			idx, err := rand.Int(random, alphabet)
			if err != nil {
				return nil, nil, err
			}
			buf[j] = recoveryAlphabet[idx.Int64()]
		}
		codes[i] = string(buf[:recoveryCodeLength/2]) + "-" + string(buf[recoveryCodeLength/2:])
		hashes[i] = recoveryCode{Hash: hashRecoveryCode(codes[i])}
	}
	return codes, hashes, nil
}

func (g *Guard) totpOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    uint(g.mfa.Period / time.Second),
		Skew:      g.mfa.Skew,
		Digits:    otp.Digits(g.mfa.Digits),
		Algorithm: otp.AlgorithmSHA1,
	}
}

func (g *Guard) looksLikeTOTP(code string) bool {
	if len(code) != g.mfa.Digits {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// matchTOTP checks code against every step within the skew and returns the
// matching step. Steps at or before lastStep are rejected as replays.
func (g *Guard) matchTOTP(secret, code string, lastStep int64) (int64, bool) {
	if !g.looksLikeTOTP(code) {
		return 0, false
	}
	opts := g.totpOpts()
	now := g.now()
	period := int64(opts.Period)
	skew := int64(opts.Skew)
	for off := -skew; off <= skew; off++ {
		t := now.Add(time.Duration(off*period) * time.Second)
		want, err := totp.GenerateCodeCustom(secret, t, opts)
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 {
			step := t.Unix() / period
			if step <= lastStep {
				return 0, false
			}
			return step, true
		}
	}
	return 0, false
}

// consumeRecovery marks a matching unused recovery code as used.
func consumeRecovery(e *enrollment, code string, now time.Time) bool {
	want := hashRecoveryCode(code)
	for i := range e.RecoveryCodes {
		c := &e.RecoveryCodes[i]
		if c.UsedAt != nil {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(c.Hash), []byte(want)) == 1 {
			t := now
			c.UsedAt = &t
			return true
		}
	}
	return false
}

func (g *Guard) mfaFailure(ctx context.Context, userID, action string, state MFAState) error {
	g.log.WarnContext(ctx, "invalid MFA code",
		logger.String("user_id", userID),
		logger.String("action", action),
		logger.String("state", string(state)))
	g.emit(ctx, &audit.Event{
		Type:      audit.EventMFAVerifyFailed,
		Severity:  audit.SeverityWarn,
		Outcome:   audit.OutcomeFailure,
		Principal: userID,
		Metadata:  map[string]string{"action": action},
	})
	return secerr.AuthenticationFailure("authguard."+action, "invalid verification code")
}

// SetupMFA starts a TOTP enrollment for userID in the pending state and
// returns the shared secret, an otpauth:// provisioning URI and fresh
// recovery codes. An enabled enrollment must be disabled first.
func (g *Guard) SetupMFA(ctx context.Context, userID string) (*MFASetup, error) {
	const op = "authguard.SetupMFA"
	if userID == "" {
		return nil, secerr.InvalidArgument(op, "user id is required")
	}
	unlock := g.mfaStore.lock(userID)
	defer unlock()

	existing, err := g.mfaStore.get(userID)
	if err != nil && !errors.Is(err, secerr.ErrNotFound) {
		return nil, err
	}
	if existing != nil && existing.State == MFAEnabled {
		return nil, secerr.New(secerr.KindAlreadyExists, op, "MFA is already enabled")
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      g.mfa.Issuer,
		AccountName: userID,
		Period:      uint(g.mfa.Period / time.Second),
		Digits:      otp.Digits(g.mfa.Digits),
		Algorithm:   otp.AlgorithmSHA1,
		Rand:        g.random,
	})
	if err != nil {
		return nil, err
	}
	codes, hashes, err := generateRecoveryCodes(g.random, g.mfa.RecoveryCodes)
	if err != nil {
		return nil, err
	}
	sealed, isSealed, err := g.mfaStore.seal(key.Secret())
	if err != nil {
		return nil, err
	}

	e := &enrollment{
		UserID:        userID,
		State:         MFAPending,
		Secret:        sealed,
		Sealed:        isSealed,
		RecoveryCodes: hashes,
		CreatedAt:     g.now().UTC(),
	}
	if err := g.mfaStore.put(e); err != nil {
		return nil, err
	}

	g.log.InfoContext(ctx, "MFA setup started", logger.String("user_id", userID))
	g.emit(ctx, &audit.Event{
		Type:      audit.EventMFASetup,
		Severity:  audit.SeverityInfo,
		Outcome:   audit.OutcomeSuccess,
		Principal: userID,
	})
	return &MFASetup{Secret: key.Secret(), URI: key.URL(), RecoveryCodes: codes}, nil
}

// EnableMFA moves a pending enrollment to enabled once code is a valid
// TOTP code. A wrong code leaves the enrollment pending. Recovery codes are
// not accepted here.
func (g *Guard) EnableMFA(ctx context.Context, userID, code string) error {
	const op = "authguard.EnableMFA"
	unlock := g.mfaStore.lock(userID)
	defer unlock()

	e, err := g.mfaStore.get(userID)
	if err != nil {
		return err
	}
	if e.State != MFAPending {
		return secerr.InvalidArgument(op, "enrollment is %s, not pending", e.State)
	}
	secret, err := g.mfaStore.open(e)
	if err != nil {
		return err
	}
	step, ok := g.matchTOTP(secret, code, e.LastStep)
	metrics.RecordMFAVerification(metrics.MFAMethodTOTP, ok)
	if !ok {
		return g.mfaFailure(ctx, userID, "enable", e.State)
	}

	now := g.now().UTC()
	e.State = MFAEnabled
	e.EnabledAt = &now
	e.LastStep = step
	if err := g.mfaStore.put(e); err != nil {
		return err
	}
	g.log.InfoContext(ctx, "MFA enabled", logger.String("user_id", userID))
	g.emit(ctx, &audit.Event{
		Type:      audit.EventMFAEnable,
		Severity:  audit.SeverityInfo,
		Outcome:   audit.OutcomeSuccess,
		Principal: userID,
	})
	return nil
}

// verifyLocked accepts a TOTP code or an unused recovery code for an
// enabled enrollment and persists the consumed step or code. The caller
// holds the user's lock.
func (g *Guard) verifyLocked(ctx context.Context, e *enrollment, code, action string, allowRecovery bool) error {
	if e.State != MFAEnabled {
		return secerr.InvalidArgument("authguard."+action, "MFA is not enabled")
	}
	secret, err := g.mfaStore.open(e)
	if err != nil {
		return err
	}

	if step, ok := g.matchTOTP(secret, code, e.LastStep); ok {
		metrics.RecordMFAVerification(metrics.MFAMethodTOTP, true)
		e.LastStep = step
		return g.mfaStore.put(e)
	}
	if allowRecovery && !g.looksLikeTOTP(code) {
		now := g.now().UTC()
		ok := consumeRecovery(e, code, now)
		metrics.RecordMFAVerification(metrics.MFAMethodRecovery, ok)
		if ok {
			if err := g.mfaStore.put(e); err != nil {
				return err
			}
			g.log.InfoContext(ctx, "recovery code used", logger.String("user_id", e.UserID))
			g.emit(ctx, &audit.Event{
				Type:      audit.EventMFARecoveryUsed,
				Severity:  audit.SeverityWarn,
				Outcome:   audit.OutcomeSuccess,
				Principal: e.UserID,
			})
			return nil
		}
	} else {
		metrics.RecordMFAVerification(metrics.MFAMethodTOTP, false)
	}
	return g.mfaFailure(ctx, e.UserID, action, e.State)
}

// VerifyCode checks a login code for an enabled enrollment: a TOTP code
// within the skew window that has not been used before, or an unused
// recovery code, which is consumed.
func (g *Guard) VerifyCode(ctx context.Context, userID, code string) error {
	unlock := g.mfaStore.lock(userID)
	defer unlock()

	e, err := g.mfaStore.get(userID)
	if err != nil {
		return err
	}
	return g.verifyLocked(ctx, e, code, "verify", true)
}

// DisableMFA turns off an enabled enrollment after verifying code. The
// secret and recovery codes are discarded.
func (g *Guard) DisableMFA(ctx context.Context, userID, code string) error {
	unlock := g.mfaStore.lock(userID)
	defer unlock()

	e, err := g.mfaStore.get(userID)
	if err != nil {
		return err
	}
	if err := g.verifyLocked(ctx, e, code, "disable", true); err != nil {
		return err
	}

	now := g.now().UTC()
	e.State = MFADisabled
	e.DisabledAt = &now
	e.Secret = ""
	e.Sealed = false
	e.RecoveryCodes = nil
	if err := g.mfaStore.put(e); err != nil {
		return err
	}
	g.log.InfoContext(ctx, "MFA disabled", logger.String("user_id", userID))
	g.emit(ctx, &audit.Event{
		Type:      audit.EventMFADisable,
		Severity:  audit.SeverityWarn,
		Outcome:   audit.OutcomeSuccess,
		Principal: userID,
	})
	return nil
}

// RegenerateRecoveryCodes replaces all recovery codes after verifying a
// TOTP code.
func (g *Guard) RegenerateRecoveryCodes(ctx context.Context, userID, code string) ([]string, error) {
	unlock := g.mfaStore.lock(userID)
	defer unlock()

	e, err := g.mfaStore.get(userID)
	if err != nil {
		return nil, err
	}
	if err := g.verifyLocked(ctx, e, code, "regenerate", false); err != nil {
		return nil, err
	}
	codes, hashes, err := generateRecoveryCodes(g.random, g.mfa.RecoveryCodes)
	if err != nil {
		return nil, err
	}
	e.RecoveryCodes = hashes
	if err := g.mfaStore.put(e); err != nil {
		return nil, err
	}
	return codes, nil
}

// GetMFAStatus returns the enrollment state of userID.
func (g *Guard) GetMFAStatus(userID string) (MFAStatus, error) {
	e, err := g.mfaStore.get(userID)
	if err != nil {
		return MFAStatus{}, err
	}
	return e.status(), nil
}
