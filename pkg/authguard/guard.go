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

// Package authguard protects the authentication path: password strength
// and breach checks, a sliding-window lockout ledger, a capped per-user
// session registry and TOTP multi-factor enrollment.
//
// The guard never calls the encryption engine or key manager directly. When
// a FieldCodec is supplied, TOTP secrets are sealed with it before they are
// written to storage.
package authguard

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeremyhahn/go-securecore/pkg/adapters/audit"
	"github.com/jeremyhahn/go-securecore/pkg/adapters/logger"
	"github.com/jeremyhahn/go-securecore/pkg/metrics"
	"github.com/jeremyhahn/go-securecore/pkg/secerr"
	"github.com/jeremyhahn/go-securecore/pkg/storage"
	"github.com/jeremyhahn/go-securecore/pkg/storage/memory"
)

// Defaults applied by New for zero config values.
const (
	DefaultAccountMaxFailures = 5
	DefaultIPMaxFailures      = 5
	DefaultLockoutWindow      = 15 * time.Minute
	DefaultMaxSessions        = 5
	DefaultSessionIdle        = 30 * time.Minute
	DefaultRetention          = 30 * 24 * time.Hour
	DefaultMFAIssuer          = "go-securecore"
	DefaultTOTPPeriod         = 30 * time.Second
	DefaultTOTPSkew           = 1
	DefaultTOTPDigits         = 6
	DefaultRecoveryCodes      = 10
	DefaultBreachTimeout      = 5 * time.Second
	DefaultBreachCacheTTL     = time.Hour
	DefaultMinStrength        = StrengthMedium
)

// FieldCodec seals single values bound to a table and field name.
// *encryption.Engine implements it.
type FieldCodec interface {
	EncryptField(table, field, value string) (string, error)
	DecryptFieldFor(table, field, serialized string) (string, error)
}

// LockoutConfig sets the sliding window lockout policy.
type LockoutConfig struct {
	AccountMaxFailures int
	AccountWindow      time.Duration
	IPMaxFailures      int
	IPWindow           time.Duration
}

// SessionConfig sets session limits. A negative IdleTimeout disables idle
// expiry.
type SessionConfig struct {
	MaxPerUser  int
	IdleTimeout time.Duration
}

// MFAConfig sets TOTP parameters.
type MFAConfig struct {
	Issuer        string
	Period        time.Duration
	Skew          uint
	Digits        int
	RecoveryCodes int
}

// BreachConfig sets breach checking. A nil Client disables it.
type BreachConfig struct {
	Client   RangeClient
	Timeout  time.Duration
	CacheTTL time.Duration
	FailMode FailMode
}

// Config configures a Guard.
type Config struct {
	Lockout LockoutConfig
	Session SessionConfig
	MFA     MFAConfig
	Breach  BreachConfig

	// MinStrength is the weakest rating CheckPassword accepts.
	MinStrength Strength

	// Retention is how long ledger entries and ended sessions are kept.
	// It is raised to the longest lockout window if shorter.
	Retention time.Duration

	// Storage persists MFA enrollments. Defaults to memory.
	Storage storage.Backend

	// Attempts holds the login ledger and Sessions the session registry.
	// Both default to in-process stores; Guards that share them share
	// lockout and session limits.
	Attempts AttemptStore
	Sessions SessionStore

	// Codec seals TOTP secrets at rest. Without one they are stored in
	// the clear.
	Codec FieldCodec

	Logger logger.Logger
	Audit  audit.Adapter
	Now    func() time.Time
	Random io.Reader
}

// Guard is the authentication security guard. Safe for concurrent use.
type Guard struct {
	lockout     LockoutConfig
	session     SessionConfig
	mfa         MFAConfig
	failMode    FailMode
	minStrength Strength
	retention   time.Duration

	log    logger.Logger
	audit  audit.Adapter
	now    func() time.Time
	random io.Reader

	attempts AttemptStore
	sessions SessionStore
	breach   *breachChecker
	mfaStore *mfaStore

	janitorOnce sync.Once
	stopOnce    sync.Once
	stop        chan struct{}
	done        chan struct{}
}

// New creates a Guard.
func New(config *Config) (*Guard, error) {
	if config == nil {
		config = &Config{}
	}
	g := &Guard{
		lockout:     config.Lockout,
		session:     config.Session,
		mfa:         config.MFA,
		failMode:    config.Breach.FailMode,
		minStrength: config.MinStrength,
		retention:   config.Retention,
		log:         config.Logger,
		audit:       config.Audit,
		now:         config.Now,
		random:      config.Random,
		attempts:    config.Attempts,
		sessions:    config.Sessions,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}

	if g.lockout.AccountMaxFailures <= 0 {
		g.lockout.AccountMaxFailures = DefaultAccountMaxFailures
	}
	if g.lockout.AccountWindow <= 0 {
		g.lockout.AccountWindow = DefaultLockoutWindow
	}
	if g.lockout.IPMaxFailures <= 0 {
		g.lockout.IPMaxFailures = DefaultIPMaxFailures
	}
	if g.lockout.IPWindow <= 0 {
		g.lockout.IPWindow = DefaultLockoutWindow
	}
	if g.session.MaxPerUser <= 0 {
		g.session.MaxPerUser = DefaultMaxSessions
	}
	if g.session.IdleTimeout == 0 {
		g.session.IdleTimeout = DefaultSessionIdle
	}
	if g.mfa.Issuer == "" {
		g.mfa.Issuer = DefaultMFAIssuer
	}
	if g.mfa.Period <= 0 {
		g.mfa.Period = DefaultTOTPPeriod
	}
	if g.mfa.Period%time.Second != 0 {
		return nil, secerr.Configuration("authguard.New", "TOTP period must be whole seconds")
	}
	if g.mfa.Skew == 0 {
		g.mfa.Skew = DefaultTOTPSkew
	}
	if g.mfa.Digits == 0 {
		g.mfa.Digits = DefaultTOTPDigits
	}
	if g.mfa.Digits != 6 && g.mfa.Digits != 8 {
		return nil, secerr.Configuration("authguard.New", "TOTP digits must be 6 or 8")
	}
	if g.mfa.RecoveryCodes <= 0 {
		g.mfa.RecoveryCodes = DefaultRecoveryCodes
	}
	if g.failMode == "" {
		g.failMode = FailOpen
	}
	if _, err := ParseFailMode(string(g.failMode)); err != nil {
		return nil, secerr.Wrap(secerr.KindConfigurationError, "authguard.New", err)
	}
	if g.minStrength == "" {
		g.minStrength = DefaultMinStrength
	}
	if _, err := ParseStrength(string(g.minStrength)); err != nil {
		return nil, secerr.Wrap(secerr.KindConfigurationError, "authguard.New", err)
	}
	if g.retention <= 0 {
		g.retention = DefaultRetention
	}
	g.retention = max(g.retention, g.lockout.AccountWindow, g.lockout.IPWindow)
	if g.log == nil {
		g.log = logger.Nop()
	}
	g.log = g.log.With(logger.String("component", "authguard"))
	if g.audit == nil {
		g.audit = audit.Nop()
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.random == nil {
		g.random = rand.Reader
	}

	if g.attempts == nil {
		g.attempts = NewMemoryAttemptStore()
	}
	if g.sessions == nil {
		g.sessions = NewMemorySessionStore()
	}

	store := config.Storage
	if store == nil {
		store = memory.New()
	}
	if config.Codec == nil {
		g.log.Warn("no field codec configured; TOTP secrets are stored unencrypted")
	}
	g.mfaStore = newMFAStore(store, config.Codec)

	if config.Breach.Client != nil {
		timeout := config.Breach.Timeout
		if timeout <= 0 {
			timeout = DefaultBreachTimeout
		}
		ttl := config.Breach.CacheTTL
		if ttl == 0 {
			ttl = DefaultBreachCacheTTL
		}
		g.breach = newBreachChecker(config.Breach.Client, timeout, ttl, g.now)
	}

	return g, nil
}

// ValidateStrength scores password. See the package level function.
func (g *Guard) ValidateStrength(password string) StrengthResult {
	return ValidateStrength(password)
}

// GenerateSecurePassword returns a random password of length characters.
func (g *Guard) GenerateSecurePassword(length int) (string, error) {
	return GenerateSecurePassword(length)
}

// CheckBreach looks password up in the breach service. Only the first five
// hex characters of its SHA-1 digest leave the process. Network failures
// return an external service error; the caller chooses how to proceed.
func (g *Guard) CheckBreach(ctx context.Context, password string) (BreachResult, error) {
	const op = "authguard.CheckBreach"
	if g.breach == nil {
		return BreachResult{}, secerr.Configuration(op, "breach checking is not configured")
	}

	start := time.Now()
	g.breach.checks.Add(1)
	prefix, suffix := hashPassword(password)
	counts, fromCache, err := g.breach.lookup(ctx, prefix)
	if err != nil {
		g.breach.failures.Add(1)
		metrics.RecordBreachCheck(metrics.BreachError)
		metrics.RecordOperation(metrics.ComponentGuard, metrics.OpBreach, metrics.StatusError, time.Since(start).Seconds())
		g.log.WarnContext(ctx, "breach check failed", logger.Error(err))
		return BreachResult{}, secerr.Wrap(secerr.KindExternalServiceError, op, err)
	}
	metrics.RecordOperation(metrics.ComponentGuard, metrics.OpBreach, metrics.StatusSuccess, time.Since(start).Seconds())
	if fromCache {
		g.breach.cacheHits.Add(1)
		metrics.RecordBreachCheck(metrics.BreachCacheHit)
	}

	n := counts[suffix]
	if n == 0 {
		metrics.RecordBreachCheck(metrics.BreachClean)
		return BreachResult{}, nil
	}
	g.breach.hits.Add(1)
	metrics.RecordBreachCheck(metrics.BreachFound)
	g.emit(ctx, &audit.Event{
		Type:     audit.EventBreachHit,
		Severity: audit.SeverityWarn,
		Outcome:  audit.OutcomeDenied,
		Metadata: map[string]string{"occurrences": strconv.Itoa(n)},
	})
	return BreachResult{IsBreached: true, Occurrences: n}, nil
}

// CheckPassword applies the strength policy and, when configured, the
// breach check. It returns a weak credential error, a breached credential
// error, or nil. If the breach service fails the configured fail mode
// applies: fail-open logs and accepts, fail-closed returns the external
// service error.
func (g *Guard) CheckPassword(ctx context.Context, password string) error {
	const op = "authguard.CheckPassword"

	res := ValidateStrength(password)
	if !res.Strength.AtLeast(g.minStrength) {
		e := secerr.New(secerr.KindWeakCredential, op, "password is too weak")
		if len(res.Feedback) > 0 {
			e.Msg = "password is too weak: " + res.Feedback[0]
		}
		return e
	}
	if g.breach == nil {
		return nil
	}

	br, err := g.CheckBreach(ctx, password)
	if err != nil {
		if g.failMode == FailClosed {
			return err
		}
		g.log.WarnContext(ctx, "breach check unavailable, accepting password (fail-open)")
		return nil
	}
	if br.IsBreached {
		return secerr.New(secerr.KindBreachedCredential, op, "password has appeared in a data breach")
	}
	return nil
}

// Prune drops ledger entries and ended sessions at or before olderThan.
// It returns the number of ledger entries removed.
func (g *Guard) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	n, err := g.attempts.Prune(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("authguard: prune attempts: %w", err)
	}
	expired, err := g.sessions.Sweep(ctx, g.now().UTC(), g.session.IdleTimeout, olderThan)
	if err != nil {
		return n, fmt.Errorf("authguard: sweep sessions: %w", err)
	}
	if expired > 0 {
		g.refreshSessionGauge(ctx)
	}
	if n > 0 || expired > 0 {
		g.log.Debug("pruned", logger.Int("attempts", n), logger.Int("expired_sessions", expired))
	}
	return n, nil
}

// StartJanitor prunes by the retention policy every interval until ctx is
// done or Close is called. Only the first call starts a janitor.
func (g *Guard) StartJanitor(ctx context.Context, interval time.Duration) {
	g.janitorOnce.Do(func() {
		go func() {
			defer close(g.done)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-g.stop:
					return
				case <-ticker.C:
					if _, err := g.Prune(ctx, g.now().Add(-g.retention)); err != nil {
						g.log.WarnContext(ctx, "janitor prune failed", logger.Error(err))
					}
				}
			}
		}()
	})
}

// Close stops the janitor.
func (g *Guard) Close() error {
	g.stopOnce.Do(func() {
		close(g.stop)
		// Without a running janitor nothing else closes done.
		g.janitorOnce.Do(func() { close(g.done) })
	})
	<-g.done
	return nil
}

func (g *Guard) emit(ctx context.Context, e *audit.Event) {
	e.ID = uuid.NewString()
	e.Timestamp = g.now().UTC()
	if err := g.audit.LogEvent(ctx, e); err != nil {
		g.log.WarnContext(ctx, "audit event dropped", logger.String("type", string(e.Type)), logger.Error(err))
	}
}
