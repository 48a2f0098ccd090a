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

// Package app is the composition root: it builds every securecore
// component from a config.Config and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jeremyhahn/go-securecore/internal/config"
	"github.com/jeremyhahn/go-securecore/pkg/adapters/audit"
	"github.com/jeremyhahn/go-securecore/pkg/adapters/logger"
	"github.com/jeremyhahn/go-securecore/pkg/authguard"
	"github.com/jeremyhahn/go-securecore/pkg/authguard/redisstore"
	"github.com/jeremyhahn/go-securecore/pkg/crypto/aead"
	"github.com/jeremyhahn/go-securecore/pkg/encryption"
	"github.com/jeremyhahn/go-securecore/pkg/health"
	"github.com/jeremyhahn/go-securecore/pkg/keymanager"
	"github.com/jeremyhahn/go-securecore/pkg/metrics"
	"github.com/jeremyhahn/go-securecore/pkg/ratelimit"
	"github.com/jeremyhahn/go-securecore/pkg/secerr"
	"github.com/jeremyhahn/go-securecore/pkg/storage"
	"github.com/jeremyhahn/go-securecore/pkg/storage/file"
	"github.com/jeremyhahn/go-securecore/pkg/storage/memory"
	"github.com/jeremyhahn/go-securecore/pkg/storage/redis"
	"github.com/jeremyhahn/go-securecore/pkg/storage/sqlite"
	"github.com/jeremyhahn/go-securecore/pkg/token"
	"github.com/jeremyhahn/go-securecore/pkg/transport"
)

// auditCapacity bounds the in-process audit trail.
const auditCapacity = 10000

// App holds the wired components.
type App struct {
	Config  *config.Config
	Logger  logger.Logger
	Audit   *audit.MemoryAdapter
	Storage storage.Backend
	Keys    *keymanager.Manager
	Engine  *encryption.Engine
	Guard   *authguard.Guard
	Policy  *transport.Policy
	Tokens  *token.Service
	Limiter *ratelimit.Limiter
	Health  *health.Checker

	breach  *authguard.HTTPRangeClient
	closers []func() error
}

// Options adjusts construction. The zero value is production behavior.
type Options struct {
	// LogWriter receives log output. Defaults to os.Stderr.
	LogWriter io.Writer

	// Logger replaces the logger built from config.
	Logger logger.Logger

	// Storage replaces the backend built from config.
	Storage storage.Backend

	// Now is the clock for every component.
	Now func() time.Time

	// RangeClient replaces the HTTP breach client.
	RangeClient authguard.RangeClient

	// AllowInvalidKeys opens a key registry that fails validation instead
	// of refusing to start. Administrative commands set it so a broken
	// registry can be inspected and repaired.
	AllowInvalidKeys bool
}

// NewLogger builds the slog adapter described by cfg.
func NewLogger(cfg config.LoggingConfig, w io.Writer) *logger.SlogAdapter {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		level = logger.LevelInfo
	}
	if w == nil {
		w = os.Stderr
	}
	return logger.NewSlogAdapter(&logger.SlogConfig{Level: level, Format: cfg.Format, Writer: w})
}

// OpenStorage opens the backend selected by cfg.
func OpenStorage(ctx context.Context, cfg config.StorageConfig) (storage.Backend, error) {
	switch cfg.Backend {
	case config.StorageMemory, "":
		return memory.New(), nil
	case config.StorageFile:
		return file.New(cfg.Path)
	case config.StorageSQLite:
		return sqlite.Open(cfg.Path)
	case config.StorageRedis:
		return redis.Connect(ctx, redis.Config{
			URL:       cfg.RedisURL,
			Namespace: cfg.RedisNamespace,
			OpTimeout: cfg.RedisTimeout,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// New builds every component from cfg. On error, whatever was already
// opened is closed.
func New(ctx context.Context, cfg *config.Config, opts *Options) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if opts == nil {
		opts = &Options{}
	}

	a := &App{Config: cfg, Audit: audit.NewMemoryAdapter(auditCapacity)}
	built := false
	defer func() {
		if !built {
			_ = a.Close()
		}
	}()

	a.Logger = opts.Logger
	if a.Logger == nil {
		a.Logger = NewLogger(cfg.Logging, opts.LogWriter)
	}
	if cfg.Metrics.Enabled {
		metrics.Enable()
	} else {
		metrics.Disable()
	}

	a.Storage = opts.Storage
	if a.Storage == nil {
		backend, err := OpenStorage(ctx, cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
		}
		a.Storage = backend
	}
	a.closers = append(a.closers, a.Storage.Close)

	if err := a.buildKeys(opts); err != nil {
		return nil, err
	}

	var err error
	a.Engine, err = encryption.New(&encryption.Config{
		Keys:   a.Keys,
		Logger: a.Logger.With(logger.String("component", "encryption")),
	})
	if err != nil {
		return nil, err
	}

	if err := a.buildGuard(opts); err != nil {
		return nil, err
	}

	tc := cfg.Transport
	tc.Logger = a.Logger.With(logger.String("component", "transport"))
	a.Policy, err = transport.New(&tc)
	if err != nil {
		return nil, err
	}

	a.Tokens, err = token.New(&token.Config{
		Signer:   a.Keys,
		Issuer:   cfg.Tokens.Issuer,
		Audience: cfg.Tokens.Audience,
		TTL:      cfg.Tokens.TTL,
		Leeway:   cfg.Tokens.Leeway,
		Sessions: func(id string) error {
			_, err := a.Guard.ValidateSession(id)
			return err
		},
		Logger: a.Logger.With(logger.String("component", "token")),
		Now:    opts.Now,
	})
	if err != nil {
		return nil, err
	}

	a.Limiter = ratelimit.New(ratelimit.Config{
		Enabled:           cfg.RateLimit.Enabled,
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
	})

	a.Health = health.NewChecker(0)
	a.Health.Register("storage", func(ctx context.Context) health.CheckResult {
		return health.FromError(storage.Ping(ctx, a.Storage))
	})
	a.Health.Register("keys", a.keyCheck)

	built = true
	return a, nil
}

func (a *App) buildKeys(opts *Options) error {
	kc := a.Config.Keys
	alg, err := aead.ParseAlgorithm(kc.Algorithm)
	if err != nil {
		return err
	}
	wrapping, err := kc.WrappingKeyBytes()
	if err != nil {
		return err
	}

	a.Keys, err = keymanager.New(&keymanager.Config{
		Storage:               a.Storage,
		Algorithm:             alg,
		RotationInterval:      kc.RotationInterval,
		WrappingKey:           wrapping,
		BackupKDF:             kc.BackupKDFParams(),
		KeepCompromisedActive: kc.KeepCompromisedActive,
		MaxInvocations:        kc.MaxInvocations,
		Logger:                a.Logger,
		Audit:                 a.Audit,
		Now:                   opts.Now,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.Keys.Close)

	if err := a.Keys.Load(); err != nil {
		return err
	}
	if kc.Bootstrap {
		if err := a.bootstrapKeys(); err != nil {
			return err
		}
	}

	res := a.Keys.ValidateConfiguration()
	if res.IsValid {
		return nil
	}
	if !opts.AllowInvalidKeys {
		return secerr.Configuration("app.New", "invalid key configuration: %s", strings.Join(res.Errors, "; "))
	}
	a.Logger.Warn("key configuration is invalid",
		logger.String("errors", strings.Join(res.Errors, "; ")))
	return nil
}

// bootstrapKeys generates a key for every purpose that has none active.
func (a *App) bootstrapKeys() error {
	for _, p := range []keymanager.Purpose{keymanager.PurposeEncryption, keymanager.PurposeSigning} {
		active := a.Keys.ListKeys(&keymanager.Filter{Purpose: p, Status: keymanager.StatusActive})
		if len(active) > 0 {
			continue
		}
		id, err := a.Keys.GenerateKey(p, "")
		if err != nil {
			return fmt.Errorf("bootstrap %s key: %w", p, err)
		}
		a.Logger.Info("generated initial key",
			logger.String("key_id", id),
			logger.String("purpose", string(p)))
	}
	return nil
}

func (a *App) buildGuard(opts *Options) error {
	ac := a.Config.Auth
	failMode, err := authguard.ParseFailMode(ac.Breach.FailMode)
	if err != nil {
		return err
	}
	minStrength, err := authguard.ParseStrength(ac.MinStrength)
	if err != nil {
		return err
	}

	client := opts.RangeClient
	if client == nil && ac.Breach.Enabled {
		a.breach = authguard.NewHTTPRangeClient(&authguard.HTTPRangeConfig{
			Endpoint:          ac.Breach.Endpoint,
			Timeout:           ac.Breach.Timeout,
			RequestsPerMinute: ac.Breach.RequestsPerMinute,
		})
		a.closers = append(a.closers, func() error { a.breach.Close(); return nil })
		client = a.breach
	}

	// On Redis the ledger and sessions live beside the other records so
	// every instance enforces the same lockout and session cap.
	var attempts authguard.AttemptStore
	var sessions authguard.SessionStore
	if rs, ok := a.Storage.(*redis.Storage); ok {
		attempts = redisstore.NewAttemptStore(rs.Client(), rs.Namespace())
		sessions = redisstore.NewSessionStore(rs.Client(), rs.Namespace())
		a.Logger.Info("auth state shared through redis", logger.String("namespace", rs.Namespace()))
	}

	a.Guard, err = authguard.New(&authguard.Config{
		Lockout: authguard.LockoutConfig{
			AccountMaxFailures: ac.AccountMaxFailures,
			AccountWindow:      ac.AccountWindow,
			IPMaxFailures:      ac.IPMaxFailures,
			IPWindow:           ac.IPWindow,
		},
		Session: authguard.SessionConfig{
			MaxPerUser:  ac.MaxSessions,
			IdleTimeout: ac.SessionIdle,
		},
		MFA: authguard.MFAConfig{
			Issuer:        ac.MFAIssuer,
			Period:        ac.MFAPeriod,
			Skew:          ac.MFASkew,
			Digits:        ac.MFADigits,
			RecoveryCodes: ac.RecoveryCodes,
		},
		Breach: authguard.BreachConfig{
			Client:   client,
			Timeout:  ac.Breach.Timeout,
			CacheTTL: ac.Breach.CacheTTL,
			FailMode: failMode,
		},
		MinStrength: minStrength,
		Retention:   ac.Retention,
		Storage:     a.Storage,
		Attempts:    attempts,
		Sessions:    sessions,
		Codec:       a.Engine,
		Logger:      a.Logger,
		Audit:       a.Audit,
		Now:         opts.Now,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.Guard.Close)
	return nil
}

func (a *App) keyCheck(context.Context) health.CheckResult {
	res := a.Keys.ValidateConfiguration()
	if res.IsValid {
		return health.CheckResult{Status: health.StatusHealthy}
	}
	return health.CheckResult{Status: health.StatusDegraded, Message: res.Errors[0]}
}

// Start launches the ledger janitor, which stops when ctx is cancelled,
// and marks the app started for health reporting.
func (a *App) Start(ctx context.Context) {
	if a.Config.Auth.JanitorInterval > 0 {
		a.Guard.StartJanitor(ctx, a.Config.Auth.JanitorInterval)
	}
	a.Health.MarkStarted()
}

// Close releases components in reverse construction order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
