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

// Package config loads the securecore process configuration from a YAML
// file, applies SECURECORE_* environment overrides, and validates it.
package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/jeremyhahn/go-securecore/pkg/adapters/kdf"
	"github.com/jeremyhahn/go-securecore/pkg/adapters/logger"
	"github.com/jeremyhahn/go-securecore/pkg/authguard"
	"github.com/jeremyhahn/go-securecore/pkg/crypto/aead"
	"github.com/jeremyhahn/go-securecore/pkg/keymanager"
	"github.com/jeremyhahn/go-securecore/pkg/transport"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SECURECORE_"

// Storage backend names.
const (
	StorageMemory = "memory"
	StorageFile   = "file"
	StorageSQLite = "sqlite"
	StorageRedis  = "redis"
)

// Config represents the complete process configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server" envPrefix:"SERVER_"`
	Logging   LoggingConfig    `yaml:"logging" envPrefix:"LOG_"`
	Storage   StorageConfig    `yaml:"storage" envPrefix:"STORAGE_"`
	Keys      KeysConfig       `yaml:"keys" envPrefix:"KEYS_"`
	Auth      AuthConfig       `yaml:"auth" envPrefix:"AUTH_"`
	Tokens    TokenConfig      `yaml:"tokens" envPrefix:"TOKENS_"`
	Transport transport.Config `yaml:"transport" envPrefix:"TRANSPORT_"`
	RateLimit RateLimitConfig  `yaml:"ratelimit" envPrefix:"RATELIMIT_"`
	Metrics   MetricsConfig    `yaml:"metrics" envPrefix:"METRICS_"`
}

// ServerConfig contains HTTP listener settings. TLS files live under
// transport.tls.
type ServerConfig struct {
	Address         string        `yaml:"address" env:"ADDRESS"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	// APIKeys grant access to the /v1 administrative endpoints in
	// addition to bearer tokens. Empty leaves them open.
	APIKeys []string `yaml:"api_keys" env:"API_KEYS" envSeparator:","`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// StorageConfig selects the persistence backend for keys and MFA records.
type StorageConfig struct {
	Backend string `yaml:"backend" env:"BACKEND"` // memory, file, sqlite, redis

	// Path is the directory for file and the database file for sqlite.
	Path string `yaml:"path" env:"PATH"`

	RedisURL       string        `yaml:"redis_url" env:"REDIS_URL"`
	RedisNamespace string        `yaml:"redis_namespace" env:"REDIS_NAMESPACE"`
	RedisTimeout   time.Duration `yaml:"redis_timeout" env:"REDIS_TIMEOUT"`
}

// KDFConfig is the Argon2id work factor for key backups.
type KDFConfig struct {
	Time      uint32 `yaml:"time" env:"TIME"`
	MemoryKiB uint32 `yaml:"memory_kib" env:"MEMORY_KIB"`
	Threads   uint8  `yaml:"threads" env:"THREADS"`
}

// KeysConfig controls the key manager.
type KeysConfig struct {
	Algorithm        string        `yaml:"algorithm" env:"ALGORITHM"` // auto, aes-256-gcm, chacha20-poly1305
	RotationInterval time.Duration `yaml:"rotation_interval" env:"ROTATION_INTERVAL"`

	// WrappingKey is 32 hex-encoded bytes. WrappingKeyFile takes
	// precedence when both are set.
	WrappingKey     string `yaml:"wrapping_key" env:"WRAPPING_KEY"`
	WrappingKeyFile string `yaml:"wrapping_key_file" env:"WRAPPING_KEY_FILE"`

	KeepCompromisedActive bool      `yaml:"keep_compromised_active" env:"KEEP_COMPROMISED_ACTIVE"`
	MaxInvocations        int64     `yaml:"max_invocations" env:"MAX_INVOCATIONS"`
	BackupKDF             KDFConfig `yaml:"backup_kdf" envPrefix:"BACKUP_KDF_"`

	// Bootstrap generates an encryption and a signing key at startup
	// when none exist.
	Bootstrap bool `yaml:"bootstrap" env:"BOOTSTRAP"`
}

// BreachConfig controls the k-anonymity breach lookup.
type BreachConfig struct {
	Enabled           bool          `yaml:"enabled" env:"ENABLED"`
	Endpoint          string        `yaml:"endpoint" env:"ENDPOINT"`
	Timeout           time.Duration `yaml:"timeout" env:"TIMEOUT"`
	CacheTTL          time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
	FailMode          string        `yaml:"fail_mode" env:"FAIL_MODE"` // fail-open, fail-closed
	RequestsPerMinute int           `yaml:"requests_per_minute" env:"REQUESTS_PER_MINUTE"`
}

// AuthConfig controls lockout, sessions, MFA and password policy.
type AuthConfig struct {
	AccountMaxFailures int           `yaml:"account_max_failures" env:"ACCOUNT_MAX_FAILURES"`
	AccountWindow      time.Duration `yaml:"account_window" env:"ACCOUNT_WINDOW"`
	IPMaxFailures      int           `yaml:"ip_max_failures" env:"IP_MAX_FAILURES"`
	IPWindow           time.Duration `yaml:"ip_window" env:"IP_WINDOW"`

	MaxSessions int           `yaml:"max_sessions" env:"MAX_SESSIONS"`
	SessionIdle time.Duration `yaml:"session_idle" env:"SESSION_IDLE"`

	MFAIssuer     string        `yaml:"mfa_issuer" env:"MFA_ISSUER"`
	MFADigits     int           `yaml:"mfa_digits" env:"MFA_DIGITS"`
	MFAPeriod     time.Duration `yaml:"mfa_period" env:"MFA_PERIOD"`
	MFASkew       uint          `yaml:"mfa_skew" env:"MFA_SKEW"` // periods accepted either side of now; 0 means 1
	RecoveryCodes int           `yaml:"recovery_codes" env:"RECOVERY_CODES"`

	MinStrength     string        `yaml:"min_strength" env:"MIN_STRENGTH"`
	Retention       time.Duration `yaml:"retention" env:"RETENTION"`
	JanitorInterval time.Duration `yaml:"janitor_interval" env:"JANITOR_INTERVAL"`

	Breach BreachConfig `yaml:"breach" envPrefix:"BREACH_"`
}

// TokenConfig controls bearer tokens.
type TokenConfig struct {
	Issuer   string        `yaml:"issuer" env:"ISSUER"`
	Audience string        `yaml:"audience" env:"AUDIENCE"`
	TTL      time.Duration `yaml:"ttl" env:"TTL"`
	Leeway   time.Duration `yaml:"leeway" env:"LEEWAY"`
}

// RateLimitConfig controls per-client HTTP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" env:"ENABLED"`
	RequestsPerMinute int  `yaml:"requests_per_minute" env:"REQUESTS_PER_MINUTE"`
	Burst             int  `yaml:"burst" env:"BURST"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Path    string `yaml:"path" env:"PATH"`
}

// Default returns a configuration that passes Validate: in-memory storage,
// an ephemeral wrapping key, and breach checks disabled.
func Default() *Config {
	argon := kdf.DefaultParams(kdf.AlgorithmArgon2id)
	return &Config{
		Server: ServerConfig{
			Address:         "127.0.0.1:8443",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: logger.FormatText},
		Storage: StorageConfig{Backend: StorageMemory},
		Keys: KeysConfig{
			Algorithm:        string(aead.Auto),
			RotationInterval: keymanager.DefaultRotationInterval,
			BackupKDF: KDFConfig{
				Time:      argon.Time,
				MemoryKiB: argon.Memory,
				Threads:   argon.Threads,
			},
			Bootstrap: true,
		},
		Auth: AuthConfig{
			AccountMaxFailures: authguard.DefaultAccountMaxFailures,
			AccountWindow:      authguard.DefaultLockoutWindow,
			IPMaxFailures:      authguard.DefaultIPMaxFailures,
			IPWindow:           authguard.DefaultLockoutWindow,
			MaxSessions:        authguard.DefaultMaxSessions,
			SessionIdle:        authguard.DefaultSessionIdle,
			MFAIssuer:          authguard.DefaultMFAIssuer,
			MFADigits:          authguard.DefaultTOTPDigits,
			MFAPeriod:          authguard.DefaultTOTPPeriod,
			MFASkew:            authguard.DefaultTOTPSkew,
			RecoveryCodes:      authguard.DefaultRecoveryCodes,
			MinStrength:        string(authguard.DefaultMinStrength),
			Retention:          authguard.DefaultRetention,
			JanitorInterval:    10 * time.Minute,
			Breach: BreachConfig{
				Endpoint:          authguard.DefaultBreachEndpoint,
				Timeout:           authguard.DefaultBreachTimeout,
				CacheTTL:          authguard.DefaultBreachCacheTTL,
				FailMode:          string(authguard.FailOpen),
				RequestsPerMinute: 60,
			},
		},
		Tokens: TokenConfig{
			Issuer:   "go-securecore",
			Audience: "securecore",
			TTL:      15 * time.Minute,
			Leeway:   30 * time.Second,
		},
		Transport: transport.Config{
			TLS: transport.TLSConfig{MinVersion: "TLS1.2"},
		},
		RateLimit: RateLimitConfig{Enabled: true, RequestsPerMinute: 600, Burst: 100},
		Metrics:   MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load reads path over Default, applies environment overrides, and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		// #nosec G304 - config path is supplied by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides cfg from SECURECORE_* environment variables. Unset
// variables leave the current values in place.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Address == "" {
		add("server address must be specified")
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 || c.Server.IdleTimeout < 0 {
		add("server timeouts must not be negative")
	}
	for _, k := range c.Server.APIKeys {
		if len(k) < 16 {
			add("server api keys must be at least 16 characters")
			break
		}
	}

	if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
		add("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case logger.FormatText, logger.FormatJSON:
	default:
		add("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	switch c.Storage.Backend {
	case StorageMemory:
	case StorageFile, StorageSQLite:
		if c.Storage.Path == "" {
			add("storage path is required for the %s backend", c.Storage.Backend)
		}
	case StorageRedis:
		if c.Storage.RedisURL == "" {
			add("storage redis_url is required for the redis backend")
		}
	default:
		add("invalid storage backend: %q (must be memory, file, sqlite, or redis)", c.Storage.Backend)
	}

	if _, err := aead.ParseAlgorithm(c.Keys.Algorithm); err != nil {
		add("invalid key algorithm: %q", c.Keys.Algorithm)
	}
	if c.Keys.RotationInterval <= 0 {
		add("key rotation interval must be positive")
	}
	if c.Keys.MaxInvocations < 0 {
		add("key max invocations must not be negative")
	}
	if c.Keys.WrappingKeyFile == "" && c.Keys.WrappingKey != "" {
		if _, err := decodeWrappingKey(c.Keys.WrappingKey); err != nil {
			add("%v", err)
		}
	}
	if err := kdf.ValidateCost(c.Keys.BackupKDFParams()); err != nil {
		add("backup kdf: %v", err)
	}

	if c.Auth.AccountMaxFailures <= 0 || c.Auth.IPMaxFailures <= 0 {
		add("lockout thresholds must be positive")
	}
	if c.Auth.AccountWindow <= 0 || c.Auth.IPWindow <= 0 {
		add("lockout windows must be positive")
	}
	if c.Auth.MaxSessions <= 0 {
		add("max sessions must be positive")
	}
	if c.Auth.SessionIdle < 0 {
		add("session idle timeout must not be negative")
	}
	if c.Auth.MFADigits != 6 && c.Auth.MFADigits != 8 {
		add("mfa digits must be 6 or 8")
	}
	if c.Auth.MFAPeriod <= 0 || c.Auth.MFAPeriod%time.Second != 0 {
		add("mfa period must be a positive whole number of seconds")
	}
	if c.Auth.MFASkew > 10 {
		add("mfa skew must be at most 10 periods")
	}
	if _, err := authguard.ParseStrength(c.Auth.MinStrength); err != nil {
		add("invalid min strength: %q", c.Auth.MinStrength)
	}
	if c.Auth.Retention < c.Auth.AccountWindow || c.Auth.Retention < c.Auth.IPWindow {
		add("auth retention must cover the lockout windows")
	}
	if _, err := authguard.ParseFailMode(c.Auth.Breach.FailMode); err != nil {
		add("invalid breach fail mode: %q (must be fail-open or fail-closed)", c.Auth.Breach.FailMode)
	}
	if c.Auth.Breach.Enabled {
		u, err := url.Parse(c.Auth.Breach.Endpoint)
		if err != nil || u.Scheme != "https" || u.Host == "" {
			add("breach endpoint must be an https URL")
		}
		if c.Auth.Breach.Timeout <= 0 {
			add("breach timeout must be positive")
		}
	}

	if c.Tokens.TTL <= 0 {
		add("token ttl must be positive")
	}
	if c.Tokens.Leeway < 0 {
		add("token leeway must not be negative")
	}

	if _, err := transport.New(&c.Transport); err != nil {
		add("invalid transport policy: %v", err)
	}

	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute <= 0 {
		add("ratelimit requests_per_minute must be positive when enabled")
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		add("metrics path must start with /")
	}

	return errors.Join(errs...)
}

// BackupKDFParams returns the Argon2id parameters for key backups.
func (k KeysConfig) BackupKDFParams() *kdf.Params {
	p := kdf.DefaultParams(kdf.AlgorithmArgon2id)
	p.Time = k.BackupKDF.Time
	p.Memory = k.BackupKDF.MemoryKiB
	p.Threads = k.BackupKDF.Threads
	return p
}

// WrappingKeyBytes returns the configured wrapping key, or nil when none
// is set.
func (k KeysConfig) WrappingKeyBytes() ([]byte, error) {
	raw := k.WrappingKey
	if k.WrappingKeyFile != "" {
		// #nosec G304 - key file path is supplied by the operator
		data, err := os.ReadFile(k.WrappingKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read wrapping key file: %w", err)
		}
		raw = string(data)
	}
	if raw == "" {
		return nil, nil
	}
	return decodeWrappingKey(raw)
}

func decodeWrappingKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("wrapping key must be hex encoded: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("wrapping key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}
