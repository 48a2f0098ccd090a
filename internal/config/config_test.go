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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWrappingKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, StorageMemory, cfg.Storage.Backend)
	assert.Equal(t, 5, cfg.Auth.AccountMaxFailures)
	assert.Equal(t, 15*time.Minute, cfg.Auth.AccountWindow)
	assert.False(t, cfg.Auth.Breach.Enabled)
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Address, cfg.Server.Address)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  address: "0.0.0.0:9443"
  api_keys: ["0123456789abcdef0123"]
logging:
  level: debug
  format: json
storage:
  backend: sqlite
  path: /var/lib/securecore/keys.db
keys:
  algorithm: chacha20-poly1305
  rotation_interval: 720h
  wrapping_key: "`+testWrappingKey+`"
auth:
  account_max_failures: 3
  account_window: 10m
  mfa_period: 60s
  mfa_skew: 2
  min_strength: strong
  breach:
    enabled: true
    fail_mode: fail-closed
transport:
  cors:
    allowed_origins: ["https://app.example.com"]
  tls:
    min_version: TLS1.3
ratelimit:
  requests_per_minute: 120
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9443", cfg.Server.Address)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, StorageSQLite, cfg.Storage.Backend)
	assert.Equal(t, "chacha20-poly1305", cfg.Keys.Algorithm)
	assert.Equal(t, 30*24*time.Hour, cfg.Keys.RotationInterval)
	assert.Equal(t, 3, cfg.Auth.AccountMaxFailures)
	assert.Equal(t, 10*time.Minute, cfg.Auth.AccountWindow)
	assert.Equal(t, time.Minute, cfg.Auth.MFAPeriod)
	assert.Equal(t, uint(2), cfg.Auth.MFASkew)
	assert.Equal(t, "fail-closed", cfg.Auth.Breach.FailMode)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Transport.CORS.AllowedOrigins)
	assert.Equal(t, "TLS1.3", cfg.Transport.TLS.MinVersion)
	assert.Equal(t, 120, cfg.RateLimit.RequestsPerMinute)

	// Unspecified values keep their defaults.
	assert.Equal(t, Default().Auth.IPMaxFailures, cfg.Auth.IPMaxFailures)
	assert.Equal(t, Default().Auth.Breach.Endpoint, cfg.Auth.Breach.Endpoint)

	key, err := cfg.Keys.WrappingKeyBytes()
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	_, err = Load(writeConfig(t, "server: ["))
	assert.ErrorContains(t, err, "failed to parse config file")

	_, err = Load(writeConfig(t, "server:\n  adress: typo\n"))
	assert.ErrorContains(t, err, "failed to parse config file")

	_, err = Load(writeConfig(t, "storage:\n  backend: etcd\n"))
	assert.ErrorContains(t, err, "invalid storage backend")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SECURECORE_SERVER_ADDRESS", "127.0.0.1:7000")
	t.Setenv("SECURECORE_LOG_LEVEL", "warn")
	t.Setenv("SECURECORE_STORAGE_BACKEND", "redis")
	t.Setenv("SECURECORE_STORAGE_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("SECURECORE_KEYS_WRAPPING_KEY", testWrappingKey)
	t.Setenv("SECURECORE_KEYS_BACKUP_KDF_TIME", "4")
	t.Setenv("SECURECORE_AUTH_IP_MAX_FAILURES", "9")
	t.Setenv("SECURECORE_AUTH_MFA_PERIOD", "45s")
	t.Setenv("SECURECORE_AUTH_MFA_SKEW", "0")
	t.Setenv("SECURECORE_AUTH_BREACH_FAIL_MODE", "fail-closed")
	t.Setenv("SECURECORE_TRANSPORT_CORS_ALLOWED_ORIGINS", "https://a.example.com,https://*.b.example.com")
	t.Setenv("SECURECORE_TRANSPORT_TLS_MIN_VERSION", "TLS1.3")
	t.Setenv("SECURECORE_RATELIMIT_ENABLED", "false")

	path := writeConfig(t, "server:\n  address: \"0.0.0.0:1\"\nlogging:\n  level: debug\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", cfg.Server.Address)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, StorageRedis, cfg.Storage.Backend)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Storage.RedisURL)
	assert.Equal(t, testWrappingKey, cfg.Keys.WrappingKey)
	assert.Equal(t, uint32(4), cfg.Keys.BackupKDF.Time)
	assert.Equal(t, 9, cfg.Auth.IPMaxFailures)
	assert.Equal(t, 45*time.Second, cfg.Auth.MFAPeriod)
	assert.Zero(t, cfg.Auth.MFASkew)
	assert.Equal(t, "fail-closed", cfg.Auth.Breach.FailMode)
	assert.Equal(t, []string{"https://a.example.com", "https://*.b.example.com"}, cfg.Transport.CORS.AllowedOrigins)
	assert.Equal(t, "TLS1.3", cfg.Transport.TLS.MinVersion)
	assert.False(t, cfg.RateLimit.Enabled)
}

func TestEnvInvalidValue(t *testing.T) {
	t.Setenv("SECURECORE_AUTH_MAX_SESSIONS", "lots")
	_, err := Load("")
	assert.ErrorContains(t, err, "parse env")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty address", func(c *Config) { c.Server.Address = "" }, "server address"},
		{"short api key", func(c *Config) { c.Server.APIKeys = []string{"short"} }, "api keys"},
		{"log level", func(c *Config) { c.Logging.Level = "trace" }, "invalid log level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "invalid log format"},
		{"file without path", func(c *Config) { c.Storage.Backend = StorageFile }, "storage path is required"},
		{"redis without url", func(c *Config) { c.Storage.Backend = StorageRedis }, "redis_url"},
		{"algorithm", func(c *Config) { c.Keys.Algorithm = "des" }, "invalid key algorithm"},
		{"rotation interval", func(c *Config) { c.Keys.RotationInterval = 0 }, "rotation interval"},
		{"wrapping key hex", func(c *Config) { c.Keys.WrappingKey = "zz" }, "hex encoded"},
		{"wrapping key length", func(c *Config) { c.Keys.WrappingKey = "0011" }, "32 bytes"},
		{"weak kdf", func(c *Config) { c.Keys.BackupKDF.MemoryKiB = 1024 }, "backup kdf"},
		{"lockout threshold", func(c *Config) { c.Auth.IPMaxFailures = 0 }, "lockout thresholds"},
		{"lockout window", func(c *Config) { c.Auth.AccountWindow = 0 }, "lockout windows"},
		{"sessions", func(c *Config) { c.Auth.MaxSessions = 0 }, "max sessions"},
		{"digits", func(c *Config) { c.Auth.MFADigits = 7 }, "mfa digits"},
		{"mfa period", func(c *Config) { c.Auth.MFAPeriod = 1500 * time.Millisecond }, "mfa period"},
		{"mfa skew", func(c *Config) { c.Auth.MFASkew = 11 }, "mfa skew"},
		{"strength", func(c *Config) { c.Auth.MinStrength = "heroic" }, "min strength"},
		{"retention", func(c *Config) { c.Auth.Retention = time.Minute }, "retention"},
		{"fail mode", func(c *Config) { c.Auth.Breach.FailMode = "maybe" }, "fail mode"},
		{"breach endpoint", func(c *Config) {
			c.Auth.Breach.Enabled = true
			c.Auth.Breach.Endpoint = "http://insecure.example.com"
		}, "https URL"},
		{"token ttl", func(c *Config) { c.Tokens.TTL = 0 }, "token ttl"},
		{"transport", func(c *Config) { c.Transport.TLS.MinVersion = "SSL3" }, "transport policy"},
		{"ratelimit", func(c *Config) { c.RateLimit.RequestsPerMinute = 0 }, "requests_per_minute"},
		{"metrics path", func(c *Config) { c.Metrics.Path = "metrics" }, "metrics path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Server.Address = ""
	cfg.Logging.Format = "xml"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, 2, strings.Count(err.Error(), "\n")+1)
}

func TestWrappingKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wrap.hex")
	require.NoError(t, os.WriteFile(path, []byte(testWrappingKey+"\n"), 0o600))

	k := KeysConfig{WrappingKey: "ignored", WrappingKeyFile: path}
	key, err := k.WrappingKeyBytes()
	require.NoError(t, err)
	assert.Equal(t, byte(0x1f), key[31])

	none, err := KeysConfig{}.WrappingKeyBytes()
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = KeysConfig{WrappingKeyFile: filepath.Join(t.TempDir(), "missing")}.WrappingKeyBytes()
	assert.Error(t, err)
}

func TestBackupKDFParams(t *testing.T) {
	k := Default().Keys
	k.BackupKDF = KDFConfig{Time: 2, MemoryKiB: 16 * 1024, Threads: 2}
	p := k.BackupKDFParams()
	assert.Equal(t, uint32(2), p.Time)
	assert.Equal(t, uint32(16*1024), p.Memory)
	assert.Equal(t, uint8(2), p.Threads)
	assert.Equal(t, 32, p.KeyLength)
}
