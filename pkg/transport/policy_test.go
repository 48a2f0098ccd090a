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

package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-securecore/pkg/secerr"
)

func newPolicy(t *testing.T, config *Config) *Policy {
	t.Helper()
	p, err := New(config)
	require.NoError(t, err)
	return p
}

func TestSecurityHeadersDefaults(t *testing.T) {
	p := newPolicy(t, nil)
	h := p.SecurityHeaders()

	assert.Equal(t, "max-age=31536000; includeSubDomains", h["Strict-Transport-Security"])
	assert.Equal(t, "nosniff", h["X-Content-Type-Options"])
	assert.Equal(t, "DENY", h["X-Frame-Options"])
	assert.Equal(t, DefaultReferrerPolicy, h["Referrer-Policy"])
	assert.Equal(t, DefaultPermissionsPolicy, h["Permissions-Policy"])
	assert.Equal(t, p.CSP(), h["Content-Security-Policy"])
	assert.True(t, ValidateCSP(p.CSP()).IsValid)

	// Callers get a copy.
	h["X-Frame-Options"] = "ALLOWALL"
	assert.Equal(t, "DENY", p.SecurityHeaders()["X-Frame-Options"])
}

func TestSecurityHeadersDeterministic(t *testing.T) {
	a := newPolicy(t, nil)
	b := newPolicy(t, nil)
	assert.Equal(t, a.SecurityHeaders(), b.SecurityHeaders())
	assert.Equal(t, a.HeaderNames(), b.HeaderNames())
	assert.IsIncreasing(t, a.HeaderNames())
}

func TestHSTSOptions(t *testing.T) {
	p := newPolicy(t, &Config{HSTS: HSTSConfig{MaxAge: 2 * time.Hour, Preload: true}})
	assert.Equal(t, "max-age=7200; preload", p.SecurityHeaders()["Strict-Transport-Security"])

	p = newPolicy(t, &Config{HSTS: HSTSConfig{Disabled: true}})
	_, ok := p.SecurityHeaders()["Strict-Transport-Security"]
	assert.False(t, ok)
}

func TestNewInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{"negative hsts", &Config{HSTS: HSTSConfig{MaxAge: -time.Second}}},
		{"frame options", &Config{FrameOptions: "ALLOW-FROM https://x"}},
		{"origin without scheme", &Config{CORS: CORSConfig{AllowedOrigins: []string{"example.com"}}}},
		{"origin with path", &Config{CORS: CORSConfig{AllowedOrigins: []string{"https://example.com/app"}}}},
		{"inner wildcard", &Config{CORS: CORSConfig{AllowedOrigins: []string{"https://a.*.example.com"}}}},
		{"wildcard with credentials", &Config{CORS: CORSConfig{AllowedOrigins: []string{"*"}, AllowCredentials: true}}},
		{"tls version", &Config{TLS: TLSConfig{MinVersion: "SSL3"}}},
		{"cipher suite", &Config{TLS: TLSConfig{CipherSuites: []string{"TLS_FAKE"}}}},
		{"client auth", &Config{TLS: TLSConfig{ClientAuth: "sometimes"}}},
		{"csp", &Config{CSP: &CSPOptions{ScriptSrc: []string{"'self"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config)
			require.Error(t, err)
			assert.Equal(t, secerr.KindConfigurationError, secerr.KindOf(err))
		})
	}
}

func TestValidateCORSOrigin(t *testing.T) {
	p := newPolicy(t, &Config{CORS: CORSConfig{AllowedOrigins: []string{
		"https://app.example.com",
		"https://*.trusted.io",
		"http://localhost:3000",
	}}})

	tests := []struct {
		origin string
		want   bool
	}{
		{"https://app.example.com", true},
		{"HTTPS://APP.EXAMPLE.COM", true},
		{"https://app.example.com/", true},
		{"http://app.example.com", false},
		{"https://evil.example.com", false},
		{"https://app.example.com.evil.com", false},
		{"https://api.trusted.io", true},
		{"https://a.b.trusted.io", true},
		{"https://trusted.io", false},
		{"https://eviltrusted.io", false},
		{"http://localhost:3000", true},
		{"http://localhost:3001", false},
		{"null", false},
		{"", false},
		{"https://app.example.com/path", false},
		{"https://user@app.example.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			assert.Equal(t, tt.want, p.ValidateCORSOrigin(tt.origin))
		})
	}

	wildcard := newPolicy(t, &Config{CORS: CORSConfig{AllowedOrigins: []string{"*"}}})
	assert.True(t, wildcard.ValidateCORSOrigin("https://anything.example"))
	assert.False(t, wildcard.ValidateCORSOrigin("null"))

	none := newPolicy(t, nil)
	assert.False(t, none.ValidateCORSOrigin("https://app.example.com"))
}
