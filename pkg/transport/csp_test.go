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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateCSPDefault(t *testing.T) {
	want := "default-src 'self'; script-src 'self'; style-src 'self'; img-src 'self' data:; " +
		"font-src 'self'; connect-src 'self'; object-src 'none'; frame-ancestors 'none'; " +
		"base-uri 'self'; form-action 'self'; upgrade-insecure-requests"
	assert.Equal(t, want, GenerateCSP(nil))

	res := ValidateCSP(want)
	assert.True(t, res.IsValid)
	assert.Empty(t, res.Warnings)
	assert.Empty(t, res.Errors)
}

func TestGenerateCSPOptions(t *testing.T) {
	csp := GenerateCSP(&CSPOptions{
		DefaultSrc: []string{"'none'"},
		ScriptSrc:  []string{"'self'", "https://cdn.example.com", "'self'"},
		Nonce:      "r4nd0m",
		ReportURI:  "/csp-report",
	})
	assert.Equal(t,
		"default-src 'none'; script-src 'self' https://cdn.example.com 'nonce-r4nd0m'; report-uri /csp-report",
		csp)
}

func TestValidateCSP(t *testing.T) {
	tests := []struct {
		name        string
		header      string
		valid       bool
		wantWarning string
		wantError   string
	}{
		{
			name:      "empty",
			header:    "  ;  ",
			wantError: "policy is empty",
		},
		{
			name:      "unterminated keyword",
			header:    "default-src 'self",
			wantError: "unterminated source",
		},
		{
			name:      "unknown keyword",
			header:    "default-src 'sef'",
			wantError: "unknown keyword",
		},
		{
			name:      "bad directive name",
			header:    "default_src 'self'",
			wantError: "malformed directive name",
		},
		{
			name:        "unsafe inline",
			header:      "default-src 'self'; script-src 'self' 'unsafe-inline'; object-src 'none'",
			valid:       true,
			wantWarning: "script-src allows 'unsafe-inline'",
		},
		{
			name:        "unsafe inline with nonce is tolerated",
			header:      "default-src 'self'; script-src 'self' 'unsafe-inline' 'nonce-abc'; object-src 'none'; frame-ancestors 'none'; base-uri 'self'",
			valid:       true,
			wantWarning: "",
		},
		{
			name:        "unsafe eval via default",
			header:      "default-src 'self' 'unsafe-eval'",
			valid:       true,
			wantWarning: "script-src allows 'unsafe-eval'",
		},
		{
			name:        "wildcard",
			header:      "default-src *",
			valid:       true,
			wantWarning: "script-src allows any origin",
		},
		{
			name:        "insecure source",
			header:      "default-src 'self'; img-src http://images.example.com",
			valid:       true,
			wantWarning: "img-src allows insecure http sources",
		},
		{
			name:        "missing default-src",
			header:      "script-src 'self'",
			valid:       true,
			wantWarning: "missing default-src",
		},
		{
			name:        "duplicate",
			header:      "default-src 'self'; default-src *",
			valid:       true,
			wantWarning: "duplicate directive default-src",
		},
		{
			name:        "unknown directive",
			header:      "default-src 'self'; magic-src 'self'",
			valid:       true,
			wantWarning: "unknown directive magic-src",
		},
		{
			name:        "framing",
			header:      "default-src 'self'",
			valid:       true,
			wantWarning: "missing frame-ancestors",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ValidateCSP(tt.header)
			assert.Equal(t, tt.valid, res.IsValid, "errors: %v", res.Errors)
			if tt.wantError != "" {
				assert.True(t, containsPrefix(res.Errors, tt.wantError), "errors: %v", res.Errors)
			}
			if tt.wantWarning != "" {
				assert.True(t, containsPrefix(res.Warnings, tt.wantWarning), "warnings: %v", res.Warnings)
			}
			if tt.valid && tt.wantWarning == "" {
				assert.Empty(t, res.Warnings)
			}
		})
	}
}

func containsPrefix(list []string, s string) bool {
	for _, v := range list {
		if strings.Contains(v, s) {
			return true
		}
	}
	return false
}
