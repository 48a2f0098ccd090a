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

// Package logger is the structured logging surface the security components
// write to. Records go through log/slog; fields whose key names a secret
// are masked before any handler sees them.
//
// Masking is a backstop. Never pass plaintext, key material, passwords,
// TOTP secrets or recovery codes as field values.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Level is a slog level restricted to the four we configure.
type Level slog.Level

const (
	LevelDebug = Level(slog.LevelDebug)
	LevelInfo  = Level(slog.LevelInfo)
	LevelWarn  = Level(slog.LevelWarn)
	LevelError = Level(slog.LevelError)
)

func (l Level) String() string { return slog.Level(l).String() }

// ParseLevel accepts debug, info, warn/warning and error in any case.
// The empty string is info.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("logger: unknown level %q", s)
}

// Logger is implemented by SlogAdapter and Nop.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// Context variants attach the correlation ID carried by ctx.
	InfoContext(ctx context.Context, msg string, fields ...Field)
	WarnContext(ctx context.Context, msg string, fields ...Field)
	ErrorContext(ctx context.Context, msg string, fields ...Field)

	With(fields ...Field) Logger
}

// Field is a slog attribute.
type Field = slog.Attr

func String(key, value string) Field                 { return slog.String(key, value) }
func Int(key string, value int) Field                { return slog.Int(key, value) }
func Int64(key string, value int64) Field            { return slog.Int64(key, value) }
func Bool(key string, value bool) Field              { return slog.Bool(key, value) }
func Duration(key string, value time.Duration) Field { return slog.Duration(key, value) }
func Strings(key string, values []string) Field      { return slog.Any(key, values) }

// Error records err under "error"; a nil error records nothing.
func Error(err error) Field {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}

// Redacted is what a masked value is replaced with.
const Redacted = "[REDACTED]"

var secretKeys = []string{"password", "passphrase", "secret", "private", "plaintext", "recovery", "otp_code", "wrapping_key", "key_material"}

// IsSecretKey reports whether values logged under key are masked.
func IsSecretKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range secretKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindGroup && IsSecretKey(a.Key) {
		return slog.String(a.Key, Redacted)
	}
	return a
}

// Nop returns a Logger that discards everything.
func Nop() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Debug(string, ...Field)                         {}
func (nopLogger) Info(string, ...Field)                          {}
func (nopLogger) Warn(string, ...Field)                          {}
func (nopLogger) Error(string, ...Field)                         {}
func (nopLogger) InfoContext(context.Context, string, ...Field)  {}
func (nopLogger) WarnContext(context.Context, string, ...Field)  {}
func (nopLogger) ErrorContext(context.Context, string, ...Field) {}
func (n nopLogger) With(...Field) Logger                         { return n }
