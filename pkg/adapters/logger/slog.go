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

package logger

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/jeremyhahn/go-securecore/pkg/correlation"
)

// Output formats accepted by SlogConfig.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// SlogConfig selects the handler NewSlogAdapter builds. When Logger is set
// the other fields are ignored and no masking is installed.
type SlogConfig struct {
	Logger    *slog.Logger
	Level     Level
	Format    string    // FormatText (default) or FormatJSON
	Writer    io.Writer // defaults to os.Stderr
	AddSource bool
}

// SlogAdapter implements Logger on a *slog.Logger.
type SlogAdapter struct {
	l *slog.Logger
}

func NewSlogAdapter(cfg *SlogConfig) *SlogAdapter {
	if cfg == nil {
		cfg = &SlogConfig{}
	}
	if cfg.Logger != nil {
		return &SlogAdapter{l: cfg.Logger}
	}
	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level:       slog.Level(cfg.Level),
		AddSource:   cfg.AddSource,
		ReplaceAttr: redact,
	}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if cfg.Format == FormatJSON {
		h = slog.NewJSONHandler(w, opts)
	}
	return &SlogAdapter{l: slog.New(h)}
}

// Slog exposes the underlying logger for libraries that take one.
func (a *SlogAdapter) Slog() *slog.Logger { return a.l }

func (a *SlogAdapter) Debug(msg string, fields ...Field) { a.emit(context.Background(), slog.LevelDebug, msg, fields) }
func (a *SlogAdapter) Info(msg string, fields ...Field)  { a.emit(context.Background(), slog.LevelInfo, msg, fields) }
func (a *SlogAdapter) Warn(msg string, fields ...Field)  { a.emit(context.Background(), slog.LevelWarn, msg, fields) }
func (a *SlogAdapter) Error(msg string, fields ...Field) { a.emit(context.Background(), slog.LevelError, msg, fields) }

func (a *SlogAdapter) InfoContext(ctx context.Context, msg string, fields ...Field) {
	a.emit(ctx, slog.LevelInfo, msg, fields)
}

func (a *SlogAdapter) WarnContext(ctx context.Context, msg string, fields ...Field) {
	a.emit(ctx, slog.LevelWarn, msg, fields)
}

func (a *SlogAdapter) ErrorContext(ctx context.Context, msg string, fields ...Field) {
	a.emit(ctx, slog.LevelError, msg, fields)
}

func (a *SlogAdapter) With(fields ...Field) Logger {
	args := make([]any, 0, len(fields))
	for _, f := range fields {
		if !f.Equal(slog.Attr{}) {
			args = append(args, f)
		}
	}
	return &SlogAdapter{l: a.l.With(args...)}
}

func (a *SlogAdapter) emit(ctx context.Context, level slog.Level, msg string, fields []Field) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !a.l.Enabled(ctx, level) {
		return
	}
	if id := correlation.FromContext(ctx); id != "" {
		fields = append(fields, slog.String("correlation_id", id))
	}
	a.l.LogAttrs(ctx, level, msg, fields...)
}
