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

// Package correlation carries a per-request identifier through contexts so
// logs, audit events and error responses from one call can be joined.
package correlation

import (
	"context"
	"net/http"
	"regexp"

	"github.com/google/uuid"
)

// Header names accepted on inbound requests, in order of preference.
const (
	Header       = "X-Correlation-ID"
	LegacyHeader = "X-Request-ID"
)

type ctxKey struct{}

// validID bounds what a client may inject into our logs.
var validID = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// NewID returns a random UUIDv4 string.
func NewID() string {
	return uuid.NewString()
}

// WithID returns a child of ctx carrying id.
func WithID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the ID stored by WithID, or "".
func FromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Ensure returns ctx unchanged when it already carries an ID, otherwise a
// child with a fresh one. The ID in effect is returned alongside.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := NewID()
	return WithID(ctx, id), id
}

// Extract reads a well formed client supplied ID from r. ok is false when
// neither header holds one.
func Extract(r *http.Request) (id string, ok bool) {
	for _, h := range [...]string{Header, LegacyHeader} {
		if v := r.Header.Get(h); v != "" {
			return v, validID.MatchString(v)
		}
	}
	return "", false
}

// Middleware tags every request with an ID, taken from the client when
// Extract accepts it, and echoes it in the response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := Extract(r)
		if !ok {
			id = NewID()
		}
		w.Header().Set(Header, id)
		next.ServeHTTP(w, r.WithContext(WithID(r.Context(), id)))
	})
}
