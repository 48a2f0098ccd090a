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

package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jeremyhahn/go-securecore/pkg/adapters/logger"
	"github.com/jeremyhahn/go-securecore/pkg/ratelimit"
)

type contextKey int

const subjectKey contextKey = iota

// Subject returns the authenticated caller recorded on ctx, or "".
func Subject(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey).(string)
	return s
}

// statusRecorder captures the response status code.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (rw *statusRecorder) WriteHeader(code int) {
	if !rw.written {
		rw.status = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

func logError(r *http.Request, err error) []logger.Field {
	return []logger.Field{
		logger.String("method", r.Method),
		logger.String("path", r.URL.Path),
		logger.Error(err),
	}
}

// logRequests logs every completed request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		fields := []logger.Field{
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Int("status", rec.status),
			logger.Duration("duration", time.Since(start)),
			logger.String("client_ip", ratelimit.ClientIP(r)),
		}
		if rec.status >= http.StatusInternalServerError {
			s.log.WarnContext(r.Context(), "request completed", fields...)
			return
		}
		s.log.InfoContext(r.Context(), "request completed", fields...)
	})
}

// recoverPanics turns a handler panic into a 500 response.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.writeError(w, r, fmt.Errorf("panic: %v", v), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authenticate admits requests carrying a configured API key or a valid
// bearer token. With no API keys configured every request is admitted.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.apiKeys) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		credential := r.Header.Get("X-API-Key")
		if credential == "" {
			if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
				credential = strings.TrimSpace(bearer)
			}
		}

		subject := ""
		switch {
		case credential == "":
		case s.matchAPIKey(credential):
			subject = "api-key"
		case strings.Count(credential, ".") == 2:
			claims, err := s.app.Tokens.Parse(credential)
			if err == nil {
				subject = claims.Subject
			}
		}
		if subject == "" {
			s.log.WarnContext(r.Context(), "authentication failed",
				logger.String("path", r.URL.Path),
				logger.String("client_ip", ratelimit.ClientIP(r)))
			w.Header().Set("WWW-Authenticate", `Bearer realm="securecore"`)
			s.writeError(w, r, errUnauthorized, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey, subject)))
	})
}

func (s *Server) matchAPIKey(key string) bool {
	sum := sha256.Sum256([]byte(key))
	found := 0
	for _, k := range s.apiKeys {
		found |= subtle.ConstantTimeCompare(sum[:], k[:])
	}
	return found == 1
}
