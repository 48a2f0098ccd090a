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
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jeremyhahn/go-securecore/pkg/adapters/logger"
)

func isSecureRequest(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

// Middleware applies the policy to every response: security headers,
// CORS headers for allowed origins and preflight answers. With
// RedirectHTTP set, plain HTTP requests are redirected to HTTPS.
func (p *Policy) Middleware(next http.Handler) http.Handler {
	methods := strings.Join(p.cors.AllowedMethods, ", ")
	headers := strings.Join(p.cors.AllowedHeaders, ", ")
	maxAge := strconv.FormatInt(int64(p.cors.MaxAge/time.Second), 10)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secure := isSecureRequest(r)
		if p.redirectHTTP && !secure {
			target := "https://" + r.Host + r.URL.RequestURI()
			http.Redirect(w, r, target, http.StatusPermanentRedirect)
			return
		}

		h := w.Header()
		p.applyHeaders(h, secure)

		origin := r.Header.Get("Origin")
		preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		h.Add("Vary", "Origin")
		if !p.ValidateCORSOrigin(origin) {
			if preflight {
				p.log.Debug("CORS preflight rejected", logger.String("origin", origin))
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		h.Set("Access-Control-Allow-Origin", origin)
		if p.cors.AllowCredentials {
			h.Set("Access-Control-Allow-Credentials", "true")
		}
		if preflight {
			h.Set("Access-Control-Allow-Methods", methods)
			h.Set("Access-Control-Allow-Headers", headers)
			h.Set("Access-Control-Max-Age", maxAge)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
