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

// Package ratelimit keeps one token bucket per client key.
//
// A nil *Limiter is valid and admits everything, so callers can hold one
// unconditionally and let configuration decide whether it bites.
package ratelimit

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeremyhahn/go-securecore/pkg/secerr"
)

const defaultMaxIdle = 30 * time.Minute

// Config describes a limiter. RequestsPerMinute is the sustained rate;
// Burst defaults to it. Buckets untouched for MaxIdle are swept.
type Config struct {
	Enabled           bool
	RequestsPerMinute int
	Burst             int
	MaxIdle           time.Duration
}

type bucket struct {
	*rate.Limiter
	seen time.Time
}

// Limiter is safe for concurrent use.
type Limiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	limit     rate.Limit
	burst     int
	maxIdle   time.Duration
	nextSweep time.Time
	now       func() time.Time
}

// New returns nil when cfg is disabled or has no rate.
func New(cfg Config) *Limiter {
	if !cfg.Enabled || cfg.RequestsPerMinute <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	idle := cfg.MaxIdle
	if idle <= 0 {
		idle = defaultMaxIdle
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(float64(cfg.RequestsPerMinute) / 60),
		burst:   burst,
		maxIdle: idle,
		now:     time.Now,
	}
}

// take returns the bucket for key, sweeping idle buckets at most once per
// maxIdle so memory stays bounded without a background goroutine.
func (l *Limiter) take(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.After(l.nextSweep) {
		for k, b := range l.buckets {
			if now.Sub(b.seen) > l.maxIdle {
				delete(l.buckets, k)
			}
		}
		l.nextSweep = now.Add(l.maxIdle)
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{Limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	return b.Limiter
}

// Allow consumes a token for key if one is available.
func (l *Limiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	return l.take(key).AllowN(l.now(), 1)
}

// Delay consumes a token for key when one is available and returns zero.
// Otherwise nothing is consumed and the time until the next token is
// returned.
func (l *Limiter) Delay(key string) time.Duration {
	if l == nil {
		return 0
	}
	now := l.now()
	r := l.take(key).ReserveN(now, 1)
	if !r.OK() {
		return time.Duration(math.MaxInt64)
	}
	d := r.DelayFrom(now)
	if d > 0 {
		r.CancelAt(now)
	}
	return d
}

// Wait blocks until key may proceed. A context error is returned as is;
// a wait that cannot finish before the deadline is a rate limited error.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if l == nil {
		return nil
	}
	if err := l.take(key).Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return secerr.Wrap(secerr.KindRateLimited, "ratelimit.Wait", err)
	}
	return nil
}

// Len reports how many client buckets are live.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Middleware rejects requests over the per-IP budget with 429 and a
// Retry-After in whole seconds.
func Middleware(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if d := l.Delay(ClientIP(r)); d > 0 {
				secs := int64(math.Ceil(d.Seconds()))
				if secs < 1 || d == time.Duration(math.MaxInt64) {
					secs = 60
				}
				w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP is the first X-Forwarded-For hop, then X-Real-IP, then the
// RemoteAddr host.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
