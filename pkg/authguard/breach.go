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

package authguard

import (
	"bufio"
	"context"
	"crypto/sha1" // #nosec G505 - the range protocol is defined over SHA-1
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jeremyhahn/go-securecore/pkg/ratelimit"
	"github.com/jeremyhahn/go-securecore/pkg/secerr"
)

const (
	// DefaultBreachEndpoint is the public Pwned Passwords range API.
	DefaultBreachEndpoint = "https://api.pwnedpasswords.com"

	breachPrefixLen   = 5
	maxRangeBodyBytes = 4 << 20
)

// FailMode decides what CheckPassword does when the breach service cannot
// be reached.
type FailMode string

const (
	// FailOpen accepts the password and logs the failure.
	FailOpen FailMode = "fail-open"
	// FailClosed rejects the password with an external service error.
	FailClosed FailMode = "fail-closed"
)

// ParseFailMode validates a fail mode name.
func ParseFailMode(name string) (FailMode, error) {
	switch m := FailMode(name); m {
	case FailOpen, FailClosed:
		return m, nil
	case "":
		return FailOpen, nil
	default:
		return "", secerr.InvalidArgument("authguard.ParseFailMode", "unknown fail mode %q", name)
	}
}

// RangeClient queries a k-anonymity breach service. Range receives the
// first five uppercase hex characters of a SHA-1 digest and returns the
// breach count for every known suffix with that prefix.
type RangeClient interface {
	Range(ctx context.Context, prefix string) (map[string]int, error)
}

// HTTPRangeConfig configures HTTPRangeClient.
type HTTPRangeConfig struct {
	// Endpoint is the service base URL; "/range/{prefix}" is appended.
	Endpoint string

	// Timeout bounds each request. Defaults to 5 seconds.
	Timeout time.Duration

	// RequestsPerMinute paces outbound queries. Zero disables pacing.
	RequestsPerMinute int

	// HTTPClient overrides the transport.
	HTTPClient *http.Client

	UserAgent string
}

// HTTPRangeClient implements RangeClient over HTTP with response padding.
type HTTPRangeClient struct {
	endpoint  string
	client    *http.Client
	limiter   *ratelimit.Limiter
	userAgent string
}

// NewHTTPRangeClient creates a range client.
func NewHTTPRangeClient(config *HTTPRangeConfig) *HTTPRangeClient {
	if config == nil {
		config = &HTTPRangeConfig{}
	}
	endpoint := strings.TrimRight(config.Endpoint, "/")
	if endpoint == "" {
		endpoint = DefaultBreachEndpoint
	}
	client := config.HTTPClient
	if client == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	userAgent := config.UserAgent
	if userAgent == "" {
		userAgent = "go-securecore"
	}
	return &HTTPRangeClient{
		endpoint: endpoint,
		client:   client,
		limiter: ratelimit.New(ratelimit.Config{
			Enabled:           config.RequestsPerMinute > 0,
			RequestsPerMinute: config.RequestsPerMinute,
		}),
		userAgent: userAgent,
	}
}

// Range fetches the suffix list for prefix.
func (c *HTTPRangeClient) Range(ctx context.Context, prefix string) (map[string]int, error) {
	if err := c.limiter.Wait(ctx, "range"); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/range/"+prefix, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Add-Padding", "true")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("breach range query returned %s", resp.Status)
	}
	return parseRange(io.LimitReader(resp.Body, maxRangeBodyBytes))
}

// Close drops idle keep-alive connections to the range endpoint.
func (c *HTTPRangeClient) Close() {
	c.client.CloseIdleConnections()
}

// parseRange reads "SUFFIX:COUNT" lines. Padding entries with a zero
// count are dropped.
func parseRange(r io.Reader) (map[string]int, error) {
	out := make(map[string]int)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		suffix, count, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed range line")
		}
		n, err := strconv.Atoi(strings.TrimSpace(count))
		if err != nil {
			return nil, fmt.Errorf("malformed range count: %w", err)
		}
		if n > 0 {
			out[strings.ToUpper(suffix)] = n
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// BreachResult is the outcome of CheckBreach.
type BreachResult struct {
	IsBreached  bool `json:"is_breached"`
	Occurrences int  `json:"occurrences,omitempty"`
}

type rangeEntry struct {
	counts  map[string]int
	expires time.Time
}

// breachChecker adds caching and request coalescing to a RangeClient.
type breachChecker struct {
	client   RangeClient
	timeout  time.Duration
	cacheTTL time.Duration
	now      func() time.Time

	group singleflight.Group

	mu    sync.Mutex
	cache map[string]rangeEntry

	checks    atomic.Int64
	hits      atomic.Int64
	failures  atomic.Int64
	cacheHits atomic.Int64
}

func newBreachChecker(client RangeClient, timeout, cacheTTL time.Duration, now func() time.Time) *breachChecker {
	return &breachChecker{
		client:   client,
		timeout:  timeout,
		cacheTTL: cacheTTL,
		now:      now,
		cache:    make(map[string]rangeEntry),
	}
}

func hashPassword(password string) (prefix, suffix string) {
	sum := sha1.Sum([]byte(password)) // #nosec G401 - required by the range protocol
	h := strings.ToUpper(hex.EncodeToString(sum[:]))
	return h[:breachPrefixLen], h[breachPrefixLen:]
}

func (b *breachChecker) cached(prefix string) (map[string]int, bool) {
	if b.cacheTTL <= 0 {
		return nil, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.cache[prefix]
	if !ok {
		return nil, false
	}
	if !b.now().Before(e.expires) {
		delete(b.cache, prefix)
		return nil, false
	}
	return e.counts, true
}

func (b *breachChecker) store(prefix string, counts map[string]int) {
	if b.cacheTTL <= 0 {
		return
	}
	b.mu.Lock()
	b.cache[prefix] = rangeEntry{counts: counts, expires: b.now().Add(b.cacheTTL)}
	b.mu.Unlock()
}

// lookup returns the range for prefix. Concurrent lookups of one prefix
// share a single upstream request; each caller may still abandon the wait
// through its own context.
func (b *breachChecker) lookup(ctx context.Context, prefix string) (map[string]int, bool, error) {
	if counts, ok := b.cached(prefix); ok {
		return counts, true, nil
	}

	ch := b.group.DoChan(prefix, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
		defer cancel()
		counts, err := b.client.Range(callCtx, prefix)
		if err != nil {
			return nil, err
		}
		b.store(prefix, counts)
		return counts, nil
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val.(map[string]int), false, nil
	}
}
