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
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-securecore/pkg/secerr"
)

// SHA-1("password") = 5BAA61E4C9B93F3F0682250B6CF8331B7EE68FD8
const (
	passwordPrefix = "5BAA6"
	passwordSuffix = "1E4C9B93F3F0682250B6CF8331B7EE68FD8"
)

type stubRangeClient struct {
	mu      sync.Mutex
	ranges  map[string]map[string]int
	err     error
	release chan struct{}
	calls   atomic.Int32
}

func (c *stubRangeClient) Range(ctx context.Context, prefix string) (map[string]int, error) {
	c.calls.Add(1)
	if c.release != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.release:
		}
	}
	if c.err != nil {
		return nil, c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ranges[prefix], nil
}

func TestHashPassword(t *testing.T) {
	prefix, suffix := hashPassword("password")
	assert.Equal(t, passwordPrefix, prefix)
	assert.Equal(t, passwordSuffix, suffix)
}

func TestParseRange(t *testing.T) {
	body := "1E4C9B93F3F0682250B6CF8331B7EE68FD8:3730471\r\n" +
		"00D4F6E8FA6EECAD2A3AA415EEC418D38EC:0\r\n" +
		"\r\n" +
		"011053fd0102e94d6ae2f8b83d76faf94f6:1\r\n"
	got, err := parseRange(strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{
		passwordSuffix:                        3730471,
		"011053FD0102E94D6AE2F8B83D76FAF94F6": 1,
	}, got)

	for _, bad := range []string{"NOCOLON\n", "ABC:many\n"} {
		_, err := parseRange(strings.NewReader(bad))
		assert.Error(t, err, bad)
	}
}

func TestHTTPRangeClient(t *testing.T) {
	var gotPath, gotPadding string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotPadding = r.Header.Get("Add-Padding")
		fmt.Fprintf(w, "%s:42\r\nFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFF:0\r\n", passwordSuffix)
	}))
	defer srv.Close()

	client := NewHTTPRangeClient(&HTTPRangeConfig{Endpoint: srv.URL + "/", RequestsPerMinute: 600})
	defer client.Close()

	g := newTestGuard(t, func(c *Config) { c.Breach.Client = client })
	res, err := g.CheckBreach(context.Background(), "password")
	require.NoError(t, err)
	assert.True(t, res.IsBreached)
	assert.Equal(t, 42, res.Occurrences)
	assert.Equal(t, "/range/"+passwordPrefix, gotPath)
	assert.Equal(t, "true", gotPadding)

	res, err = g.CheckBreach(context.Background(), "correct horse battery staple 9!")
	require.NoError(t, err)
	assert.False(t, res.IsBreached)
}

func TestHTTPRangeClientStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewHTTPRangeClient(&HTTPRangeConfig{Endpoint: srv.URL})
	defer client.Close()
	_, err := client.Range(context.Background(), passwordPrefix)
	assert.ErrorContains(t, err, "429")
}

func TestCheckBreachNotConfigured(t *testing.T) {
	g := newTestGuard(t, nil)
	_, err := g.CheckBreach(context.Background(), "password")
	assert.ErrorIs(t, err, secerr.ErrConfiguration)
}

func TestCheckBreachCache(t *testing.T) {
	client := &stubRangeClient{ranges: map[string]map[string]int{
		passwordPrefix: {passwordSuffix: 10},
	}}
	g := newTestGuard(t, func(c *Config) {
		c.Breach.Client = client
		c.Breach.CacheTTL = time.Hour
	})
	ctx := context.Background()

	for range 3 {
		res, err := g.CheckBreach(ctx, "password")
		require.NoError(t, err)
		assert.True(t, res.IsBreached)
	}
	assert.Equal(t, int32(1), client.calls.Load())

	g.clock.Advance(time.Hour)
	_, err := g.CheckBreach(ctx, "password")
	require.NoError(t, err)
	assert.Equal(t, int32(2), client.calls.Load())
}

func TestCheckBreachCoalescesConcurrentLookups(t *testing.T) {
	client := &stubRangeClient{
		ranges:  map[string]map[string]int{passwordPrefix: {passwordSuffix: 1}},
		release: make(chan struct{}),
	}
	g := newTestGuard(t, func(c *Config) {
		c.Breach.Client = client
		c.Breach.Timeout = 5 * time.Second
	})

	const n = 20
	var wg sync.WaitGroup
	results := make([]BreachResult, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = g.CheckBreach(context.Background(), "password")
		}(i)
	}
	require.Eventually(t, func() bool { return client.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(client.release)
	wg.Wait()

	assert.Equal(t, int32(1), client.calls.Load())
	for i := range n {
		require.NoError(t, errs[i])
		assert.True(t, results[i].IsBreached)
	}
}

func TestCheckBreachCallerCancellation(t *testing.T) {
	client := &stubRangeClient{release: make(chan struct{})}
	defer close(client.release)
	g := newTestGuard(t, func(c *Config) { c.Breach.Client = client })

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := g.CheckBreach(ctx, "password")
		errc <- err
	}()
	require.Eventually(t, func() bool { return client.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.Equal(t, secerr.KindExternalServiceError, secerr.KindOf(err))
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("CheckBreach did not return after cancellation")
	}
}

func TestCheckBreachTimeout(t *testing.T) {
	client := &stubRangeClient{release: make(chan struct{})}
	defer close(client.release)
	g := newTestGuard(t, func(c *Config) {
		c.Breach.Client = client
		c.Breach.Timeout = 10 * time.Millisecond
	})

	_, err := g.CheckBreach(context.Background(), "password")
	assert.Equal(t, secerr.KindExternalServiceError, secerr.KindOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	r, err := g.GetSecurityReport()
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.BreachFailures)
}

func TestCheckPasswordFailModes(t *testing.T) {
	const strong = "Zebr7fox!Kiwi#Moth"
	down := errors.New("connection refused")

	tests := []struct {
		name     string
		mode     FailMode
		client   *stubRangeClient
		password string
		wantKind secerr.Kind
	}{
		{
			name:     "fail open accepts on outage",
			mode:     FailOpen,
			client:   &stubRangeClient{err: down},
			password: strong,
		},
		{
			name:     "fail closed rejects on outage",
			mode:     FailClosed,
			client:   &stubRangeClient{err: down},
			password: strong,
			wantKind: secerr.KindExternalServiceError,
		},
		{
			name:     "breached",
			mode:     FailOpen,
			client:   &stubRangeClient{ranges: map[string]map[string]int{}},
			password: strong,
			wantKind: secerr.KindBreachedCredential,
		},
		{
			name:     "weak is rejected before lookup",
			mode:     FailClosed,
			client:   &stubRangeClient{err: down},
			password: "abc",
			wantKind: secerr.KindWeakCredential,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.wantKind == secerr.KindBreachedCredential {
				prefix, suffix := hashPassword(tt.password)
				tt.client.ranges[prefix] = map[string]int{suffix: 7}
			}
			g := newTestGuard(t, func(c *Config) {
				c.Breach.Client = tt.client
				c.Breach.FailMode = tt.mode
			})
			err := g.CheckPassword(context.Background(), tt.password)
			if tt.wantKind == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, secerr.KindOf(err))
		})
	}
}
