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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-securecore/pkg/adapters/audit"
	"github.com/jeremyhahn/go-securecore/pkg/secerr"
)

func fail(identifier, ip string) LoginAttempt {
	return LoginAttempt{Identifier: identifier, IP: ip, Reason: "bad password"}
}

func TestLockoutAfterThreshold(t *testing.T) {
	g := newTestGuard(t, nil)
	ctx := context.Background()
	const ip = "203.0.113.7"

	for i := range 5 {
		assert.False(t, g.IsBlocked(ip), "attempt %d", i+1)
		g.RecordAttempt(ctx, fail("alice", ip))
		g.clock.Advance(time.Second)
	}

	// The sixth attempt sees the block.
	assert.True(t, g.IsBlocked(ip))
	assert.True(t, g.IsAccountLocked("alice"))
	err := g.CheckLoginAllowed("alice", ip)
	require.Error(t, err)
	assert.Equal(t, secerr.KindRateLimited, secerr.KindOf(err))
	assert.NotContains(t, err.Error(), "5")

	g.clock.Advance(DefaultLockoutWindow)
	assert.False(t, g.IsBlocked(ip))
	assert.False(t, g.IsAccountLocked("alice"))
	assert.NoError(t, g.CheckLoginAllowed("alice", ip))
}

func TestLockoutReportedOnce(t *testing.T) {
	g := newTestGuard(t, nil)
	ctx := context.Background()

	for range 8 {
		g.RecordAttempt(ctx, fail("alice", "203.0.113.7"))
	}
	events := g.events(t, audit.EventLockout)
	require.Len(t, events, 2)
	scopes := []string{events[0].Metadata["scope"], events[1].Metadata["scope"]}
	assert.ElementsMatch(t, []string{"ip", "account"}, scopes)
}

func TestSuccessResetsAccountButNotIP(t *testing.T) {
	g := newTestGuard(t, nil)
	ctx := context.Background()
	const ip = "198.51.100.4"

	for range 4 {
		g.RecordAttempt(ctx, fail("bob", ip))
	}
	g.RecordAttempt(ctx, LoginAttempt{Identifier: "bob", IP: ip, Success: true})
	g.RecordAttempt(ctx, fail("bob", ip))

	assert.False(t, g.IsAccountLocked("bob"))
	assert.True(t, g.IsBlocked(ip))
}

func TestIPBlockAcrossAccounts(t *testing.T) {
	g := newTestGuard(t, func(c *Config) {
		c.Lockout.IPMaxFailures = 3
	})
	ctx := context.Background()

	for i := range 3 {
		g.RecordAttempt(ctx, fail(fmt.Sprintf("user%d", i), "192.0.2.50"))
	}
	assert.True(t, g.IsBlocked("192.0.2.50"))
	assert.False(t, g.IsBlocked("192.0.2.51"))
	assert.False(t, g.IsAccountLocked("user0"))
}

func TestSlidingWindow(t *testing.T) {
	g := newTestGuard(t, func(c *Config) {
		c.Lockout.AccountMaxFailures = 3
		c.Lockout.AccountWindow = 10 * time.Minute
	})
	ctx := context.Background()

	g.RecordAttempt(ctx, fail("carol", ""))
	g.clock.Advance(6 * time.Minute)
	g.RecordAttempt(ctx, fail("carol", ""))
	g.clock.Advance(3 * time.Minute)
	g.RecordAttempt(ctx, fail("carol", ""))
	assert.True(t, g.IsAccountLocked("carol"))

	// The first failure leaves the window.
	g.clock.Advance(2 * time.Minute)
	assert.False(t, g.IsAccountLocked("carol"))
}

func TestRecordAttemptIgnoresCallerTimestamp(t *testing.T) {
	g := newTestGuard(t, nil)
	a := fail("dave", "192.0.2.1")
	a.Timestamp = time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC)
	g.RecordAttempt(context.Background(), a)

	history := g.history(t, "dave", 1)
	require.Len(t, history, 1)
	assert.Equal(t, g.clock.Now(), history[0].Timestamp)
}

func TestLoginHistory(t *testing.T) {
	g := newTestGuard(t, nil)
	ctx := context.Background()

	for i := range 4 {
		g.RecordAttempt(ctx, LoginAttempt{Identifier: "erin", IP: "10.1.1.1", Success: i%2 == 1})
		g.clock.Advance(time.Minute)
	}
	g.RecordAttempt(ctx, fail("frank", "10.1.1.2"))

	history := g.history(t, "erin", 3)
	require.Len(t, history, 3)
	assert.True(t, history[0].Timestamp.After(history[1].Timestamp))
	assert.True(t, history[0].Success)
	assert.Len(t, g.history(t, "erin", 0), 4)
	assert.Empty(t, g.history(t, "nobody", 10))
}

func TestConcurrentAttempts(t *testing.T) {
	g := newTestGuard(t, func(c *Config) {
		c.Lockout.AccountMaxFailures = 50
		c.Lockout.IPMaxFailures = 50
	})
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.RecordAttempt(ctx, fail("grace", "10.9.9.9"))
			_ = g.IsBlocked("10.9.9.9")
		}()
	}
	wg.Wait()

	assert.True(t, g.IsBlocked("10.9.9.9"))
	assert.Len(t, g.history(t, "grace", 0), 50)
	assert.Len(t, g.events(t, audit.EventLockout), 2)
}
