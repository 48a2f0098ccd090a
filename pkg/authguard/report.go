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
	"sort"
	"time"
)

// SecurityReport is a point in time summary of the guard's state.
type SecurityReport struct {
	GeneratedAt time.Time `json:"generated_at"`

	TotalAttempts  int      `json:"total_attempts"`
	FailedAttempts int      `json:"failed_attempts"`
	BlockedIPs     []string `json:"blocked_ips"`
	LockedAccounts []string `json:"locked_accounts"`

	ActiveSessions int `json:"active_sessions"`

	BreachChecks    int64 `json:"breach_checks"`
	BreachHits      int64 `json:"breach_hits"`
	BreachFailures  int64 `json:"breach_failures"`
	BreachCacheHits int64 `json:"breach_cache_hits"`

	MFA MFAAdoption `json:"mfa"`
}

// MFAAdoption counts enrollments by state. Users holds every known user,
// enrolled or seen through a session.
type MFAAdoption struct {
	Users    int     `json:"users"`
	Enabled  int     `json:"enabled"`
	Pending  int     `json:"pending"`
	Disabled int     `json:"disabled"`
	Rate     float64 `json:"rate"`
}

// GetSecurityReport aggregates the ledger, session registry, breach
// counters and MFA enrollments. It never exposes attempt counts per
// identifier.
func (g *Guard) GetSecurityReport() (*SecurityReport, error) {
	ctx := context.Background()
	now := g.now()
	ipSince := now.Add(-g.lockout.IPWindow)
	accountSince := now.Add(-g.lockout.AccountWindow)

	r := &SecurityReport{GeneratedAt: now.UTC()}
	byIP := make(map[string][]LoginAttempt)
	byAccount := make(map[string][]LoginAttempt)
	err := g.attempts.Scan(ctx, func(a LoginAttempt) bool {
		r.TotalAttempts++
		if !a.Success {
			r.FailedAttempts++
		}
		if a.IP != "" && a.Timestamp.After(ipSince) {
			byIP[a.IP] = append(byIP[a.IP], a)
		}
		if a.Identifier != "" && a.Timestamp.After(accountSince) {
			byAccount[a.Identifier] = append(byAccount[a.Identifier], a)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("authguard: scan login ledger: %w", err)
	}
	r.BlockedIPs = overThreshold(byIP, ipSince, g.lockout.IPMaxFailures, false)
	r.LockedAccounts = overThreshold(byAccount, accountSince, g.lockout.AccountMaxFailures, true)

	if r.ActiveSessions, err = g.sessions.ActiveCount(ctx); err != nil {
		return nil, fmt.Errorf("authguard: count sessions: %w", err)
	}
	if g.breach != nil {
		r.BreachChecks = g.breach.checks.Load()
		r.BreachHits = g.breach.hits.Load()
		r.BreachFailures = g.breach.failures.Load()
		r.BreachCacheHits = g.breach.cacheHits.Load()
	}

	enrollments, err := g.mfaStore.list()
	if err != nil {
		return nil, err
	}
	sessionUsers, err := g.sessions.Users(ctx)
	if err != nil {
		return nil, fmt.Errorf("authguard: list session users: %w", err)
	}
	users := make(map[string]struct{})
	for _, id := range sessionUsers {
		users[id] = struct{}{}
	}
	for _, e := range enrollments {
		users[e.UserID] = struct{}{}
		switch e.State {
		case MFAEnabled:
			r.MFA.Enabled++
		case MFAPending:
			r.MFA.Pending++
		case MFADisabled:
			r.MFA.Disabled++
		}
	}
	r.MFA.Users = len(users)
	if r.MFA.Users > 0 {
		r.MFA.Rate = float64(r.MFA.Enabled) / float64(r.MFA.Users)
	}
	return r, nil
}

// overThreshold returns the sorted keys whose attempts reach limit.
// Attempts must be in ledger order.
func overThreshold(groups map[string][]LoginAttempt, since time.Time, limit int, resetOnSuccess bool) []string {
	out := []string{}
	for k, attempts := range groups {
		if FailuresSince(attempts, since, resetOnSuccess) >= limit {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
