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

	"github.com/jeremyhahn/go-securecore/pkg/adapters/audit"
	"github.com/jeremyhahn/go-securecore/pkg/adapters/logger"
	"github.com/jeremyhahn/go-securecore/pkg/metrics"
	"github.com/jeremyhahn/go-securecore/pkg/secerr"
)

// RecordAttempt appends an attempt to the ledger. The timestamp is set by
// the guard's clock; any value in attempt.Timestamp is ignored. A store
// failure is returned so the caller can refuse the login rather than let
// a failure go uncounted.
func (g *Guard) RecordAttempt(ctx context.Context, attempt LoginAttempt) error {
	a := attempt
	a.Timestamp = g.now().UTC()
	account, ip, err := g.attempts.Append(ctx, a,
		a.Timestamp.Add(-g.lockout.AccountWindow), a.Timestamp.Add(-g.lockout.IPWindow))
	if err != nil {
		g.log.ErrorContext(ctx, "record login attempt", logger.Error(err))
		return secerr.Wrap(secerr.KindExternalServiceError, "authguard.RecordAttempt", err)
	}
	metrics.RecordLoginAttempt(a.Success)

	event := &audit.Event{
		Type:      audit.EventLoginSuccess,
		Severity:  audit.SeverityInfo,
		Outcome:   audit.OutcomeSuccess,
		Principal: a.Identifier,
		SourceIP:  a.IP,
	}
	if !a.Success {
		event.Type = audit.EventLoginFailure
		event.Outcome = audit.OutcomeFailure
		if a.Reason != "" {
			event.Metadata = map[string]string{"reason": a.Reason}
		}
	}
	g.emit(ctx, event)

	if a.Success {
		return nil
	}

	// A lockout is reported once, on the failure that reaches the threshold.
	since := a.Timestamp
	if a.Identifier != "" && FailuresSince(account, since.Add(-g.lockout.AccountWindow), true) == g.lockout.AccountMaxFailures {
		g.lockoutTriggered(ctx, metrics.ScopeAccount, a)
	}
	if a.IP != "" && FailuresSince(ip, since.Add(-g.lockout.IPWindow), false) == g.lockout.IPMaxFailures {
		g.lockoutTriggered(ctx, metrics.ScopeIP, a)
	}
	return nil
}

func (g *Guard) lockoutTriggered(ctx context.Context, scope string, a LoginAttempt) {
	metrics.RecordLockout(scope)
	g.log.WarnContext(ctx, "lockout triggered",
		logger.String("scope", scope),
		logger.String("identifier", a.Identifier),
		logger.String("ip", a.IP))
	g.emit(ctx, &audit.Event{
		Type:      audit.EventLockout,
		Severity:  audit.SeverityWarn,
		Outcome:   audit.OutcomeDenied,
		Principal: a.Identifier,
		SourceIP:  a.IP,
		Metadata:  map[string]string{"scope": scope},
	})
}

// IsBlocked reports whether ip has reached the failure threshold within
// the sliding window. The block lifts on its own as failures age out. If
// the ledger cannot be read the address is treated as blocked.
func (g *Guard) IsBlocked(ip string) bool {
	since := g.now().Add(-g.lockout.IPWindow)
	attempts, err := g.attempts.IPAttempts(context.Background(), ip, since)
	if err != nil {
		g.log.Error("read login ledger", logger.Error(err))
		return true
	}
	return FailuresSince(attempts, since, false) >= g.lockout.IPMaxFailures
}

// IsAccountLocked reports whether identifier has reached the consecutive
// failure threshold within the window. A success resets the count for
// later attempts. If the ledger cannot be read the account is treated as
// locked.
func (g *Guard) IsAccountLocked(identifier string) bool {
	since := g.now().Add(-g.lockout.AccountWindow)
	attempts, err := g.attempts.AccountAttempts(context.Background(), identifier, since)
	if err != nil {
		g.log.Error("read login ledger", logger.Error(err))
		return true
	}
	return FailuresSince(attempts, since, true) >= g.lockout.AccountMaxFailures
}

// CheckLoginAllowed returns a rate limited error when either the IP or the
// account is blocked. The message does not disclose failure counts.
func (g *Guard) CheckLoginAllowed(identifier, ip string) error {
	const op = "authguard.CheckLoginAllowed"
	if ip != "" && g.IsBlocked(ip) {
		return secerr.RateLimited(op, "too many failed attempts from this address; try again later")
	}
	if identifier != "" && g.IsAccountLocked(identifier) {
		return secerr.RateLimited(op, "account temporarily locked; try again later")
	}
	return nil
}

// GetLoginHistory returns up to limit attempts for identifier, newest
// first. A limit of zero returns all retained attempts.
func (g *Guard) GetLoginHistory(identifier string, limit int) ([]LoginAttempt, error) {
	return g.attempts.History(context.Background(), identifier, limit)
}
