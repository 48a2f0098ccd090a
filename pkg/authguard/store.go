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
	"time"

	"github.com/jeremyhahn/go-securecore/pkg/secerr"
)

// ErrSessionNotFound is returned by a SessionStore for an unknown ID.
var ErrSessionNotFound = secerr.New(secerr.KindNotFound, "authguard.session", "session not found")

// AttemptStore is the append-only login-attempt ledger. Appends may arrive
// concurrently; reads never need exclusive access.
type AttemptStore interface {
	// Append stores a and, as the same step, returns the attempts of its
	// account after accountSince and of its IP after ipSince, oldest first
	// and including a.
	Append(ctx context.Context, a LoginAttempt, accountSince, ipSince time.Time) (account, ip []LoginAttempt, err error)

	// AccountAttempts returns the attempts for identifier after since,
	// oldest first.
	AccountAttempts(ctx context.Context, identifier string, since time.Time) ([]LoginAttempt, error)

	// IPAttempts returns the attempts from ip after since, oldest first.
	IPAttempts(ctx context.Context, ip string, since time.Time) ([]LoginAttempt, error)

	// History returns up to limit attempts for identifier, newest first.
	// A limit of zero returns all of them.
	History(ctx context.Context, identifier string, limit int) ([]LoginAttempt, error)

	// Scan calls fn for every retained attempt, oldest first, until fn
	// returns false.
	Scan(ctx context.Context, fn func(LoginAttempt) bool) error

	// Prune drops attempts at or before cutoff and returns how many went.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// SessionStore holds sessions. Create must check capacity, evict and
// insert as one step per user, even across processes sharing the store.
// An ended session is never made active again.
type SessionStore interface {
	// Create inserts s. When s.UserID already holds max or more active
	// sessions, the least recently renewed one is ended as evicted first
	// and returned.
	Create(ctx context.Context, s Session, max int) (evicted *Session, err error)

	// Get returns a session in any state, or ErrSessionNotFound.
	Get(ctx context.Context, id string) (Session, error)

	// Touch ends the session as expired when it has been idle longer than
	// idle (when idle is positive), otherwise renews it at now if renew is
	// set. expired reports that this call ended it.
	Touch(ctx context.Context, id string, now time.Time, idle time.Duration, renew bool) (s Session, expired bool, err error)

	// End ends an active session. changed is false when it had already
	// ended.
	End(ctx context.Context, id, reason string, now time.Time) (s Session, changed bool, err error)

	// EndAll ends every active session of userID and returns how many.
	EndAll(ctx context.Context, userID, reason string, now time.Time) (int, error)

	// List expires the idle sessions of userID and returns the rest of
	// its active sessions, oldest first.
	List(ctx context.Context, userID string, now time.Time, idle time.Duration) ([]Session, error)

	// ActiveCount returns the number of active sessions across users.
	ActiveCount(ctx context.Context) (int, error)

	// Users returns every user holding a retained session.
	Users(ctx context.Context) ([]string, error)

	// Sweep expires idle sessions and drops ended sessions at or before
	// cutoff. It returns the number expired.
	Sweep(ctx context.Context, now time.Time, idle time.Duration, cutoff time.Time) (int, error)
}

// IdleExpired reports whether an active session has gone unrenewed for
// longer than idle. A non-positive idle disables expiry.
func (s *Session) IdleExpired(now time.Time, idle time.Duration) bool {
	return s.Active && idle > 0 && now.Sub(s.LastRenewedAt) > idle
}

// FailuresSince counts the failures in attempts after since, scanning back
// from the newest. With resetOnSuccess only failures after the most recent
// success count, which is how an account's consecutive failures are
// measured.
func FailuresSince(attempts []LoginAttempt, since time.Time, resetOnSuccess bool) int {
	n := 0
	for i := len(attempts) - 1; i >= 0; i-- {
		a := attempts[i]
		if !a.Timestamp.After(since) {
			break
		}
		if a.Success {
			if resetOnSuccess {
				break
			}
			continue
		}
		n++
	}
	return n
}

// LeastRecentlyRenewed returns the index of the session renewed longest
// ago, breaking ties by creation time then ID, or -1 for none.
func LeastRecentlyRenewed(sessions []Session) int {
	lru := -1
	for i := range sessions {
		if lru < 0 {
			lru = i
			continue
		}
		s, l := &sessions[i], &sessions[lru]
		switch {
		case s.LastRenewedAt.Before(l.LastRenewedAt):
			lru = i
		case s.LastRenewedAt.Equal(l.LastRenewedAt):
			if s.CreatedAt.Before(l.CreatedAt) || (s.CreatedAt.Equal(l.CreatedAt) && s.ID < l.ID) {
				lru = i
			}
		}
	}
	return lru
}
