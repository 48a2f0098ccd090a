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
	"sort"
	"sync"
	"time"
)

// LoginAttempt is one authentication attempt. Records are immutable once
// appended.
type LoginAttempt struct {
	Identifier string    `json:"identifier"`
	IP         string    `json:"ip"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Success    bool      `json:"success"`
	Reason     string    `json:"reason,omitempty"`
}

// MemoryAttemptStore is the in-process AttemptStore with per-account and
// per-IP indexes. Reads take only the read lock.
type MemoryAttemptStore struct {
	mu        sync.RWMutex
	all       []*LoginAttempt
	byAccount map[string][]*LoginAttempt
	byIP      map[string][]*LoginAttempt
}

var _ AttemptStore = (*MemoryAttemptStore)(nil)

// NewMemoryAttemptStore returns an empty ledger.
func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{
		byAccount: make(map[string][]*LoginAttempt),
		byIP:      make(map[string][]*LoginAttempt),
	}
}

// Append implements AttemptStore. A timestamp earlier than the newest
// stored attempt is raised to it so every index stays ordered.
func (l *MemoryAttemptStore) Append(_ context.Context, a LoginAttempt, accountSince, ipSince time.Time) (account, ip []LoginAttempt, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n := len(l.all); n > 0 && a.Timestamp.Before(l.all[n-1].Timestamp) {
		a.Timestamp = l.all[n-1].Timestamp
	}
	p := &a
	l.all = append(l.all, p)
	if a.Identifier != "" {
		l.byAccount[a.Identifier] = append(l.byAccount[a.Identifier], p)
		account = after(l.byAccount[a.Identifier], accountSince)
	}
	if a.IP != "" {
		l.byIP[a.IP] = append(l.byIP[a.IP], p)
		ip = after(l.byIP[a.IP], ipSince)
	}
	return account, ip, nil
}

// after copies the attempts newer than since, oldest first.
func after(attempts []*LoginAttempt, since time.Time) []LoginAttempt {
	i := sort.Search(len(attempts), func(i int) bool {
		return attempts[i].Timestamp.After(since)
	})
	out := make([]LoginAttempt, 0, len(attempts)-i)
	for _, a := range attempts[i:] {
		out = append(out, *a)
	}
	return out
}

// AccountAttempts implements AttemptStore.
func (l *MemoryAttemptStore) AccountAttempts(_ context.Context, identifier string, since time.Time) ([]LoginAttempt, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return after(l.byAccount[identifier], since), nil
}

// IPAttempts implements AttemptStore.
func (l *MemoryAttemptStore) IPAttempts(_ context.Context, ip string, since time.Time) ([]LoginAttempt, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return after(l.byIP[ip], since), nil
}

// History implements AttemptStore.
func (l *MemoryAttemptStore) History(_ context.Context, identifier string, limit int) ([]LoginAttempt, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	attempts := l.byAccount[identifier]
	if limit <= 0 || limit > len(attempts) {
		limit = len(attempts)
	}
	out := make([]LoginAttempt, 0, limit)
	for i := len(attempts) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *attempts[i])
	}
	return out, nil
}

// Scan implements AttemptStore. fn runs under the read lock and must not
// call back into the store.
func (l *MemoryAttemptStore) Scan(_ context.Context, fn func(LoginAttempt) bool) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, a := range l.all {
		if !fn(*a) {
			break
		}
	}
	return nil
}

// Prune implements AttemptStore.
func (l *MemoryAttemptStore) Prune(_ context.Context, cutoff time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	keep := func(attempts []*LoginAttempt) []*LoginAttempt {
		i := sort.Search(len(attempts), func(i int) bool {
			return attempts[i].Timestamp.After(cutoff)
		})
		return append([]*LoginAttempt(nil), attempts[i:]...)
	}

	before := len(l.all)
	l.all = keep(l.all)
	for k, v := range l.byAccount {
		if v = keep(v); len(v) == 0 {
			delete(l.byAccount, k)
		} else {
			l.byAccount[k] = v
		}
	}
	for k, v := range l.byIP {
		if v = keep(v); len(v) == 0 {
			delete(l.byIP, k)
		} else {
			l.byIP[k] = v
		}
	}
	return before - len(l.all), nil
}
