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
	"encoding/base64"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jeremyhahn/go-securecore/pkg/adapters/audit"
	"github.com/jeremyhahn/go-securecore/pkg/adapters/logger"
	"github.com/jeremyhahn/go-securecore/pkg/metrics"
	"github.com/jeremyhahn/go-securecore/pkg/secerr"
)

var errSessionInactive = secerr.AuthenticationFailure("authguard.session", "session is no longer active")

// Device describes the client a session or attempt came from.
type Device struct {
	UserAgent  string `json:"user_agent,omitempty"`
	IP         string `json:"ip,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
}

// Reasons a session ended.
const (
	EndLogout  = "logout"
	EndEvicted = "evicted"
	EndExpired = "expired"
	EndRevoked = "revoked"
)

// Session is a login session. Once inactive it never becomes active again.
type Session struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Device        Device     `json:"device"`
	CreatedAt     time.Time  `json:"created_at"`
	LastRenewedAt time.Time  `json:"last_renewed_at"`
	Active        bool       `json:"active"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	EndReason     string     `json:"end_reason,omitempty"`
}

// End marks the session ended at at for reason.
func (s *Session) End(reason string, at time.Time) {
	s.Active = false
	s.EndedAt = &at
	s.EndReason = reason
}

// MemorySessionStore is the in-process SessionStore. A single mutex makes
// the capacity check, eviction and insert one step.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	active   map[string]map[string]*Session
}

var _ SessionStore = (*MemorySessionStore)(nil)

// NewMemorySessionStore returns an empty session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*Session),
		active:   make(map[string]map[string]*Session),
	}
}

func (r *MemorySessionStore) deactivate(s *Session, reason string, at time.Time) {
	s.End(reason, at)
	if m := r.active[s.UserID]; m != nil {
		delete(m, s.ID)
		if len(m) == 0 {
			delete(r.active, s.UserID)
		}
	}
}

// Create implements SessionStore.
func (r *MemorySessionStore) Create(_ context.Context, s Session, max int) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID]; ok {
		return nil, secerr.New(secerr.KindAlreadyExists, "authguard.session", "session id collision")
	}

	var evicted *Session
	if m := r.active[s.UserID]; max > 0 && len(m) >= max {
		current := make([]Session, 0, len(m))
		for _, cur := range m {
			current = append(current, *cur)
		}
		lru := r.sessions[current[LeastRecentlyRenewed(current)].ID]
		r.deactivate(lru, EndEvicted, s.CreatedAt)
		c := *lru
		evicted = &c
	}

	stored := s
	r.sessions[s.ID] = &stored
	if r.active[s.UserID] == nil {
		r.active[s.UserID] = make(map[string]*Session)
	}
	r.active[s.UserID][s.ID] = &stored
	return evicted, nil
}

// Get implements SessionStore.
func (r *MemorySessionStore) Get(_ context.Context, id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return *s, nil
}

// Touch implements SessionStore.
func (r *MemorySessionStore) Touch(_ context.Context, id string, now time.Time, idle time.Duration, renew bool) (Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false, ErrSessionNotFound
	}
	if s.IdleExpired(now, idle) {
		r.deactivate(s, EndExpired, now)
		return *s, true, nil
	}
	if s.Active && renew {
		s.LastRenewedAt = now
	}
	return *s, false, nil
}

// End implements SessionStore.
func (r *MemorySessionStore) End(_ context.Context, id, reason string, now time.Time) (Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false, ErrSessionNotFound
	}
	if !s.Active {
		return *s, false, nil
	}
	r.deactivate(s, reason, now)
	return *s, true, nil
}

// EndAll implements SessionStore.
func (r *MemorySessionStore) EndAll(_ context.Context, userID, reason string, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.active[userID]
	n := len(m)
	for _, s := range m {
		s.End(reason, now)
	}
	delete(r.active, userID)
	return n, nil
}

// List implements SessionStore.
func (r *MemorySessionStore) List(_ context.Context, userID string, now time.Time, idle time.Duration) ([]Session, error) {
	r.mu.Lock()
	out := make([]Session, 0, len(r.active[userID]))
	for _, s := range r.active[userID] {
		if s.IdleExpired(now, idle) {
			r.deactivate(s, EndExpired, now)
			continue
		}
		out = append(out, *s)
	}
	r.mu.Unlock()

	SortSessions(out)
	return out, nil
}

// SortSessions orders sessions oldest first.
func SortSessions(sessions []Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
}

// ActiveCount implements SessionStore.
func (r *MemorySessionStore) ActiveCount(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.active {
		n += len(m)
	}
	return n, nil
}

// Users implements SessionStore.
func (r *MemorySessionStore) Users(context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{})
	for _, s := range r.sessions {
		seen[s.UserID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	return out, nil
}

// Sweep implements SessionStore.
func (r *MemorySessionStore) Sweep(_ context.Context, now time.Time, idle time.Duration, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	expired := 0
	for id, s := range r.sessions {
		if s.IdleExpired(now, idle) {
			r.deactivate(s, EndExpired, now)
			expired++
		}
		if !s.Active && s.EndedAt != nil && !s.EndedAt.After(cutoff) {
			delete(r.sessions, id)
		}
	}
	return expired, nil
}

func (g *Guard) newSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(g.random, b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (g *Guard) refreshSessionGauge(ctx context.Context) {
	if !metrics.IsEnabled() {
		return
	}
	n, err := g.sessions.ActiveCount(ctx)
	if err != nil {
		g.log.WarnContext(ctx, "count active sessions", logger.Error(err))
		return
	}
	metrics.SetActiveSessions(n)
}

// CreateSession opens a session for userID. When the user already holds
// the maximum number of active sessions, the least recently renewed one is
// evicted in the same step.
func (g *Guard) CreateSession(ctx context.Context, userID string, device Device) (Session, error) {
	const op = "authguard.CreateSession"
	if userID == "" {
		return Session{}, secerr.InvalidArgument(op, "user id is required")
	}
	id, err := g.newSessionID()
	if err != nil {
		return Session{}, fmt.Errorf("authguard: create session: %w", err)
	}
	now := g.now().UTC()
	s := Session{
		ID:            id,
		UserID:        userID,
		Device:        device,
		CreatedAt:     now,
		LastRenewedAt: now,
		Active:        true,
	}
	evicted, err := g.sessions.Create(ctx, s, g.session.MaxPerUser)
	if err != nil {
		return Session{}, fmt.Errorf("authguard: create session: %w", err)
	}

	if evicted != nil {
		metrics.RecordSessionEviction()
		g.log.InfoContext(ctx, "session evicted",
			logger.String("user_id", userID),
			logger.String("session_id", evicted.ID))
		g.emit(ctx, &audit.Event{
			Type:      audit.EventSessionEvict,
			Severity:  audit.SeverityInfo,
			Outcome:   audit.OutcomeSuccess,
			Principal: userID,
			Resource:  evicted.ID,
		})
	}
	g.refreshSessionGauge(ctx)
	g.emit(ctx, &audit.Event{
		Type:      audit.EventSessionCreate,
		Severity:  audit.SeverityInfo,
		Outcome:   audit.OutcomeSuccess,
		Principal: userID,
		Resource:  s.ID,
		SourceIP:  device.IP,
	})
	return s, nil
}

// GetSession returns a session in any state.
func (g *Guard) GetSession(sessionID string) (Session, error) {
	return g.sessions.Get(context.Background(), sessionID)
}

// ValidateSession returns the session if it is active. Sessions idle for
// longer than the idle timeout are expired and fail.
func (g *Guard) ValidateSession(sessionID string) (Session, error) {
	return g.touchSession(sessionID, false)
}

// RenewSession validates the session and records activity on it.
func (g *Guard) RenewSession(sessionID string) (Session, error) {
	return g.touchSession(sessionID, true)
}

func (g *Guard) touchSession(id string, renew bool) (Session, error) {
	ctx := context.Background()
	s, expired, err := g.sessions.Touch(ctx, id, g.now().UTC(), g.session.IdleTimeout, renew)
	if err != nil {
		return Session{}, err
	}
	if expired {
		g.refreshSessionGauge(ctx)
	}
	if !s.Active {
		return s, errSessionInactive
	}
	return s, nil
}

// InvalidateSession ends a session. Ending an already inactive session is
// a no-op; unknown IDs fail with not found.
func (g *Guard) InvalidateSession(ctx context.Context, sessionID string) error {
	s, changed, err := g.sessions.End(ctx, sessionID, EndLogout, g.now().UTC())
	if err != nil {
		return err
	}
	if changed {
		g.refreshSessionGauge(ctx)
		g.emit(ctx, &audit.Event{
			Type:      audit.EventSessionInvalidate,
			Severity:  audit.SeverityInfo,
			Outcome:   audit.OutcomeSuccess,
			Principal: s.UserID,
			Resource:  s.ID,
		})
	}
	return nil
}

// InvalidateAllSessions ends every active session of userID and returns
// how many were ended.
func (g *Guard) InvalidateAllSessions(ctx context.Context, userID string) (int, error) {
	n, err := g.sessions.EndAll(ctx, userID, EndRevoked, g.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		g.refreshSessionGauge(ctx)
		g.emit(ctx, &audit.Event{
			Type:      audit.EventSessionInvalidate,
			Severity:  audit.SeverityInfo,
			Outcome:   audit.OutcomeSuccess,
			Principal: userID,
			Metadata:  map[string]string{"count": strconv.Itoa(n)},
		})
	}
	return n, nil
}

// ListSessions returns the active sessions of userID, oldest first.
// Sessions past the idle timeout are expired rather than listed.
func (g *Guard) ListSessions(userID string) ([]Session, error) {
	return g.sessions.List(context.Background(), userID, g.now().UTC(), g.session.IdleTimeout)
}
