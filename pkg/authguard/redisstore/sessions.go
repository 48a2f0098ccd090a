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


package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jeremyhahn/go-securecore/pkg/authguard"
	"github.com/jeremyhahn/go-securecore/pkg/secerr"
)

// SessionStore is an authguard.SessionStore on Redis. Each session is a
// JSON string; a set per user indexes the active ones. Every change runs
// as a WATCH/MULTI transaction and is retried when a concurrent writer
// touches a watched key.
type SessionStore struct {
	client    redis.UniversalClient
	namespace string
}

var _ authguard.SessionStore = (*SessionStore)(nil)

// NewSessionStore returns a session registry on client under namespace.
func NewSessionStore(client redis.UniversalClient, namespace string) *SessionStore {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &SessionStore{client: client, namespace: namespace}
}

func (s *SessionStore) sessionKey(id string) string { return s.namespace + "session:" + id }
func (s *SessionStore) activeKey(uid string) string { return s.namespace + "sessions:active:" + uid }
func (s *SessionStore) usersKey() string            { return s.namespace + "sessions:users" }
func (s *SessionStore) allKey() string              { return s.namespace + "sessions:all" }

func (s *SessionStore) transact(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for range maxRetries {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return secerr.New(secerr.KindExternalServiceError, "redisstore.session", "too much contention on session keys")
}

// getter is satisfied by both the client and a WATCH transaction.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *SessionStore) read(ctx context.Context, c getter, id string) (authguard.Session, error) {
	var sess authguard.Session
	raw, err := c.Get(ctx, s.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return sess, authguard.ErrSessionNotFound
	}
	if err != nil {
		return sess, fmt.Errorf("redisstore: get session: %w", err)
	}
	if err := json.Unmarshal(raw, &sess); err != nil {
		return sess, fmt.Errorf("redisstore: decode session: %w", err)
	}
	return sess, nil
}

func (s *SessionStore) write(ctx context.Context, p redis.Pipeliner, sess *authguard.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("redisstore: encode session: %w", err)
	}
	p.Set(ctx, s.sessionKey(sess.ID), raw, 0)
	if !sess.Active {
		p.SRem(ctx, s.activeKey(sess.UserID), sess.ID)
	}
	return nil
}

// Create implements authguard.SessionStore. The user's active set and
// every session in it are watched, so a concurrent create, renewal or end
// restarts the capacity check.
func (s *SessionStore) Create(ctx context.Context, sess authguard.Session, max int) (*authguard.Session, error) {
	var evicted *authguard.Session
	active := s.activeKey(sess.UserID)
	err := s.transact(ctx, func(tx *redis.Tx) error {
		evicted = nil
		n, err := tx.Exists(ctx, s.sessionKey(sess.ID)).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return secerr.New(secerr.KindAlreadyExists, "redisstore.session", "session id collision")
		}
		ids, err := tx.SMembers(ctx, active).Result()
		if err != nil {
			return err
		}

		var current []authguard.Session
		var stale []string
		if max > 0 && len(ids) >= max {
			keys := make([]string, len(ids))
			for i, id := range ids {
				keys[i] = s.sessionKey(id)
			}
			if err := tx.Watch(ctx, keys...).Err(); err != nil {
				return err
			}
			for _, id := range ids {
				cur, err := s.read(ctx, tx, id)
				if errors.Is(err, authguard.ErrSessionNotFound) {
					stale = append(stale, id)
					continue
				}
				if err != nil {
					return err
				}
				if cur.Active {
					current = append(current, cur)
				} else {
					stale = append(stale, id)
				}
			}
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for _, id := range stale {
				p.SRem(ctx, active, id)
			}
			if len(current) >= max && len(current) > 0 {
				lru := current[authguard.LeastRecentlyRenewed(current)]
				lru.End(authguard.EndEvicted, sess.CreatedAt)
				if err := s.write(ctx, p, &lru); err != nil {
					return err
				}
				evicted = &lru
			}
			if err := s.write(ctx, p, &sess); err != nil {
				return err
			}
			p.SAdd(ctx, active, sess.ID)
			p.SAdd(ctx, s.usersKey(), sess.UserID)
			p.SAdd(ctx, s.allKey(), sess.ID)
			return nil
		})
		return err
	}, active)
	if err != nil {
		return nil, err
	}
	return evicted, nil
}

// Get implements authguard.SessionStore.
func (s *SessionStore) Get(ctx context.Context, id string) (authguard.Session, error) {
	return s.read(ctx, s.client, id)
}

// update reads one session under WATCH and writes it back when fn reports
// a change.
func (s *SessionStore) update(ctx context.Context, id string, fn func(*authguard.Session) bool) (authguard.Session, bool, error) {
	var sess authguard.Session
	var changed bool
	err := s.transact(ctx, func(tx *redis.Tx) error {
		var err error
		if sess, err = s.read(ctx, tx, id); err != nil {
			return err
		}
		if changed = fn(&sess); !changed {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			return s.write(ctx, p, &sess)
		})
		return err
	}, s.sessionKey(id))
	return sess, changed, err
}

// Touch implements authguard.SessionStore.
func (s *SessionStore) Touch(ctx context.Context, id string, now time.Time, idle time.Duration, renew bool) (authguard.Session, bool, error) {
	var expired bool
	sess, _, err := s.update(ctx, id, func(sess *authguard.Session) bool {
		expired = false
		if sess.IdleExpired(now, idle) {
			sess.End(authguard.EndExpired, now)
			expired = true
			return true
		}
		if sess.Active && renew {
			sess.LastRenewedAt = now
			return true
		}
		return false
	})
	return sess, expired, err
}

// End implements authguard.SessionStore.
func (s *SessionStore) End(ctx context.Context, id, reason string, now time.Time) (authguard.Session, bool, error) {
	return s.update(ctx, id, func(sess *authguard.Session) bool {
		if !sess.Active {
			return false
		}
		sess.End(reason, now)
		return true
	})
}

// EndAll implements authguard.SessionStore.
func (s *SessionStore) EndAll(ctx context.Context, userID, reason string, now time.Time) (int, error) {
	ids, err := s.client.SMembers(ctx, s.activeKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("redisstore: list sessions: %w", err)
	}
	n := 0
	for _, id := range ids {
		_, changed, err := s.End(ctx, id, reason, now)
		if errors.Is(err, authguard.ErrSessionNotFound) {
			s.client.SRem(ctx, s.activeKey(userID), id)
			continue
		}
		if err != nil {
			return n, err
		}
		if changed {
			n++
		}
	}
	return n, nil
}

// List implements authguard.SessionStore. Idle sessions are expired as
// they are read.
func (s *SessionStore) List(ctx context.Context, userID string, now time.Time, idle time.Duration) ([]authguard.Session, error) {
	ids, err := s.client.SMembers(ctx, s.activeKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list sessions: %w", err)
	}
	out := make([]authguard.Session, 0, len(ids))
	for _, id := range ids {
		sess, _, err := s.Touch(ctx, id, now, idle, false)
		if errors.Is(err, authguard.ErrSessionNotFound) {
			s.client.SRem(ctx, s.activeKey(userID), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if sess.Active {
			out = append(out, sess)
		}
	}
	authguard.SortSessions(out)
	return out, nil
}

// ActiveCount implements authguard.SessionStore.
func (s *SessionStore) ActiveCount(ctx context.Context) (int, error) {
	users, err := s.client.SMembers(ctx, s.usersKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redisstore: list session users: %w", err)
	}
	cmds := make([]*redis.IntCmd, len(users))
	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, u := range users {
			cmds[i] = p.SCard(ctx, s.activeKey(u))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redisstore: count sessions: %w", err)
	}
	n := 0
	for _, c := range cmds {
		n += int(c.Val())
	}
	return n, nil
}

// Users implements authguard.SessionStore.
func (s *SessionStore) Users(ctx context.Context) ([]string, error) {
	users, err := s.client.SMembers(ctx, s.usersKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list session users: %w", err)
	}
	return users, nil
}

// Sweep implements authguard.SessionStore. A user is forgotten once none
// of their sessions is retained; their next session registers them again.
func (s *SessionStore) Sweep(ctx context.Context, now time.Time, idle time.Duration, cutoff time.Time) (int, error) {
	ids, err := s.client.SMembers(ctx, s.allKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redisstore: list sessions: %w", err)
	}
	expired := 0
	retained := make(map[string]struct{})
	for _, id := range ids {
		sess, exp, err := s.Touch(ctx, id, now, idle, false)
		if errors.Is(err, authguard.ErrSessionNotFound) {
			s.client.SRem(ctx, s.allKey(), id)
			continue
		}
		if err != nil {
			return expired, err
		}
		if exp {
			expired++
		}
		if !sess.Active && sess.EndedAt != nil && !sess.EndedAt.After(cutoff) {
			_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Del(ctx, s.sessionKey(id))
				p.SRem(ctx, s.allKey(), id)
				return nil
			})
			if err != nil {
				return expired, fmt.Errorf("redisstore: drop session: %w", err)
			}
			continue
		}
		retained[sess.UserID] = struct{}{}
	}

	users, err := s.client.SMembers(ctx, s.usersKey()).Result()
	if err != nil {
		return expired, fmt.Errorf("redisstore: list session users: %w", err)
	}
	for _, u := range users {
		if _, ok := retained[u]; ok {
			continue
		}
		if err := s.forgetUser(ctx, u); err != nil {
			return expired, err
		}
	}
	return expired, nil
}

// forgetUser drops u from the user set unless a session was opened for it
// since the sweep began.
func (s *SessionStore) forgetUser(ctx context.Context, u string) error {
	active := s.activeKey(u)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.SCard(ctx, active).Result()
		if err != nil || n > 0 {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.SRem(ctx, s.usersKey(), u)
			return nil
		})
		return err
	}, active)
	if err != nil && !errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("redisstore: forget session user: %w", err)
	}
	return nil
}
