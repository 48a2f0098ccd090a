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


// Package redisstore keeps the authguard login ledger and session registry
// in Redis so several guard processes enforce one lockout policy and one
// session cap.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jeremyhahn/go-securecore/pkg/authguard"
)

const (
	// DefaultNamespace prefixes every key written by the stores.
	DefaultNamespace = "securecore:"

	scanPage   = 512
	maxRetries = 16
)

// AttemptStore is an authguard.AttemptStore on Redis sorted sets scored by
// attempt time in microseconds. Members carry a zero padded sequence number
// ahead of the JSON body so attempts recorded in the same microsecond keep
// their append order.
type AttemptStore struct {
	client    redis.UniversalClient
	namespace string
}

var _ authguard.AttemptStore = (*AttemptStore)(nil)

// NewAttemptStore returns a ledger on client under namespace.
func NewAttemptStore(client redis.UniversalClient, namespace string) *AttemptStore {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &AttemptStore{client: client, namespace: namespace}
}

func (s *AttemptStore) allKey() string      { return s.namespace + "attempts:all" }
func (s *AttemptStore) seqKey() string      { return s.namespace + "attempts:seq" }
func (s *AttemptStore) accountsKey() string { return s.namespace + "attempts:accounts" }
func (s *AttemptStore) ipsKey() string      { return s.namespace + "attempts:ips" }

func (s *AttemptStore) accountKey(identifier string) string {
	return s.namespace + "attempts:account:" + identifier
}

func (s *AttemptStore) ipKey(ip string) string {
	return s.namespace + "attempts:ip:" + ip
}

func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

func scoreArg(t time.Time) string {
	return strconv.FormatInt(t.UnixMicro(), 10)
}

func encodeAttempt(seq int64, a authguard.LoginAttempt) (string, error) {
	body, err := json.Marshal(a)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%020d|%s", seq, body), nil
}

func decodeAttempt(member string) (authguard.LoginAttempt, error) {
	var a authguard.LoginAttempt
	_, body, ok := strings.Cut(member, "|")
	if !ok {
		return a, fmt.Errorf("redisstore: malformed attempt %q", member)
	}
	if err := json.Unmarshal([]byte(body), &a); err != nil {
		return a, fmt.Errorf("redisstore: decode attempt: %w", err)
	}
	return a, nil
}

// decodeAfter decodes members oldest first, keeping attempts after since.
func decodeAfter(members []string, since time.Time) ([]authguard.LoginAttempt, error) {
	out := make([]authguard.LoginAttempt, 0, len(members))
	for _, m := range members {
		a, err := decodeAttempt(m)
		if err != nil {
			return nil, err
		}
		if a.Timestamp.After(since) {
			out = append(out, a)
		}
	}
	return out, nil
}

// window reads from the microsecond containing since; decodeAfter trims
// the remainder.
func window(since time.Time) *redis.ZRangeBy {
	return &redis.ZRangeBy{Min: scoreArg(since), Max: "+inf"}
}

// Append implements authguard.AttemptStore. The insert and both window
// reads run in one MULTI block.
func (s *AttemptStore) Append(ctx context.Context, a authguard.LoginAttempt, accountSince, ipSince time.Time) (account, ip []authguard.LoginAttempt, err error) {
	a.Timestamp = a.Timestamp.Truncate(time.Microsecond)
	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("redisstore: next attempt sequence: %w", err)
	}
	member, err := encodeAttempt(seq, a)
	if err != nil {
		return nil, nil, fmt.Errorf("redisstore: encode attempt: %w", err)
	}
	z := redis.Z{Score: score(a.Timestamp), Member: member}

	var accountCmd, ipCmd *redis.StringSliceCmd
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, s.allKey(), z)
		if a.Identifier != "" {
			p.ZAdd(ctx, s.accountKey(a.Identifier), z)
			p.SAdd(ctx, s.accountsKey(), a.Identifier)
			accountCmd = p.ZRangeByScore(ctx, s.accountKey(a.Identifier), window(accountSince))
		}
		if a.IP != "" {
			p.ZAdd(ctx, s.ipKey(a.IP), z)
			p.SAdd(ctx, s.ipsKey(), a.IP)
			ipCmd = p.ZRangeByScore(ctx, s.ipKey(a.IP), window(ipSince))
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("redisstore: append attempt: %w", err)
	}
	if accountCmd != nil {
		if account, err = decodeAfter(accountCmd.Val(), accountSince); err != nil {
			return nil, nil, err
		}
	}
	if ipCmd != nil {
		if ip, err = decodeAfter(ipCmd.Val(), ipSince); err != nil {
			return nil, nil, err
		}
	}
	return account, ip, nil
}

func (s *AttemptStore) rangeAfter(ctx context.Context, key string, since time.Time) ([]authguard.LoginAttempt, error) {
	members, err := s.client.ZRangeByScore(ctx, key, window(since)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: read attempts: %w", err)
	}
	return decodeAfter(members, since)
}

// AccountAttempts implements authguard.AttemptStore.
func (s *AttemptStore) AccountAttempts(ctx context.Context, identifier string, since time.Time) ([]authguard.LoginAttempt, error) {
	return s.rangeAfter(ctx, s.accountKey(identifier), since)
}

// IPAttempts implements authguard.AttemptStore.
func (s *AttemptStore) IPAttempts(ctx context.Context, ip string, since time.Time) ([]authguard.LoginAttempt, error) {
	return s.rangeAfter(ctx, s.ipKey(ip), since)
}

// History implements authguard.AttemptStore.
func (s *AttemptStore) History(ctx context.Context, identifier string, limit int) ([]authguard.LoginAttempt, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	members, err := s.client.ZRevRange(ctx, s.accountKey(identifier), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: read history: %w", err)
	}
	out := make([]authguard.LoginAttempt, 0, len(members))
	for _, m := range members {
		a, err := decodeAttempt(m)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Scan implements authguard.AttemptStore. Pages are read by rank, so
// attempts pruned while a scan runs may shift later pages.
func (s *AttemptStore) Scan(ctx context.Context, fn func(authguard.LoginAttempt) bool) error {
	for start := int64(0); ; start += scanPage {
		members, err := s.client.ZRange(ctx, s.allKey(), start, start+scanPage-1).Result()
		if err != nil {
			return fmt.Errorf("redisstore: scan attempts: %w", err)
		}
		for _, m := range members {
			a, err := decodeAttempt(m)
			if err != nil {
				return err
			}
			if !fn(a) {
				return nil
			}
		}
		if len(members) < scanPage {
			return nil
		}
	}
}

// Prune implements authguard.AttemptStore. Emptied account and IP indexes
// are forgotten.
func (s *AttemptStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	upper := scoreArg(cutoff)
	removed, err := s.client.ZRemRangeByScore(ctx, s.allKey(), "-inf", upper).Result()
	if err != nil {
		return 0, fmt.Errorf("redisstore: prune attempts: %w", err)
	}
	for _, idx := range []struct {
		set string
		key func(string) string
	}{
		{s.accountsKey(), s.accountKey},
		{s.ipsKey(), s.ipKey},
	} {
		names, err := s.client.SMembers(ctx, idx.set).Result()
		if err != nil {
			return int(removed), fmt.Errorf("redisstore: list attempt indexes: %w", err)
		}
		for _, name := range names {
			if err := s.pruneIndex(ctx, idx.set, idx.key(name), name, upper); err != nil {
				return int(removed), err
			}
		}
	}
	return int(removed), nil
}

// pruneIndex trims one index and drops it from set once empty. The emptiness
// check is watched so a concurrent Append keeps the index registered.
func (s *AttemptStore) pruneIndex(ctx context.Context, set, key, name, upper string) error {
	if err := s.client.ZRemRangeByScore(ctx, key, "-inf", upper).Err(); err != nil {
		return fmt.Errorf("redisstore: prune attempt index: %w", err)
	}
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.ZCard(ctx, key).Result()
		if err != nil || n > 0 {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.SRem(ctx, set, name)
			return nil
		})
		return err
	}, key)
	if err != nil && !errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("redisstore: drop attempt index: %w", err)
	}
	return nil
}
