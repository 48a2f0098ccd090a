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

package audit

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeremyhahn/go-securecore/pkg/correlation"
)

// DefaultMemoryCapacity bounds the in-memory adapter.
const DefaultMemoryCapacity = 10000

// MemoryAdapter implements Adapter with a bounded in-memory log. Once full,
// the oldest events are dropped.
type MemoryAdapter struct {
	mu       sync.RWMutex
	events   []*Event
	capacity int
	now      func() time.Time
}

// NewMemoryAdapter creates an adapter holding at most capacity events.
// A non-positive capacity selects DefaultMemoryCapacity.
func NewMemoryAdapter(capacity int) *MemoryAdapter {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryAdapter{
		events:   make([]*Event, 0, min(capacity, 1024)),
		capacity: capacity,
		now:      time.Now,
	}
}

// LogEvent records an audit event, filling ID, timestamp and request ID
// when absent.
func (m *MemoryAdapter) LogEvent(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("audit: event cannot be nil")
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = m.now()
	}
	if event.RequestID == "" {
		event.RequestID = correlation.FromContext(ctx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.events) >= m.capacity {
		drop := len(m.events) - m.capacity + 1
		m.events = append(m.events[:0], m.events[drop:]...)
	}
	m.events = append(m.events, event)
	return nil
}

// GetEvents retrieves matching events, newest first.
func (m *MemoryAdapter) GetEvents(_ context.Context, query *Query) ([]*Event, error) {
	if query == nil {
		query = &Query{}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*Event, 0)
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if !matches(e, query) {
			continue
		}
		results = append(results, e)
		if query.Limit > 0 && len(results) >= query.Limit {
			break
		}
	}
	return results, nil
}

// GetStatistics counts events at or after since.
func (m *MemoryAdapter) GetStatistics(_ context.Context, since time.Time) (*Statistics, error) {
	stats := &Statistics{
		EventsByType:    make(map[EventType]int64),
		EventsByOutcome: make(map[EventOutcome]int64),
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.events {
		if e.Timestamp.Before(since) {
			continue
		}
		stats.TotalEvents++
		stats.EventsByType[e.Type]++
		stats.EventsByOutcome[e.Outcome]++
	}
	return stats, nil
}

// Len returns the number of retained events.
func (m *MemoryAdapter) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

func matches(e *Event, q *Query) bool {
	if len(q.Types) > 0 && !slices.Contains(q.Types, e.Type) {
		return false
	}
	if q.Principal != "" && e.Principal != q.Principal {
		return false
	}
	if q.Resource != "" && e.Resource != q.Resource {
		return false
	}
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	return true
}
