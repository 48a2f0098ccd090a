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

// Package audit records security-relevant events: key lifecycle changes,
// lockouts, session evictions and MFA state transitions. Components emit
// events through the Adapter interface; the in-memory adapter backs tests
// and the security report endpoint.
package audit

import (
	"context"
	"time"
)

// EventType represents the type of audit event
type EventType string

const (
	// Key management events
	EventKeyGenerate   EventType = "key.generate"
	EventKeyRotate     EventType = "key.rotate"
	EventKeyCompromise EventType = "key.compromise"
	EventKeyDelete     EventType = "key.delete"
	EventKeyBackup     EventType = "key.backup"
	EventKeyRestore    EventType = "key.restore"

	// Authentication events
	EventLoginSuccess EventType = "auth.login_success"
	EventLoginFailure EventType = "auth.login_failure"
	EventLockout      EventType = "auth.lockout"
	EventBreachHit    EventType = "auth.breach_hit"

	// Session events
	EventSessionCreate     EventType = "session.create"
	EventSessionEvict      EventType = "session.evict"
	EventSessionInvalidate EventType = "session.invalidate"

	// MFA events
	EventMFASetup        EventType = "mfa.setup"
	EventMFAEnable       EventType = "mfa.enable"
	EventMFADisable      EventType = "mfa.disable"
	EventMFAVerifyFailed EventType = "mfa.verify_failed"
	EventMFARecoveryUsed EventType = "mfa.recovery_used"
)

// EventSeverity indicates the importance level of an audit event
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarn     EventSeverity = "warn"
	SeverityCritical EventSeverity = "critical"
)

// EventOutcome indicates the result of an operation
type EventOutcome string

const (
	OutcomeSuccess EventOutcome = "success"
	OutcomeFailure EventOutcome = "failure"
	OutcomeDenied  EventOutcome = "denied"
)

// Event is a single audit record. Metadata values must not contain secrets.
type Event struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Type      EventType         `json:"type"`
	Severity  EventSeverity     `json:"severity"`
	Outcome   EventOutcome      `json:"outcome"`
	Principal string            `json:"principal,omitempty"`
	Resource  string            `json:"resource,omitempty"`
	SourceIP  string            `json:"source_ip,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Adapter provides audit logging capabilities.
type Adapter interface {
	// LogEvent records an audit event
	LogEvent(ctx context.Context, event *Event) error

	// GetEvents retrieves audit events newest first
	GetEvents(ctx context.Context, query *Query) ([]*Event, error)

	// GetStatistics returns counts per type and outcome
	GetStatistics(ctx context.Context, since time.Time) (*Statistics, error)
}

// Query filters GetEvents. Zero fields match everything.
type Query struct {
	Types     []EventType
	Principal string
	Resource  string
	Since     time.Time
	Limit     int
}

// Statistics contains audit statistics
type Statistics struct {
	TotalEvents     int64                  `json:"total_events"`
	EventsByType    map[EventType]int64    `json:"events_by_type"`
	EventsByOutcome map[EventOutcome]int64 `json:"events_by_outcome"`
}

// Nop returns an adapter that discards events.
func Nop() Adapter {
	return nopAdapter{}
}

type nopAdapter struct{}

func (nopAdapter) LogEvent(context.Context, *Event) error { return nil }

func (nopAdapter) GetEvents(context.Context, *Query) ([]*Event, error) { return nil, nil }

func (nopAdapter) GetStatistics(context.Context, time.Time) (*Statistics, error) {
	return &Statistics{
		EventsByType:    map[EventType]int64{},
		EventsByOutcome: map[EventOutcome]int64{},
	}, nil
}
