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

// Package metrics provides Prometheus instrumentation for the security
// core: key lifecycle and usage, login attempts and lockouts, breach checks,
// sessions, MFA verification and the HTTP edge.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all metrics
	Namespace = "securecore"

	// Label names
	LabelComponent  = "component"
	LabelOperation  = "operation"
	LabelStatus     = "status"
	LabelErrorKind  = "error_kind"
	LabelPurpose    = "purpose"
	LabelKeyStatus  = "key_status"
	LabelResult     = "result"
	LabelScope      = "scope"
	LabelMethod     = "method"
	LabelCode       = "code"

	// Status values
	StatusSuccess = "success"
	StatusError   = "error"

	// Components
	ComponentKeyManager = "keymanager"
	ComponentEngine     = "encryption"
	ComponentGuard      = "authguard"

	// Operation names
	OpGenerate   = "generate"
	OpRotate     = "rotate"
	OpCompromise = "compromise"
	OpDelete     = "delete"
	OpBackup     = "backup"
	OpRestore    = "restore"
	OpEncrypt    = "encrypt"
	OpDecrypt    = "decrypt"
	OpSign       = "sign"
	OpVerify     = "verify"
	OpBreach     = "breach_check"

	// Lockout scopes
	ScopeIP      = "ip"
	ScopeAccount = "account"

	// Breach check results
	BreachClean    = "clean"
	BreachFound    = "breached"
	BreachError    = "error"
	BreachCacheHit = "cache_hit"

	// MFA verification methods
	MFAMethodTOTP     = "totp"
	MFAMethodRecovery = "recovery_code"
)

var (
	// OperationsTotal counts operations by component, operation and status.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "operations_total",
			Help:      "Total number of security operations by component, operation, and status",
		},
		[]string{LabelComponent, LabelOperation, LabelStatus},
	)

	// OperationDuration tracks operation latency in seconds.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of security operations in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 2.5, 5},
		},
		[]string{LabelComponent, LabelOperation},
	)

	// ErrorsTotal counts failures by error kind.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Total number of errors by component, operation, and error kind",
		},
		[]string{LabelComponent, LabelOperation, LabelErrorKind},
	)

	// KeysByStatus reports the key registry population.
	KeysByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "keys",
			Name:      "total",
			Help:      "Number of keys by purpose and status",
		},
		[]string{LabelPurpose, LabelKeyStatus},
	)

	// KeysRotationDue reports keys past their rotation interval.
	KeysRotationDue = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "keys",
			Name:      "rotation_due",
			Help:      "Number of keys whose rotation interval has elapsed",
		},
	)

	// LoginAttemptsTotal counts recorded login attempts.
	LoginAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "auth",
			Name:      "login_attempts_total",
			Help:      "Total number of recorded login attempts by result",
		},
		[]string{LabelResult},
	)

	// LockoutsTotal counts checks that found an IP or account blocked.
	LockoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "auth",
			Name:      "lockouts_total",
			Help:      "Total number of blocked checks by scope",
		},
		[]string{LabelScope},
	)

	// BreachChecksTotal counts breach lookups by result.
	BreachChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "auth",
			Name:      "breach_checks_total",
			Help:      "Total number of breach checks by result",
		},
		[]string{LabelResult},
	)

	// ActiveSessions reports the number of live sessions.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "auth",
			Name:      "active_sessions",
			Help:      "Number of active sessions",
		},
	)

	// SessionEvictionsTotal counts sessions evicted by the per-user cap.
	SessionEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "auth",
			Name:      "session_evictions_total",
			Help:      "Total number of sessions evicted by the concurrency cap",
		},
	)

	// MFAVerificationsTotal counts MFA verifications by method and result.
	MFAVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "auth",
			Name:      "mfa_verifications_total",
			Help:      "Total number of MFA verifications by method and result",
		},
		[]string{LabelMethod, LabelResult},
	)

	// HTTPRequestsTotal counts requests by status code and method. The
	// label names are the ones promhttp fills.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by status code and method",
		},
		[]string{LabelCode, LabelMethod},
	)

	// HTTPRequestDuration tracks the duration of HTTP requests in seconds.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelMethod},
	)

	// HTTPInFlight tracks requests currently being served.
	HTTPInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of HTTP requests currently being served",
		},
	)

	// ServerUptime reports seconds since the process loaded this package.
	// Go runtime and process gauges come from the default registry.
	ServerUptime = promauto.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "server_uptime_seconds",
			Help:      "Server uptime in seconds since startup",
		},
		func() float64 { return time.Since(started).Seconds() },
	)

	started = time.Now()

	// enabled tracks whether metrics collection is enabled
	enabled atomic.Bool
)

func init() {
	enabled.Store(true)
}

// RecordOperation records an operation with its duration and status.
//
// Example:
//
//	start := time.Now()
//	_, err := km.RotateKey(id)
//	metrics.RecordOperation(metrics.ComponentKeyManager, metrics.OpRotate,
//	    metrics.StatusOf(err), time.Since(start).Seconds())
func RecordOperation(component, operation, status string, duration float64) {
	if !enabled.Load() {
		return
	}
	OperationsTotal.WithLabelValues(component, operation, status).Inc()
	OperationDuration.WithLabelValues(component, operation).Observe(duration)
}

// RecordError records a failure by error kind.
func RecordError(component, operation, kind string) {
	if !enabled.Load() {
		return
	}
	ErrorsTotal.WithLabelValues(component, operation, kind).Inc()
}

// StatusOf maps an error to StatusSuccess or StatusError.
func StatusOf(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}

// SetKeyCount sets the number of keys with the given purpose and status.
func SetKeyCount(purpose, status string, count int) {
	if !enabled.Load() {
		return
	}
	KeysByStatus.WithLabelValues(purpose, status).Set(float64(count))
}

// SetKeysRotationDue sets the number of keys due for rotation.
func SetKeysRotationDue(count int) {
	if !enabled.Load() {
		return
	}
	KeysRotationDue.Set(float64(count))
}

// RecordLoginAttempt counts a ledger append.
func RecordLoginAttempt(success bool) {
	if !enabled.Load() {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	LoginAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordLockout counts a blocked check for scope.
func RecordLockout(scope string) {
	if !enabled.Load() {
		return
	}
	LockoutsTotal.WithLabelValues(scope).Inc()
}

// RecordBreachCheck counts a breach lookup.
func RecordBreachCheck(result string) {
	if !enabled.Load() {
		return
	}
	BreachChecksTotal.WithLabelValues(result).Inc()
}

// SetActiveSessions sets the live session count.
func SetActiveSessions(count int) {
	if !enabled.Load() {
		return
	}
	ActiveSessions.Set(float64(count))
}

// RecordSessionEviction counts a cap eviction.
func RecordSessionEviction() {
	if !enabled.Load() {
		return
	}
	SessionEvictionsTotal.Inc()
}

// RecordMFAVerification counts an MFA verification.
func RecordMFAVerification(method string, success bool) {
	if !enabled.Load() {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	MFAVerificationsTotal.WithLabelValues(method, result).Inc()
}

// Enable enables metrics collection.
func Enable() {
	enabled.Store(true)
}

// Disable disables metrics collection.
func Disable() {
	enabled.Store(false)
}

// IsEnabled returns whether metrics collection is currently enabled.
func IsEnabled() bool {
	return enabled.Load()
}
