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

// Package health aggregates readiness checks for the securecore process:
// storage connectivity, key configuration, and anything else the composition
// root registers.
package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// DefaultCheckTimeout bounds a single check.
const DefaultCheckTimeout = 2 * time.Second

// CheckResult is the outcome of one check.
type CheckResult struct {
	Name    string        `json:"name"`
	Status  Status        `json:"status"`
	Message string        `json:"message,omitempty"`
	Latency time.Duration `json:"latency"`
}

// CheckFunc performs a health check. It should honor ctx cancellation.
type CheckFunc func(ctx context.Context) CheckResult

// Report is the aggregated result of every registered check.
type Report struct {
	Status  Status        `json:"status"`
	Started bool          `json:"started"`
	Uptime  time.Duration `json:"uptime"`
	Checks  []CheckResult `json:"checks"`
}

// Checker runs registered checks concurrently, each under its own timeout.
type Checker struct {
	mu        sync.RWMutex
	started   bool
	startTime time.Time
	timeout   time.Duration
	checks    map[string]CheckFunc
}

// NewChecker creates a checker. A non-positive timeout selects
// DefaultCheckTimeout.
func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	return &Checker{
		checks:    make(map[string]CheckFunc),
		startTime: time.Now(),
		timeout:   timeout,
	}
}

// Register adds or replaces the named check.
func (c *Checker) Register(name string, check CheckFunc) {
	if check == nil {
		return
	}
	c.mu.Lock()
	c.checks[name] = check
	c.mu.Unlock()
}

// MarkStarted records that initialization finished.
func (c *Checker) MarkStarted() {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
}

// Names returns the registered check names in order.
func (c *Checker) Names() []string {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	c.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Run executes every check and aggregates the results. A check that does
// not return within the timeout is reported unhealthy.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	started := c.started
	uptime := time.Since(c.startTime)
	c.mu.RUnlock()

	results := make([]CheckResult, 0, len(checks))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := c.runOne(ctx, name, check)
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		}()
	}
	wg.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	status := AggregateStatus(results)
	if !started {
		status = StatusUnhealthy
	}
	return Report{Status: status, Started: started, Uptime: uptime.Round(time.Second), Checks: results}
}

func (c *Checker) runOne(ctx context.Context, name string, check CheckFunc) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() { done <- check(ctx) }()

	var r CheckResult
	select {
	case r = <-done:
	case <-ctx.Done():
		r = CheckResult{Status: StatusUnhealthy, Message: "check timed out"}
	}
	r.Name = name
	r.Latency = time.Since(start)
	return r
}

// AggregateStatus is unhealthy if any result is, degraded if any result is
// degraded, and healthy otherwise.
func AggregateStatus(results []CheckResult) Status {
	status := StatusHealthy
	for _, r := range results {
		switch r.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}

// FromError maps err to a healthy or unhealthy result.
func FromError(err error) CheckResult {
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}
