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

package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthy(context.Context) CheckResult { return CheckResult{Status: StatusHealthy} }

func TestRunAggregates(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]CheckFunc
		want   Status
	}{
		{"no checks", nil, StatusHealthy},
		{"all healthy", map[string]CheckFunc{"a": healthy, "b": healthy}, StatusHealthy},
		{"degraded", map[string]CheckFunc{
			"a": healthy,
			"b": func(context.Context) CheckResult { return CheckResult{Status: StatusDegraded} },
		}, StatusDegraded},
		{"unhealthy wins", map[string]CheckFunc{
			"a": func(context.Context) CheckResult { return CheckResult{Status: StatusDegraded} },
			"b": func(context.Context) CheckResult { return FromError(errors.New("down")) },
		}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(0)
			for name, fn := range tt.checks {
				c.Register(name, fn)
			}
			c.MarkStarted()
			report := c.Run(context.Background())
			assert.Equal(t, tt.want, report.Status)
			assert.Len(t, report.Checks, len(tt.checks))
		})
	}
}

func TestRunNotStarted(t *testing.T) {
	c := NewChecker(0)
	c.Register("a", healthy)
	report := c.Run(context.Background())
	assert.False(t, report.Started)
	assert.Equal(t, StatusUnhealthy, report.Status)
}

func TestRunNamesAndOrder(t *testing.T) {
	c := NewChecker(0)
	c.Register("storage", healthy)
	c.Register("keys", func(context.Context) CheckResult { return CheckResult{Name: "ignored", Status: StatusHealthy} })
	c.Register("nil", nil)
	c.MarkStarted()

	assert.Equal(t, []string{"keys", "storage"}, c.Names())
	report := c.Run(context.Background())
	require.Len(t, report.Checks, 2)
	assert.Equal(t, "keys", report.Checks[0].Name)
	assert.Equal(t, "storage", report.Checks[1].Name)
}

func TestRunTimeout(t *testing.T) {
	c := NewChecker(20 * time.Millisecond)
	release := make(chan struct{})
	defer close(release)
	c.Register("slow", func(ctx context.Context) CheckResult {
		<-release
		return CheckResult{Status: StatusHealthy}
	})
	c.MarkStarted()

	report := c.Run(context.Background())
	require.Len(t, report.Checks, 1)
	assert.Equal(t, StatusUnhealthy, report.Checks[0].Status)
	assert.Equal(t, "check timed out", report.Checks[0].Message)
}

func TestFromError(t *testing.T) {
	assert.Equal(t, StatusHealthy, FromError(nil).Status)
	r := FromError(errors.New("ping failed"))
	assert.Equal(t, StatusUnhealthy, r.Status)
	assert.Equal(t, "ping failed", r.Message)
}
