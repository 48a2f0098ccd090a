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

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-securecore/internal/app"
	"github.com/jeremyhahn/go-securecore/internal/config"
	"github.com/jeremyhahn/go-securecore/pkg/adapters/logger"
	"github.com/jeremyhahn/go-securecore/pkg/authguard"
	"github.com/jeremyhahn/go-securecore/pkg/health"
	"github.com/jeremyhahn/go-securecore/pkg/keymanager"
	"github.com/jeremyhahn/go-securecore/pkg/secerr"
	"github.com/jeremyhahn/go-securecore/pkg/transport"
)

const testAPIKey = "test-api-key-0123456789"

type rangeStub map[string]map[string]int

func (s rangeStub) Range(_ context.Context, prefix string) (map[string]int, error) {
	return s[prefix], nil
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *app.App) {
	t.Helper()
	cfg := config.Default()
	cfg.Metrics.Enabled = false
	cfg.RateLimit.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}
	a, err := app.New(context.Background(), cfg, &app.Options{
		Logger: logger.Nop(),
		RangeClient: rangeStub{
			"5BAA6": {"1E4C9B93F3F0682250B6CF8331B7EE68FD8": 42},
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	a.Health.MarkStarted()

	s, err := New(a)
	require.NoError(t, err)
	return s, a
}

func do(t *testing.T, h http.Handler, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := do(t, s.Handler(), http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var report health.Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, health.StatusHealthy, report.Status)
	assert.Len(t, report.Checks, 2)

	// Security headers are applied to every response.
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("Content-Security-Policy"))
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))
}

func TestListKeys(t *testing.T) {
	s, a := newTestServer(t, nil)

	rec := do(t, s.Handler(), http.MethodGet, "/v1/keys", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var keys []keymanager.KeyMetadata
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&keys))
	assert.Len(t, keys, 2)
	assert.NotContains(t, rec.Body.String(), "material")

	rec = do(t, s.Handler(), http.MethodGet, "/v1/keys?purpose=signing", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&keys))
	require.Len(t, keys, 1)
	assert.Equal(t, keymanager.PurposeSigning, keys[0].Purpose)

	active, err := a.Keys.ActiveKey(keymanager.PurposeSigning)
	require.NoError(t, err)
	assert.Equal(t, active.ID(), keys[0].ID)

	rec = do(t, s.Handler(), http.MethodGet, "/v1/keys?purpose=mining", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, s.Handler(), http.MethodGet, "/v1/keys?status=lost", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestValidateKeys(t *testing.T) {
	s, a := newTestServer(t, nil)
	rec := do(t, s.Handler(), http.MethodGet, "/v1/keys/validate", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var res keymanager.ValidationResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.True(t, res.IsValid)

	active, err := a.Keys.ActiveKey(keymanager.PurposeEncryption)
	require.NoError(t, err)
	require.NoError(t, a.Keys.CompromiseKey(active.ID(), "test"))

	rec = do(t, s.Handler(), http.MethodGet, "/v1/keys/validate", "", nil)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.True(t, res.IsValid, "compromise rotates the active key")
}

func TestSecurityReport(t *testing.T) {
	s, a := newTestServer(t, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		a.Guard.RecordAttempt(ctx, authguard.LoginAttempt{Identifier: "bob", IP: "198.51.100.7"})
	}

	rec := do(t, s.Handler(), http.MethodGet, "/v1/security/report", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report SecurityReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, 3, report.Auth.FailedAttempts)
	assert.Equal(t, 2, report.Keys.TotalKeys)
}

func TestPasswordStrength(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := do(t, s.Handler(), http.MethodPost, "/v1/passwords/strength", `{"password":"password"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp StrengthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, authguard.StrengthWeak, resp.Strength)
	assert.Nil(t, resp.Breach)

	rec = do(t, s.Handler(), http.MethodPost, "/v1/passwords/strength", `{"password":"password","check_breach":true}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = StrengthResponse{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotNil(t, resp.Breach)
	assert.True(t, resp.Breach.IsBreached)
	assert.Equal(t, 42, resp.Breach.Occurrences)
	assert.NotContains(t, rec.Body.String(), `"password"`)

	tests := []struct {
		name string
		body string
	}{
		{"empty password", `{"password":""}`},
		{"malformed", `{"password":`},
		{"unknown field", `{"pass":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s.Handler(), http.MethodPost, "/v1/passwords/strength", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestValidateCSP(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := do(t, s.Handler(), http.MethodPost, "/v1/csp/validate", `{"header":"script-src 'unsafe-inline'"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res transport.CSPValidation
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.NotEmpty(t, res.Warnings)

	req := httptest.NewRequest(http.MethodPost, "/v1/csp/validate", strings.NewReader(transport.GenerateCSP(nil)))
	req.Header.Set("Content-Type", "text/plain")
	plain := httptest.NewRecorder()
	s.Handler().ServeHTTP(plain, req)
	require.Equal(t, http.StatusOK, plain.Code)
	res = transport.CSPValidation{}
	require.NoError(t, json.NewDecoder(plain.Body).Decode(&res))
	assert.True(t, res.IsValid)
}

func TestAuthentication(t *testing.T) {
	s, a := newTestServer(t, func(c *config.Config) { c.Server.APIKeys = []string{testAPIKey} })
	ctx := context.Background()

	sess, err := a.Guard.CreateSession(ctx, "alice", authguard.Device{})
	require.NoError(t, err)
	bearer, _, err := a.Tokens.Issue("alice", sess.ID)
	require.NoError(t, err)

	tests := []struct {
		name string
		hdr  map[string]string
		want int
	}{
		{"none", nil, http.StatusUnauthorized},
		{"wrong key", map[string]string{"X-API-Key": "wrong-key-0123456789"}, http.StatusUnauthorized},
		{"api key header", map[string]string{"X-API-Key": testAPIKey}, http.StatusOK},
		{"api key bearer", map[string]string{"Authorization": "Bearer " + testAPIKey}, http.StatusOK},
		{"token", map[string]string{"Authorization": "Bearer " + bearer}, http.StatusOK},
		{"garbage token", map[string]string{"Authorization": "Bearer a.b.c"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s.Handler(), http.MethodGet, "/v1/keys/validate", "", tt.hdr)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	// Health stays public.
	rec := do(t, s.Handler(), http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Ending the session revokes the token.
	require.NoError(t, a.Guard.InvalidateSession(ctx, sess.ID))
	rec = do(t, s.Handler(), http.MethodGet, "/v1/keys", "", map[string]string{"Authorization": "Bearer " + bearer})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.Config) {
		c.Transport.CORS.AllowedOrigins = []string{"https://app.example.com"}
	})
	hdr := map[string]string{
		"Origin":                        "https://app.example.com",
		"Access-Control-Request-Method": http.MethodPost,
	}
	rec := do(t, s.Handler(), http.MethodOptions, "/v1/passwords/strength", "", hdr)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	hdr["Origin"] = "https://evil.example.com"
	rec = do(t, s.Handler(), http.MethodOptions, "/v1/passwords/strength", "", hdr)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRateLimit(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.Config) {
		c.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, Burst: 1}
	})
	first := do(t, s.Handler(), http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, first.Code)
	second := do(t, s.Handler(), http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.Config) { c.Metrics.Enabled = true })
	rec := do(t, s.Handler(), http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "securecore_")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{secerr.NotFound("op", "x"), http.StatusNotFound},
		{secerr.AuthenticationFailure("op", "x"), http.StatusUnauthorized},
		{secerr.Integrity("op", "x"), http.StatusUnprocessableEntity},
		{secerr.New(secerr.KindWeakCredential, "op", "x"), http.StatusUnprocessableEntity},
		{secerr.New(secerr.KindBreachedCredential, "op", "x"), http.StatusUnprocessableEntity},
		{secerr.RateLimited("op", "x"), http.StatusTooManyRequests},
		{secerr.InvalidArgument("op", "x"), http.StatusBadRequest},
		{secerr.New(secerr.KindAlreadyExists, "op", "x"), http.StatusConflict},
		{secerr.New(secerr.KindExternalServiceError, "op", "x"), http.StatusBadGateway},
		{secerr.Configuration("op", "x"), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestRecoverPanics(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.recoverPanics(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := do(t, h, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "boom")
}

func TestServeShutsDownOnCancel(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
