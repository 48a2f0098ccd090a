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

// Package transport holds the HTTP transport security policy: response
// security headers, Content-Security-Policy generation and validation, TLS
// parameters, CORS origin checks and mixed content detection.
//
// A Policy is built once from configuration and never changes, so every
// method is safe for concurrent use. No method performs network access;
// only LoadServerTLS reads certificate files.
package transport

import (
	"crypto/tls"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/jeremyhahn/go-securecore/pkg/adapters/logger"
	"github.com/jeremyhahn/go-securecore/pkg/secerr"
)

const (
	DefaultHSTSMaxAge        = 365 * 24 * time.Hour
	DefaultFrameOptions      = "DENY"
	DefaultReferrerPolicy    = "strict-origin-when-cross-origin"
	DefaultPermissionsPolicy = "camera=(), microphone=(), geolocation=(), payment=()"
	DefaultCORSMaxAge        = 10 * time.Minute
)

// HSTSConfig controls Strict-Transport-Security.
type HSTSConfig struct {
	MaxAge            time.Duration `yaml:"max_age" json:"max_age" env:"MAX_AGE"`
	IncludeSubdomains bool          `yaml:"include_subdomains" json:"include_subdomains" env:"INCLUDE_SUBDOMAINS"`
	Preload           bool          `yaml:"preload" json:"preload" env:"PRELOAD"`
	Disabled          bool          `yaml:"disabled" json:"disabled" env:"DISABLED"`
}

// CORSConfig is the cross-origin allow-list. Entries are exact origins
// ("https://app.example.com"), host wildcards ("https://*.example.com") or
// "*" for any origin.
type CORSConfig struct {
	AllowedOrigins   []string      `yaml:"allowed_origins" json:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	AllowedMethods   []string      `yaml:"allowed_methods" json:"allowed_methods"`
	AllowedHeaders   []string      `yaml:"allowed_headers" json:"allowed_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" json:"allow_credentials" env:"ALLOW_CREDENTIALS"`
	MaxAge           time.Duration `yaml:"max_age" json:"max_age"`
}

// Config configures a Policy. The zero value yields the default policy.
type Config struct {
	HSTS HSTSConfig `yaml:"hsts" json:"hsts" envPrefix:"HSTS_"`

	// CSP overrides the default Content-Security-Policy directives.
	CSP *CSPOptions `yaml:"csp" json:"csp"`

	CORS CORSConfig `yaml:"cors" json:"cors" envPrefix:"CORS_"`
	TLS  TLSConfig  `yaml:"tls" json:"tls" envPrefix:"TLS_"`

	FrameOptions      string `yaml:"frame_options" json:"frame_options"`
	ReferrerPolicy    string `yaml:"referrer_policy" json:"referrer_policy"`
	PermissionsPolicy string `yaml:"permissions_policy" json:"permissions_policy"`

	// RedirectHTTP makes the middleware redirect plain HTTP requests to
	// HTTPS instead of serving them.
	RedirectHTTP bool `yaml:"redirect_http" json:"redirect_http" env:"REDIRECT_HTTP"`

	Logger logger.Logger `yaml:"-" json:"-"`
}

// Policy is an immutable transport security policy.
type Policy struct {
	hsts         HSTSConfig
	csp          string
	cors         CORSConfig
	origins      []originPattern
	tls          TLSConfig
	tlsParams    tlsParams
	headers      map[string]string
	redirectHTTP bool
	log          logger.Logger
}

// New validates config and builds a Policy.
func New(config *Config) (*Policy, error) {
	const op = "transport.New"
	if config == nil {
		config = &Config{}
	}

	p := &Policy{
		hsts:         config.HSTS,
		cors:         config.CORS,
		tls:          config.TLS,
		redirectHTTP: config.RedirectHTTP,
		log:          config.Logger,
	}
	if p.log == nil {
		p.log = logger.Nop()
	}
	if p.hsts.MaxAge == 0 {
		p.hsts.MaxAge = DefaultHSTSMaxAge
		p.hsts.IncludeSubdomains = true
	}
	if p.hsts.MaxAge < 0 {
		return nil, secerr.Configuration(op, "HSTS max age must not be negative")
	}
	if len(p.cors.AllowedMethods) == 0 {
		p.cors.AllowedMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	}
	if len(p.cors.AllowedHeaders) == 0 {
		p.cors.AllowedHeaders = []string{"Content-Type", "Authorization", "X-Correlation-ID"}
	}
	if p.cors.MaxAge == 0 {
		p.cors.MaxAge = DefaultCORSMaxAge
	}
	for _, o := range p.cors.AllowedOrigins {
		pat, err := parseOriginPattern(o)
		if err != nil {
			return nil, secerr.Wrap(secerr.KindConfigurationError, op, err)
		}
		if pat.any && p.cors.AllowCredentials {
			return nil, secerr.Configuration(op, "wildcard origin cannot be combined with credentials")
		}
		p.origins = append(p.origins, pat)
	}

	params, err := parseTLSConfig(&p.tls)
	if err != nil {
		return nil, secerr.Wrap(secerr.KindConfigurationError, op, err)
	}
	p.tlsParams = params

	p.csp = GenerateCSP(config.CSP)
	if res := ValidateCSP(p.csp); !res.IsValid {
		return nil, secerr.Configuration(op, "invalid content security policy: %s", res.Errors[0])
	}

	frame := orDefault(config.FrameOptions, DefaultFrameOptions)
	if frame != "DENY" && frame != "SAMEORIGIN" {
		return nil, secerr.Configuration(op, "frame options must be DENY or SAMEORIGIN, got %q", frame)
	}
	p.headers = map[string]string{
		"Content-Security-Policy":      p.csp,
		"X-Content-Type-Options":       "nosniff",
		"X-Frame-Options":              frame,
		"Referrer-Policy":              orDefault(config.ReferrerPolicy, DefaultReferrerPolicy),
		"Permissions-Policy":           orDefault(config.PermissionsPolicy, DefaultPermissionsPolicy),
		"Cross-Origin-Opener-Policy":   "same-origin",
		"Cross-Origin-Resource-Policy": "same-origin",
		"X-XSS-Protection":             "0",
	}
	if !p.hsts.Disabled {
		p.headers["Strict-Transport-Security"] = p.hstsValue()
	}
	return p, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func (p *Policy) hstsValue() string {
	v := "max-age=" + strconv.FormatInt(int64(p.hsts.MaxAge/time.Second), 10)
	if p.hsts.IncludeSubdomains {
		v += "; includeSubDomains"
	}
	if p.hsts.Preload {
		v += "; preload"
	}
	return v
}

// SecurityHeaders returns the response headers the policy sets, keyed by
// canonical header name. The map is a copy.
func (p *Policy) SecurityHeaders() map[string]string {
	return maps.Clone(p.headers)
}

// HeaderNames returns the names from SecurityHeaders in sorted order.
func (p *Policy) HeaderNames() []string {
	return slices.Sorted(maps.Keys(p.headers))
}

// CSP returns the Content-Security-Policy header value.
func (p *Policy) CSP() string {
	return p.csp
}

// applyHeaders writes the security headers. HSTS is only sent on secure
// requests since browsers ignore it over plain HTTP.
func (p *Policy) applyHeaders(h http.Header, secure bool) {
	for k, v := range p.headers {
		if k == "Strict-Transport-Security" && !secure {
			continue
		}
		h.Set(k, v)
	}
}

// String summarizes the policy for logs.
func (p *Policy) String() string {
	return fmt.Sprintf("transport.Policy{hsts=%t origins=%d min_tls=%s}",
		!p.hsts.Disabled, len(p.origins), tls.VersionName(p.tlsParams.minVersion))
}
