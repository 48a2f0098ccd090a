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

package transport

import (
	"fmt"
	"net/url"
	"strings"
)

type originPattern struct {
	any    bool
	scheme string
	host   string // lowercase host[:port]
	suffix bool   // host is a ".example.com" suffix
}

func parseOriginPattern(s string) (originPattern, error) {
	s = strings.TrimSpace(s)
	if s == "*" {
		return originPattern{any: true}, nil
	}
	sch, rest, ok := strings.Cut(s, "://")
	if !ok || rest == "" {
		return originPattern{}, fmt.Errorf("invalid CORS origin %q: want scheme://host", s)
	}
	rest = strings.TrimSuffix(rest, "/")
	if strings.ContainsAny(rest, "/?#") {
		return originPattern{}, fmt.Errorf("invalid CORS origin %q: path not allowed", s)
	}
	p := originPattern{scheme: strings.ToLower(sch), host: strings.ToLower(rest)}
	if strings.HasPrefix(p.host, "*.") {
		p.suffix = true
		p.host = p.host[1:]
	} else if strings.Contains(p.host, "*") {
		return originPattern{}, fmt.Errorf("invalid CORS origin %q: wildcard must be the leftmost label", s)
	}
	return p, nil
}

func (p originPattern) match(sch, host string) bool {
	if p.any {
		return true
	}
	if sch != p.scheme {
		return false
	}
	if p.suffix {
		return strings.HasSuffix(host, p.host) && len(host) > len(p.host)
	}
	return host == p.host
}

// ValidateCORSOrigin reports whether origin is on the allow-list. The
// opaque "null" origin and malformed origins are never allowed.
func (p *Policy) ValidateCORSOrigin(origin string) bool {
	if origin == "" || origin == "null" {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" || (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.User != nil {
		return false
	}
	sch := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	for _, pat := range p.origins {
		if pat.match(sch, host) {
			return true
		}
	}
	return false
}
