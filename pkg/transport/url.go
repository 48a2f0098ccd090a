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
	"net/url"
	"strings"
)

// HTTPSResult is the result of ValidateHTTPSEnforcement.
type HTTPSResult struct {
	IsSecure bool     `json:"is_secure"`
	Issues   []string `json:"issues"`
}

// MixedContentResult is the result of CheckMixedContent.
type MixedContentResult struct {
	HasMixedContent   bool     `json:"has_mixed_content"`
	InsecureResources []string `json:"insecure_resources"`
}

var dangerousSchemes = map[string]bool{
	"javascript": true,
	"vbscript":   true,
	"data":       true,
	"file":       true,
	"blob":       true,
}

// scheme extracts the lowercase scheme of raw the way browsers read it:
// ASCII tabs and newlines anywhere and leading control characters or
// spaces are ignored, so "java\tscript:" is still javascript.
func scheme(raw string) (string, bool) {
	var b strings.Builder
	for _, r := range raw {
		if r == '\t' || r == '\n' || r == '\r' {
			continue
		}
		if b.Len() == 0 && r <= ' ' {
			continue
		}
		b.WriteRune(r)
	}
	cleaned := b.String()
	i := strings.IndexByte(cleaned, ':')
	if i <= 0 {
		return "", false
	}
	s := cleaned[:i]
	for j, r := range s {
		alpha := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		if !alpha && (j == 0 || ((r < '0' || r > '9') && r != '+' && r != '-' && r != '.')) {
			return "", false
		}
	}
	return strings.ToLower(s), true
}

// ValidateHTTPSEnforcement reports whether rawURL is an absolute HTTPS (or
// WSS) URL. Plain HTTP, script pseudo-protocols and other dangerous
// schemes are flagged.
func ValidateHTTPSEnforcement(rawURL string) HTTPSResult {
	res := HTTPSResult{Issues: []string{}}
	if strings.TrimSpace(rawURL) == "" {
		res.Issues = append(res.Issues, "URL is empty")
		return res
	}

	s, ok := scheme(rawURL)
	if !ok {
		res.Issues = append(res.Issues, "URL has no scheme")
		return res
	}
	if dangerousSchemes[s] {
		res.Issues = append(res.Issues, "dangerous scheme "+s+":")
		return res
	}

	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		res.Issues = append(res.Issues, "URL cannot be parsed")
		return res
	}

	switch s {
	case "https", "wss":
	case "http":
		res.Issues = append(res.Issues, "uses http instead of https")
	case "ws":
		res.Issues = append(res.Issues, "uses ws instead of wss")
	default:
		res.Issues = append(res.Issues, "unsupported scheme "+s+":")
	}
	if u.Host == "" {
		res.Issues = append(res.Issues, "URL has no host")
	}
	if u.User != nil {
		res.Issues = append(res.Issues, "URL embeds credentials")
	}
	res.IsSecure = len(res.Issues) == 0
	return res
}

// CheckMixedContent lists resources that a page served from pageURL would
// load insecurely. Pages that are not HTTPS cannot have mixed content.
// Relative and protocol-relative references inherit the page scheme and
// are never flagged.
func CheckMixedContent(pageURL string, resourceURLs []string) MixedContentResult {
	res := MixedContentResult{InsecureResources: []string{}}
	if s, ok := scheme(pageURL); !ok || s != "https" {
		return res
	}
	for _, r := range resourceURLs {
		s, ok := scheme(r)
		if !ok {
			continue
		}
		if s == "http" || s == "ws" || s == "ftp" {
			res.InsecureResources = append(res.InsecureResources, r)
		}
	}
	res.HasMixedContent = len(res.InsecureResources) > 0
	return res
}
