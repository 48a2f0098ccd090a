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
	"slices"
	"strings"
)

// CSPOptions lists source expressions per directive. Directives with no
// sources are omitted. A nil *CSPOptions means DefaultCSPOptions.
type CSPOptions struct {
	DefaultSrc     []string `yaml:"default_src" json:"default_src,omitempty"`
	ScriptSrc      []string `yaml:"script_src" json:"script_src,omitempty"`
	StyleSrc       []string `yaml:"style_src" json:"style_src,omitempty"`
	ImgSrc         []string `yaml:"img_src" json:"img_src,omitempty"`
	FontSrc        []string `yaml:"font_src" json:"font_src,omitempty"`
	ConnectSrc     []string `yaml:"connect_src" json:"connect_src,omitempty"`
	MediaSrc       []string `yaml:"media_src" json:"media_src,omitempty"`
	ObjectSrc      []string `yaml:"object_src" json:"object_src,omitempty"`
	FrameSrc       []string `yaml:"frame_src" json:"frame_src,omitempty"`
	WorkerSrc      []string `yaml:"worker_src" json:"worker_src,omitempty"`
	FrameAncestors []string `yaml:"frame_ancestors" json:"frame_ancestors,omitempty"`
	BaseURI        []string `yaml:"base_uri" json:"base_uri,omitempty"`
	FormAction     []string `yaml:"form_action" json:"form_action,omitempty"`

	// Nonce is added to script-src and style-src as 'nonce-<value>'.
	Nonce string `yaml:"-" json:"nonce,omitempty"`

	ReportURI               string `yaml:"report_uri" json:"report_uri,omitempty"`
	UpgradeInsecureRequests bool   `yaml:"upgrade_insecure_requests" json:"upgrade_insecure_requests"`
}

// DefaultCSPOptions returns a same-origin policy with plugins and framing
// disabled.
func DefaultCSPOptions() *CSPOptions {
	return &CSPOptions{
		DefaultSrc:              []string{"'self'"},
		ScriptSrc:               []string{"'self'"},
		StyleSrc:                []string{"'self'"},
		ImgSrc:                  []string{"'self'", "data:"},
		FontSrc:                 []string{"'self'"},
		ConnectSrc:              []string{"'self'"},
		ObjectSrc:               []string{"'none'"},
		FrameAncestors:          []string{"'none'"},
		BaseURI:                 []string{"'self'"},
		FormAction:              []string{"'self'"},
		UpgradeInsecureRequests: true,
	}
}

func (o *CSPOptions) directives() []cspDirective {
	nonce := func(src []string) []string {
		if o.Nonce == "" || len(src) == 0 {
			return src
		}
		return append(slices.Clone(src), "'nonce-"+o.Nonce+"'")
	}
	return []cspDirective{
		{"default-src", o.DefaultSrc},
		{"script-src", nonce(o.ScriptSrc)},
		{"style-src", nonce(o.StyleSrc)},
		{"img-src", o.ImgSrc},
		{"font-src", o.FontSrc},
		{"connect-src", o.ConnectSrc},
		{"media-src", o.MediaSrc},
		{"object-src", o.ObjectSrc},
		{"frame-src", o.FrameSrc},
		{"worker-src", o.WorkerSrc},
		{"frame-ancestors", o.FrameAncestors},
		{"base-uri", o.BaseURI},
		{"form-action", o.FormAction},
	}
}

type cspDirective struct {
	name    string
	sources []string
}

// GenerateCSP renders options as a header value. Output is deterministic:
// directives appear in a fixed order and duplicate sources are dropped.
func GenerateCSP(options *CSPOptions) string {
	if options == nil {
		options = DefaultCSPOptions()
	}
	var parts []string
	for _, d := range options.directives() {
		if len(d.sources) == 0 {
			continue
		}
		seen := make(map[string]struct{}, len(d.sources))
		srcs := make([]string, 0, len(d.sources))
		for _, s := range d.sources {
			s = strings.TrimSpace(s)
			if _, dup := seen[s]; dup || s == "" {
				continue
			}
			seen[s] = struct{}{}
			srcs = append(srcs, s)
		}
		parts = append(parts, d.name+" "+strings.Join(srcs, " "))
	}
	if options.UpgradeInsecureRequests {
		parts = append(parts, "upgrade-insecure-requests")
	}
	if options.ReportURI != "" {
		parts = append(parts, "report-uri "+options.ReportURI)
	}
	return strings.Join(parts, "; ")
}

// CSPValidation is the result of ValidateCSP. IsValid is false only when
// Errors is non-empty; warnings flag weak but well-formed policies.
type CSPValidation struct {
	IsValid  bool     `json:"is_valid"`
	Warnings []string `json:"warnings"`
	Errors   []string `json:"errors"`
}

var knownDirectives = map[string]bool{
	"default-src": true, "script-src": true, "script-src-elem": true, "script-src-attr": true,
	"style-src": true, "style-src-elem": true, "style-src-attr": true, "img-src": true,
	"font-src": true, "connect-src": true, "media-src": true, "object-src": true,
	"frame-src": true, "child-src": true, "worker-src": true, "manifest-src": true,
	"frame-ancestors": true, "base-uri": true, "form-action": true, "sandbox": true,
	"upgrade-insecure-requests": true, "report-uri": true, "report-to": true,
	"require-trusted-types-for": true, "trusted-types": true,
}

// valueless directives take no source list.
var valueless = map[string]bool{"upgrade-insecure-requests": true}

var keywords = map[string]bool{
	"'self'": true, "'none'": true, "'unsafe-inline'": true, "'unsafe-eval'": true,
	"'strict-dynamic'": true, "'unsafe-hashes'": true, "'report-sample'": true,
	"'wasm-unsafe-eval'": true, "'script'": true,
}

// ValidateCSP parses a Content-Security-Policy header value and reports
// syntax errors and weaknesses.
func ValidateCSP(header string) CSPValidation {
	res := CSPValidation{Warnings: []string{}, Errors: []string{}}
	directives := make(map[string][]string)

	for _, raw := range strings.Split(header, ";") {
		fields := strings.Fields(raw)
		if len(fields) == 0 {
			continue
		}
		name := strings.ToLower(fields[0])
		if !validDirectiveName(name) {
			res.Errors = append(res.Errors, "malformed directive name "+quote(fields[0]))
			continue
		}
		if _, dup := directives[name]; dup {
			res.Warnings = append(res.Warnings, "duplicate directive "+name+" is ignored by browsers")
			continue
		}
		if !knownDirectives[name] {
			res.Warnings = append(res.Warnings, "unknown directive "+name)
		}
		srcs := fields[1:]
		if valueless[name] && len(srcs) > 0 {
			res.Warnings = append(res.Warnings, name+" takes no value")
		}
		for _, s := range srcs {
			if msg := checkSource(s); msg != "" {
				res.Errors = append(res.Errors, name+": "+msg)
			}
		}
		directives[name] = srcs
	}

	if len(directives) == 0 && len(res.Errors) == 0 {
		res.Errors = append(res.Errors, "policy is empty")
	}
	if len(directives) > 0 {
		res.Warnings = append(res.Warnings, weaknesses(directives)...)
	}
	res.IsValid = len(res.Errors) == 0
	return res
}

func validDirectiveName(name string) bool {
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
			return false
		}
	}
	return name != ""
}

func checkSource(s string) string {
	if !strings.HasPrefix(s, "'") {
		if strings.Contains(s, "'") {
			return "malformed source " + quote(s)
		}
		return ""
	}
	if len(s) < 2 || !strings.HasSuffix(s, "'") {
		return "unterminated source " + quote(s)
	}
	lower := strings.ToLower(s)
	if keywords[lower] {
		return ""
	}
	for _, p := range []string{"'nonce-", "'sha256-", "'sha384-", "'sha512-"} {
		if strings.HasPrefix(lower, p) && len(s) > len(p)+1 {
			return ""
		}
	}
	return "unknown keyword " + s
}

// effective returns the sources that apply to a fetch directive, falling
// back to default-src.
func effective(d map[string][]string, name string) ([]string, bool) {
	if srcs, ok := d[name]; ok {
		return srcs, true
	}
	srcs, ok := d["default-src"]
	return srcs, ok
}

func weaknesses(d map[string][]string) []string {
	var w []string
	if _, ok := d["default-src"]; !ok {
		w = append(w, "missing default-src; unlisted resource types are unrestricted")
	}

	if script, ok := effective(d, "script-src"); !ok {
		w = append(w, "scripts are unrestricted; set script-src or default-src")
	} else {
		lower := lowerAll(script)
		strict := slices.ContainsFunc(lower, func(s string) bool {
			return strings.HasPrefix(s, "'nonce-") || strings.HasPrefix(s, "'sha") || s == "'strict-dynamic'"
		})
		if slices.Contains(lower, "'unsafe-inline'") && !strict {
			w = append(w, "script-src allows 'unsafe-inline'")
		}
		if slices.Contains(lower, "'unsafe-eval'") {
			w = append(w, "script-src allows 'unsafe-eval'")
		}
		if slices.Contains(lower, "data:") {
			w = append(w, "script-src allows data: URIs")
		}
	}

	for _, name := range []string{"script-src", "style-src", "img-src", "connect-src", "object-src", "frame-src"} {
		srcs, ok := effective(d, name)
		if !ok {
			continue
		}
		for _, s := range lowerAll(srcs) {
			if s == "*" {
				w = append(w, name+" allows any origin")
			}
			if s == "http:" || strings.HasPrefix(s, "http://") {
				w = append(w, name+" allows insecure http sources")
			}
		}
	}

	if obj, ok := effective(d, "object-src"); !ok || !slices.Equal(lowerAll(obj), []string{"'none'"}) {
		w = append(w, "object-src should be 'none'")
	}
	if _, ok := d["frame-ancestors"]; !ok {
		w = append(w, "missing frame-ancestors; the page can be framed")
	}
	if _, ok := d["base-uri"]; !ok {
		w = append(w, "missing base-uri")
	}

	// Deduplicate while keeping first occurrence order stable.
	seen := make(map[string]struct{}, len(w))
	out := w[:0]
	for _, s := range w {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

func quote(s string) string {
	return "\"" + s + "\""
}
