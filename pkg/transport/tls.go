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
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"slices"
	"strings"
)

// TLSConfig describes the server TLS parameters.
type TLSConfig struct {
	CertFile string `yaml:"cert_file" json:"cert_file" env:"CERT_FILE"`
	KeyFile  string `yaml:"key_file" json:"key_file" env:"KEY_FILE"`

	// ClientAuth is none, request, require, verify or require_and_verify.
	ClientAuth string   `yaml:"client_auth" json:"client_auth" env:"CLIENT_AUTH"`
	ClientCAs  []string `yaml:"client_cas" json:"client_cas" env:"CLIENT_CAS" envSeparator:","`

	MinVersion   string   `yaml:"min_version" json:"min_version" env:"MIN_VERSION"` // TLS1.2, TLS1.3
	MaxVersion   string   `yaml:"max_version" json:"max_version" env:"MAX_VERSION"`
	CipherSuites []string `yaml:"cipher_suites" json:"cipher_suites" env:"CIPHER_SUITES" envSeparator:","`
}

type tlsParams struct {
	minVersion   uint16
	maxVersion   uint16
	cipherSuites []uint16
	clientAuth   tls.ClientAuthType
}

// DefaultCipherSuites are the TLS 1.2 suites used when none are
// configured. TLS 1.3 suites are not configurable.
var DefaultCipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

func parseTLSConfig(cfg *TLSConfig) (tlsParams, error) {
	p := tlsParams{minVersion: tls.VersionTLS12}
	var err error
	if cfg.MinVersion != "" {
		if p.minVersion, err = parseTLSVersion(cfg.MinVersion); err != nil {
			return p, err
		}
	}
	if cfg.MaxVersion != "" {
		if p.maxVersion, err = parseTLSVersion(cfg.MaxVersion); err != nil {
			return p, err
		}
	}
	if len(cfg.CipherSuites) > 0 {
		if p.cipherSuites, err = parseCipherSuites(cfg.CipherSuites); err != nil {
			return p, err
		}
	} else {
		p.cipherSuites = slices.Clone(DefaultCipherSuites)
	}
	if p.clientAuth, err = parseClientAuthType(cfg.ClientAuth); err != nil {
		return p, err
	}
	return p, nil
}

// parseTLSVersion converts a version name to its constant.
func parseTLSVersion(version string) (uint16, error) {
	switch strings.ToUpper(strings.ReplaceAll(version, " ", "")) {
	case "TLS1.0", "TLS10":
		return tls.VersionTLS10, nil
	case "TLS1.1", "TLS11":
		return tls.VersionTLS11, nil
	case "TLS1.2", "TLS12":
		return tls.VersionTLS12, nil
	case "TLS1.3", "TLS13":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unknown TLS version: %s", version)
	}
}

func parseClientAuthType(authType string) (tls.ClientAuthType, error) {
	switch authType {
	case "none", "":
		return tls.NoClientCert, nil
	case "request":
		return tls.RequestClientCert, nil
	case "require":
		return tls.RequireAnyClientCert, nil
	case "verify":
		return tls.VerifyClientCertIfGiven, nil
	case "require_and_verify":
		return tls.RequireAndVerifyClientCert, nil
	default:
		return tls.NoClientCert, fmt.Errorf("unknown client auth type: %s", authType)
	}
}

// parseCipherSuites resolves suite names against the crypto/tls registry,
// including the insecure suites so validation can flag them.
func parseCipherSuites(names []string) ([]uint16, error) {
	known := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		known[s.Name] = s.ID
	}
	for _, s := range tls.InsecureCipherSuites() {
		known[s.Name] = s.ID
	}
	out := make([]uint16, 0, len(names))
	for _, name := range names {
		id, ok := known[strings.TrimSpace(name)]
		if !ok {
			return nil, fmt.Errorf("unknown cipher suite: %s", name)
		}
		out = append(out, id)
	}
	return out, nil
}

// TLSConfiguration returns the server TLS parameters without certificates.
func (p *Policy) TLSConfiguration() *tls.Config {
	// #nosec G402 - MinVersion comes from validated configuration with a TLS 1.2 default
	return &tls.Config{
		MinVersion:       p.tlsParams.minVersion,
		MaxVersion:       p.tlsParams.maxVersion,
		CipherSuites:     slices.Clone(p.tlsParams.cipherSuites),
		CurvePreferences: []tls.CurveID{tls.X25519, tls.CurveP256, tls.CurveP384},
		ClientAuth:       p.tlsParams.clientAuth,
	}
}

// LoadServerTLS returns TLSConfiguration with the server certificate and
// client CA pool loaded from disk.
func (p *Policy) LoadServerTLS() (*tls.Config, error) {
	cfg := p.TLSConfiguration()
	cert, err := tls.LoadX509KeyPair(p.tls.CertFile, p.tls.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}
	cfg.Certificates = []tls.Certificate{cert}

	if len(p.tls.ClientCAs) > 0 {
		pool, err := loadCertPool(p.tls.ClientCAs)
		if err != nil {
			return nil, fmt.Errorf("failed to load client CA certificates: %w", err)
		}
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

func loadCertPool(files []string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	for _, path := range files {
		// #nosec G304 - CA file paths from trusted config
		pem, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file %s: %w", path, err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("failed to parse CA certificate from %s", path)
		}
	}
	return pool, nil
}

// TLSValidation is the result of ValidateTLSConfiguration.
type TLSValidation struct {
	IsValid  bool     `json:"is_valid"`
	Warnings []string `json:"warnings"`
	Errors   []string `json:"errors"`
}

// ValidateTLSConfiguration checks the TLS parameters: protocol versions
// below 1.2, insecure or non-forward-secret cipher suites, missing server
// certificates and client verification without a CA pool.
func (p *Policy) ValidateTLSConfiguration() TLSValidation {
	res := TLSValidation{Warnings: []string{}, Errors: []string{}}
	t := p.tlsParams

	if t.minVersion < tls.VersionTLS12 {
		res.Errors = append(res.Errors, "minimum version "+tls.VersionName(t.minVersion)+" is below TLS 1.2")
	}
	if t.maxVersion != 0 && t.maxVersion < t.minVersion {
		res.Errors = append(res.Errors, "maximum version is below the minimum version")
	}
	if t.maxVersion != 0 && t.maxVersion < tls.VersionTLS13 {
		res.Warnings = append(res.Warnings, "TLS 1.3 is disabled")
	}

	insecure := make(map[uint16]bool)
	for _, s := range tls.InsecureCipherSuites() {
		insecure[s.ID] = true
	}
	for _, id := range t.cipherSuites {
		name := tls.CipherSuiteName(id)
		switch {
		case insecure[id]:
			res.Errors = append(res.Errors, "insecure cipher suite "+name)
		case !strings.HasPrefix(name, "TLS_ECDHE_") && !strings.HasPrefix(name, "TLS_AES_") && !strings.HasPrefix(name, "TLS_CHACHA20_"):
			res.Warnings = append(res.Warnings, "cipher suite "+name+" lacks forward secrecy")
		case strings.Contains(name, "_CBC_"):
			res.Warnings = append(res.Warnings, "cipher suite "+name+" uses CBC mode")
		}
	}

	if p.tls.CertFile == "" || p.tls.KeyFile == "" {
		res.Errors = append(res.Errors, "no server certificate configured")
	}
	if (t.clientAuth == tls.VerifyClientCertIfGiven || t.clientAuth == tls.RequireAndVerifyClientCert) &&
		len(p.tls.ClientCAs) == 0 {
		res.Errors = append(res.Errors, "client certificate verification requires client CAs")
	}
	res.IsValid = len(res.Errors) == 0
	return res
}
