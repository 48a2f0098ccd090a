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

// Package token issues and verifies session bearer tokens. Tokens are JWTs
// whose HMAC-SHA256 signature is computed by the key manager, so signing
// key material never leaves it. The signing key ID travels in the "kid"
// header; rotating the signing key keeps older tokens verifiable until
// the old key is deleted or marked compromised.
package token

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/jeremyhahn/go-securecore/pkg/adapters/logger"
	"github.com/jeremyhahn/go-securecore/pkg/secerr"
)

const (
	// Algorithm is the JOSE algorithm of issued tokens.
	Algorithm = "HS256"

	DefaultTTL    = 15 * time.Minute
	DefaultLeeway = 30 * time.Second

	maxSignAttempts = 3
)

// Signer computes and checks MACs with managed signing keys.
type Signer interface {
	SigningKeyID() (string, error)
	Sign(data []byte) (keyID string, mac []byte, err error)
	Verify(keyID string, data, mac []byte) error
}

// SessionChecker reports whether a session is still active.
type SessionChecker func(sessionID string) error

// Claims are the token claims.
type Claims struct {
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// Config configures a Service.
type Config struct {
	Signer   Signer
	Issuer   string
	Audience string
	TTL      time.Duration
	Leeway   time.Duration

	// Sessions, when set, rejects tokens whose session has ended.
	Sessions SessionChecker

	Logger logger.Logger
	Now    func() time.Time
}

// Service issues and parses tokens.
type Service struct {
	method   *signingMethod
	issuer   string
	audience string
	ttl      time.Duration
	leeway   time.Duration
	sessions SessionChecker
	log      logger.Logger
	now      func() time.Time
}

// New creates a Service.
func New(config *Config) (*Service, error) {
	if config == nil || config.Signer == nil {
		return nil, secerr.Configuration("token.New", "a signer is required")
	}
	s := &Service{
		method:   &signingMethod{signer: config.Signer},
		issuer:   config.Issuer,
		audience: config.Audience,
		ttl:      config.TTL,
		leeway:   config.Leeway,
		sessions: config.Sessions,
		log:      config.Logger,
		now:      config.Now,
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	if s.leeway < 0 {
		return nil, secerr.Configuration("token.New", "leeway must not be negative")
	}
	if s.leeway == 0 {
		s.leeway = DefaultLeeway
	}
	if s.log == nil {
		s.log = logger.Nop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Issue signs a token for subject bound to sessionID.
func (s *Service) Issue(subject, sessionID string) (string, *Claims, error) {
	const op = "token.Issue"
	if subject == "" {
		return "", nil, secerr.InvalidArgument(op, "subject is required")
	}
	now := s.now()
	claims := &Claims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}

	// The kid header is part of the signed input, so it has to be chosen
	// before the MAC is computed. A rotation between the two steps is
	// detected by the method and the token is rebuilt.
	kid, err := s.method.signer.SigningKeyID()
	if err != nil {
		return "", nil, err
	}
	for attempt := 0; attempt < maxSignAttempts; attempt++ {
		t := jwt.NewWithClaims(s.method, claims)
		t.Header["kid"] = kid
		signed, err := t.SignedString(&signKey{keyID: kid})
		var rotated *rotatedError
		if errors.As(err, &rotated) {
			kid = rotated.keyID
			continue
		}
		if err != nil {
			return "", nil, secerr.Wrap(secerr.KindOf(err), op, err)
		}
		return signed, claims, nil
	}
	return "", nil, secerr.New(secerr.KindUnknown, op, "signing key rotated during issue")
}

// Parse verifies the signature and registered claims of raw and, when a
// session checker is configured, that the session is still active. Every
// failure is an authentication failure.
func (s *Service) Parse(raw string) (*Claims, error) {
	const op = "token.Parse"
	fail := func(msg string, cause error) error {
		s.log.Debug("token rejected", logger.String("reason", msg))
		if cause != nil {
			return secerr.Wrap(secerr.KindAuthenticationFailure, op, cause)
		}
		return secerr.AuthenticationFailure(op, msg)
	}

	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, fail("malformed token", nil)
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{Algorithm}))
	claims := &Claims{}
	t, _, err := parser.ParseUnverified(raw, claims)
	if err != nil {
		return nil, fail("malformed token", err)
	}
	if t.Method.Alg() != Algorithm {
		return nil, fail("unexpected algorithm", nil)
	}
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		return nil, fail("missing kid", nil)
	}

	sig, err := parser.DecodeSegment(parts[2])
	if err != nil {
		return nil, fail("malformed signature", err)
	}
	if err := s.method.Verify(parts[0]+"."+parts[1], sig, &signKey{keyID: kid}); err != nil {
		return nil, fail("bad signature", err)
	}

	opts := []jwt.ParserOption{
		jwt.WithLeeway(s.leeway),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}
	if err := jwt.NewValidator(opts...).Validate(claims); err != nil {
		return nil, fail("invalid claims", err)
	}

	if s.sessions != nil && claims.SessionID != "" {
		if err := s.sessions(claims.SessionID); err != nil {
			return nil, fail("session inactive", err)
		}
	}
	return claims, nil
}

// KeyID returns the kid header of raw without verifying it.
func KeyID(raw string) (string, error) {
	t, _, err := jwt.NewParser().ParseUnverified(raw, &Claims{})
	if err != nil {
		return "", secerr.Wrap(secerr.KindAuthenticationFailure, "token.KeyID", err)
	}
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		return "", secerr.AuthenticationFailure("token.KeyID", "missing kid")
	}
	return kid, nil
}
