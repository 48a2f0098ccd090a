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

// Package secerr defines the error kinds shared by every security component.
// Callers branch on the kind with errors.Is or KindOf rather than matching
// message text.
package secerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindAuthenticationFailure
	KindIntegrityError
	KindRateLimited
	KindWeakCredential
	KindBreachedCredential
	KindConfigurationError
	KindExternalServiceError
	KindInvalidArgument
	KindAlreadyExists
)

var kindNames = map[Kind]string{
	KindUnknown:               "unknown",
	KindNotFound:              "not found",
	KindAuthenticationFailure: "authentication failure",
	KindIntegrityError:        "integrity error",
	KindRateLimited:           "rate limited",
	KindWeakCredential:        "weak credential",
	KindBreachedCredential:    "breached credential",
	KindConfigurationError:    "configuration error",
	KindExternalServiceError:  "external service error",
	KindInvalidArgument:       "invalid argument",
	KindAlreadyExists:         "already exists",
}

// String returns the human readable kind name.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels for errors.Is comparisons. Any *Error with the same kind matches.
var (
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrAuthenticationFailure = &Error{Kind: KindAuthenticationFailure}
	ErrIntegrity             = &Error{Kind: KindIntegrityError}
	ErrRateLimited           = &Error{Kind: KindRateLimited}
	ErrWeakCredential        = &Error{Kind: KindWeakCredential}
	ErrBreachedCredential    = &Error{Kind: KindBreachedCredential}
	ErrConfiguration         = &Error{Kind: KindConfigurationError}
	ErrExternalService       = &Error{Kind: KindExternalServiceError}
	ErrInvalidArgument       = &Error{Kind: KindInvalidArgument}
	ErrAlreadyExists         = &Error{Kind: KindAlreadyExists}
)

// Error is a classified failure raised by a security component.
//
// Msg must never contain plaintext, key material or other secrets. Err may
// carry a lower level cause for logging but is not rendered for
// authentication and integrity failures.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

// New returns an error of the given kind.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap returns an error of the given kind wrapping cause.
func Wrap(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil && e.Kind != KindAuthenticationFailure && e.Kind != KindIntegrityError {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Constructors for the common kinds.

func NotFound(op, format string, args ...any) *Error {
	return New(KindNotFound, op, fmt.Sprintf(format, args...))
}

func AuthenticationFailure(op, msg string) *Error {
	return New(KindAuthenticationFailure, op, msg)
}

func Integrity(op, msg string) *Error {
	return New(KindIntegrityError, op, msg)
}

func RateLimited(op, msg string) *Error {
	return New(KindRateLimited, op, msg)
}

func Configuration(op, format string, args ...any) *Error {
	return New(KindConfigurationError, op, fmt.Sprintf(format, args...))
}

func InvalidArgument(op, format string, args ...any) *Error {
	return New(KindInvalidArgument, op, fmt.Sprintf(format, args...))
}
