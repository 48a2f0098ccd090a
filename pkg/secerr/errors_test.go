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

package secerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesKind(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"same kind", NotFound("keymanager.GetKeyMetadata", "key %s", "k1"), ErrNotFound, true},
		{"different kind", NotFound("op", "x"), ErrIntegrity, false},
		{"wrapped", fmt.Errorf("outer: %w", RateLimited("authguard", "blocked")), ErrRateLimited, true},
		{"plain error", errors.New("boom"), ErrNotFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.Is(tt.err, tt.target))
		})
	}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindIntegrityError, KindOf(fmt.Errorf("x: %w", Integrity("restore", "checksum mismatch"))))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestErrorMessageHidesCauseForCryptoFailures(t *testing.T) {
	cause := errors.New("cipher: message authentication failed")

	authErr := Wrap(KindAuthenticationFailure, "encryption.Decrypt", cause)
	assert.Equal(t, "encryption.Decrypt: authentication failure", authErr.Error())
	assert.ErrorIs(t, authErr, cause)

	extErr := Wrap(KindExternalServiceError, "breach.Check", cause)
	assert.Contains(t, extErr.Error(), "message authentication failed")
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "rate limited", KindRateLimited.String())
	assert.Equal(t, "kind(99)", Kind(99).String())
}
