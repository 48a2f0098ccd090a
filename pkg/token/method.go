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

package token

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// signKey names the managed key a signature is expected to come from.
type signKey struct {
	keyID string
}

type rotatedError struct {
	keyID string
}

func (e *rotatedError) Error() string {
	return fmt.Sprintf("token: signing key rotated to %s", e.keyID)
}

// signingMethod adapts a Signer to jwt.SigningMethod. It is not
// registered globally so the library's own HS256 stays intact.
type signingMethod struct {
	signer Signer
}

var _ jwt.SigningMethod = (*signingMethod)(nil)

func (m *signingMethod) Alg() string { return Algorithm }

// Sign implements jwt.SigningMethod. key must be a *signKey with the kid
// already placed in the header; a different active key yields a
// rotatedError.
func (m *signingMethod) Sign(signingString string, key any) ([]byte, error) {
	k, ok := key.(*signKey)
	if !ok {
		return nil, jwt.ErrInvalidKeyType
	}
	id, mac, err := m.signer.Sign([]byte(signingString))
	if err != nil {
		return nil, err
	}
	if id != k.keyID {
		return nil, &rotatedError{keyID: id}
	}
	return mac, nil
}

// Verify implements jwt.SigningMethod. key must be a *signKey.
func (m *signingMethod) Verify(signingString string, sig []byte, key any) error {
	k, ok := key.(*signKey)
	if !ok {
		return jwt.ErrInvalidKeyType
	}
	if err := m.signer.Verify(k.keyID, []byte(signingString), sig); err != nil {
		return fmt.Errorf("%w: %w", jwt.ErrSignatureInvalid, err)
	}
	return nil
}
