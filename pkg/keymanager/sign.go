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

package keymanager

import (
	"crypto/hmac"
	"crypto/sha256"
	"time"

	"github.com/jeremyhahn/go-securecore/pkg/metrics"
	"github.com/jeremyhahn/go-securecore/pkg/secerr"
)

// Sign computes HMAC-SHA256 over data with the active signing key and
// returns the key ID alongside the MAC.
func (m *Manager) Sign(data []byte) (keyID string, mac []byte, err error) {
	defer m.observe(metrics.OpSign, time.Now(), &err)

	k, err := m.ActiveKey(PurposeSigning)
	if err != nil {
		return "", nil, err
	}
	return k.id, k.mac(data), nil
}

// Verify checks mac over data against signing key keyID. Compromised keys
// never verify.
func (m *Manager) Verify(keyID string, data, mac []byte) (err error) {
	const op = "keymanager.Verify"
	defer m.observe(metrics.OpVerify, time.Now(), &err)

	k, err := m.lookup(op, keyID)
	if err != nil {
		return err
	}
	if k.purpose != PurposeSigning {
		return secerr.InvalidArgument(op, "key %s is not a signing key", keyID)
	}
	if k.Status() == StatusCompromised {
		return secerr.AuthenticationFailure(op, "signing key is compromised")
	}
	if !hmac.Equal(mac, k.mac(data)) {
		return secerr.AuthenticationFailure(op, "signature mismatch")
	}
	return nil
}

func (k *Key) mac(data []byte) []byte {
	h := hmac.New(sha256.New, k.material)
	h.Write(data)
	return h.Sum(nil)
}

// SigningKeyID returns the ID of the active signing key.
func (m *Manager) SigningKeyID() (string, error) {
	k, err := m.ActiveKey(PurposeSigning)
	if err != nil {
		return "", err
	}
	return k.id, nil
}
