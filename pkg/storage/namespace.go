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

package storage

import (
	"strings"
)

const (
	keyPrefix = "keys/"
	mfaPrefix = "mfa/"
)

// KeyPath returns the storage path for an encryption key record.
func KeyPath(id string) string {
	return keyPrefix + id + ".json"
}

// MFAPath returns the storage path for a user's MFA enrollment.
func MFAPath(userID string) string {
	return mfaPrefix + userID + ".json"
}

// ListKeys returns the IDs of every stored key record.
func ListKeys(backend Backend) ([]string, error) {
	return listIDs(backend, keyPrefix)
}

// ListMFA returns the user IDs of every stored MFA enrollment.
func ListMFA(backend Backend) ([]string, error) {
	return listIDs(backend, mfaPrefix)
}

func listIDs(backend Backend, prefix string) ([]string, error) {
	keys, err := backend.List(prefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		id := strings.TrimSuffix(strings.TrimPrefix(k, prefix), ".json")
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
