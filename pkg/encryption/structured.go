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

package encryption

import (
	"fmt"

	"github.com/jeremyhahn/go-securecore/pkg/secerr"
)

// EncryptStructured seals each value of record separately, binding the
// field name, so fields stay independently decryptable.
func (e *Engine) EncryptStructured(record map[string]string) (map[string]*Payload, error) {
	out := make(map[string]*Payload, len(record))
	for field, value := range record {
		p, err := e.EncryptWithContext([]byte(value), recordContext(field))
		if err != nil {
			return nil, fmt.Errorf("encryption: field %q: %w", field, err)
		}
		out[field] = p
	}
	return out, nil
}

// DecryptStructured opens every field of a record produced by
// EncryptStructured. A payload stored under a different field name fails.
func (e *Engine) DecryptStructured(record map[string]*Payload) (map[string]string, error) {
	out := make(map[string]string, len(record))
	for field, p := range record {
		if p == nil || string(p.Context) != string(recordContext(field)) {
			return nil, fmt.Errorf("encryption: field %q: %w", field,
				secerr.AuthenticationFailure("encryption.DecryptStructured", "payload was not sealed for this field"))
		}
		plaintext, err := e.Decrypt(p)
		if err != nil {
			return nil, fmt.Errorf("encryption: field %q: %w", field, err)
		}
		out[field] = string(plaintext)
	}
	return out, nil
}
