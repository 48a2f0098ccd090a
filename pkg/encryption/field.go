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
	"github.com/jeremyhahn/go-securecore/pkg/secerr"
)

// Column and structured record contexts carry distinct prefixes so a value
// sealed for one can never be accepted as the other.
const (
	columnContextPrefix = "column:"
	recordContextPrefix = "record:"
)

func columnContext(table, field string) []byte {
	return []byte(columnContextPrefix + table + "." + field)
}

func recordContext(field string) []byte {
	return []byte(recordContextPrefix + field)
}

// EncryptField seals value for storage in column table.field and returns
// the self-describing string form. The column name is bound as
// authenticated data.
func (e *Engine) EncryptField(table, field, value string) (string, error) {
	if table == "" || field == "" {
		return "", secerr.InvalidArgument("encryption.EncryptField", "table and field are required")
	}
	p, err := e.EncryptWithContext([]byte(value), columnContext(table, field))
	if err != nil {
		return "", err
	}
	return p.Encode()
}

// DecryptField opens a string produced by EncryptField.
func (e *Engine) DecryptField(serialized string) (string, error) {
	p, err := ParsePayload(serialized)
	if err != nil {
		return "", err
	}
	plaintext, err := e.Decrypt(p)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// DecryptFieldFor opens serialized only if it was sealed for column
// table.field, so values cannot be moved between columns.
func (e *Engine) DecryptFieldFor(table, field, serialized string) (string, error) {
	p, err := ParsePayload(serialized)
	if err != nil {
		return "", err
	}
	if string(p.Context) != string(columnContext(table, field)) {
		return "", secerr.AuthenticationFailure("encryption.DecryptFieldFor", "value was not sealed for this column")
	}
	plaintext, err := e.Decrypt(p)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
