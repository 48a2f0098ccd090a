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
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/jeremyhahn/go-securecore/pkg/crypto/aead"
	"github.com/jeremyhahn/go-securecore/pkg/secerr"
)

const (
	// PayloadVersion is the current wire format version.
	PayloadVersion byte = 0x01

	// FieldPrefix marks a string produced by EncryptField.
	FieldPrefix = "enc:v1:"

	maxShortField = 1<<16 - 1
	maxCiphertext = 1<<32 - 1
)

// Payload is one sealed value. Context is the caller supplied binding
// (for fields, "table.field") and is authenticated but not encrypted.
type Payload struct {
	KeyID      string
	Algorithm  aead.Algorithm
	Nonce      []byte
	Tag        []byte
	Context    []byte
	Ciphertext []byte
}

// MarshalBinary serializes the payload.
//
// Wire Format (version 1, all lengths big-endian):
//
//	┌────────────────────────────────────────────────────┐
//	│ Version: 1 byte (0x01)                             │
//	├────────────────────────────────────────────────────┤
//	│ Key ID Length: 2 bytes (uint16)                    │
//	│ Key ID: variable bytes (UTF-8 string)              │
//	├────────────────────────────────────────────────────┤
//	│ Algorithm Length: 2 bytes (uint16)                 │
//	│ Algorithm: variable bytes (UTF-8 string)           │
//	├────────────────────────────────────────────────────┤
//	│ Nonce Length: 2 bytes (uint16)                     │
//	│ Nonce: variable bytes                              │
//	├────────────────────────────────────────────────────┤
//	│ Tag Length: 2 bytes (uint16)                       │
//	│ Tag: variable bytes                                │
//	├────────────────────────────────────────────────────┤
//	│ Context Length: 2 bytes (uint16)                   │
//	│ Context: variable bytes                            │
//	├────────────────────────────────────────────────────┤
//	│ Ciphertext Length: 4 bytes (uint32)                │
//	│ Ciphertext: variable bytes                         │
//	└────────────────────────────────────────────────────┘
func (p *Payload) MarshalBinary() ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("encryption: payload is nil")
	}
	short := []struct {
		name string
		b    []byte
	}{
		{"key id", []byte(p.KeyID)},
		{"algorithm", []byte(p.Algorithm)},
		{"nonce", p.Nonce},
		{"tag", p.Tag},
		{"context", p.Context},
	}

	size := 1 + 4 + len(p.Ciphertext)
	for _, f := range short {
		if len(f.b) > maxShortField {
			return nil, fmt.Errorf("encryption: %s too long: %d bytes", f.name, len(f.b))
		}
		size += 2 + len(f.b)
	}
	if uint64(len(p.Ciphertext)) > maxCiphertext {
		return nil, fmt.Errorf("encryption: ciphertext too long: %d bytes", len(p.Ciphertext))
	}

	buf := make([]byte, 0, size)
	buf = append(buf, PayloadVersion)
	for _, f := range short {
		// #nosec G115 - length is validated to be <= 65535 above
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(f.b)))
		buf = append(buf, f.b...)
	}
	// #nosec G115 - length is validated to be <= 4294967295 above
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.Ciphertext)))
	buf = append(buf, p.Ciphertext...)
	return buf, nil
}

// UnmarshalBinary parses a serialized payload. Truncated input, trailing
// bytes and unknown versions are rejected.
func (p *Payload) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)

	version, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("encryption: read version: %w", err)
	}
	if version != PayloadVersion {
		return fmt.Errorf("encryption: unsupported payload version 0x%02x", version)
	}

	readShort := func(name string) ([]byte, error) {
		var n uint16
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, fmt.Errorf("encryption: read %s length: %w", name, err)
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, fmt.Errorf("encryption: read %s: %w", name, err)
		}
		return b, nil
	}

	var out Payload
	keyID, err := readShort("key id")
	if err != nil {
		return err
	}
	alg, err := readShort("algorithm")
	if err != nil {
		return err
	}
	if out.Nonce, err = readShort("nonce"); err != nil {
		return err
	}
	if out.Tag, err = readShort("tag"); err != nil {
		return err
	}
	if out.Context, err = readShort("context"); err != nil {
		return err
	}

	var ctLen uint32
	if err := binary.Read(r, binary.BigEndian, &ctLen); err != nil {
		return fmt.Errorf("encryption: read ciphertext length: %w", err)
	}
	if int64(ctLen) != int64(r.Len()) {
		return fmt.Errorf("encryption: ciphertext length %d does not match remaining %d bytes", ctLen, r.Len())
	}
	out.Ciphertext = make([]byte, ctLen)
	if _, err := io.ReadFull(r, out.Ciphertext); err != nil {
		return fmt.Errorf("encryption: read ciphertext: %w", err)
	}

	out.KeyID = string(keyID)
	out.Algorithm = aead.Algorithm(alg)
	*p = out
	return nil
}

// Encode returns the single-column string form: FieldPrefix followed by
// the unpadded base64url wire bytes.
func (p *Payload) Encode() (string, error) {
	data, err := p.MarshalBinary()
	if err != nil {
		return "", err
	}
	return FieldPrefix + base64.RawURLEncoding.EncodeToString(data), nil
}

// MarshalText implements encoding.TextMarshaler so payloads embed in JSON
// and YAML as their field string.
func (p *Payload) MarshalText() ([]byte, error) {
	s, err := p.Encode()
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Payload) UnmarshalText(text []byte) error {
	parsed, err := ParsePayload(string(text))
	if err != nil {
		return err
	}
	*p = *parsed
	return nil
}

// IsEncoded reports whether s carries the field prefix.
func IsEncoded(s string) bool {
	return strings.HasPrefix(s, FieldPrefix)
}

// ParsePayload decodes a string produced by Encode.
func ParsePayload(s string) (*Payload, error) {
	const op = "encryption.ParsePayload"
	if !IsEncoded(s) {
		return nil, secerr.InvalidArgument(op, "value is not an encrypted field")
	}
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(s, FieldPrefix))
	if err != nil {
		return nil, secerr.Wrap(secerr.KindAuthenticationFailure, op, err)
	}
	var p Payload
	if err := p.UnmarshalBinary(data); err != nil {
		return nil, secerr.Wrap(secerr.KindAuthenticationFailure, op, err)
	}
	return &p, nil
}
