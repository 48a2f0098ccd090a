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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-securecore/pkg/secerr"
)

func TestPayload_WireFormatIsStable(t *testing.T) {
	p := &Payload{
		KeyID:      "k1",
		Algorithm:  "aes-256-gcm",
		Nonce:      []byte{1, 2},
		Tag:        []byte{3},
		Context:    []byte("t.f"),
		Ciphertext: []byte{9, 8, 7},
	}
	data, err := p.MarshalBinary()
	require.NoError(t, err)

	want := []byte{0x01}
	want = append(want, 0x00, 0x02, 'k', '1')
	want = append(want, 0x00, 0x0b)
	want = append(want, "aes-256-gcm"...)
	want = append(want, 0x00, 0x02, 1, 2)
	want = append(want, 0x00, 0x01, 3)
	want = append(want, 0x00, 0x03, 't', '.', 'f')
	want = append(want, 0x00, 0x00, 0x00, 0x03, 9, 8, 7)
	assert.Equal(t, want, data)

	var decoded Payload
	require.NoError(t, decoded.UnmarshalBinary(data))
	assert.Equal(t, *p, decoded)
}

func TestPayload_UnmarshalRejectsMalformed(t *testing.T) {
	good, err := (&Payload{KeyID: "k", Algorithm: "a", Nonce: []byte{1}, Tag: []byte{2}, Ciphertext: []byte{3, 4}}).MarshalBinary()
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad version", append([]byte{0x02}, good[1:]...)},
		{"truncated", good[:len(good)-1]},
		{"trailing bytes", append(append([]byte{}, good...), 0x00)},
		{"truncated header", good[:4]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Payload
			assert.Error(t, p.UnmarshalBinary(tt.data))
		})
	}
}

func TestParsePayload(t *testing.T) {
	_, err := ParsePayload("plain text")
	assert.ErrorIs(t, err, secerr.ErrInvalidArgument)

	_, err = ParsePayload(FieldPrefix + "!!!")
	assert.ErrorIs(t, err, secerr.ErrAuthenticationFailure)

	p := &Payload{KeyID: "k", Algorithm: "a", Ciphertext: []byte{}}
	s, err := p.Encode()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(s, FieldPrefix))
	assert.NotContains(t, s, "=")
	assert.True(t, IsEncoded(s))
}

func TestField_RoundTrip(t *testing.T) {
	e, _ := newTestEngine(t)

	var printable strings.Builder
	for c := byte(0x20); c < 0x7f; c++ {
		printable.WriteByte(c)
	}

	values := []string{"", "a", "ada@example.com", printable.String(), "naïve café ☕"}
	for _, v := range values {
		s, err := e.EncryptField("users", "email", v)
		require.NoError(t, err)
		assert.True(t, IsEncoded(s))

		got, err := e.DecryptField(s)
		require.NoError(t, err)
		assert.Equal(t, v, got)

		got, err = e.DecryptFieldFor("users", "email", s)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestField_ColumnBinding(t *testing.T) {
	e, _ := newTestEngine(t)

	s, err := e.EncryptField("users", "email", "ada@example.com")
	require.NoError(t, err)

	_, err = e.DecryptFieldFor("users", "phone", s)
	assert.ErrorIs(t, err, secerr.ErrAuthenticationFailure)

	_, err = e.EncryptField("", "email", "x")
	assert.ErrorIs(t, err, secerr.ErrInvalidArgument)
}

func TestField_TamperedStringFails(t *testing.T) {
	e, _ := newTestEngine(t)

	s, err := e.EncryptField("users", "email", "ada@example.com")
	require.NoError(t, err)

	p, err := ParsePayload(s)
	require.NoError(t, err)
	p.Ciphertext[0] ^= 0x01
	tampered, err := p.Encode()
	require.NoError(t, err)

	_, err = e.DecryptField(tampered)
	assert.ErrorIs(t, err, secerr.ErrAuthenticationFailure)
}
