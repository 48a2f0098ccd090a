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

package password

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, ErrEmptyPassword)

	src := []byte("correct horse")
	p, err := New(src)
	require.NoError(t, err)
	src[0] = 'X'
	assert.Equal(t, []byte("correct horse"), p.Bytes())
}

func TestBytesReturnsCopy(t *testing.T) {
	p, err := New([]byte("secret"))
	require.NoError(t, err)
	b := p.Bytes()
	b[0] = 'X'
	assert.Equal(t, []byte("secret"), p.Bytes())
}

func TestClear(t *testing.T) {
	p, err := New([]byte("secret"))
	require.NoError(t, err)
	internal := p.password
	p.Clear()

	assert.Nil(t, p.Bytes())
	assert.Equal(t, make([]byte, 6), internal)
	assert.ErrorIs(t, p.Use(func([]byte) error { return nil }), ErrPasswordZeroed)
	p.Clear()
}

func TestUseZeroesCopy(t *testing.T) {
	p, err := New([]byte("secret"))
	require.NoError(t, err)

	var seen []byte
	require.NoError(t, p.Use(func(b []byte) error {
		assert.Equal(t, []byte("secret"), b)
		seen = b
		return nil
	}))
	assert.Equal(t, make([]byte, 6), seen)
	assert.Equal(t, []byte("secret"), p.Bytes())
}

func TestEqual(t *testing.T) {
	a, _ := New([]byte("one"))
	b, _ := New([]byte("one"))
	c, _ := New([]byte("two"))

	eq, err := Equal(a, b)
	require.NoError(t, err)
	assert.True(t, eq)

	eq, err = Equal(a, c)
	require.NoError(t, err)
	assert.False(t, eq)

	c.Clear()
	_, err = Equal(a, c)
	assert.ErrorIs(t, err, ErrPasswordZeroed)
}

func TestReadFromEnv(t *testing.T) {
	t.Setenv("SECURECORE_TEST_MASTER", "from-env")
	p, err := Read(Source{Env: "SECURECORE_TEST_MASTER", File: "/does/not/exist"})
	require.NoError(t, err)
	assert.Equal(t, []byte("from-env"), p.Bytes())
}

func TestReadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master")
	require.NoError(t, os.WriteFile(path, []byte("from-file\nignored\n"), 0o600))

	p, err := Read(Source{Env: "SECURECORE_TEST_UNSET_VAR", File: path})
	require.NoError(t, err)
	assert.Equal(t, []byte("from-file"), p.Bytes())

	_, err = Read(Source{File: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)

	empty := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(empty, []byte("\n"), 0o600))
	_, err = Read(Source{File: empty})
	assert.ErrorIs(t, err, ErrEmptyPassword)
}

func TestReadWithoutTerminal(t *testing.T) {
	f, err := os.Open(os.DevNull)
	require.NoError(t, err)
	defer f.Close()

	var out bytes.Buffer
	_, err = Read(Source{In: f, Out: &out})
	assert.Error(t, err)
	assert.Empty(t, out.String())
}
