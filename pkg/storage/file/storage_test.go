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

package file

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-securecore/pkg/storage"
)

var _ storage.Backend = (*FileStorage)(nil)

func newTestStorage(t *testing.T) *FileStorage {
	t.Helper()
	store, err := New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewRequiresRoot(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}

func TestPutGetDelete(t *testing.T) {
	store := newTestStorage(t)

	require.NoError(t, store.Put("keys/k1.json", []byte(`{"id":"k1"}`), nil))
	got, err := store.Get("keys/k1.json")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"k1"}`, string(got))

	require.NoError(t, store.Put("keys/k1.json", []byte(`{"id":"k1","v":2}`), nil))
	got, err = store.Get("keys/k1.json")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"k1","v":2}`, string(got))

	ok, err := store.Exists("keys/k1.json")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Delete("keys/k1.json"))
	_, err = store.Get("keys/k1.json")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, store.Delete("keys/k1.json"), storage.ErrNotFound)
}

func TestFilePermissions(t *testing.T) {
	store := newTestStorage(t)
	require.NoError(t, store.Put("keys/secret.json", []byte("x"), nil))

	info, err := os.Stat(filepath.Join(store.rootDir, "keys", "secret.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestCreateOnly(t *testing.T) {
	dir := t.TempDir()
	a, err := New(dir)
	require.NoError(t, err)
	b, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, a.Put("keys/k1.json", []byte("from a"), storage.NoOverwrite()))
	// A second handle on the same directory sees the collision.
	assert.ErrorIs(t, b.Put("keys/k1.json", []byte("from b"), storage.NoOverwrite()), storage.ErrExists)

	got, err := b.Get("keys/k1.json")
	require.NoError(t, err)
	assert.Equal(t, "from a", string(got))

	keys, err := a.List("keys/")
	require.NoError(t, err)
	assert.Equal(t, []string{"keys/k1.json"}, keys, "no temp file is left behind")
}

func TestListSkipsTempFiles(t *testing.T) {
	store := newTestStorage(t)
	require.NoError(t, store.Put("keys/b.json", []byte("b"), nil))
	require.NoError(t, store.Put("keys/a.json", []byte("a"), nil))
	require.NoError(t, store.Put("mfa/alice.json", []byte("m"), nil))
	require.NoError(t, os.WriteFile(filepath.Join(store.rootDir, "keys", "c.json.tmp"), []byte("partial"), 0600))

	keys, err := store.List("keys/")
	require.NoError(t, err)
	assert.Equal(t, []string{"keys/a.json", "keys/b.json"}, keys)
}

func TestRejectsUnsafeKeys(t *testing.T) {
	store := newTestStorage(t)

	tests := []string{
		"",
		"../escape",
		"keys/../../escape",
		"/etc/passwd",
		"keys/null\x00byte",
		"keys/x.tmp",
	}
	for _, key := range tests {
		t.Run(key, func(t *testing.T) {
			assert.ErrorIs(t, store.Put(key, []byte("x"), nil), storage.ErrInvalidKey)
			_, err := store.Get(key)
			assert.ErrorIs(t, err, storage.ErrInvalidKey)
		})
	}
}

func TestClosed(t *testing.T) {
	store := newTestStorage(t)
	require.NoError(t, store.Close())
	_, err := store.Get("k")
	assert.ErrorIs(t, err, storage.ErrClosed)
	assert.ErrorIs(t, store.Put("k", nil, nil), storage.ErrClosed)
}

func TestListScopesToPrefixDir(t *testing.T) {
	store := newTestStorage(t)
	require.NoError(t, store.Put("keys/a.json", []byte("a"), nil))
	require.NoError(t, store.Put("keys/a/nested.json", []byte("n"), nil))
	require.NoError(t, store.Put("sessions/s1.json", []byte("s"), nil))

	keys, err := store.List("keys/")
	require.NoError(t, err)
	assert.Equal(t, []string{"keys/a.json", "keys/a/nested.json"}, keys)

	keys, err = store.List("mfa/")
	require.NoError(t, err)
	assert.Empty(t, keys)

	all, err := store.List("")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSymlinkEscapeRefused(t *testing.T) {
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "loot.json"), []byte("secret"), 0600))

	store := newTestStorage(t)
	require.NoError(t, os.Symlink(outside, filepath.Join(store.rootDir, "keys")))

	_, err := store.Get("keys/loot.json")
	require.Error(t, err)
	assert.NotErrorIs(t, err, storage.ErrNotFound)
}
